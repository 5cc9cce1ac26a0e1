// Package proxy defines the immutable description of one upstream proxy
// endpoint and its canonical key.
package proxy

import (
	"fmt"
	"strings"
)

// Key is the canonical string identity of a proxy: "PROTO://HOST:PORT",
// uppercased. It is the stable handle passed around the rest of the system —
// DomainMonitor, Broker, and the REST adapter never operate on a Record
// directly once it has been registered.
type Key string

// Protocols accepted by Record. The upstream discovery pipeline (out of
// scope) is responsible for only ever emitting one of these.
const (
	ProtoHTTP   = "HTTP"
	ProtoHTTPS  = "HTTPS"
	ProtoSOCKS4 = "SOCKS4"
	ProtoSOCKS5 = "SOCKS5"
)

// Record is an immutable description of one proxy endpoint, plus the
// metadata fields that may be refreshed over its lifetime (resp time, geo,
// anon level). Identity is the (Protocol, Host, Port) triple; everything
// else is mutable bookkeeping carried alongside it.
type Record struct {
	Protocol string // uppercased: HTTP, HTTPS, SOCKS4, SOCKS5
	Host     string
	Port     int

	// RespTime is the last observed response time in seconds. Zero means
	// "unknown" — see spec.md §3.
	RespTime float64

	// Geo is a two-letter region code. Empty means absent.
	Geo string

	// AnonLevel is a free-form anonymity tag. Empty means absent.
	AnonLevel string
}

// New validates and constructs a Record. proto must already be one of the
// canonical protocol strings (case-insensitive); host must be non-empty;
// port must be in [1, 65535].
func New(proto, host string, port int, respTime float64, geo, anonLevel string) (Record, error) {
	proto = strings.ToUpper(proto)
	switch proto {
	case ProtoHTTP, ProtoHTTPS, ProtoSOCKS4, ProtoSOCKS5:
	default:
		return Record{}, fmt.Errorf("proxy: unsupported protocol %q", proto)
	}
	if host == "" {
		return Record{}, fmt.Errorf("proxy: host is required")
	}
	if port < 1 || port > 65535 {
		return Record{}, fmt.Errorf("proxy: port %d out of range [1,65535]", port)
	}
	if respTime < 0 {
		return Record{}, fmt.Errorf("proxy: resp_time must be non-negative, got %v", respTime)
	}
	return Record{
		Protocol:  proto,
		Host:      strings.ToUpper(host),
		Port:      port,
		RespTime:  respTime,
		Geo:       strings.ToUpper(geo),
		AnonLevel: strings.ToUpper(anonLevel),
	}, nil
}

// Key returns the canonical "PROTO://HOST:PORT" identity string.
func (r Record) Key() Key {
	return Key(fmt.Sprintf("%s://%s:%d", r.Protocol, r.Host, r.Port))
}

// HasGeo reports whether a geo tag was supplied.
func (r Record) HasGeo() bool { return r.Geo != "" }

// HasAnonLevel reports whether an anon_level tag was supplied.
func (r Record) HasAnonLevel() bool { return r.AnonLevel != "" }

// Tags returns the property tags this record should be indexed under —
// {geo, anon_level} when present, per spec.md §4.1 register().
func (r Record) Tags() []string {
	var tags []string
	if r.HasGeo() {
		tags = append(tags, r.Geo)
	}
	if r.HasAnonLevel() {
		tags = append(tags, r.AnonLevel)
	}
	return tags
}

// String implements fmt.Stringer, matching Key's canonical form.
func (r Record) String() string {
	return string(r.Key())
}
