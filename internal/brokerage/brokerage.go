// Package brokerage implements the top-level router that maps a request URL
// to a domain and, through to a Broker, creating both the Broker and its
// DomainMonitor lazily on first contact.
package brokerage

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/drsoft-oss/proxybrokerage/internal/broker"
	"github.com/drsoft-oss/proxybrokerage/internal/collection"
	"github.com/drsoft-oss/proxybrokerage/internal/monitor"
	"github.com/drsoft-oss/proxybrokerage/internal/proxy"
)

// AcquireResult is the outcome of an acquisition attempt.
type AcquireResult struct {
	Broker string // the domain the request was resolved to
	Proxy  proxy.Key
	Found  bool
}

// Brokerage lazily instantiates one Broker (and its DomainMonitor) per
// domain and fans new proxy registrations out to all of them via the
// shared ProxyCollection.
type Brokerage struct {
	collection *collection.Collection
	brokerCfg  broker.Config

	mu      sync.Mutex
	brokers map[string]*broker.Broker
}

// New creates a Brokerage backed by coll. Every Broker it lazily creates is
// configured with brokerCfg.
func New(coll *collection.Collection, brokerCfg broker.Config) *Brokerage {
	return &Brokerage{
		collection: coll,
		brokerCfg:  brokerCfg,
		brokers:    make(map[string]*broker.Broker),
	}
}

// Acquire resolves requestURL to a domain, lazily creating its Broker (and
// registering a fresh DomainMonitor with the ProxyCollection, triggering the
// back-fill) if this is the first contact for that domain, then delegates
// to Broker.Acquire.
func (b *Brokerage) Acquire(ctx context.Context, requestURL string, requirements []string, maxWaitTime time.Duration) (AcquireResult, error) {
	domain, err := extractDomain(requestURL)
	if err != nil {
		return AcquireResult{}, err
	}

	br := b.brokerFor(domain)
	key, found := br.Acquire(ctx, maxWaitTime, requirements...)

	return AcquireResult{Broker: domain, Proxy: key, Found: found}, nil
}

// Release locates the Broker for domain and releases proxy key against it.
// A release addressed to an unknown domain is a no-op, not a fault — it
// covers late releases against a broker that was never created or has since
// been evicted from memory (this implementation never evicts brokers, but
// the contract is kept for parity with spec.md).
func (b *Brokerage) Release(domain string, key proxy.Key, responseTime float64, isFailure bool) bool {
	b.mu.Lock()
	br, ok := b.brokers[domain]
	b.mu.Unlock()
	if !ok {
		return false
	}
	br.Release(key, responseTime, isFailure)
	return true
}

// ListAll returns a snapshot of every domain's Broker stats.
func (b *Brokerage) ListAll() map[string]monitor.Stats {
	b.mu.Lock()
	snapshot := make(map[string]*broker.Broker, len(b.brokers))
	for domain, br := range b.brokers {
		snapshot[domain] = br
	}
	b.mu.Unlock()

	out := make(map[string]monitor.Stats, len(snapshot))
	for domain, br := range snapshot {
		out[domain] = br.Stats()
	}
	return out
}

// Stats returns the stats for a single domain, and whether a Broker exists
// for it.
func (b *Brokerage) Stats(domain string) (monitor.Stats, bool) {
	b.mu.Lock()
	br, ok := b.brokers[domain]
	b.mu.Unlock()
	if !ok {
		return monitor.Stats{}, false
	}
	return br.Stats(), true
}

// brokerFor returns the Broker for domain, creating it (and its
// DomainMonitor) on first contact.
func (b *Brokerage) brokerFor(domain string) *broker.Broker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if br, ok := b.brokers[domain]; ok {
		return br
	}

	mon := monitor.New(domain)
	b.collection.RegisterDomainMonitor(mon)
	br := broker.New(mon, b.brokerCfg)
	b.brokers[domain] = br
	return br
}

// extractDomain parses requestURL and returns its lower-cased host.
//
// spec.md's domain-interning optimisation (reusing the same string instance
// for equal host strings, purely to save memory across millions of parsed
// URLs) is explicitly called out in spec.md §9 as omittable: correctness
// must not depend on pointer identity, only on case-folded string equality,
// which Go map keys already give us for free.
func extractDomain(requestURL string) (string, error) {
	u, err := url.Parse(requestURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Host)
	if host == "" {
		// Fall back to treating the whole string as a bare host, matching
		// the teacher's tolerance of "destination" strings that aren't
		// proper URLs (see rotator.extractDomain in the teacher repo).
		host = strings.ToLower(requestURL)
	}
	return host, nil
}
