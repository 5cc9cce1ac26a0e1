// Package collection implements the authoritative proxy registry: the
// single source of truth for every known proxy, which fans new
// registrations out to every live DomainMonitor and back-fills a newly
// created DomainMonitor with everything already known.
package collection

import (
	"log"
	"sync"

	"github.com/drsoft-oss/proxybrokerage/internal/monitor"
	"github.com/drsoft-oss/proxybrokerage/internal/proxy"
)

// Collection is the global registry of proxies and the set of live
// DomainMonitors that should be notified of new registrations.
type Collection struct {
	mu       sync.RWMutex
	proxies  map[proxy.Key]proxy.Record
	monitors map[string]*monitor.Monitor
}

// New creates an empty Collection.
func New() *Collection {
	return &Collection{
		proxies:  make(map[proxy.Key]proxy.Record),
		monitors: make(map[string]*monitor.Monitor),
	}
}

// RegisterProxy stores rec and registers it with every currently live
// monitor. This is how a proxy discovered once becomes visible to every
// domain a client has ever referenced.
func (c *Collection) RegisterProxy(rec proxy.Record) {
	key := rec.Key()

	c.mu.Lock()
	c.proxies[key] = rec
	monitors := make([]*monitor.Monitor, 0, len(c.monitors))
	for _, mon := range c.monitors {
		monitors = append(monitors, mon)
	}
	c.mu.Unlock()

	log.Printf("[collection] registering %s across %d monitor(s)", key, len(monitors))
	for _, mon := range monitors {
		mon.Register(rec)
	}
}

// RegisterDomainMonitor makes mon visible for future broadcasts and
// back-fills it with every proxy already known — this is why a freshly
// created domain doesn't need the discovery pipeline to re-push proxies.
func (c *Collection) RegisterDomainMonitor(mon *monitor.Monitor) {
	c.mu.Lock()
	c.monitors[mon.Domain()] = mon
	records := make([]proxy.Record, 0, len(c.proxies))
	for _, rec := range c.proxies {
		records = append(records, rec)
	}
	c.mu.Unlock()

	for _, rec := range records {
		mon.Register(rec)
	}
	log.Printf("[collection] back-filled %s with %d known proxies", mon.Domain(), len(records))
}

// Proxies returns a defensive copy of every known proxy key → record. The
// returned map and its Record values may be freely mutated by the caller
// without affecting the collection's internal state.
func (c *Collection) Proxies() map[proxy.Key]proxy.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[proxy.Key]proxy.Record, len(c.proxies))
	for k, v := range c.proxies {
		out[k] = v
	}
	return out
}
