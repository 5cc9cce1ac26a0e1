// Package monitor implements the per-domain proxy pool: the idle set,
// property indices, and response-time-weighted stochastic sampling that
// picks which idle proxy an acquisition receives.
//
// A Monitor does no error management around timing. If a caller acquires a
// proxy and never releases or delists it, the Monitor never corrects itself
// — ordering and cleanup across time are the Broker's responsibility (see
// internal/broker).
package monitor

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"

	"github.com/drsoft-oss/proxybrokerage/internal/proxy"
)

// Stats is a point-in-time snapshot of a Monitor's state.
type Stats struct {
	Available             int
	AcquisitionsProcessed int64
	AvgRespTime           float64
	Indices               map[string]int
}

// Monitor manages the idle set and property indices for a single domain.
type Monitor struct {
	domain string

	mu sync.Mutex

	idle     map[proxy.Key]struct{}
	respTime map[proxy.Key]float64
	props    map[string]map[proxy.Key]struct{}

	acquisitionsProcessed int64
}

// New creates an empty Monitor for domain. domain is used only for logging.
func New(domain string) *Monitor {
	m := &Monitor{
		domain:   domain,
		idle:     make(map[proxy.Key]struct{}),
		respTime: make(map[proxy.Key]float64),
		props:    make(map[string]map[proxy.Key]struct{}),
	}
	log.Printf("[monitor] initiated on %s", domain)
	return m
}

// Domain returns the domain this Monitor manages.
func (m *Monitor) Domain() string { return m.domain }

// Register adds a proxy to the idle set and indexes its property tags.
// Idempotent: registering an already-known key logs and returns.
func (m *Monitor) Register(rec proxy.Record) {
	key := rec.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, known := m.respTime[key]; known {
		log.Printf("[monitor] %s already registered on %s", key, m.domain)
		return
	}

	m.idle[key] = struct{}{}
	m.respTime[key] = rec.RespTime
	for _, tag := range rec.Tags() {
		bucket, ok := m.props[tag]
		if !ok {
			bucket = make(map[proxy.Key]struct{})
			m.props[tag] = bucket
		}
		bucket[key] = struct{}{}
	}

	log.Printf("[monitor] registered %s on %s", key, m.domain)
}

// Delist removes a proxy entirely: from the idle set, from resp_time, and
// from every props bucket (pruning any bucket left empty). Delisting a key
// that isn't known is a caller bug and returns an error.
func (m *Monitor) Delist(key proxy.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, known := m.respTime[key]; !known {
		return fmt.Errorf("monitor: delist of unknown key %s on %s", key, m.domain)
	}

	delete(m.idle, key)
	delete(m.respTime, key)

	for tag, bucket := range m.props {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(m.props, tag)
		}
	}

	log.Printf("[monitor] delisted %s on %s", key, m.domain)
	return nil
}

// Acquire computes the candidate set as the conjunction of idle proxies and
// every requirement tag's bucket (empty requirements means "all idle"),
// samples one candidate with the weighted stochastic policy, removes it from
// idle, and returns it. Returns ("", false) if no candidate is available.
func (m *Monitor) Acquire(requirements ...string) (proxy.Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]proxy.Key, 0, len(m.idle))
	for key := range m.idle {
		candidates = append(candidates, key)
	}
	for _, req := range requirements {
		bucket := m.props[req]
		filtered := candidates[:0:0]
		for _, key := range candidates {
			if _, ok := bucket[key]; ok {
				filtered = append(filtered, key)
			}
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		return "", false
	}

	chosen := m.sample(candidates)
	delete(m.idle, chosen)
	m.acquisitionsProcessed++

	return chosen, true
}

// Release returns a proxy to the idle set. If the key is already idle — the
// auto-return timer beat the caller to it — this logs and, if a positive
// response time was supplied, still overwrites the stored sample (so a
// stale reading doesn't linger, but a client-supplied zero never clobbers
// good data).
func (m *Monitor) Release(key proxy.Key, respTime float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, alreadyIdle := m.idle[key]; alreadyIdle {
		log.Printf("[monitor] %s already idle on %s (auto-return beat the release)", key, m.domain)
	} else {
		m.idle[key] = struct{}{}
		log.Printf("[monitor] %s ready again on %s", key, m.domain)
	}

	if respTime > 0 {
		m.respTime[key] = respTime
	}
}

// AverageResponseTime returns the mean of all known resp_time samples, or
// +Inf when none are known.
func (m *Monitor) AverageResponseTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.averageResponseTimeLocked()
}

func (m *Monitor) averageResponseTimeLocked() float64 {
	if len(m.respTime) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for _, rt := range m.respTime {
		sum += rt
	}
	return sum / float64(len(m.respTime))
}

// Stats returns a snapshot of the Monitor's current counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	indices := make(map[string]int, len(m.props))
	for tag, bucket := range m.props {
		indices[tag] = len(bucket)
	}

	return Stats{
		Available:             len(m.idle),
		AcquisitionsProcessed: m.acquisitionsProcessed,
		AvgRespTime:           m.averageResponseTimeLocked(),
		Indices:               indices,
	}
}

// sample implements stochastic acceptance (see spec.md §4.1): faster
// proxies (lower resp time) are preferred, but every candidate retains a
// non-zero acceptance probability. Must be called with m.mu held.
const sampleEpsilon = 0.01

func (m *Monitor) sample(candidates []proxy.Key) proxy.Key {
	n := len(candidates)
	if n == 1 {
		return candidates[0]
	}

	respTimes := make([]float64, n)
	minRT, maxRT := math.Inf(1), 0.0
	for i, key := range candidates {
		rt := m.respTime[key]
		respTimes[i] = rt
		if rt < minRT {
			minRT = rt
		}
		if rt > maxRT {
			maxRT = rt
		}
	}

	if maxRT == 0 {
		// No timing information for any candidate — uniform choice.
		return candidates[rand.Intn(n)]
	}

	for {
		i := rand.Intn(n)
		score := 1 - (respTimes[i]-minRT)/(maxRT-minRT+sampleEpsilon)
		if rand.Float64() < score {
			return candidates[i]
		}
	}
}
