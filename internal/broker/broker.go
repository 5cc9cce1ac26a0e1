// Package broker wraps a single DomainMonitor with the timer-driven release
// state machine described in spec.md §4.2: politeness delays after release,
// auto-reclaiming proxies whose clients disappear, and quarantine/eviction
// of proxies that repeatedly fail.
package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drsoft-oss/proxybrokerage/internal/monitor"
	"github.com/drsoft-oss/proxybrokerage/internal/proxy"
)

// Default tunables, per spec.md §4.2.
const (
	DefaultReturnDelay            = 30 * time.Second
	DefaultAutoReturnDelay        = 60 * time.Second
	DefaultBadReturnDelay         = 600 * time.Second
	DefaultMaxConsecutiveFailures = 3
	DefaultFailedReleaseRespTime  = 30 * time.Second
	DefaultRetryTime              = 1 * time.Second
)

// Config holds every Broker tunable. Zero values are replaced with the
// package defaults in New.
type Config struct {
	ReturnDelay            time.Duration
	AutoReturnDelay        time.Duration
	BadReturnDelay         time.Duration
	MaxConsecutiveFailures int
	FailedReleaseRespTime  time.Duration
	RetryTime              time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReturnDelay == 0 {
		c.ReturnDelay = DefaultReturnDelay
	}
	if c.AutoReturnDelay == 0 {
		c.AutoReturnDelay = DefaultAutoReturnDelay
	}
	if c.BadReturnDelay == 0 {
		c.BadReturnDelay = DefaultBadReturnDelay
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.FailedReleaseRespTime == 0 {
		c.FailedReleaseRespTime = DefaultFailedReleaseRespTime
	}
	if c.RetryTime == 0 {
		c.RetryTime = DefaultRetryTime
	}
	return c
}

// Broker is 1:1 with a DomainMonitor and adds failure accounting and
// timer-driven release on top of it.
type Broker struct {
	monitor *monitor.Monitor
	cfg     Config

	mu                  sync.Mutex
	timers              map[proxy.Key]*time.Timer
	consecutiveFailures map[proxy.Key]int
}

// New wraps mon in a Broker configured with cfg (zero fields take package
// defaults).
func New(mon *monitor.Monitor, cfg Config) *Broker {
	return &Broker{
		monitor:             mon,
		cfg:                 cfg.withDefaults(),
		timers:              make(map[proxy.Key]*time.Timer),
		consecutiveFailures: make(map[proxy.Key]int),
	}
}

// Monitor returns the wrapped DomainMonitor.
func (b *Broker) Monitor() *monitor.Monitor { return b.monitor }

// Acquire polls the monitor for an available proxy matching requirements,
// retrying every RetryTime until one is available or maxWaitTime elapses
// (or ctx is cancelled). Acquisition is deliberately not a FIFO queue:
// concurrent waiters race stochastically, each against the monitor's
// weighted sample. On success, installs an auto-return timer that will
// release the proxy on the client's behalf if it is never released.
func (b *Broker) Acquire(ctx context.Context, maxWaitTime time.Duration, requirements ...string) (proxy.Key, bool) {
	traceID := uuid.NewString()[:8]
	domain := b.monitor.Domain()

	if key, ok := b.monitor.Acquire(requirements...); ok {
		b.armAutoReturn(key)
		log.Printf("[broker %s] acquired %s on %s", traceID, key, domain)
		return key, true
	}

	deadline := time.Now().Add(maxWaitTime)
	log.Printf("[broker %s] waiting up to %s to acquire on %s", traceID, maxWaitTime, domain)

	ticker := time.NewTicker(b.cfg.RetryTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[broker %s] acquire cancelled on %s", traceID, domain)
			return "", false
		case <-ticker.C:
			if key, ok := b.monitor.Acquire(requirements...); ok {
				b.armAutoReturn(key)
				log.Printf("[broker %s] acquired %s on %s (after wait)", traceID, key, domain)
				return key, true
			}
			if time.Now().After(deadline) {
				log.Printf("[broker %s] failed to acquire on %s", traceID, domain)
				return "", false
			}
		}
	}
}

// Release reports the outcome of using a previously acquired proxy.
// It always cancels any timer currently associated with key before deciding
// what to do next, so at most one timer per key is ever outstanding.
//
// is_failure=false: clears any failure counter and arms a ReturnDelay timer
// that will release with responseTime.
//
// is_failure=true: increments the failure counter; at
// MaxConsecutiveFailures or above the proxy is permanently evicted (it
// stays registered with the monitor, but no timer is armed so it never
// re-enters idle — see spec.md §9 open questions). Otherwise arms a
// BadReturnDelay timer that releases with FailedReleaseRespTime.
func (b *Broker) Release(key proxy.Key, responseTime float64, isFailure bool) {
	domain := b.monitor.Domain()

	b.mu.Lock()
	b.cancelTimerLocked(key)

	if isFailure {
		failures := b.consecutiveFailures[key] + 1
		if failures >= b.cfg.MaxConsecutiveFailures {
			delete(b.consecutiveFailures, key)
			b.mu.Unlock()
			log.Printf("[broker] %s failed out on %s (failures=%d)", key, domain, failures)
			return
		}
		b.consecutiveFailures[key] = failures
		b.armLocked(key, b.cfg.BadReturnDelay, b.cfg.FailedReleaseRespTime.Seconds())
		b.mu.Unlock()
		return
	}

	delete(b.consecutiveFailures, key)
	b.armLocked(key, b.cfg.ReturnDelay, responseTime)
	b.mu.Unlock()
}

// Register passes a new proxy through to the wrapped monitor.
func (b *Broker) Register(rec proxy.Record) {
	b.monitor.Register(rec)
}

// Delist removes a proxy from the wrapped monitor and cancels any
// outstanding timer on it.
func (b *Broker) Delist(key proxy.Key) error {
	if err := b.monitor.Delist(key); err != nil {
		return err
	}
	b.mu.Lock()
	b.cancelTimerLocked(key)
	b.mu.Unlock()
	return nil
}

// Stats returns the wrapped monitor's stats snapshot.
func (b *Broker) Stats() monitor.Stats {
	return b.monitor.Stats()
}

// -----------------------------------------------------------------------
// Internal timer management. The timers map is the synchronization
// invariant: at most one handle per key, and installing a new one always
// cancels whatever was there first.
// -----------------------------------------------------------------------

func (b *Broker) armAutoReturn(key proxy.Key) {
	b.mu.Lock()
	b.armLocked(key, b.cfg.AutoReturnDelay, b.cfg.FailedReleaseRespTime.Seconds())
	b.mu.Unlock()
}

// armLocked installs a timer that will, after delay, release key with
// respTimeSeconds and remove itself from the timers map. Must be called
// with b.mu held; cancels any existing timer on key first.
func (b *Broker) armLocked(key proxy.Key, delay time.Duration, respTimeSeconds float64) {
	b.cancelTimerLocked(key)

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		// Compare identity, not mere presence: a newer timer may have been
		// armed on this key between this firing and the lock acquisition.
		// If we're not that timer anymore, we were pre-empted — do nothing.
		if b.timers[key] != t {
			b.mu.Unlock()
			return
		}
		delete(b.timers, key)
		b.mu.Unlock()

		b.monitor.Release(key, respTimeSeconds)
	})
	b.timers[key] = t
}

func (b *Broker) cancelTimerLocked(key proxy.Key) {
	if t, ok := b.timers[key]; ok {
		t.Stop()
		delete(b.timers, key)
	}
}
