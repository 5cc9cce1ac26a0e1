package monitor

import (
	"math"
	"testing"

	"github.com/drsoft-oss/proxybrokerage/internal/proxy"
)

func mustRecord(t *testing.T, proto, host string, port int, respTime float64, geo, anon string) proxy.Record {
	t.Helper()
	rec, err := proxy.New(proto, host, port, respTime, geo, anon)
	if err != nil {
		t.Fatalf("proxy.New: %v", err)
	}
	return rec
}

func TestRegister_Idempotent(t *testing.T) {
	m := New("google.com")
	rec := mustRecord(t, "http", "proxy-a", 8888, 0.1, "US", "")

	m.Register(rec)
	m.Register(rec)

	if got := m.Stats().Available; got != 1 {
		t.Fatalf("expected available=1 after duplicate register, got %d", got)
	}
}

func TestRegister_IndexesProperties(t *testing.T) {
	m := New("google.com")
	m.Register(mustRecord(t, "http", "proxy-a", 8888, 0.1, "US", "HTTP-HIGH"))

	stats := m.Stats()
	if stats.Indices["US"] != 1 {
		t.Errorf("expected 1 entry under US, got %d", stats.Indices["US"])
	}
	if stats.Indices["HTTP-HIGH"] != 1 {
		t.Errorf("expected 1 entry under HTTP-HIGH, got %d", stats.Indices["HTTP-HIGH"])
	}
}

func TestAcquire_EmptyWhenNoCandidates(t *testing.T) {
	m := New("google.com")
	if _, ok := m.Acquire(); ok {
		t.Fatal("expected Acquire on empty monitor to report absent")
	}
}

func TestAcquire_ConjunctionOfRequirements(t *testing.T) {
	m := New("google.com")
	m.Register(mustRecord(t, "http", "proxy-a", 8888, 0.1, "US", "HTTP-HIGH"))
	m.Register(mustRecord(t, "http", "proxy-b", 8888, 0.1, "DE", "HTTP-HIGH"))

	key, ok := m.Acquire("US", "HTTP-HIGH")
	if !ok {
		t.Fatal("expected a candidate matching US+HTTP-HIGH")
	}
	if key != "HTTP://PROXY-A:8888" {
		t.Errorf("expected proxy-a, got %s", key)
	}

	if _, ok := m.Acquire("DE", "HTTP-HIGH"); !ok {
		t.Fatal("expected proxy-b to still be idle for DE+HTTP-HIGH")
	}
}

func TestAcquire_RemovesFromIdle(t *testing.T) {
	m := New("google.com")
	m.Register(mustRecord(t, "http", "proxy-a", 8888, 0.1, "", ""))

	key, ok := m.Acquire()
	if !ok {
		t.Fatal("expected to acquire the only proxy")
	}
	if got := m.Stats().Available; got != 0 {
		t.Fatalf("expected available=0 after acquire, got %d", got)
	}
	if _, ok := m.Acquire(); ok {
		t.Fatal("expected no candidates left")
	}
	_ = key
}

func TestDelist_Unknown(t *testing.T) {
	m := New("google.com")
	if err := m.Delist("HTTP://NOPE:1"); err == nil {
		t.Fatal("expected an error delisting an unknown key")
	}
}

func TestDelist_PurgesIndices(t *testing.T) {
	m := New("google.com")
	rec := mustRecord(t, "http", "proxy-a", 8888, 0.1, "US", "")
	m.Register(rec)

	if err := m.Delist(rec.Key()); err != nil {
		t.Fatalf("Delist: %v", err)
	}

	stats := m.Stats()
	if _, ok := stats.Indices["US"]; ok {
		t.Error("expected the US bucket to be pruned after delist")
	}
	if stats.Available != 0 {
		t.Errorf("expected available=0 after delist, got %d", stats.Available)
	}
}

func TestRelease_DoubleReleaseIsLogged(t *testing.T) {
	m := New("google.com")
	rec := mustRecord(t, "http", "proxy-a", 8888, 0.1, "", "")
	m.Register(rec)

	key, _ := m.Acquire()

	// Simulate the auto-return beating the client: release twice.
	m.Release(key, 0.2)
	m.Release(key, 0.3)

	if got := m.Stats().Available; got != 1 {
		t.Fatalf("expected available=1 after double release, got %d", got)
	}
	if got := m.AverageResponseTime(); got != 0.3 {
		t.Errorf("expected the second release's resp_time to win, got %v", got)
	}
}

func TestRelease_ZeroRespTimeDoesNotClobber(t *testing.T) {
	m := New("google.com")
	rec := mustRecord(t, "http", "proxy-a", 8888, 0.5, "", "")
	m.Register(rec)

	key, _ := m.Acquire()
	m.Release(key, 0) // client supplied no reading

	if got := m.AverageResponseTime(); got != 0.5 {
		t.Errorf("expected the original resp_time to survive a zero release, got %v", got)
	}
}

func TestAverageResponseTime_EmptyIsInf(t *testing.T) {
	m := New("google.com")
	if got := m.AverageResponseTime(); !math.IsInf(got, 1) {
		t.Errorf("expected +Inf on an empty monitor, got %v", got)
	}
}

// Scenario 1 (spec.md §8): happy path average.
func TestScenario_HappyPathAverage(t *testing.T) {
	m := New("google.com")
	m.Register(mustRecord(t, "http", "proxy-a", 8888, 0.1, "", ""))
	m.Register(mustRecord(t, "http", "proxy-b", 8888, 0.1, "", ""))

	key, ok := m.Acquire()
	if !ok {
		t.Fatal("expected to acquire a proxy")
	}
	if got := m.Stats().Available; got != 1 {
		t.Fatalf("expected available=1 after one acquire, got %d", got)
	}

	m.Release(key, 0.2)

	if got := m.Stats().Available; got != 2 {
		t.Fatalf("expected available=2 after release, got %d", got)
	}
	if got := m.AverageResponseTime(); math.Abs(got-0.15) > 1e-9 {
		t.Errorf("expected avg 0.15, got %v", got)
	}
}

// Stochastic sampling test (spec.md §8): faster proxies win more often.
func TestSample_PrefersFasterProxy(t *testing.T) {
	m := New("google.com")
	fast := mustRecord(t, "http", "fast", 80, 0.1, "", "")
	slow := mustRecord(t, "http", "slow", 80, 0.2, "", "")
	m.Register(fast)
	m.Register(slow)

	fastCount, slowCount := 0, 0
	for i := 0; i < 100; i++ {
		key, ok := m.Acquire()
		if !ok {
			t.Fatalf("iteration %d: expected a candidate", i)
		}
		switch key {
		case fast.Key():
			fastCount++
			m.Release(key, fast.RespTime)
		case slow.Key():
			slowCount++
			m.Release(key, slow.RespTime)
		default:
			t.Fatalf("unexpected key %s", key)
		}
	}

	if fastCount <= slowCount {
		t.Errorf("expected the faster proxy to be chosen more often: fast=%d slow=%d", fastCount, slowCount)
	}
}

func TestSample_NoTimingInformationIsUniform(t *testing.T) {
	m := New("google.com")
	a := mustRecord(t, "http", "a", 80, 0, "", "")
	b := mustRecord(t, "http", "b", 80, 0, "", "")
	m.Register(a)
	m.Register(b)

	seenA, seenB := false, false
	for i := 0; i < 50; i++ {
		key, ok := m.Acquire()
		if !ok {
			t.Fatalf("iteration %d: expected a candidate", i)
		}
		if key == a.Key() {
			seenA = true
		} else {
			seenB = true
		}
		m.Release(key, 0)
	}

	if !seenA || !seenB {
		t.Error("expected both proxies to be sampled at least once with no timing information")
	}
}
