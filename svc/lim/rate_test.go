package lim

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"psst/cfg"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (f *fakeCounter) RateLimit(_ context.Context, key string, limit int, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.counts[key] >= limit {
		return limit + 1, nil
	}
	f.counts[key]++
	return f.counts[key], nil
}

func newTestLimiter(t *testing.T, rl cfg.RateLimitCfg, global GlobalCounter, proxies ...string) *Limiter {
	t.Helper()
	l, err := New(rl, global, proxies)
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	return l
}

func TestPerClientBurst(t *testing.T) {
	l := newTestLimiter(t, cfg.RateLimitCfg{RPM: 60, Burst: 2}, nil)
	req := httptest.NewRequest("POST", "/create", nil)
	for i := 0; i < 2; i++ {
		if res := l.Check(req, "create"); !res.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	res := l.Check(req, "create")
	if res.Allowed || res.Scope != "client" {
		t.Fatalf("third request = %+v, want client denial", res)
	}
	if res := l.Check(req, "read"); !res.Allowed {
		t.Fatal("scopes should be limited independently")
	}
	other := httptest.NewRequest("POST", "/create", nil)
	other.RemoteAddr = "198.51.100.7:4000"
	if res := l.Check(other, "create"); !res.Allowed {
		t.Fatal("other client should not share the bucket")
	}
}

func TestGlobalWindow(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{}}
	l := newTestLimiter(t, cfg.RateLimitCfg{RPM: 600, Burst: 100, Global: 3}, counter)
	req := httptest.NewRequest("GET", "/paste/x", nil)
	for i := 0; i < 3; i++ {
		res := l.Check(req, "read")
		if !res.Allowed {
			t.Fatalf("request %d denied", i)
		}
		if res.Remaining != 3-(i+1) {
			t.Fatalf("remaining = %d, want %d", res.Remaining, 3-(i+1))
		}
	}
	res := l.Check(req, "read")
	if res.Allowed || res.Scope != "global" {
		t.Fatalf("fourth request = %+v, want global denial", res)
	}
}

func TestGlobalFailureFallsBack(t *testing.T) {
	counter := &fakeCounter{err: errors.New("redis down")}
	l := newTestLimiter(t, cfg.RateLimitCfg{RPM: 60, Burst: 1, Global: 100}, counter)
	req := httptest.NewRequest("GET", "/paste/x", nil)
	if res := l.Check(req, "read"); !res.Allowed {
		t.Fatal("global failure should fall back to the per-client decision")
	}
	if res := l.Check(req, "read"); res.Allowed {
		t.Fatal("per-client limit should still apply")
	}
}

func TestGlobalDisabledWithoutLimit(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int{}}
	l := newTestLimiter(t, cfg.RateLimitCfg{RPM: 60, Burst: 5}, counter)
	if l.global != nil {
		t.Fatal("zero global limit should disable the shared counter")
	}
}

func TestAdaptiveModeHalvesBurst(t *testing.T) {
	l := newTestLimiter(t, cfg.RateLimitCfg{RPM: 60, Burst: 4}, nil)
	l.TriggerAdaptiveMode()
	req := httptest.NewRequest("POST", "/create", nil)
	allowed := 0
	for i := 0; i < 4; i++ {
		if l.Check(req, "create").Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed %d requests in adaptive mode, want 2", allowed)
	}
}

func TestNewRejectsBadProxy(t *testing.T) {
	if _, err := New(cfg.RateLimitCfg{RPM: 1, Burst: 1}, nil, []string{"not-an-ip"}); err == nil {
		t.Fatal("expected error for invalid proxy")
	}
	if _, err := New(cfg.RateLimitCfg{}, nil, nil); err == nil {
		t.Fatal("expected error for zero limits")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		proxies []string
		want    string
	}{
		{"no proxies ignores xff", "203.0.113.5:1000", "1.1.1.1", nil, "203.0.113.5"},
		{"untrusted peer ignores xff", "203.0.113.5:1000", "1.1.1.1", []string{"10.0.0.1"}, "203.0.113.5"},
		{"trusted peer uses last untrusted hop", "10.0.0.1:1000", "1.1.1.1, 2.2.2.2", []string{"10.0.0.1"}, "2.2.2.2"},
		{"cidr skips internal hops", "10.0.0.1:1000", "1.1.1.1, 10.0.0.9", []string{"10.0.0.0/8"}, "1.1.1.1"},
		{"garbage hops skipped", "10.0.0.1:1000", "1.1.1.1, bogus", []string{"10.0.0.1"}, "1.1.1.1"},
		{"all trusted falls back to peer", "10.0.0.1:1000", "10.0.0.2", []string{"10.0.0.0/8"}, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ClientIP(req, tt.proxies); got != tt.want {
				t.Fatalf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAnomalyDetectorTriggers(t *testing.T) {
	fired := 0
	d := NewAnomalyDetector(func() { fired++ })
	for i := 0; i < 20; i++ {
		d.RecordRequest()
	}
	for i := 0; i < 5; i++ {
		d.RecordError()
	}
	if rate, reqs := d.ErrorRate(); reqs != 20 || rate != 25 {
		t.Fatalf("ErrorRate = %v over %d, want 25 over 20", rate, reqs)
	}
	d.Advance()
	if fired != 1 {
		t.Fatalf("onAnomaly fired %d times, want 1", fired)
	}
}

func TestAnomalyDetectorQuietBelowThreshold(t *testing.T) {
	fired := 0
	d := NewAnomalyDetector(func() { fired++ })
	for i := 0; i < 5; i++ {
		d.RecordRequest()
		d.RecordError()
	}
	d.Advance()
	if fired != 0 {
		t.Fatal("too few requests should not trigger")
	}
	for i := 0; i < anomalyBuckets; i++ {
		d.Advance()
	}
	if _, reqs := d.ErrorRate(); reqs != 0 {
		t.Fatalf("window should be empty after a full rotation, got %d requests", reqs)
	}
}
