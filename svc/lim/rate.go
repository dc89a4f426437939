package lim

import (
	"context"
	"math"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"psst/cfg"
	"psst/metrics"
	"psst/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	adaptiveWindow  = 60 * time.Second
	globalTimeout   = 100 * time.Millisecond
)

// GlobalCounter is a shared fixed-window counter; *db.Redis satisfies it.
type GlobalCounter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

type Limiter struct {
	global         GlobalCounter
	globalRPM      int
	rpm            int
	burst          int
	trustedProxies []string
	detector       *AnomalyDetector
	adaptiveUntil  atomic.Int64
	clients        map[string]*clientEntry
	mu             sync.Mutex
	quit           chan struct{}
	stopOnce       sync.Once
	evictionSem    chan struct{}
	now            func() time.Time
}

type clientEntry struct {
	limiter    *rate.Limiter
	adaptive   bool
	lastAccess time.Time
}

type Result struct {
	Allowed   bool
	Scope     string
	Limit     int
	Remaining int
	Reset     time.Time
}

// New builds a per-client limiter. global may be nil, in which case only the
// in-process limits apply.
func New(rl cfg.RateLimitCfg, global GlobalCounter, trustedProxies []string) (*Limiter, error) {
	if rl.RPM <= 0 || rl.Burst <= 0 {
		return nil, errors.New("rate limit rpm and burst must be positive")
	}
	for _, proxy := range trustedProxies {
		if !validProxy(proxy) {
			return nil, errors.Errorf("invalid trusted proxy %q", proxy)
		}
	}
	l := &Limiter{
		global:         global,
		globalRPM:      rl.Global,
		rpm:            rl.RPM,
		burst:          rl.Burst,
		trustedProxies: trustedProxies,
		clients:        make(map[string]*clientEntry),
		quit:           make(chan struct{}),
		evictionSem:    make(chan struct{}, 1),
		now:            time.Now,
	}
	if l.globalRPM <= 0 {
		l.global = nil
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	return l, nil
}

// Start launches the idle-client eviction loop and the anomaly window.
func (l *Limiter) Start() {
	l.detector.Start()
	go l.cleanupLoop()
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	now := l.now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.clients {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.clients, key)
			evicted++
		}
	}
	remaining := len(l.clients)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

// TriggerAdaptiveMode halves every limit for adaptiveWindow.
func (l *Limiter) TriggerAdaptiveMode() {
	l.adaptiveUntil.Store(l.now().Add(adaptiveWindow).Unix())
}

func (l *Limiter) adaptive() bool {
	return l.now().Unix() < l.adaptiveUntil.Load()
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

func halve(n int) int {
	if n/2 < 1 {
		return 1
	}
	return n / 2
}

// Check applies the per-client limit for scope, then the shared global
// window when one is configured. A global counter failure falls back to the
// per-client decision.
func (l *Limiter) Check(r *http.Request, scope string) *Result {
	ip := ClientIP(r, l.trustedProxies)
	res := l.checkClient(ip, scope)
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues("client").Inc()
		return res
	}
	if l.global == nil {
		return res
	}
	limit := l.globalRPM
	if l.adaptive() {
		limit = halve(limit)
	}
	ctx, cancel := context.WithTimeout(r.Context(), globalTimeout)
	defer cancel()
	usage, err := l.global.RateLimit(ctx, "ratelimit:global:"+scope, limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Str("scope", scope).Msg("global rate limit unavailable, using per-client limit")
		return res
	}
	if usage > limit {
		metrics.RateLimitHits.WithLabelValues("global").Inc()
		return &Result{
			Allowed: false,
			Scope:   "global",
			Limit:   limit,
			Reset:   l.now().Add(time.Minute),
		}
	}
	if left := limit - usage; left < res.Remaining {
		res.Remaining = left
	}
	return res
}

func (l *Limiter) checkClient(ip, scope string) *Result {
	now := l.now()
	adaptive := l.adaptive()
	rpm, burst := l.rpm, l.burst
	if adaptive {
		rpm, burst = halve(rpm), halve(burst)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.clients) >= (maxLimiters*9)/10 {
		l.scheduleEviction(len(l.clients) / 10)
	}
	key := ip + ":" + scope
	entry, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= maxLimiters {
			util.Warn().
				Int("limiters", len(l.clients)).
				Str("ip", util.RedactIP(ip)).
				Msg("rate limiter at capacity, rejecting request")
			return &Result{Allowed: false, Scope: "client", Limit: rpm, Reset: now.Add(time.Minute)}
		}
		entry = &clientEntry{}
		l.clients[key] = entry
	}
	if entry.limiter == nil || entry.adaptive != adaptive {
		entry.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
		entry.adaptive = adaptive
	}
	entry.lastAccess = now

	if !entry.limiter.AllowN(now, 1) {
		wait := time.Duration(float64(time.Minute) / float64(rpm))
		return &Result{Allowed: false, Scope: "client", Limit: rpm, Reset: now.Add(wait)}
	}
	remaining := int(math.Floor(entry.limiter.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   true,
		Scope:     "client",
		Limit:     rpm,
		Remaining: remaining,
		Reset:     now.Add(time.Minute),
	}
}

// scheduleEviction drops the least recently used clients in the background.
// Caller holds l.mu.
func (l *Limiter) scheduleEviction(count int) {
	if count <= 0 {
		return
	}
	select {
	case l.evictionSem <- struct{}{}:
		go func() {
			defer func() { <-l.evictionSem }()
			l.evictOldest(count)
		}()
	default:
	}
}

func (l *Limiter) evictOldest(count int) {
	type kv struct {
		key        string
		lastAccess time.Time
	}
	l.mu.Lock()
	entries := make([]kv, 0, len(l.clients))
	for k, v := range l.clients {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, ok := l.clients[entries[i].key]; ok {
			delete(l.clients, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
	}
}

// ClientIP returns the caller's address. X-Forwarded-For is honoured only
// when the direct peer is a trusted proxy, and is walked right to left until
// the first untrusted hop.
func ClientIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxHops = 100
	hops := strings.Split(xff, ",")
	if len(hops) > maxHops {
		util.Warn().Int("hops", len(hops)).Str("remote", util.RedactIP(remoteIP)).Msg("XFF header excessive, truncated parsing")
		hops = hops[len(hops)-maxHops:]
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" || net.ParseIP(hop) == nil {
			continue
		}
		if !isTrustedProxy(hop, trustedProxies) {
			return hop
		}
	}
	return remoteIP
}

func validProxy(proxy string) bool {
	if strings.Contains(proxy, "/") {
		_, _, err := net.ParseCIDR(proxy)
		return err == nil
	}
	return net.ParseIP(proxy) != nil
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsed := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsed != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
