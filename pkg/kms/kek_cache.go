package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// KEKCache holds unwrapped data keys so repeated blob reads do not round-trip
// to the provider. Concurrent misses for the same wrapped key share one call.
type KEKCache struct {
	entries  sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	hits     atomic.Int64
	misses   atomic.Int64
}

type cachedKey struct {
	mu        sync.RWMutex
	dek       []byte
	expiresAt time.Time
}

type CacheStats struct {
	Entries int
	Expired int
	Hits    int64
	Misses  int64
}

func NewKEKCache(adapter *Adapter, ttl time.Duration) *KEKCache {
	c := &KEKCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// Unwrap returns a copy of the plaintext data key for wrapped.
func (c *KEKCache) Unwrap(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	if c.stopped.Load() {
		return nil, ErrProviderUnavailable
	}
	key := cacheKey(wrapped, encContext)
	if dek, ok := c.load(key); ok {
		c.hits.Add(1)
		return dek, nil
	}
	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		if dek, ok := c.load(key); ok {
			return dek, nil
		}
		c.misses.Add(1)
		dek, err := c.adapter.DecryptWithContext(ctx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		jitter := hashToJitter(key, int64(c.ttl/10/time.Millisecond))
		c.entries.Store(key, &cachedKey{
			dek:       clone(dek),
			expiresAt: time.Now().Add(c.ttl + jitter),
		})
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(res.([]byte)), nil
}

func (c *KEKCache) load(key string) ([]byte, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	entry := v.(*cachedKey)
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if entry.dek == nil || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return clone(entry.dek), true
}

func cacheKey(wrapped []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write([]byte{0})
	h.Write(serializeEncryptionContext(encContext))
	return hex.EncodeToString(h.Sum(nil))
}

// hashToJitter spreads expiry of keys cached at the same moment.
func hashToJitter(hashStr string, maxJitterMs int64) time.Duration {
	if maxJitterMs <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(hashStr) && i < 16; i++ {
		sum += int64(hashStr[i])
	}
	return time.Duration(sum%maxJitterMs) * time.Millisecond
}

func (c *KEKCache) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired(time.Now())
		}
	}
}

func (c *KEKCache) evictExpired(now time.Time) {
	c.entries.Range(func(k, v interface{}) bool {
		entry := v.(*cachedKey)
		entry.mu.Lock()
		if now.After(entry.expiresAt) {
			wipeBytes(entry.dek)
			entry.dek = nil
			c.entries.Delete(k)
		}
		entry.mu.Unlock()
		return true
	})
}

// Stop ends the eviction loop and wipes every cached key.
func (c *KEKCache) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		close(c.stopChan)
		c.entries.Range(func(k, v interface{}) bool {
			entry := v.(*cachedKey)
			entry.mu.Lock()
			wipeBytes(entry.dek)
			entry.dek = nil
			entry.mu.Unlock()
			c.entries.Delete(k)
			return true
		})
	})
}

func (c *KEKCache) Stats() CacheStats {
	stats := CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	now := time.Now()
	c.entries.Range(func(_, v interface{}) bool {
		stats.Entries++
		entry := v.(*cachedKey)
		entry.mu.RLock()
		if now.After(entry.expiresAt) {
			stats.Expired++
		}
		entry.mu.RUnlock()
		return true
	})
	return stats
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
