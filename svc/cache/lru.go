// Package cache remembers paste ids that can no longer be read, so repeat
// requests are answered without a store round-trip.
package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Reason uint8

const (
	Consumed Reason = iota + 1
	Expired
)

func (r Reason) String() string {
	switch r {
	case Consumed:
		return "consumed"
	case Expired:
		return "expired"
	}
	return "unknown"
}

type Tombstones struct {
	c   *lru.Cache[string, tombstone]
	ttl time.Duration
	mu  sync.Mutex
}

type tombstone struct {
	reason Reason
	exp    time.Time
}

func NewTombstones(size int, ttl time.Duration) (*Tombstones, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 1000000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, tombstone](size)
	if err != nil {
		return nil, err
	}
	return &Tombstones{c: c, ttl: ttl}, nil
}

// Lookup reports why id is unreadable at now, if it is known to be.
func (t *Tombstones) Lookup(id string, now time.Time) (Reason, bool) {
	if t == nil {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.c.Get(id)
	if !ok {
		return 0, false
	}
	if now.After(ts.exp) {
		t.c.Remove(id)
		return 0, false
	}
	return ts.reason, true
}

// Mark records id as unreadable until the earlier of until and the cache ttl.
// A record that may be purged and recreated under the same id must not
// outlive its tombstone, so callers pass the record's own expiry.
func (t *Tombstones) Mark(id string, reason Reason, now, until time.Time) {
	if t == nil {
		return
	}
	exp := now.Add(t.ttl)
	if until.Before(exp) {
		exp = until
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Add(id, tombstone{reason: reason, exp: exp})
}

// Forget drops id, used when the record is deleted or created anew.
func (t *Tombstones) Forget(id string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Remove(id)
}

func (t *Tombstones) Len() int {
	if t == nil {
		return 0
	}
	return t.c.Len()
}
