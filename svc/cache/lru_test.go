package cache

import (
	"testing"
	"time"
)

func TestTombstonesMarkLookup(t *testing.T) {
	ts, err := NewTombstones(10, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if _, ok := ts.Lookup("aaaaaaaaaa", now); ok {
		t.Fatal("empty cache reported a tombstone")
	}
	far := now.Add(24 * time.Hour)
	ts.Mark("aaaaaaaaaa", Consumed, now, far)
	ts.Mark("bbbbbbbbbb", Expired, now, far)
	if r, ok := ts.Lookup("aaaaaaaaaa", now); !ok || r != Consumed {
		t.Errorf("Lookup a = %v, %v", r, ok)
	}
	if r, ok := ts.Lookup("bbbbbbbbbb", now); !ok || r != Expired {
		t.Errorf("Lookup b = %v, %v", r, ok)
	}
	ts.Forget("aaaaaaaaaa")
	if _, ok := ts.Lookup("aaaaaaaaaa", now); ok {
		t.Error("Forget left the tombstone")
	}
}

func TestTombstonesExpire(t *testing.T) {
	ts, _ := NewTombstones(10, time.Minute)
	now := time.Now()
	ts.Mark("aaaaaaaaaa", Consumed, now, now.Add(time.Hour))
	if _, ok := ts.Lookup("aaaaaaaaaa", now.Add(2*time.Minute)); ok {
		t.Fatal("stale tombstone returned")
	}
	if ts.Len() != 0 {
		t.Errorf("Len = %d after expiry", ts.Len())
	}
}

func TestTombstonesCappedByUntil(t *testing.T) {
	ts, _ := NewTombstones(10, time.Hour)
	now := time.Now()
	ts.Mark("aaaaaaaaaa", Consumed, now, now.Add(time.Minute))
	if _, ok := ts.Lookup("aaaaaaaaaa", now.Add(30*time.Second)); !ok {
		t.Fatal("tombstone missing before its record expired")
	}
	if _, ok := ts.Lookup("aaaaaaaaaa", now.Add(2*time.Minute)); ok {
		t.Fatal("tombstone outlived its record")
	}
}

func TestTombstonesEvictOldest(t *testing.T) {
	ts, _ := NewTombstones(2, time.Hour)
	now := time.Now()
	far := now.Add(time.Hour)
	ts.Mark("id-0000001", Consumed, now, far)
	ts.Mark("id-0000002", Consumed, now, far)
	ts.Mark("id-0000003", Consumed, now, far)
	if _, ok := ts.Lookup("id-0000001", now); ok {
		t.Error("oldest entry not evicted")
	}
}

func TestTombstonesNilSafe(t *testing.T) {
	var ts *Tombstones
	now := time.Now()
	ts.Mark("aaaaaaaaaa", Consumed, now, now.Add(time.Hour))
	if _, ok := ts.Lookup("aaaaaaaaaa", now); ok {
		t.Fatal("nil cache returned a tombstone")
	}
	if ts.Len() != 0 {
		t.Fatal("nil cache has entries")
	}
}

func TestNewTombstonesRejectsBadSize(t *testing.T) {
	if _, err := NewTombstones(0, time.Hour); err == nil {
		t.Fatal("expected error for zero size")
	}
}
