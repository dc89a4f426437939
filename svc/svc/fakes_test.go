package svc

import (
	"context"
	"sync"
	"time"

	"psst/pkg/domain"
	"psst/svc/blob"
	"psst/svc/db"

	"github.com/pkg/errors"
)

type memMeta struct {
	mu      sync.Mutex
	recs    map[string]domain.Paste
	putErr  error
	gets    int
	consume int
}

func newMemMeta() *memMeta { return &memMeta{recs: map[string]domain.Paste{}} }

func (m *memMeta) Put(_ context.Context, p *domain.Paste) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	if _, ok := m.recs[p.ID]; ok {
		return db.ErrExists
	}
	m.recs[p.ID] = *p
	return nil
}

func (m *memMeta) Get(_ context.Context, id string) (*domain.Paste, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	p, ok := m.recs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &p, nil
}

func (m *memMeta) Consume(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consume++
	p, ok := m.recs[id]
	if !ok || p.Consumed || p.ExpiredAt(now) {
		return db.ErrConditionFailed
	}
	p.Consumed = true
	m.recs[id] = p
	return nil
}

func (m *memMeta) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recs[id]
	return ok, nil
}

func (m *memMeta) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.recs, id)
	return nil
}

func (m *memMeta) List(_ context.Context, limit int) ([]*domain.Paste, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Paste
	for _, p := range m.recs {
		if len(out) == limit {
			break
		}
		p := p
		out = append(out, &p)
	}
	return out, nil
}

func (m *memMeta) Ping(context.Context) error { return nil }
func (m *memMeta) Close() error               { return nil }

func (m *memMeta) update(id string, fn func(*domain.Paste)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.recs[id]
	fn(&p)
	m.recs[id] = p
}

type memBlobs struct {
	mu     sync.Mutex
	data   map[string][]byte
	ctypes map[string]string
	putErr error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{data: map[string][]byte{}, ctypes: map[string]string{}}
}

func (b *memBlobs) Put(_ context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return b.putErr
	}
	b.data[key] = append([]byte(nil), data...)
	b.ctypes[key] = contentType
	return nil
}

func (b *memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return append([]byte(nil), d...), nil
}

func (b *memBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *memBlobs) Ping(context.Context) error { return nil }

var errStoreDown = errors.New("connection refused")
