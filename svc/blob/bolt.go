package blob

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"psst/metrics"
	"psst/svc/util"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	blobBucket  = []byte("blobs")
	indexBucket = []byte("blob_index")
)

// Sealer encrypts blobs at rest, binding each ciphertext to its key.
type Sealer interface {
	Seal(ctx context.Context, name string, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, name string, sealed []byte) ([]byte, error)
}

type boltRecord struct {
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	Sealed      []byte    `json:"sealed"`
}

// Bolt is a single-file blob store for deployments without object storage.
// Blobs are never updated; a retention sweep removes those left behind by
// failed creates or deleted metadata.
type Bolt struct {
	db     *bolt.DB
	sealer Sealer
	now    func() time.Time
}

func OpenBolt(path string, sealer Sealer) (*Bolt, error) {
	if sealer == nil {
		return nil, errors.New("bolt blob store requires a sealer")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{blobBucket, indexBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db, sealer: sealer, now: time.Now}, nil
}

func (b *Bolt) Put(ctx context.Context, key string, data []byte, contentType string) error {
	sealed, err := b.sealer.Seal(ctx, key, data)
	if err != nil {
		return errors.Wrap(err, "seal blob")
	}
	rec := boltRecord{ContentType: contentType, CreatedAt: b.now().UTC(), Sealed: sealed}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal blob")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		blobs, index := tx.Bucket(blobBucket), tx.Bucket(indexBucket)
		if prev := blobs.Get([]byte(key)); prev != nil {
			var old boltRecord
			if json.Unmarshal(prev, &old) == nil {
				if err := index.Delete(indexKey(old.CreatedAt, key)); err != nil {
					return fmt.Errorf("remove previous index: %w", err)
				}
			}
		}
		if err := blobs.Put([]byte(key), raw); err != nil {
			return fmt.Errorf("save blob: %w", err)
		}
		return index.Put(indexKey(rec.CreatedAt, key), []byte(key))
	})
}

func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec boltRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(blobBucket).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, err
	}
	data, err := b.sealer.Open(ctx, key, rec.Sealed)
	return data, errors.Wrap(err, "open blob")
}

func (b *Bolt) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		blobs, index := tx.Bucket(blobBucket), tx.Bucket(indexBucket)
		raw := blobs.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rec boltRecord
		if json.Unmarshal(raw, &rec) == nil {
			if err := index.Delete(indexKey(rec.CreatedAt, key)); err != nil {
				return fmt.Errorf("delete index: %w", err)
			}
		}
		return blobs.Delete([]byte(key))
	})
}

// Sweep removes blobs created at or before cutoff.
func (b *Bolt) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var removed int
	err := b.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(blobBucket)
		cursor := tx.Bucket(indexBucket).Cursor()
		limit := toTimestamp(cutoff)
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if binary.BigEndian.Uint64(k[:8]) > limit {
				break
			}
			if err := blobs.Delete(v); err != nil {
				return fmt.Errorf("delete blob %s: %w", v, err)
			}
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("delete index: %w", err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// RunRetention sweeps blobs older than retention every interval until ctx ends.
func (b *Bolt) RunRetention(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := b.Sweep(ctx, now.Add(-retention))
			if err != nil {
				util.Warn().Err(err).Msg("blob retention sweep failed")
				continue
			}
			if n > 0 {
				metrics.SweepDeleted.WithLabelValues("bolt").Add(float64(n))
				util.Info().Int("deleted", n).Msg("stale blobs swept")
			}
		}
	}
}

func (b *Bolt) Ping(ctx context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(blobBucket) == nil {
			return errors.New("blob bucket missing")
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func indexKey(t time.Time, key string) []byte {
	out := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(out, toTimestamp(t))
	copy(out[8:], key)
	return out
}

func toTimestamp(t time.Time) uint64 {
	return uint64(t.UTC().UnixNano())
}
