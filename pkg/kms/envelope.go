package kms

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrSealedTooShort = errors.New("sealed data missing wrapped key")

// Envelope encrypts a value under a fresh data key, wrapping that key with the
// configured provider. The output is self-contained:
//
//	[2-byte wrapped key length][wrapped key][nonce|ciphertext|tag]
type Envelope struct {
	adapter *Adapter
	cache   *KEKCache
}

func NewEnvelope(adapter *Adapter, cacheTTL time.Duration) *Envelope {
	return &Envelope{adapter: adapter, cache: NewKEKCache(adapter, cacheTTL)}
}

// Seal binds the ciphertext to name, so a sealed value cannot be moved to
// another key.
func (e *Envelope) Seal(ctx context.Context, name string, plaintext []byte) ([]byte, error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, err
	}
	defer wipeBytes(dek)
	wrapped, err := e.adapter.EncryptWithContext(ctx, dek, EncryptionContext{"blob": name})
	if err != nil {
		return nil, fmt.Errorf("wrap data key: %w", err)
	}
	if len(wrapped) > 0xFFFF {
		return nil, fmt.Errorf("wrapped key too large: %d bytes", len(wrapped))
	}
	body, err := AEADSeal(plaintext, dek, []byte(name))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+len(wrapped)+len(body))
	out = append(out, byte(len(wrapped)>>8), byte(len(wrapped)))
	out = append(out, wrapped...)
	return append(out, body...), nil
}

func (e *Envelope) Open(ctx context.Context, name string, sealed []byte) ([]byte, error) {
	if len(sealed) < 2 {
		return nil, ErrSealedTooShort
	}
	n := int(sealed[0])<<8 | int(sealed[1])
	if len(sealed) < 2+n {
		return nil, ErrSealedTooShort
	}
	wrapped, body := sealed[2:2+n], sealed[2+n:]
	dek, err := e.cache.Unwrap(ctx, wrapped, EncryptionContext{"blob": name})
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	defer wipeBytes(dek)
	return AEADOpen(body, dek, []byte(name))
}

func (e *Envelope) Stats() CacheStats { return e.cache.Stats() }

func (e *Envelope) Close() { e.cache.Stop() }
