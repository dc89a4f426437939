package kms

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testLocalKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

type mockProvider struct {
	decrypts atomic.Int32
	fail     bool
}

func (m *mockProvider) EncryptWithContext(_ context.Context, p []byte, encContext []byte) ([]byte, error) {
	if m.fail {
		return nil, errors.New("provider down")
	}
	return append(append([]byte{}, encContext...), p...), nil
}

func (m *mockProvider) DecryptWithContext(_ context.Context, c []byte, encContext []byte) ([]byte, error) {
	m.decrypts.Add(1)
	if m.fail {
		return nil, errors.New("provider down")
	}
	if !bytes.HasPrefix(c, encContext) {
		return nil, errors.New("context mismatch")
	}
	return append([]byte{}, c[len(encContext):]...), nil
}

func (m *mockProvider) GetSecret(_ context.Context, key string) (string, error) {
	if m.fail {
		return "", errors.New("provider down")
	}
	return "value-of-" + key, nil
}

func TestNewAdapterLocalKey(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("KMS_MASTER_KEY_ID", "")
	t.Setenv("KMS_LOCAL_KEY", testLocalKey)
	a, err := NewAdapter(context.Background())
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	ctx := context.Background()
	ct, err := a.EncryptWithContext(ctx, []byte("dek"), EncryptionContext{"blob": "a"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := a.DecryptWithContext(ctx, ct, EncryptionContext{"blob": "b"}); err == nil {
		t.Fatal("decrypt with a different context should fail")
	}
	pt, err := a.DecryptWithContext(ctx, ct, EncryptionContext{"blob": "a"})
	if err != nil || string(pt) != "dek" {
		t.Fatalf("decrypt = %q, %v", pt, err)
	}
}

func TestNewAdapterRejectsShortKey(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("KMS_MASTER_KEY_ID", "")
	t.Setenv("KMS_LOCAL_KEY", "c2hvcnQ=")
	if _, err := NewAdapter(context.Background()); err == nil {
		t.Fatal("expected error for 5-byte key")
	}
}

func TestNewAdapterRequirePrimary(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("KMS_MASTER_KEY_ID", "")
	t.Setenv("KMS_LOCAL_KEY", testLocalKey)
	t.Setenv("KMS_REQUIRE_PRIMARY", "true")
	if _, err := NewAdapter(context.Background()); err == nil {
		t.Fatal("local key must not satisfy KMS_REQUIRE_PRIMARY")
	}
}

func TestAdapterFailClosed(t *testing.T) {
	a := &Adapter{primary: &mockProvider{fail: true}, fallback: &mockProvider{}, failClosed: true}
	if _, err := a.Encrypt(context.Background(), []byte("x")); err == nil {
		t.Fatal("fail-closed adapter must not use fallback")
	}
	a.failClosed = false
	if _, err := a.Encrypt(context.Background(), []byte("x")); err != nil {
		t.Fatalf("fail-open adapter should fall back: %v", err)
	}
}

func TestGetSecret(t *testing.T) {
	a := &Adapter{primary: &mockProvider{}}
	v, err := a.GetSecret(context.Background(), "REDIS_PASSWORD")
	if err != nil || v != "value-of-REDIS_PASSWORD" {
		t.Fatalf("GetSecret = %q, %v", v, err)
	}
}

func TestAEADBindsAdditionalData(t *testing.T) {
	dek, err := GenerateDEK()
	if err != nil {
		t.Fatal(err)
	}
	ct, err := AEADSeal([]byte("hello"), dek, []byte("pastes/a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := AEADOpen(ct, dek, []byte("pastes/b.txt")); err == nil {
		t.Fatal("open with different additional data should fail")
	}
	pt, err := AEADOpen(ct, dek, []byte("pastes/a.txt"))
	if err != nil || string(pt) != "hello" {
		t.Fatalf("open = %q, %v", pt, err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	mp := &mockProvider{}
	env := NewEnvelope(&Adapter{primary: mp}, time.Minute)
	defer env.Close()
	ctx := context.Background()

	sealed, err := env.Seal(ctx, "pastes/abc.txt", []byte("secret body"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret body")) {
		t.Fatal("sealed output contains plaintext")
	}
	for i := 0; i < 3; i++ {
		pt, err := env.Open(ctx, "pastes/abc.txt", sealed)
		if err != nil || string(pt) != "secret body" {
			t.Fatalf("Open = %q, %v", pt, err)
		}
	}
	if got := mp.decrypts.Load(); got != 1 {
		t.Errorf("provider decrypts = %d, want 1", got)
	}
	if _, err := env.Open(ctx, "pastes/other.txt", sealed); err == nil {
		t.Fatal("Open under another name should fail")
	}
	if _, err := env.Open(ctx, "pastes/abc.txt", sealed[:1]); !errors.Is(err, ErrSealedTooShort) {
		t.Fatalf("truncated: got %v", err)
	}
}

func TestKEKCacheSingleflight(t *testing.T) {
	mp := &mockProvider{}
	c := NewKEKCache(&Adapter{primary: mp}, time.Minute)
	defer c.Stop()
	ctx := context.Background()
	wrapped, _ := mp.EncryptWithContext(ctx, []byte("0123456789abcdef"), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dek, err := c.Unwrap(ctx, wrapped, nil)
			if err != nil || string(dek) != "0123456789abcdef" {
				t.Errorf("Unwrap = %q, %v", dek, err)
			}
		}()
	}
	wg.Wait()
	if got := mp.decrypts.Load(); got != 1 {
		t.Errorf("provider decrypts = %d, want 1", got)
	}
	if s := c.Stats(); s.Entries != 1 || s.Misses != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestKEKCacheStopWipes(t *testing.T) {
	mp := &mockProvider{}
	c := NewKEKCache(&Adapter{primary: mp}, time.Minute)
	wrapped, _ := mp.EncryptWithContext(context.Background(), []byte("k"), nil)
	if _, err := c.Unwrap(context.Background(), wrapped, nil); err != nil {
		t.Fatal(err)
	}
	c.Stop()
	c.Stop()
	if _, err := c.Unwrap(context.Background(), wrapped, nil); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("after Stop: %v", err)
	}
	if s := c.Stats(); s.Entries != 0 {
		t.Errorf("entries after Stop = %d", s.Entries)
	}
}

func TestKEKCacheEvictExpired(t *testing.T) {
	mp := &mockProvider{}
	c := NewKEKCache(&Adapter{primary: mp}, time.Millisecond)
	defer c.Stop()
	wrapped, _ := mp.EncryptWithContext(context.Background(), []byte("k"), nil)
	if _, err := c.Unwrap(context.Background(), wrapped, nil); err != nil {
		t.Fatal(err)
	}
	c.evictExpired(time.Now().Add(time.Hour))
	if s := c.Stats(); s.Entries != 0 {
		t.Errorf("entries = %d after eviction", s.Entries)
	}
}
