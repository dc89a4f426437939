package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"psst/cfg"
	"psst/pkg/domain"

	"github.com/alicebob/miniredis/v2"
)

const localKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func localCfg(t *testing.T) *cfg.Cfg {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("KMS_MASTER_KEY_ID", "")
	t.Setenv("KMS_LOCAL_KEY", localKey)
	dir := t.TempDir()
	return &cfg.Cfg{
		MetaBackend:  cfg.MetaSQLite,
		BlobBackend:  cfg.BlobBolt,
		DatabasePath: filepath.Join(dir, "psst.db"),
		BoltPath:     filepath.Join(dir, "blobs.db"),
		StoreTimeout: time.Second,
		KEKCacheTTL:  time.Minute,
	}
}

func TestOpenLocalBackends(t *testing.T) {
	c := localCfg(t)
	st, err := Open(context.Background(), c)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if st.SQLite == nil || st.Bolt == nil || st.Redis != nil {
		t.Fatalf("unexpected backends: %+v", st)
	}
	ctx := context.Background()
	if err := st.Blobs.Put(ctx, "pastes/abc.txt", []byte("hello"), "text/plain"); err != nil {
		t.Fatal(err)
	}
	got, err := st.Blobs.Get(ctx, "pastes/abc.txt")
	if err != nil || string(got) != "hello" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := st.Meta.Ping(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestOpenRedisMeta(t *testing.T) {
	mr := miniredis.RunT(t)
	c := localCfg(t)
	c.MetaBackend = cfg.MetaRedis
	c.RedisURL = "redis://" + mr.Addr()
	st, err := Open(context.Background(), c)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if st.Meta != st.Redis || st.SQLite != nil {
		t.Fatal("redis should back metadata")
	}
	content := "x"
	p := &domain.Paste{ID: "redis-backed-1", Content: &content, ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second)}
	if err := st.Meta.Put(context.Background(), p); err != nil {
		t.Fatal(err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	c := localCfg(t)
	c.MetaBackend = "mongo"
	if _, err := Open(context.Background(), c); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenBoltNeedsKey(t *testing.T) {
	c := localCfg(t)
	t.Setenv("KMS_LOCAL_KEY", "")
	if _, err := Open(context.Background(), c); err == nil {
		t.Fatal("bolt backend without any key provider should fail")
	}
}

func TestLoadSecretsFromProvider(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("from-kms")
	c := localCfg(t)
	c.RedisURL = "redis://" + mr.Addr()
	c.SecretsFromKMS = true
	c.MetricsUser = "prom"
	t.Setenv("REDIS_PASSWORD", "from-kms")
	t.Setenv("METRICS_PASS", "scrape")
	st, err := Open(context.Background(), c)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if c.RedisPassword.Value() != "from-kms" || c.MetricsPass.Value() != "scrape" {
		t.Fatal("secrets not loaded from provider")
	}
}
