package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"psst/cfg"
	"psst/pkg/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "paste:"
	consumeRetries = 3
)

type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(url string, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	timeout := c.StoreTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Redis{client: client, timeout: timeout}, nil
}

func buildRedisTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	redisHostname := os.Getenv("REDIS_HOSTNAME")
	if redisHostname == "" {
		return nil, fmt.Errorf("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = redisHostname
	if certPath := os.Getenv("REDIS_TLS_CA_CERT"); certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
		return tlsConfig, nil
	}
	systemPool, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("failed to load system cert pool: %w", err)
	}
	tlsConfig.RootCAs = systemPool
	return tlsConfig, nil
}

func pasteKey(id string) string { return keyPrefix + id }

// recordTTL makes the key lapse at the record's own expiry. A zero TTL would
// mean no expiry at all, so lapsed records get the shortest one redis takes.
func recordTTL(p *domain.Paste) time.Duration {
	ttl := time.Until(p.ExpiresAt)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl
}

func (r *Redis) Put(ctx context.Context, p *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	ok, err := r.client.SetNX(ctx, pasteKey(p.ID), data, recordTTL(p)).Result()
	if err != nil {
		return errors.Wrap(err, "setnx paste")
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, pasteKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	var p domain.Paste
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	return &p, nil
}

// Consume runs an optimistic WATCH/MULTI transaction. A concurrent writer
// aborts it with TxFailedErr and the conditions are re-read.
func (r *Redis) Consume(ctx context.Context, id string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := pasteKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrConditionFailed
		}
		if err != nil {
			return err
		}
		var p domain.Paste
		if err := json.Unmarshal(data, &p); err != nil {
			return errors.Wrap(err, "unmarshal paste")
		}
		if p.Consumed || p.ExpiredAt(now) {
			return ErrConditionFailed
		}
		p.Consumed = true
		out, err := json.Marshal(&p)
		if err != nil {
			return errors.Wrap(err, "marshal paste")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		return err
	}
	for i := 0; i < consumeRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrConditionFailed):
			return ErrConditionFailed
		default:
			return errors.Wrap(err, "consume paste")
		}
	}
	return ErrConditionFailed
}

func (r *Redis) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, pasteKey(id)).Result()
	if err != nil {
		return false, errors.Wrap(err, "exists paste")
	}
	return n > 0, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Del(ctx, pasteKey(id)).Result()
	if err != nil {
		return errors.Wrap(err, "delete paste")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) List(ctx context.Context, limit int) ([]*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var out []*domain.Paste
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) && len(out) < limit {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "get paste")
		}
		var p domain.Paste
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, errors.Wrap(err, "unmarshal paste")
		}
		out = append(out, &p)
	}
	return out, errors.Wrap(iter.Err(), "scan pastes")
}

// RateLimit increments key within a fixed window and returns the new count.
// Once the window is full the count stops growing and limit+1 is returned.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateLimitScript.Run(ctx, r.client, []string{key}, int(window.Milliseconds()), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}

var rateLimitScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current >= tonumber(ARGV[2]) then
		return current + 1
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return new_val
`)

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
