package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	MetaDynamo = "dynamodb"
	MetaRedis  = "redis"
	MetaSQLite = "sqlite"
	BlobS3     = "s3"
	BlobBolt   = "bolt"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port           string
	Environment    string
	LogLevel       string
	DevMode        bool
	MetaBackend    string
	BlobBackend    string
	TableName      string
	BucketName     string
	BlobPrefix     string
	AWSRegion      string
	AWSEndpointURL string
	DatabasePath   string
	BoltPath       string
	RedisURL       string
	RedisTLS       bool
	RedisUsername  string
	RedisPassword  Secret
	StoreTimeout   time.Duration
	MaxPayloadSize int64
	MinExpiry      time.Duration
	MaxExpiry      time.Duration
	DefaultExpiry  time.Duration
	TombstoneSize  int
	RateLimit      RateLimitCfg
	ContextTimeout time.Duration
	AllowedOrigins []string
	TrustedProxies []string
	MetricsUser    string
	MetricsPass    Secret
	SecretsFromKMS bool
	BlobRetention  time.Duration
	SweepInterval  time.Duration
	KEKCacheTTL    time.Duration
}

type RateLimitCfg struct {
	RPM   int
	Burst int
	// Global caps total requests per minute across instances via redis. Zero disables it.
	Global int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DevMode = getEnv("DEV_MODE", "false") == "true"
	c.MetaBackend = strings.ToLower(getEnv("META_BACKEND", MetaSQLite))
	c.BlobBackend = strings.ToLower(getEnv("BLOB_BACKEND", BlobBolt))
	c.TableName = getEnv("TABLE_NAME", "psst-pastes")
	c.BucketName = getEnv("BUCKET_NAME", "")
	c.BlobPrefix = getEnv("BLOB_PREFIX", "pastes/")
	c.AWSRegion = getEnv("AWS_REGION", "")
	c.AWSEndpointURL = getEnv("AWS_ENDPOINT_URL", "")
	c.DatabasePath = getEnv("DATABASE_PATH", "psst.db")
	c.BoltPath = getEnv("BOLT_PATH", "psst-blobs.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.SecretsFromKMS = getEnv("SECRETS_FROM_KMS", "false") == "true"
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})

	var err error
	durations := []struct {
		dst      *time.Duration
		key      string
		fallback time.Duration
	}{
		{&c.StoreTimeout, "STORE_TIMEOUT", 5 * time.Second},
		{&c.MinExpiry, "MIN_EXPIRY", 5 * time.Minute},
		{&c.MaxExpiry, "MAX_EXPIRY", 7 * 24 * time.Hour},
		{&c.DefaultExpiry, "DEFAULT_EXPIRY", time.Hour},
		{&c.ContextTimeout, "CONTEXT_TIMEOUT", 10 * time.Second},
		{&c.BlobRetention, "BLOB_RETENTION", 8 * 24 * time.Hour},
		{&c.SweepInterval, "SWEEP_INTERVAL", 10 * time.Minute},
		{&c.KEKCacheTTL, "KEK_CACHE_TTL", 10 * time.Minute},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.fallback); err != nil {
			return nil, err
		}
	}
	if c.MaxPayloadSize, err = getInt64("MAX_PAYLOAD_SIZE", 1<<20); err != nil {
		return nil, err
	}
	if c.TombstoneSize, err = getInt("TOMBSTONE_CACHE_SIZE", 10000); err != nil {
		return nil, err
	}
	if c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60); err != nil {
		return nil, err
	}
	if c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10); err != nil {
		return nil, err
	}
	if c.RateLimit.Global, err = getInt("RATE_LIMIT_GLOBAL", 0); err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.MetaBackend {
	case MetaDynamo:
		if c.TableName == "" {
			return errors.New("TABLE_NAME is required for META_BACKEND=dynamodb")
		}
	case MetaRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for META_BACKEND=redis")
		}
	case MetaSQLite:
		if err := withinWorkDir("DATABASE_PATH", c.DatabasePath); err != nil {
			return err
		}
	default:
		return fmt.Errorf("META_BACKEND must be one of dynamodb, redis, sqlite (got %q)", c.MetaBackend)
	}
	switch c.BlobBackend {
	case BlobS3:
		if c.BucketName == "" {
			return errors.New("BUCKET_NAME is required for BLOB_BACKEND=s3")
		}
	case BlobBolt:
		if err := withinWorkDir("BOLT_PATH", c.BoltPath); err != nil {
			return err
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be one of s3, bolt (got %q)", c.BlobBackend)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.RateLimit.Global > 0 && c.RedisURL == "" {
		return errors.New("RATE_LIMIT_GLOBAL requires REDIS_URL")
	}
	if c.MaxPayloadSize <= 0 {
		return errors.New("MAX_PAYLOAD_SIZE must be positive")
	}
	if c.MaxPayloadSize > 10*1024*1024 {
		return errors.New("MAX_PAYLOAD_SIZE cannot exceed 10MB")
	}
	if c.MinExpiry <= 0 || c.MinExpiry > c.MaxExpiry {
		return errors.New("MIN_EXPIRY must be positive and not exceed MAX_EXPIRY")
	}
	if c.DefaultExpiry < c.MinExpiry || c.DefaultExpiry > c.MaxExpiry {
		return errors.New("DEFAULT_EXPIRY must lie within MIN_EXPIRY..MAX_EXPIRY")
	}
	if c.BlobRetention < c.MaxExpiry {
		return errors.New("BLOB_RETENTION must be at least MAX_EXPIRY")
	}
	if c.TombstoneSize <= 0 {
		return errors.New("TOMBSTONE_CACHE_SIZE must be positive")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_BURST must be positive")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("STORE_TIMEOUT must be positive")
	}
	if c.SweepInterval < time.Minute {
		return errors.New("SWEEP_INTERVAL must be at least 1 minute")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.DevMode {
			return errors.New("DEV_MODE must be false in production")
		}
	}
	if c.KEKCacheTTL < 1*time.Minute {
		return errors.New("KEK_CACHE_TTL must be at least 1 minute")
	}
	if c.KEKCacheTTL > 1*time.Hour {
		return errors.New("KEK_CACHE_TTL should not exceed 1 hour (security risk)")
	}
	return nil
}

func withinWorkDir(key, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", key)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if !strings.HasPrefix(absPath, absWorkDir+string(filepath.Separator)) && absPath != absWorkDir {
		return fmt.Errorf("%s must be within working directory %s", key, absWorkDir)
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
