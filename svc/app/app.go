// Package app opens the storage backends named by configuration.
package app

import (
	"context"

	"psst/cfg"
	"psst/pkg/kms"
	"psst/svc/blob"
	"psst/svc/db"
	"psst/svc/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/pkg/errors"
)

// Stack is constructed once per process and shared by every request.
type Stack struct {
	Meta  db.MetaStore
	Blobs blob.Store

	// Set only for the matching backends.
	SQLite *db.SQLite
	Redis  *db.Redis
	Bolt   *blob.Bolt

	kms      *kms.Adapter
	envelope *kms.Envelope
}

// Open connects every backend c selects. On error anything already opened
// is closed.
func Open(ctx context.Context, c *cfg.Cfg) (st *Stack, err error) {
	st = &Stack{}
	defer func() {
		if err != nil {
			st.Close()
			st = nil
		}
	}()

	if c.SecretsFromKMS || c.BlobBackend == cfg.BlobBolt {
		if st.kms, err = kms.NewAdapter(ctx); err != nil {
			return nil, errors.Wrap(err, "kms adapter")
		}
	}
	if c.SecretsFromKMS {
		if err = LoadSecrets(ctx, c, st.kms); err != nil {
			return nil, err
		}
	}

	var awsCfg *aws.Config
	awsConfig := func() (aws.Config, error) {
		if awsCfg == nil {
			ac, err := c.AWSConfig(ctx)
			if err != nil {
				return aws.Config{}, errors.Wrap(err, "aws config")
			}
			awsCfg = &ac
		}
		return *awsCfg, nil
	}

	if c.RedisURL != "" {
		if st.Redis, err = db.NewRedis(c.RedisURL, c); err != nil {
			return nil, errors.Wrapf(err, "redis %s", util.RedactURL(c.RedisURL))
		}
	}

	switch c.MetaBackend {
	case cfg.MetaSQLite:
		if st.SQLite, err = db.NewSQLite(c.DatabasePath, c.StoreTimeout); err != nil {
			return nil, errors.Wrap(err, "sqlite")
		}
		st.Meta = st.SQLite
	case cfg.MetaRedis:
		if st.Redis == nil {
			return nil, errors.New("META_BACKEND=redis requires REDIS_URL")
		}
		st.Meta = st.Redis
	case cfg.MetaDynamo:
		ac, err := awsConfig()
		if err != nil {
			return nil, err
		}
		st.Meta = db.NewDynamoFromConfig(ac, c.TableName, c.StoreTimeout)
	default:
		return nil, errors.Errorf("unknown metadata backend %q", c.MetaBackend)
	}

	switch c.BlobBackend {
	case cfg.BlobBolt:
		st.envelope = kms.NewEnvelope(st.kms, c.KEKCacheTTL)
		if st.Bolt, err = blob.OpenBolt(c.BoltPath, st.envelope); err != nil {
			return nil, errors.Wrap(err, "bolt")
		}
		st.Blobs = st.Bolt
	case cfg.BlobS3:
		ac, err := awsConfig()
		if err != nil {
			return nil, err
		}
		st.Blobs = blob.NewS3FromConfig(ac, c.BucketName, c.StoreTimeout)
	default:
		return nil, errors.Errorf("unknown blob backend %q", c.BlobBackend)
	}

	util.Info().
		Str("meta", c.MetaBackend).
		Str("blobs", c.BlobBackend).
		Bool("redis", st.Redis != nil).
		Msg("storage initialized")
	return st, nil
}

// LoadSecrets replaces REDIS_PASSWORD and METRICS_PASS with values from the
// key management provider.
func LoadSecrets(ctx context.Context, c *cfg.Cfg, adapter *kms.Adapter) error {
	if c.RedisURL != "" {
		v, err := adapter.GetSecret(ctx, "REDIS_PASSWORD")
		if err != nil {
			return errors.Wrap(err, "load REDIS_PASSWORD")
		}
		c.RedisPassword.Wipe()
		c.RedisPassword = cfg.NewSecret(v)
	}
	if c.MetricsUser != "" {
		v, err := adapter.GetSecret(ctx, "METRICS_PASS")
		if err != nil {
			return errors.Wrap(err, "load METRICS_PASS")
		}
		c.MetricsPass.Wipe()
		c.MetricsPass = cfg.NewSecret(v)
	}
	return nil
}

// Close releases backends in reverse order of opening.
func (s *Stack) Close() {
	if s == nil {
		return
	}
	if s.Bolt != nil {
		if err := s.Bolt.Close(); err != nil {
			util.Warn().Err(err).Msg("close bolt")
		}
	}
	if s.envelope != nil {
		s.envelope.Close()
	}
	if s.SQLite != nil {
		if err := s.SQLite.Close(); err != nil {
			util.Warn().Err(err).Msg("close sqlite")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			util.Warn().Err(err).Msg("close redis")
		}
	}
}
