package commands

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"psst/pkg/domain"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL  = "http://localhost:8080"
	DefaultTimeout = 15 * time.Second
)

// Admin is the development-only surface used by list and delete.
type Admin interface {
	List(ctx context.Context, limit int) ([]*domain.PasteStatus, error)
	Delete(ctx context.Context, id string) error
}

// Config is shared by every subcommand. Flags override the profile.
type Config struct {
	APIURL  string
	Timeout time.Duration
	DevMode bool

	// OpenAdmin connects directly to the configured stores.
	OpenAdmin func(ctx context.Context) (Admin, func(), error)
}

// Profile is the optional YAML file read at startup.
type Profile struct {
	APIURL  string `yaml:"api_url"`
	Timeout string `yaml:"timeout,omitempty"`
}

// DefaultProfilePath is ~/.config/psst/profile.yaml.
func DefaultProfilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "psst", "profile.yaml")
}

// ApplyProfile fills unset fields from the profile at path. A missing file
// is not an error.
func (c *Config) ApplyProfile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read profile")
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return errors.Wrapf(err, "parse profile %s", path)
	}
	if c.APIURL == "" {
		c.APIURL = p.APIURL
	}
	if c.Timeout == 0 && p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil {
			return errors.Wrapf(err, "profile timeout %q", p.Timeout)
		}
		c.Timeout = d
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}
