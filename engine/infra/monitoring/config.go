package monitoring

import (
	"errors"
	"fmt"
	"strings"
)

// Config controls the Prometheus endpoint.
type Config struct {
	Enabled bool   `koanf:"enabled" json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Path    string `koanf:"path"    json:"path"    yaml:"path"    mapstructure:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Path:    "/metrics",
	}
}

func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("monitoring path cannot be empty")
	}
	if c.Path[0] != '/' {
		return fmt.Errorf("monitoring path must start with '/': got %s", c.Path)
	}
	if strings.HasPrefix(c.Path, "/api/") {
		return errors.New("monitoring path cannot be under /api/")
	}
	if strings.ContainsRune(c.Path, '?') {
		return errors.New("monitoring path cannot contain query parameters")
	}
	return nil
}
