package cache

import (
	"crypto/tls"
	"time"
)

// Config holds the Redis connection settings. Redis is optional: with no
// URL and no Host the engine runs single-instance with local claims.
type Config struct {
	URL      string `koanf:"url"       json:"url,omitempty"       yaml:"url,omitempty"`
	Host     string `koanf:"host"      json:"host,omitempty"      yaml:"host,omitempty"`
	Port     string `koanf:"port"      json:"port,omitempty"      yaml:"port,omitempty"`
	Password string `koanf:"password"  json:"password,omitempty"  yaml:"password,omitempty"`
	DB       int    `koanf:"db"        json:"db,omitempty"        yaml:"db,omitempty"`
	PoolSize int    `koanf:"pool_size" json:"pool_size,omitempty" yaml:"pool_size,omitempty"`

	TLSEnabled bool        `koanf:"tls_enabled" json:"tls_enabled,omitempty" yaml:"tls_enabled,omitempty"`
	TLSConfig  *tls.Config `koanf:"-"           json:"-"                     yaml:"-"`

	DialTimeout  time.Duration `koanf:"dial_timeout"  json:"dial_timeout,omitempty"  yaml:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `koanf:"read_timeout"  json:"read_timeout,omitempty"  yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `koanf:"write_timeout" json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	PingTimeout  time.Duration `koanf:"ping_timeout"  json:"ping_timeout,omitempty"  yaml:"ping_timeout,omitempty"`
	MaxRetries   int           `koanf:"max_retries"   json:"max_retries,omitempty"   yaml:"max_retries,omitempty"`
}

// Enabled reports whether a Redis server is configured.
func (c *Config) Enabled() bool {
	return c != nil && (c.URL != "" || c.Host != "")
}
