package ratelimit

import (
	"errors"
	"time"

	"github.com/ulule/limiter/v3"
)

// Config limits requests per client IP.
type Config struct {
	Limit    int64
	Period   time.Duration
	Prefix   string
	MaxRetry int
}

func DefaultConfig() *Config {
	return &Config{
		Limit:    100,
		Period:   time.Minute,
		Prefix:   "taskengine:ratelimit:",
		MaxRetry: 3,
	}
}

func (c *Config) Rate() limiter.Rate {
	return limiter.Rate{Period: c.Period, Limit: c.Limit}
}

func (c *Config) Validate() error {
	if c.Limit <= 0 {
		return errors.New("rate limit must be positive")
	}
	if c.Period <= 0 {
		return errors.New("rate limit period must be positive")
	}
	return nil
}
