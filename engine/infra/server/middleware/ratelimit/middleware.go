// Package ratelimit caps the request rate of the public API per client IP.
package ratelimit

import (
	"net/http"

	"github.com/compozy/taskengine/engine/infra/server/router"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

type Option func(*options)

type options struct {
	onBlocked func(route string)
}

// WithBlockedHook is called with the route of every rejected request.
func WithBlockedHook(fn func(route string)) Option {
	return func(o *options) { o.onBlocked = fn }
}

// NewMiddleware counts requests in Redis when client is set so the limit
// holds across instances, and in process memory otherwise. Store failures
// let the request through.
func NewMiddleware(cfg *Config, client redis.UniversalClient, opts ...Option) (gin.HandlerFunc, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	store, err := newStore(cfg, client)
	if err != nil {
		return nil, err
	}
	lim := limiter.New(store, cfg.Rate())
	return mgin.NewMiddleware(lim,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			if o.onBlocked != nil {
				o.onBlocked(c.FullPath())
			}
			router.RespondProblemWithCode(c, http.StatusTooManyRequests, router.ErrRateLimitedCode, "too many requests")
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			logger.FromContext(c.Request.Context()).Warn("Rate limit store failed", "error", err)
			c.Next()
		}),
	), nil
}

func newStore(cfg *Config, client redis.UniversalClient) (limiter.Store, error) {
	storeOpts := limiter.StoreOptions{Prefix: cfg.Prefix, MaxRetry: cfg.MaxRetry}
	if client == nil {
		return memory.NewStoreWithOptions(storeOpts), nil
	}
	return sredis.NewStoreWithOptions(client, storeOpts)
}
