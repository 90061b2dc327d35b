package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/compozy/taskengine/engine/infra/cache"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/gin-gonic/gin"
)

const (
	HeaderIdempotencyKey   = "Idempotency-Key"
	apiIdempotencyPrefix   = "idempotency:api"
	maxIdempotencyKeyBytes = 100
	defaultIdempotencyTTL  = 24 * time.Hour
)

// APIIdempotency rejects replays of a request carrying the same
// Idempotency-Key header within a TTL. Requests without the header are
// never deduplicated.
type APIIdempotency struct {
	claimer cache.Claimer
	ttl     time.Duration
}

func NewAPIIdempotency(claimer cache.Claimer, ttl time.Duration) *APIIdempotency {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &APIIdempotency{claimer: claimer, ttl: ttl}
}

// CheckAndSet claims the request key and returns cache.ErrDuplicate when it
// is already held. The returned release gives the key back; call it when the
// request fails so a retry is accepted. release is never nil.
func (a *APIIdempotency) CheckAndSet(ctx context.Context, c *gin.Context, namespace string) (func(), error) {
	noop := func() {}
	if a == nil || a.claimer == nil {
		return noop, nil
	}
	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if key == "" {
		return noop, nil
	}
	if len(key) > maxIdempotencyKeyBytes {
		return noop, NewRequestError(http.StatusBadRequest, "idempotency key is too long", nil)
	}
	finalKey := composeIdempotencyKey(namespace, key)
	ok, err := a.claimer.Claim(ctx, finalKey, a.ttl)
	if err != nil {
		return noop, err
	}
	if !ok {
		logger.FromContext(ctx).Warn("Duplicate request", "key", finalKey)
		return noop, fmt.Errorf("%w: request %s already processed", cache.ErrDuplicate, key)
	}
	release := func() {
		if err := a.claimer.Release(context.WithoutCancel(ctx), finalKey); err != nil {
			logger.FromContext(ctx).Error("Failed to release idempotency key", "key", finalKey, "error", err)
		}
	}
	return release, nil
}

func composeIdempotencyKey(namespace string, key string) string {
	cleanNamespace := strings.Trim(strings.TrimSpace(namespace), ":")
	if cleanNamespace == "" {
		return apiIdempotencyPrefix + ":" + key
	}
	return apiIdempotencyPrefix + ":" + cleanNamespace + ":" + key
}
