// Package credential issues and verifies the bearer tokens handed to
// container jobs. A token is bound to one job, one driving task and one
// storage access policy.
package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/storage"
	"github.com/golang-jwt/jwt/v4"
)

const DefaultTTL = 30 * time.Minute

var ErrUnauthorized = errors.New("unauthorized")

type Claims struct {
	jwt.RegisteredClaims
	TaskID              core.ID              `json:"taskId"`
	ExecutorContext     map[string]any       `json:"executorContext,omitempty"`
	StorageAccessPolicy storage.AccessPolicy `json:"storageAccessPolicy,omitempty"`
}

// JobID is the job the token is bound to.
func (c *Claims) JobID() string {
	return c.Subject
}

type Option func(*Issuer)

func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) { i.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// Issuer signs and verifies job tokens with a shared HS256 secret. The
// audience is the platform instance ID.
type Issuer struct {
	secret   []byte
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewIssuer(secret []byte, platformID string, opts ...Option) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("job token secret must be at least 32 bytes")
	}
	if platformID == "" {
		return nil, errors.New("job token audience is required")
	}
	i := &Issuer{
		secret:   append([]byte(nil), secret...),
		audience: platformID,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

func (i *Issuer) Issue(
	jobID string,
	taskID core.ID,
	policy storage.AccessPolicy,
	executorContext map[string]any,
) (string, error) {
	if jobID == "" || taskID.IsZero() {
		return "", errors.New("job id and task id are required")
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   jobID,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		TaskID:              taskID,
		ExecutorContext:     executorContext,
		StorageAccessPolicy: policy,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing job token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, audience and that the token is bound to
// expectedJobID. Every failure wraps ErrUnauthorized.
func (i *Issuer) Verify(token, expectedJobID string) (*Claims, error) {
	var claims Claims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, unauthorized("invalid token", err)
	}
	now := i.now()
	switch {
	case !claims.VerifyExpiresAt(now, true):
		return nil, unauthorized("token expired", nil)
	case !claims.VerifyNotBefore(now, false):
		return nil, unauthorized("token not yet valid", nil)
	case !claims.VerifyAudience(i.audience, true):
		return nil, unauthorized("token audience mismatch", nil)
	case claims.Subject == "" || claims.Subject != expectedJobID:
		return nil, unauthorized("token not issued for this job", nil)
	case claims.TaskID.IsZero():
		return nil, unauthorized("token carries no task", nil)
	}
	return &claims, nil
}

func unauthorized(reason string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnauthorized, reason, err)
	}
	return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
}
