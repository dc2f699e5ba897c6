package middleware

import (
	"context"
	"time"

	"codesandbox/internal/common/cache"
	pkgerrors "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/contextkey"
	"codesandbox/pkg/utils/logger"
	"codesandbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// QuotaPolicy caps requests per caller in fixed windows counted in Redis, so
// the cap holds across server instances. Callers are identified by token
// subject, falling back to client IP.
type QuotaPolicy struct {
	Max       int           `yaml:"max"`
	Window    time.Duration `yaml:"window"`
	KeyPrefix string        `yaml:"keyPrefix"`
	Timeout   time.Duration `yaml:"timeout"`
	// FailOpen lets requests through while the counter store is unreachable.
	FailOpen bool `yaml:"failOpen"`
}

// Quota enforces a QuotaPolicy.
type Quota struct {
	store  cache.CounterOps
	policy QuotaPolicy
}

func NewQuota(store cache.CounterOps, policy QuotaPolicy) *Quota {
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}
	if policy.Timeout <= 0 {
		policy.Timeout = 200 * time.Millisecond
	}
	if policy.KeyPrefix == "" {
		policy.KeyPrefix = "sandbox:quota:"
	}
	return &Quota{store: store, policy: policy}
}

// Allow counts one request for key and reports QuotaExceeded past the cap.
func (q *Quota) Allow(ctx context.Context, key string) error {
	if q.policy.Max <= 0 {
		return nil
	}
	if q.store == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("quota store is unavailable")
	}
	ctx, cancel := context.WithTimeout(ctx, q.policy.Timeout)
	defer cancel()

	key = q.policy.KeyPrefix + key
	acquired, err := q.store.SetNX(ctx, key, 1, q.policy.Window)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheError, "quota check failed")
	}
	count := int64(1)
	if !acquired {
		count, err = q.store.Incr(ctx, key)
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheError, "quota check failed")
		}
		// A key without expiry would never reset.
		if ttl, ttlErr := q.store.TTL(ctx, key); ttlErr == nil && ttl < 0 {
			_ = q.store.Expire(ctx, key, q.policy.Window)
		}
	}
	if count > int64(q.policy.Max) {
		return pkgerrors.New(pkgerrors.QuotaExceeded)
	}
	return nil
}

// QuotaMiddleware applies q per caller. onReject, when set, is called for
// every request refused for exceeding the quota.
func QuotaMiddleware(q *Quota, onReject func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if caller, ok := c.Request.Context().Value(contextkey.Caller).(string); ok && caller != "" {
			key = "caller:" + caller
		}
		err := q.Allow(c.Request.Context(), key)
		switch {
		case err == nil:
			c.Next()
		case pkgerrors.Is(err, pkgerrors.QuotaExceeded):
			if onReject != nil {
				onReject()
			}
			response.AbortWithError(c, err)
		case q.policy.FailOpen:
			logger.Warn(c.Request.Context(), "quota check skipped", zap.Error(err))
			c.Next()
		default:
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "")
		}
	}
}
