package middleware

import (
	"sync"

	pkgerrors "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitPolicy configures a global token bucket plus one bucket per client IP.
// Zero values disable the corresponding bucket.
type RateLimitPolicy struct {
	GlobalRPS   float64 `yaml:"globalRps"`
	GlobalBurst int     `yaml:"globalBurst"`
	IPRPS       float64 `yaml:"ipRps"`
	IPBurst     int     `yaml:"ipBurst"`
}

type rateLimiter struct {
	policy RateLimitPolicy
	global *rate.Limiter
	perIP  sync.Map
}

// RateLimitMiddleware throttles requests with golang.org/x/time/rate buckets.
// onReject, when set, is called for every rejected request.
func RateLimitMiddleware(policy RateLimitPolicy, onReject func()) gin.HandlerFunc {
	rl := &rateLimiter{policy: policy}
	if policy.GlobalRPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(policy.GlobalRPS), burstOf(policy.GlobalBurst, policy.GlobalRPS))
	}
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			if onReject != nil {
				onReject()
			}
			response.AbortWithErrorCode(c, pkgerrors.TooManyRequests, "")
			return
		}
		c.Next()
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	if rl.policy.IPRPS <= 0 {
		return true
	}
	v, ok := rl.perIP.Load(ip)
	if !ok {
		v, _ = rl.perIP.LoadOrStore(ip, rate.NewLimiter(rate.Limit(rl.policy.IPRPS), burstOf(rl.policy.IPBurst, rl.policy.IPRPS)))
	}
	return v.(*rate.Limiter).Allow()
}

func burstOf(burst int, rps float64) int {
	if burst > 0 {
		return burst
	}
	if b := int(rps); b > 0 {
		return b
	}
	return 1
}
