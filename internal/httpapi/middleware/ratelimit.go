package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RunnerRateLimiter throttles per-runner heartbeat/register traffic,
// grounded on the crawler package's rate.NewLimiter usage: one
// limiter per runner id, created lazily, since the runner population
// isn't known up front the way a fixed worker pool is.
type RunnerRateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewRunnerRateLimiter(rps float64, burst int) *RunnerRateLimiter {
	return &RunnerRateLimiter{limiters: make(map[int64]*rate.Limiter), rps: rate.Limit(rps), burst: burst}
}

func (rl *RunnerRateLimiter) limiterFor(runnerID int64) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[runnerID]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[runnerID] = l
	}
	return l
}

// Limit must run after RequireRunnerSession so RunnerID(c) is set.
func (rl *RunnerRateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := RunnerID(c)
		if id != 0 && !rl.limiterFor(id).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{"message": "rate limit exceeded", "code": "retryable"}})
			return
		}
		c.Next()
	}
}
