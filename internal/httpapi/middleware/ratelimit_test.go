package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func runRateLimited(t *testing.T, rl *RunnerRateLimiter, runnerID int64) int {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest("POST", "/runners/heartbeat", nil)
	c.Set("runner_id", runnerID)
	rl.Limit()(c)
	return rec.Code
}

func TestRunnerRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewRunnerRateLimiter(1, 2)
	if code := runRateLimited(t, rl, 1); code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", code)
	}
	if code := runRateLimited(t, rl, 1); code != http.StatusOK {
		t.Fatalf("expected second request within burst to pass, got %d", code)
	}
}

func TestRunnerRateLimiterRejectsOverBurst(t *testing.T) {
	rl := NewRunnerRateLimiter(0, 1)
	if code := runRateLimited(t, rl, 1); code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", code)
	}
	if code := runRateLimited(t, rl, 1); code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", code)
	}
}

func TestRunnerRateLimiterIsPerRunner(t *testing.T) {
	rl := NewRunnerRateLimiter(0, 1)
	if code := runRateLimited(t, rl, 1); code != http.StatusOK {
		t.Fatalf("expected runner 1's first request to pass, got %d", code)
	}
	if code := runRateLimited(t, rl, 1); code != http.StatusTooManyRequests {
		t.Fatalf("expected runner 1's second request to be limited, got %d", code)
	}
	if code := runRateLimited(t, rl, 2); code != http.StatusOK {
		t.Fatalf("expected runner 2's first request to pass independently, got %d", code)
	}
}

func TestRunnerRateLimiterIgnoresUnsetRunnerID(t *testing.T) {
	rl := NewRunnerRateLimiter(0, 1)
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest("POST", "/runners/heartbeat", nil)
	rl.Limit()(c)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected requests with no runner_id set to pass through unthrottled, got %d", rec.Code)
	}
}
