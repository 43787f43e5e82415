package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/scribeworks/controlplane/internal/auth"
	"github.com/scribeworks/controlplane/internal/logger"
)

const runnerIDHeader = "X-Runner-Id"

// AuthMiddleware resolves the out-of-scope auth provider's session
// token (user-facing) and the runner session header pair
// (runner-facing), grounded on the teacher's RequireAuth /
// extractTokenFromAll (spec.md §6's "user"/"runner session" auth
// columns).
type AuthMiddleware struct {
	log     *logger.Logger
	session *auth.SessionIssuer
}

func NewAuthMiddleware(log *logger.Logger, session *auth.SessionIssuer) *AuthMiddleware {
	return &AuthMiddleware{log: log.With("middleware", "AuthMiddleware"), session: session}
}

// RequireUser authenticates a user-facing request and stashes the
// resolved login context on the gin context.
func (m *AuthMiddleware) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractBearer(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"}})
			return
		}
		lc, err := m.session.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": err.Error(), "code": "unauthorized"}})
			return
		}
		c.Set("user_id", lc.UserID)
		c.Set("is_admin", lc.IsAdmin)
		c.Next()
	}
}

// RequireAdmin further restricts a RequireUser-protected route to
// admins.
func (m *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAdmin, _ := c.Get("is_admin"); isAdmin != true {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": gin.H{"message": "admin only", "code": "forbidden"}})
			return
		}
		c.Next()
	}
}

// RequireRunnerSession extracts the runner id header and session
// bearer token without verifying them — verification happens deeper
// in RunnerSessionManager, which is the only place the Ephemeral
// Store's online_runner record can be consulted.
func RequireRunnerSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		idStr := c.GetHeader(runnerIDHeader)
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "missing or invalid " + runnerIDHeader, "code": "unauthorized"}})
			return
		}
		token := extractBearer(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "missing session token", "code": "unauthorized"}})
			return
		}
		c.Set("runner_id", id)
		c.Set("session_token", token)
		c.Next()
	}
}

// RequireAdminToken authenticates the administrative surface
// (§6 supplement: /admin/*) against a single static bearer token,
// the minimal shape an "administrative caller" needs without
// standing up a full admin-user system.
func RequireAdminToken(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken == "" || extractBearer(c) != adminToken {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": gin.H{"message": "forbidden", "code": "forbidden"}})
			return
		}
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	if q := c.Query("token"); q != "" {
		return q
	}
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}

// UserID reads the user id set by RequireUser.
func UserID(c *gin.Context) int64 {
	v, _ := c.Get("user_id")
	id, _ := v.(int64)
	return id
}

// IsAdmin reads the admin flag set by RequireUser.
func IsAdmin(c *gin.Context) bool {
	v, _ := c.Get("is_admin")
	b, _ := v.(bool)
	return b
}

// RunnerID reads the runner id set by RequireRunnerSession.
func RunnerID(c *gin.Context) int64 {
	v, _ := c.Get("runner_id")
	id, _ := v.(int64)
	return id
}

// SessionToken reads the runner session token set by
// RequireRunnerSession.
func SessionToken(c *gin.Context) string {
	v, _ := c.Get("session_token")
	s, _ := v.(string)
	return s
}
