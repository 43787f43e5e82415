package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/scribeworks/controlplane/internal/domain"
)

// SessionClaims is the minimal JWT payload the stub user-session
// token carries: enough for the HTTP layer to resolve a
// domain.LoginContext without a round trip to the Durable Store on
// every request.
type SessionClaims struct {
	jwt.RegisteredClaims
	IsAdmin bool   `json:"is_admin"`
	Email   string `json:"email"`
}

// SessionIssuer signs and verifies the out-of-scope auth provider's
// session token (spec.md §1 out-of-scope collaborators; SPEC_FULL.md
// §2 domain stack). It is deliberately minimal: no refresh-token
// rotation, no revocation list. The rolling_refresh_minutes config
// option is only validated at load time; SessionIssuer does not use it.
type SessionIssuer struct {
	secretKey  []byte
	expiration time.Duration
}

func NewSessionIssuer(secretKey string, expiration time.Duration) *SessionIssuer {
	return &SessionIssuer{secretKey: []byte(secretKey), expiration: expiration}
}

// Issue signs a session token for the given login context.
func (s *SessionIssuer) Issue(lc domain.LoginContext) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(lc.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
		},
		IsAdmin: lc.IsAdmin,
		Email:   lc.Email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// Verify parses and validates a session token, returning the login
// context it carries.
func (s *SessionIssuer) Verify(raw string) (domain.LoginContext, error) {
	var claims SessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secretKey, nil
	})
	if err != nil || !token.Valid {
		return domain.LoginContext{}, fmt.Errorf("invalid session token: %w", err)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return domain.LoginContext{}, fmt.Errorf("invalid session token subject: %w", err)
	}
	return domain.LoginContext{UserID: userID, Email: claims.Email, IsAdmin: claims.IsAdmin}, nil
}

// HashPassword hashes a local-account password for storage.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword reports whether password matches the stored hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
