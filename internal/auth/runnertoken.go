// Package auth holds the small token-issuance primitives the core
// owns directly: runner session tokens and user session tokens. The
// identity providers behind them (OIDC, LDAP, local passwords) are an
// out-of-scope external collaborator (spec.md §1); this package only
// stubs the minimal shape the core needs to accredit a caller.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// NewRunnerToken returns a fresh high-entropy bearer token and its
// stored hash. The raw token is handed to the runner once and never
// persisted; only HashRunnerToken's output lives in the Durable Store
// (spec.md §3 "Runner identity").
func NewRunnerToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate runner token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, HashRunnerToken(token), nil
}

// HashRunnerToken mirrors hash_runner_token in the original: a
// base64url, unpadded sha256 digest, 43 characters.
func HashRunnerToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
