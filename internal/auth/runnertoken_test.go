package auth

import "testing"

func TestNewRunnerTokenRoundTripsWithHashRunnerToken(t *testing.T) {
	token, hash, err := NewRunnerToken()
	if err != nil {
		t.Fatalf("NewRunnerToken: %v", err)
	}
	if token == "" {
		t.Fatal("NewRunnerToken: expected a non-empty token")
	}
	if hash != HashRunnerToken(token) {
		t.Fatalf("NewRunnerToken: hash %q does not match HashRunnerToken(token) %q", hash, HashRunnerToken(token))
	}
}

func TestNewRunnerTokenIsUnique(t *testing.T) {
	a, _, err := NewRunnerToken()
	if err != nil {
		t.Fatalf("NewRunnerToken: %v", err)
	}
	b, _, err := NewRunnerToken()
	if err != nil {
		t.Fatalf("NewRunnerToken: %v", err)
	}
	if a == b {
		t.Fatal("NewRunnerToken: expected two calls to produce distinct tokens")
	}
}

func TestHashRunnerTokenLengthAndStability(t *testing.T) {
	hash := HashRunnerToken("some-runner-token")
	if len(hash) != 43 {
		t.Fatalf("HashRunnerToken: expected a 43-character base64url digest, got %d chars (%q)", len(hash), hash)
	}
	if hash != HashRunnerToken("some-runner-token") {
		t.Fatal("HashRunnerToken: expected the same input to hash identically")
	}
	if hash == HashRunnerToken("some-other-token") {
		t.Fatal("HashRunnerToken: expected different inputs to hash differently")
	}
}
