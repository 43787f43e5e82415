package durable

import (
	"context"
	"errors"
	"testing"

	"github.com/scribeworks/controlplane/internal/errs"
)

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errs.Retryable("test.op", "serialization_failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("withRetry: expected 3 calls, got %d", calls)
	}
}

func TestWithRetryGivesUpAfterMaxTries(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return errs.Retryable("test.op", "deadlock_detected")
	})
	if err == nil {
		t.Fatal("withRetry: expected error after exhausting retries")
	}
	if !errs.Is(err, errs.CodeRetryable) {
		t.Fatalf("withRetry: expected retryable code in final error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("withRetry: expected exactly 3 attempts, got %d", calls)
	}
}

func TestWithRetryDoesNotRetryNonRetryableErrors(t *testing.T) {
	calls := 0
	sentinel := errs.NotFound("test.op", "not found")
	err := withRetry(context.Background(), func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("withRetry: expected the original error unwrapped, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("withRetry: expected exactly 1 attempt for a non-retryable error, got %d", calls)
	}
}
