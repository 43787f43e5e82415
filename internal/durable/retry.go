package durable

import (
	"context"

	"github.com/cenkalti/backoff/v5"

	"github.com/scribeworks/controlplane/internal/errs"
)

// withRetry runs fn at most three times in total, with exponential
// back-off between attempts,
// when it fails with errs.CodeRetryable — Postgres's transient
// serialization_failure/deadlock_detected/lock_not_available codes
// (errs.IsRetryable, pg.go) — and gives up immediately on anything
// else. cenkalti/backoff/v5 is already in the teacher's own go.mod
// (pulled in indirect there); this is the adapter-layer policy
// SPEC_FULL.md §7 describes for the Durable Store's transient class.
func withRetry(ctx context.Context, fn func() error) error {
	operation := func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !errs.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return err
	}
	return nil
}
