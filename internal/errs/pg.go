package errs

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// FromStore maps an infrastructure failure (gorm/pgx) into our taxonomy.
// Used at the bottom of the durable-store adapter so every higher layer
// only ever sees *errs.Error.
func FromStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return New(CodeNotFound, op, "record not found", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return New(CodeRetryable, op, "context ended", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505": // unique_violation
			return New(CodeConflict, op, pgErr.Message, err)
		case "23503": // foreign_key_violation
			return New(CodeNotFound, op, pgErr.Message, err)
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return New(CodeRetryable, op, pgErr.Message, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "already exists"):
		return New(CodeConflict, op, err.Error(), err)
	case strings.Contains(msg, "deadlock"), strings.Contains(msg, "serializ"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "temporar"):
		return New(CodeRetryable, op, err.Error(), err)
	default:
		return New(CodeInternal, op, err.Error(), err)
	}
}

// IsRetryable reports whether the mapped error should be retried by the
// adapter-layer backoff policy (spec §7 "Transient").
func IsRetryable(err error) bool { return Is(err, CodeRetryable) }
