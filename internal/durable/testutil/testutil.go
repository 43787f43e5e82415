// Package testutil mirrors the teacher's repos/testutil: a
// TEST_POSTGRES_*-gated *db.Service plus a per-test transaction, so
// durable-store repo tests skip cleanly when no database is wired up
// rather than failing.
package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/scribeworks/controlplane/internal/config"
	"github.com/scribeworks/controlplane/internal/db"
	"github.com/scribeworks/controlplane/internal/logger"
)

var (
	once    sync.Once
	service *db.Service
	initErr error
	skip    bool

	logOnce sync.Once
	log     *logger.Logger
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		var err error
		log, err = logger.New("test")
		if err != nil {
			tb.Fatalf("init test logger: %v", err)
		}
	})
	return log
}

// Service returns a provisioned *db.Service built from TEST_POSTGRES_*
// environment variables, skipping the test if TEST_POSTGRES_HOST is
// unset.
func Service(tb testing.TB) *db.Service {
	tb.Helper()

	once.Do(func() {
		host := os.Getenv("TEST_POSTGRES_HOST")
		if host == "" {
			skip = true
			return
		}
		cfg := config.Config{
			PostgresHost:      host,
			PostgresPort:      envOr("TEST_POSTGRES_PORT", "5432"),
			PostgresUser:      envOr("TEST_POSTGRES_USER", "postgres"),
			PostgresPassword:  os.Getenv("TEST_POSTGRES_PASSWORD"),
			PostgresDB:        envOr("TEST_POSTGRES_DB", "controlplane_test"),
			PostgresSchema:    envOr("TEST_POSTGRES_SCHEMA", "controlplane_test"),
			AudioChunkBytes:   1024 * 1024,
			SessionExpiration: time.Hour,
		}
		service, initErr = db.Open(context.Background(), cfg, Logger(tb))
	})

	if skip {
		tb.Skip("set TEST_POSTGRES_HOST to run durable store integration tests")
	}
	if initErr != nil {
		tb.Fatalf("init test postgres service: %v", initErr)
	}
	return service
}

// Tx returns the DB handle under a rolled-back transaction so tests
// never leave rows behind. GORM's Transaction-scoped DB is used
// directly as dbctx.Context{Tx: ...} by callers.
func Tx(tb testing.TB, svc *db.Service) *gorm.DB {
	tb.Helper()
	tx := svc.DB().Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
