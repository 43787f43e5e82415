// Package db owns the Durable Store's connection lifecycle: the gorm
// handle used by every repo, the raw pgx pool used only for large
// objects (audio blobs), and schema provisioning (spec.md §4.1).
package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/scribeworks/controlplane/internal/config"
	"github.com/scribeworks/controlplane/internal/logger"
)

// CurrentSchemaMajor gates forward-compatibility: if the metadata row
// records a newer major version than this process understands, the
// process must refuse to start (spec.md §4.1).
const CurrentSchemaMajor = 1

type Service struct {
	gdb    *gorm.DB
	pgpool *pgxpool.Pool
	schema string
	log    *logger.Logger
}

func Open(ctx context.Context, cfg config.Config, log *logger.Logger) (*Service, error) {
	svcLog := log.With("component", "PostgresService")

	gormLog := gormlogger.New(
		stdLogger(),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	gdb, err := gorm.Open(postgres.Open(cfg.PostgresDSN()), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres via pgx: %w", err)
	}

	svc := &Service{gdb: gdb, pgpool: pool, schema: cfg.PostgresSchema, log: svcLog}
	if err := svc.provision(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return svc, nil
}

func stdLogger() *log.Logger { return log.New(os.Stdout, "\r\n", log.LstdFlags) }

func (s *Service) DB() *gorm.DB        { return s.gdb }
func (s *Service) Pool() *pgxpool.Pool { return s.pgpool }

func (s *Service) Close() {
	if s.pgpool != nil {
		s.pgpool.Close()
	}
}
