package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/scribeworks/controlplane/internal/domain"
)

// advisoryLockKey is an arbitrary but fixed key: schema provisioning
// across worker processes is serialised on this lock (spec.md §4.1,
// §5 "The startup advisory lock serialises schema initialisation
// across workers").
const advisoryLockKey int64 = 0x53_63_72_62_50_57 // stable, arbitrary

// provision ensures the namespace exists, ensures every required
// table exists, and ensures the metadata row records the software
// version — all guarded by a process-wide advisory lock, per
// spec.md §4.1.
func (s *Service) provision(ctx context.Context) error {
	conn, err := s.pgpool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire provisioning connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockKey)
	}()

	if _, err := conn.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.schema)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if err := s.gdb.Exec(fmt.Sprintf(`SET search_path TO %s, public`, s.schema)).Error; err != nil {
		return fmt.Errorf("set gorm search_path: %w", err)
	}

	var metadataExists, anyTableExists bool
	if err := conn.QueryRow(ctx, tableExistsQuery, s.schema, "metadata").Scan(&metadataExists); err != nil {
		return fmt.Errorf("check metadata table: %w", err)
	}
	if !metadataExists {
		if err := conn.QueryRow(ctx, anyTableExistsQuery, s.schema).Scan(&anyTableExists); err != nil {
			return fmt.Errorf("check for any table: %w", err)
		}
		if anyTableExists {
			return fmt.Errorf("schema %q has tables but no metadata row: refusing to guess, run migrations manually", s.schema)
		}
	}

	if err := s.gdb.AutoMigrate(
		&domain.User{},
		&domain.LocalAccount{},
		&domain.OIDCAccount{},
		&domain.LDAPAccount{},
		&domain.TokenSecret{},
		&domain.RunnerIdentity{},
		&domain.JobSettings{},
		&domain.Job{},
		&domain.Transcript{},
		&domain.Metadata{},
		&domain.SiteBanner{},
	); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}

	if err := s.applyConstraintsAndTriggers(ctx, conn); err != nil {
		return err
	}

	if !metadataExists {
		if err := s.seedMetadata(ctx, conn); err != nil {
			return err
		}
	} else if err := s.checkForwardCompatibility(ctx, conn); err != nil {
		return err
	}

	return nil
}

const tableExistsQuery = `
SELECT EXISTS (
	SELECT 1 FROM information_schema.tables
	WHERE table_schema = $1 AND table_type = 'BASE TABLE' AND table_name = $2
)`

const anyTableExistsQuery = `
SELECT EXISTS (
	SELECT 1 FROM information_schema.tables
	WHERE table_schema = $1 AND table_type = 'BASE TABLE'
)`

func (s *Service) seedMetadata(ctx context.Context, conn *pgxpool.Conn) error {
	appMeta, err := json.Marshal(domain.ApplicationMetadata{
		LastUsedVersion: appVersion,
		SchemaMajor:     CurrentSchemaMajor,
	})
	if err != nil {
		return err
	}
	cleanupMeta, err := json.Marshal(domain.CleanupMetadata{
		GeneralLastCleanup: time.Time{}.Format(time.RFC3339),
		JobsLastCleanup:    time.Time{}.Format(time.RFC3339),
		UsersLastCleanup:   time.Time{}.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s.metadata (topic, data) VALUES ($1, $2), ($3, $4)`, s.schema),
		domain.MetadataTopicApplication, appMeta,
		domain.MetadataTopicCleanup, cleanupMeta,
	); err != nil {
		return fmt.Errorf("seed metadata: %w", err)
	}
	return nil
}

// checkForwardCompatibility refuses to start if the store was last
// opened by a newer major version than this process (spec.md §4.1
// "forward compatibility is not assumed").
func (s *Service) checkForwardCompatibility(ctx context.Context, conn *pgxpool.Conn) error {
	var raw []byte
	err := conn.QueryRow(ctx,
		fmt.Sprintf(`SELECT data FROM %s.metadata WHERE topic = $1`, s.schema),
		domain.MetadataTopicApplication,
	).Scan(&raw)
	if err != nil {
		return fmt.Errorf("read application metadata: %w", err)
	}
	var meta domain.ApplicationMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("decode application metadata: %w", err)
	}
	if meta.SchemaMajor > CurrentSchemaMajor {
		return fmt.Errorf("store was opened by schema major %d, this process only understands up to %d: refusing to start", meta.SchemaMajor, CurrentSchemaMajor)
	}
	if meta.SchemaMajor < CurrentSchemaMajor {
		meta.SchemaMajor = CurrentSchemaMajor
		meta.LastUsedVersion = appVersion
		updated, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if _, err := conn.Exec(ctx,
			fmt.Sprintf(`UPDATE %s.metadata SET data = $1 WHERE topic = $2`, s.schema),
			updated, domain.MetadataTopicApplication,
		); err != nil {
			return fmt.Errorf("bump application metadata: %w", err)
		}
	}
	return nil
}

const appVersion = "0.1.0"
