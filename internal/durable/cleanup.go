package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scribeworks/controlplane/internal/domain"
	"github.com/scribeworks/controlplane/internal/errs"
	"github.com/scribeworks/controlplane/internal/logger"
)

// CleanupGate reads and writes the "cleanup" metadata row so each
// task runs at most once per 24h regardless of how often the cleanup
// command is invoked (spec.md §4.1 "cleanup tasks").
type CleanupGate struct {
	pool   *pgxpool.Pool
	schema string
	log    *logger.Logger
}

func NewCleanupGate(pool *pgxpool.Pool, schema string, baseLog *logger.Logger) *CleanupGate {
	return &CleanupGate{pool: pool, schema: schema, log: baseLog.With("component", "CleanupGate")}
}

const cleanupInterval = 24 * time.Hour

type cleanupTask string

const (
	TaskGeneral cleanupTask = "general"
	TaskJobs    cleanupTask = "jobs"
	TaskUsers   cleanupTask = "users"
)

// ShouldRun reports whether task is due, based on its last-ran
// timestamp in the cleanup metadata row.
func (g *CleanupGate) ShouldRun(ctx context.Context, task cleanupTask) (bool, domain.CleanupMetadata, error) {
	meta, err := g.read(ctx)
	if err != nil {
		return false, meta, err
	}
	last := fieldFor(meta, task)
	t, err := time.Parse(time.RFC3339, last)
	if err != nil {
		return true, meta, nil
	}
	return time.Since(t) >= cleanupInterval, meta, nil
}

// MarkRan records that task just ran, keeping the other two tasks'
// timestamps untouched.
func (g *CleanupGate) MarkRan(ctx context.Context, task cleanupTask) error {
	meta, err := g.read(ctx)
	if err != nil {
		return err
	}
	now := time.Now().Format(time.RFC3339)
	switch task {
	case TaskGeneral:
		meta.GeneralLastCleanup = now
	case TaskJobs:
		meta.JobsLastCleanup = now
	case TaskUsers:
		meta.UsersLastCleanup = now
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return errs.Internal("durable.CleanupGate.MarkRan", "encode cleanup metadata", err)
	}
	_, err = g.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s.metadata SET data = $1 WHERE topic = $2`, g.schema),
		data, domain.MetadataTopicCleanup,
	)
	if err != nil {
		return errs.FromStore("durable.CleanupGate.MarkRan", err)
	}
	return nil
}

func (g *CleanupGate) read(ctx context.Context) (domain.CleanupMetadata, error) {
	var raw []byte
	err := g.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT data FROM %s.metadata WHERE topic = $1`, g.schema),
		domain.MetadataTopicCleanup,
	).Scan(&raw)
	if err != nil {
		return domain.CleanupMetadata{}, errs.FromStore("durable.CleanupGate.read", err)
	}
	var meta domain.CleanupMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return domain.CleanupMetadata{}, errs.Internal("durable.CleanupGate.read", "decode cleanup metadata", err)
	}
	return meta, nil
}

func fieldFor(meta domain.CleanupMetadata, task cleanupTask) string {
	switch task {
	case TaskJobs:
		return meta.JobsLastCleanup
	case TaskUsers:
		return meta.UsersLastCleanup
	default:
		return meta.GeneralLastCleanup
	}
}
