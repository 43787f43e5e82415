package orchestrator

import (
	"context"

	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/domain"
	"github.com/scribeworks/controlplane/internal/durable"
	"github.com/scribeworks/controlplane/internal/ephemeral"
	"github.com/scribeworks/controlplane/internal/logger"
)

// Recover reconciles the Ephemeral Store against the Durable Store at
// startup, the only point the two are allowed to disagree (spec.md
// §4.7). It is a fixed point: running it twice produces the same
// ephemeral state as running it once, since re-enqueuing an already
// in-process job is the only risk and try_assign_any skips those.
func Recover(ctx context.Context, jobs durable.JobsRepo, eph *ephemeral.Store, dispatcher *Dispatcher, log *logger.Logger) error {
	log = log.With("component", "Recovery")

	unfinished, err := jobs.GetAllUnfinishedJobs(dbctx.New(ctx))
	if err != nil {
		return err
	}
	log.Info("recovering unfinished jobs", "count", len(unfinished))

	for _, job := range unfinished {
		if job.Aborting {
			if err := jobs.FinishFailed(dbctx.New(ctx), job.ID, domain.RunnerSnapshot{}, "Job was aborted"); err != nil {
				log.Error("recovery: failed to finalise aborted job", "job_id", job.ID, "error", err)
			}
			continue
		}

		if err := eph.EnqueueNewJob(ctx, job.ID, -job.ID); err != nil {
			log.Error("recovery: failed to enqueue job", "job_id", job.ID, "error", err)
			continue
		}
		if err := dispatcher.TryAssign(ctx, job.ID, job.UserID); err != nil {
			log.Error("recovery: try_assign failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}
