// Package orchestrator wires the Ephemeral Store, Durable Store, and
// Event Bus into the four higher-level components spec.md §4.3-§4.7
// describe: the Dispatcher, the Runner Session Manager, the Job
// Lifecycle Manager, and Recovery.
package orchestrator

import (
	"context"

	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/durable"
	"github.com/scribeworks/controlplane/internal/ephemeral"
	"github.com/scribeworks/controlplane/internal/logger"
	"github.com/scribeworks/controlplane/internal/metrics"
)

// Dispatcher is stateless with respect to its own memory; all state
// lives in the Ephemeral Store (spec.md §4.3). Both of its triggers
// are idempotent and return quietly when no match can be made.
type Dispatcher struct {
	ephemeral *ephemeral.Store
	jobs      durable.JobsRepo
	log       *logger.Logger
}

func NewDispatcher(eph *ephemeral.Store, jobs durable.JobsRepo, baseLog *logger.Logger) *Dispatcher {
	return &Dispatcher{ephemeral: eph, jobs: jobs, log: baseLog.With("component", "Dispatcher")}
}

// TryAssign attempts to pair jobID with a free runner right now. A
// no-op if the runner priority set is empty; the job stays wherever
// it already is (spec.md §4.3 "try_assign").
func (d *Dispatcher) TryAssign(ctx context.Context, jobID, userID int64) error {
	assigned, err := d.ephemeral.AssignJobToRunnerIfPossible(ctx, jobID, userID)
	if err != nil {
		d.log.Error("try_assign failed", "job_id", jobID, "user_id", userID, "error", err)
		return err
	}
	if assigned {
		metrics.ObserveDispatch(metrics.DispatchAssigned)
	} else {
		metrics.ObserveDispatch(metrics.DispatchNoRunner)
	}
	return nil
}

// TryAssignAny walks the job queue from highest to lowest priority
// looking for a job with no in-process record, resolving its owner
// from the Durable Store, then delegates to TryAssign (spec.md §4.3
// "try_assign_any").
func (d *Dispatcher) TryAssignAny(ctx context.Context) error {
	resolve := func(ctx context.Context, jobID int64) (int64, bool, error) {
		return d.jobs.GetUserIDOfJob(dbctx.New(ctx), jobID)
	}
	assigned, err := d.ephemeral.AssignQueueJobToRunnerIfPossible(ctx, resolve)
	if err != nil {
		d.log.Error("try_assign_any failed", "error", err)
		return err
	}
	if assigned {
		metrics.ObserveDispatch(metrics.DispatchAssigned)
	} else {
		metrics.ObserveDispatch(metrics.DispatchNoJob)
	}
	return nil
}
