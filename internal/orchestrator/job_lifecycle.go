package orchestrator

import (
	"context"
	"io"
	"strings"

	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/domain"
	"github.com/scribeworks/controlplane/internal/durable"
	"github.com/scribeworks/controlplane/internal/ephemeral"
	"github.com/scribeworks/controlplane/internal/errs"
	"github.com/scribeworks/controlplane/internal/logger"
)

// JobLifecycleManager owns the user-facing side of a job: submit,
// abort, delete, and transcript retrieval (spec.md §4.5).
type JobLifecycleManager struct {
	ephemeral  *ephemeral.Store
	jobs       durable.JobsRepo
	settings   durable.SettingsRepo
	dispatcher *Dispatcher
	log        *logger.Logger
}

func NewJobLifecycleManager(eph *ephemeral.Store, jobs durable.JobsRepo, settings durable.SettingsRepo, dispatcher *Dispatcher, baseLog *logger.Logger) *JobLifecycleManager {
	return &JobLifecycleManager{ephemeral: eph, jobs: jobs, settings: settings, dispatcher: dispatcher, log: baseLog.With("component", "JobLifecycleManager")}
}

// SubmitJob validates the declared content type, delegates blob
// writing to the Durable Store, enqueues the job, and triggers an
// immediate assignment attempt (spec.md §4.5 "submit_job").
func (m *JobLifecycleManager) SubmitJob(ctx context.Context, userID int64, contentType, fileName string, audio io.Reader, settingsID *int64, priority int64) (int64, error) {
	if !strings.HasPrefix(contentType, "audio") && !strings.HasPrefix(contentType, "video") {
		return 0, errs.Validation("orchestrator.SubmitJob", "content type must be audio/* or video/*")
	}

	if settingsID != nil {
		if _, err := m.settings.GetByID(dbctx.New(ctx), userID, *settingsID); err != nil {
			return 0, err
		}
	} else if def, err := m.settings.GetDefault(dbctx.New(ctx), userID); err == nil && def != nil {
		settingsID = &def.ID
	}

	job, err := m.jobs.AddJob(dbctx.New(ctx), userID, settingsID, fileName, audio)
	if err != nil {
		return 0, err
	}

	if err := m.ephemeral.EnqueueNewJob(ctx, job.ID, priority); err != nil {
		return 0, err
	}
	if err := m.ephemeral.PublishEvent(ctx, userID, ephemeral.EventJobCreated, job.ID); err != nil {
		m.log.Warn("publish job_created failed", "job_id", job.ID, "error", err)
	}
	if err := m.dispatcher.TryAssign(ctx, job.ID, userID); err != nil {
		m.log.Warn("try_assign after submit_job failed", "job_id", job.ID, "error", err)
	}
	return job.ID, nil
}

// AbortJob honours the three-way split of spec.md §4.5 "abort_job":
// queued-and-unassigned jobs are pulled from the queue and marked
// failed immediately; assigned/in-progress jobs are flagged for the
// runner to observe on its next heartbeat; finished jobs are a no-op
// error.
func (m *JobLifecycleManager) AbortJob(ctx context.Context, userID int64, jobID int64, isAdmin bool) error {
	job, err := m.jobs.GetJobByID(dbctx.New(ctx), jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID && !isAdmin {
		return errs.Forbidden("orchestrator.AbortJob", "not the job owner")
	}
	if job.IsFinished() {
		return errs.Conflict("orchestrator.AbortJob", "job already finished")
	}

	inProcess, err := m.ephemeral.GetInProcessJob(ctx, jobID)
	if err != nil {
		return err
	}
	if inProcess == nil {
		queued, err := m.ephemeral.QueueContainsJob(ctx, jobID)
		if err != nil {
			return err
		}
		if queued {
			if err := m.ephemeral.RemoveJobFromQueue(ctx, jobID); err != nil {
				return err
			}
		}
		return m.jobs.FinishFailed(dbctx.New(ctx), jobID, domain.RunnerSnapshot{}, "Job was aborted")
	}

	return m.ephemeral.AbortInProcessJob(ctx, jobID)
}

// DeleteJobs removes durable rows the caller owns, rejecting the
// whole batch with a conflict if any named job is still running
// (spec.md §6). Audio-blob release and orphaned-settings cleanup
// happen inside durable.JobsRepo.DeleteJobs itself.
func (m *JobLifecycleManager) DeleteJobs(ctx context.Context, userID int64, jobIDs []int64) (int64, error) {
	n, err := m.jobs.DeleteJobs(dbctx.New(ctx), userID, jobIDs)
	if err != nil {
		return 0, err
	}
	for _, id := range jobIDs {
		if err := m.ephemeral.PublishEvent(ctx, userID, ephemeral.EventJobDeleted, id); err != nil {
			m.log.Warn("publish job_deleted failed", "job_id", id, "error", err)
		}
	}
	return n, nil
}

// GetTranscript returns the requested representation, atomically
// flipping downloaded=true (spec.md §4.5 "get_transcript").
func (m *JobLifecycleManager) GetTranscript(ctx context.Context, userID, jobID int64, format domain.TranscriptFormat) (*domain.Transcript, error) {
	return m.jobs.GetTranscriptAndMarkDownloaded(dbctx.New(ctx), jobID, userID)
}
