package orchestrator

import (
	"context"
	"errors"
	"io"
	"math"

	"github.com/scribeworks/controlplane/internal/auth"
	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/domain"
	"github.com/scribeworks/controlplane/internal/durable"
	"github.com/scribeworks/controlplane/internal/ephemeral"
	"github.com/scribeworks/controlplane/internal/errs"
	"github.com/scribeworks/controlplane/internal/logger"
)

// ErrJobAborting is returned by RetrieveJobInfo/RetrieveJobAudio when
// the assigned job is aborting; the HTTP layer maps it to 405 rather
// than the generic 400 every other conflict uses (spec.md §6).
var ErrJobAborting = errors.New("job is aborting")

// RunnerSessionManager implements the contract of spec.md §4.4: the
// state machine a runner observes from UNKNOWN through OFFLINE,
// IDLE, ASSIGNED, IN_PROGRESS, and back.
type RunnerSessionManager struct {
	ephemeral  *ephemeral.Store
	runners    durable.RunnersRepo
	jobs       durable.JobsRepo
	settings   durable.SettingsRepo
	dispatcher *Dispatcher
	log        *logger.Logger
}

func NewRunnerSessionManager(eph *ephemeral.Store, runners durable.RunnersRepo, jobs durable.JobsRepo, settings durable.SettingsRepo, dispatcher *Dispatcher, baseLog *logger.Logger) *RunnerSessionManager {
	return &RunnerSessionManager{
		ephemeral:  eph,
		runners:    runners,
		jobs:       jobs,
		settings:   settings,
		dispatcher: dispatcher,
		log:        baseLog.With("component", "RunnerSessionManager"),
	}
}

// Register accredits runnerToken against the Durable Store, then
// brings the runner online in the Ephemeral Store (spec.md §4.4
// "register"). Refuses if the runner is already online.
func (m *RunnerSessionManager) Register(ctx context.Context, runnerToken, name, version, gitHash, sourceURL string, priority int64) (runnerID int64, sessionToken string, err error) {
	identity, err := m.runners.GetByToken(dbctx.New(ctx), runnerToken)
	if err != nil {
		return 0, "", err // UNKNOWN: unauthorized
	}

	existing, err := m.ephemeral.GetOnlineRunnerByID(ctx, identity.ID)
	if err != nil {
		return 0, "", err
	}
	if existing != nil {
		return 0, "", errs.Forbidden("orchestrator.Register", "runner already online")
	}

	token, err := m.ephemeral.RegisterRunner(ctx, identity.ID, name, version, gitHash, sourceURL, priority)
	if err != nil {
		return 0, "", err
	}

	if err := m.dispatcher.TryAssignAny(ctx); err != nil {
		m.log.Warn("try_assign_any after register failed", "runner_id", identity.ID, "error", err)
	}
	return identity.ID, token, nil
}

// Unregister takes the runner offline, re-assigning its held job (if
// any) to another free runner (spec.md §4.4 "unregister").
func (m *RunnerSessionManager) Unregister(ctx context.Context, runnerID int64, sessionToken string) error {
	if _, err := m.verify(ctx, runnerID, sessionToken); err != nil {
		return err
	}
	return m.ephemeral.UnregisterOnlineRunner(ctx, runnerID)
}

// RetrieveJobInfo returns the assigned job's id and settings payload.
func (m *RunnerSessionManager) RetrieveJobInfo(ctx context.Context, runnerID int64, sessionToken string) (*domain.Job, []byte, error) {
	runner, jobID, err := m.assignedJob(ctx, runnerID, sessionToken)
	if err != nil {
		return nil, nil, err
	}
	_ = runner

	job, err := m.jobs.GetJobByID(dbctx.New(ctx), jobID)
	if err != nil {
		return nil, nil, errs.New(errs.CodeInconsistent, "orchestrator.RetrieveJobInfo", "assigned job has no durable row", err)
	}

	var settingsBlob []byte
	if job.SettingsID != nil {
		s, err := m.settings.GetByID(dbctx.New(ctx), job.UserID, *job.SettingsID)
		if err == nil {
			settingsBlob = s.Settings
		}
	}
	return job, settingsBlob, nil
}

// RetrieveJobAudio streams the assigned job's pending audio and
// transitions the runner to IN_PROGRESS (spec.md §4.4
// "retrieve_job_audio"). Idempotent: re-reading audio is allowed.
func (m *RunnerSessionManager) RetrieveJobAudio(ctx context.Context, runnerID int64, sessionToken string, w io.Writer) error {
	_, jobID, err := m.assignedJob(ctx, runnerID, sessionToken)
	if err != nil {
		return err
	}
	if err := m.jobs.GetJobAudio(dbctx.New(ctx), jobID, w); err != nil {
		return err
	}
	return m.ephemeral.MarkJobOfRunnerInProgress(ctx, runnerID)
}

// assignedJob resolves the runner's held job and enforces the "not
// aborting" precondition shared by retrieve_job_info/retrieve_job_audio.
func (m *RunnerSessionManager) assignedJob(ctx context.Context, runnerID int64, sessionToken string) (*domain.OnlineRunner, int64, error) {
	runner, err := m.verify(ctx, runnerID, sessionToken)
	if err != nil {
		return nil, 0, err
	}
	if runner.AssignedJobID == nil {
		return nil, 0, errs.Conflict("orchestrator.assignedJob", "no job assigned")
	}
	jobID := *runner.AssignedJobID

	inProcess, err := m.ephemeral.GetInProcessJob(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}
	if inProcess != nil && inProcess.Abort {
		return nil, 0, ErrJobAborting
	}
	return runner, jobID, nil
}

// SubmitResult finalises an in-progress job: the ephemeral assignment
// is cleared immediately (so the runner becomes free to reassign),
// and the durable update runs in the background (spec.md §4.4
// "submit_result").
func (m *RunnerSessionManager) SubmitResult(ctx context.Context, runnerID int64, sessionToken string, success bool, transcript domain.Transcript, errMsg string) error {
	runner, err := m.verify(ctx, runnerID, sessionToken)
	if err != nil {
		return err
	}
	if runner.AssignedJobID == nil || !runner.InProcess {
		return errs.Conflict("orchestrator.SubmitResult", "no job in progress")
	}
	jobID := *runner.AssignedJobID
	snapshot := domain.RunnerSnapshot{RunnerID: runnerID, Name: runner.Name, Version: runner.Version, GitHash: runner.GitHash, SourceURL: runner.SourceURL}

	if err := m.ephemeral.FinishJobOfOnlineRunner(ctx, runner); err != nil {
		return err
	}
	if err := m.dispatcher.TryAssignAny(ctx); err != nil {
		m.log.Warn("try_assign_any after submit_result failed", "job_id", jobID, "error", err)
	}

	go func() {
		bgCtx := context.Background()
		var finErr error
		if success {
			finErr = m.jobs.FinishSuccessful(dbctx.New(bgCtx), jobID, snapshot, transcript)
		} else {
			finErr = m.jobs.FinishFailed(dbctx.New(bgCtx), jobID, snapshot, errMsg)
		}
		if finErr != nil {
			m.log.Error("background finalisation failed", "job_id", jobID, "error", finErr)
		}
	}()
	return nil
}

// Heartbeat refreshes TTLs and reports the runner's abort/assignment
// status (spec.md §4.4 "heartbeat").
func (m *RunnerSessionManager) Heartbeat(ctx context.Context, runnerID int64, sessionToken string, progress float64) (abort bool, jobAssigned bool, err error) {
	runner, err := m.verify(ctx, runnerID, sessionToken)
	if err != nil {
		return false, false, err
	}
	if err := m.ephemeral.ResetRunnerExpiration(ctx, runnerID); err != nil {
		return false, false, err
	}

	if runner.AssignedJobID == nil {
		return false, false, nil
	}
	jobID := *runner.AssignedJobID

	if runner.InProcess {
		inProcess, err := m.ephemeral.GetInProcessJob(ctx, jobID)
		if err != nil {
			return false, false, err
		}
		if inProcess == nil {
			return false, false, errs.New(errs.CodeInconsistent, "orchestrator.Heartbeat", "assigned job has no in-process record", nil)
		}
		if math.Abs(inProcess.Progress-progress) > 1e-9 {
			if err := m.ephemeral.ReportProgressOfInProcessJob(ctx, jobID, progress); err != nil {
				return false, false, err
			}
		}
		if inProcess.Abort {
			return true, false, nil
		}
	}
	return false, true, nil
}

func (m *RunnerSessionManager) verify(ctx context.Context, runnerID int64, sessionToken string) (*domain.OnlineRunner, error) {
	runner, err := m.ephemeral.GetOnlineRunnerByID(ctx, runnerID)
	if err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, errs.Unauthorized("orchestrator.verify", "runner is not online")
	}
	if auth.HashRunnerToken(sessionToken) != runner.SessionTokenHash {
		return nil, errs.Unauthorized("orchestrator.verify", "session token mismatch: runner credential reused elsewhere")
	}
	return runner, nil
}
