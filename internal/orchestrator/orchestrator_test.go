package orchestrator

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/scribeworks/controlplane/internal/db"
	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/domain"
	"github.com/scribeworks/controlplane/internal/durable"
	"github.com/scribeworks/controlplane/internal/durable/testutil"
	"github.com/scribeworks/controlplane/internal/ephemeral"
)

// harness wires a Dispatcher, JobLifecycleManager, RunnerSessionManager
// and their durable/ephemeral dependencies against real Postgres and
// Redis instances, the same way app.New does in production, since
// every orchestrator component holds a concrete *ephemeral.Store
// rather than an interface a fake could stand in for.
type harness struct {
	jobs     durable.JobsRepo
	runners  durable.RunnersRepo
	settings durable.SettingsRepo
	users    durable.UsersRepo
	eph      *ephemeral.Store
	disp     *Dispatcher
	lifecyc  *JobLifecycleManager
	sessions *RunnerSessionManager
	dbc      dbctx.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	svc := testutil.Service(t)
	tx := testutil.Tx(t, svc)
	log := testutil.Logger(t)

	redisAddr := os.Getenv("TEST_REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("set TEST_REDIS_ADDR to run orchestrator integration tests")
	}
	eph, err := ephemeral.Open(context.Background(), redisAddr, 2*time.Second, log)
	if err != nil {
		t.Fatalf("ephemeral.Open: %v", err)
	}
	t.Cleanup(func() { _ = eph.Close() })

	blobs := db.NewBlobStore(svc, 64*1024)
	jobs := durable.NewJobsRepo(tx, blobs, log)
	runners := durable.NewRunnersRepo(tx, log)
	settings := durable.NewSettingsRepo(tx, log)
	users := durable.NewUsersRepo(tx, log)

	disp := NewDispatcher(eph, jobs, log)
	lifecyc := NewJobLifecycleManager(eph, jobs, settings, disp, log)
	sessions := NewRunnerSessionManager(eph, runners, jobs, settings, disp, log)

	return &harness{
		jobs: jobs, runners: runners, settings: settings, users: users,
		eph: eph, disp: disp, lifecyc: lifecyc, sessions: sessions,
		dbc: dbctx.Context{Ctx: context.Background(), Tx: tx},
	}
}

func (h *harness) registerRunner(t *testing.T) (runnerID int64, sessionToken string) {
	t.Helper()
	return h.registerRunnerWithPriority(t, "runner-a", 1)
}

func (h *harness) registerRunnerWithPriority(t *testing.T, name string, priority int64) (runnerID int64, sessionToken string) {
	t.Helper()
	_, accreditation, err := h.runners.Create(h.dbc)
	if err != nil {
		t.Fatalf("RunnersRepo.Create: %v", err)
	}
	runnerID, sessionToken, err = h.sessions.Register(h.dbc.Ctx, accreditation, name, "1.0", "abc", "https://example.test", priority)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return runnerID, sessionToken
}

func TestSubmitJobAssignsToFreeRunner(t *testing.T) {
	h := newHarness(t)
	runnerID, _ := h.registerRunner(t)

	jobID, err := h.lifecyc.SubmitJob(h.dbc.Ctx, 1, "audio/wav", "clip.wav", strings.NewReader("some audio bytes"), nil, 0)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	runner, err := h.eph.GetOnlineRunnerByID(h.dbc.Ctx, runnerID)
	if err != nil {
		t.Fatalf("GetOnlineRunnerByID: %v", err)
	}
	if runner.AssignedJobID == nil || *runner.AssignedJobID != jobID {
		t.Fatalf("expected job %d assigned to runner, got %+v", jobID, runner)
	}
}

func TestSubmitJobRejectsWrongContentType(t *testing.T) {
	h := newHarness(t)
	if _, err := h.lifecyc.SubmitJob(h.dbc.Ctx, 1, "text/plain", "clip.txt", strings.NewReader("not audio"), nil, 0); err == nil {
		t.Fatal("SubmitJob: expected a content-type validation error")
	}
}

func TestRunnerSessionFullCycle(t *testing.T) {
	h := newHarness(t)
	runnerID, sessionToken := h.registerRunner(t)

	jobID, err := h.lifecyc.SubmitJob(h.dbc.Ctx, 1, "audio/wav", "clip.wav", strings.NewReader("audio payload"), nil, 0)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	job, _, err := h.sessions.RetrieveJobInfo(h.dbc.Ctx, runnerID, sessionToken)
	if err != nil {
		t.Fatalf("RetrieveJobInfo: %v", err)
	}
	if job.ID != jobID {
		t.Fatalf("RetrieveJobInfo: expected job %d, got %d", jobID, job.ID)
	}

	var buf bytes.Buffer
	if err := h.sessions.RetrieveJobAudio(h.dbc.Ctx, runnerID, sessionToken, &buf); err != nil {
		t.Fatalf("RetrieveJobAudio: %v", err)
	}
	if buf.String() != "audio payload" {
		t.Fatalf("RetrieveJobAudio: unexpected payload %q", buf.String())
	}

	abort, assigned, err := h.sessions.Heartbeat(h.dbc.Ctx, runnerID, sessionToken, 0.25)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if abort || !assigned {
		t.Fatalf("Heartbeat: expected in-progress and not aborting, got abort=%v assigned=%v", abort, assigned)
	}

	transcript := domain.Transcript{AsTXT: "hello world", AsSRT: "1\n00:00:00,000 --> 00:00:01,000\nhello world\n", AsTSV: "0\t1\thello world", AsVTT: "WEBVTT", AsJSON: []byte(`{"segments":[]}`)}
	if err := h.sessions.SubmitResult(h.dbc.Ctx, runnerID, sessionToken, true, transcript, ""); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}

	runner, err := h.eph.GetOnlineRunnerByID(h.dbc.Ctx, runnerID)
	if err != nil {
		t.Fatalf("GetOnlineRunnerByID: %v", err)
	}
	if !runner.IsFree() {
		t.Fatalf("expected runner to be free after SubmitResult, got %+v", runner)
	}

	deadline := time.Now().Add(2 * time.Second)
	var finished *domain.Job
	for time.Now().Before(deadline) {
		j, err := h.jobs.GetJobByID(h.dbc, jobID)
		if err != nil {
			t.Fatalf("GetJobByID: %v", err)
		}
		if j.IsFinished() {
			finished = j
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if finished == nil {
		t.Fatal("expected the background finalisation goroutine to mark the job finished")
	}
	if !finished.Succeeded() {
		t.Fatalf("expected the job to be recorded as succeeded, got %+v", finished)
	}
}

func TestAbortJobQueuedUnassigned(t *testing.T) {
	h := newHarness(t)

	// no runner online: the job stays queued and unassigned.
	jobID, err := h.lifecyc.SubmitJob(h.dbc.Ctx, 1, "audio/wav", "clip.wav", strings.NewReader("audio"), nil, 0)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	if err := h.lifecyc.AbortJob(h.dbc.Ctx, 1, jobID, false); err != nil {
		t.Fatalf("AbortJob: %v", err)
	}

	job, err := h.jobs.GetJobByID(h.dbc, jobID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if !job.Failed() {
		t.Fatalf("expected aborted queued job to be recorded as failed, got %+v", job)
	}
}

func TestAbortJobForbidsNonOwner(t *testing.T) {
	h := newHarness(t)
	jobID, err := h.lifecyc.SubmitJob(h.dbc.Ctx, 1, "audio/wav", "clip.wav", strings.NewReader("audio"), nil, 0)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if err := h.lifecyc.AbortJob(h.dbc.Ctx, 2, jobID, false); err == nil {
		t.Fatal("AbortJob: expected a non-owner, non-admin caller to be forbidden")
	}
}

func TestDeleteJobsOnlyOwned(t *testing.T) {
	h := newHarness(t)
	jobID, err := h.lifecyc.SubmitJob(h.dbc.Ctx, 1, "audio/wav", "clip.wav", strings.NewReader("audio"), nil, 0)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if err := h.lifecyc.AbortJob(h.dbc.Ctx, 1, jobID, false); err != nil {
		t.Fatalf("AbortJob: %v", err)
	}

	n, err := h.lifecyc.DeleteJobs(h.dbc.Ctx, 2, []int64{jobID})
	if err != nil {
		t.Fatalf("DeleteJobs (wrong owner): %v", err)
	}
	if n != 0 {
		t.Fatalf("DeleteJobs: expected 0 rows affected for the wrong owner, got %d", n)
	}

	n, err = h.lifecyc.DeleteJobs(h.dbc.Ctx, 1, []int64{jobID})
	if err != nil {
		t.Fatalf("DeleteJobs (owner): %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteJobs: expected 1 row affected, got %d", n)
	}
}

func TestRegisterRefusesSecondConcurrentSession(t *testing.T) {
	h := newHarness(t)
	_, accreditation, err := h.runners.Create(h.dbc)
	if err != nil {
		t.Fatalf("RunnersRepo.Create: %v", err)
	}
	if _, _, err := h.sessions.Register(h.dbc.Ctx, accreditation, "runner-a", "1.0", "abc", "https://example.test", 1); err != nil {
		t.Fatalf("Register (first): %v", err)
	}
	if _, _, err := h.sessions.Register(h.dbc.Ctx, accreditation, "runner-a", "1.0", "abc", "https://example.test", 1); err == nil {
		t.Fatal("Register: expected a second registration of the same runner to be refused")
	}
}

func TestUnregisterReassignsHeldJob(t *testing.T) {
	h := newHarness(t)
	runnerA, sessionA := h.registerRunnerWithPriority(t, "runner-a", 10)
	runnerB, _ := h.registerRunnerWithPriority(t, "runner-b", 1)

	jobID, err := h.lifecyc.SubmitJob(h.dbc.Ctx, 1, "audio/wav", "clip.wav", strings.NewReader("audio"), nil, 0)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	holder, err := h.eph.GetOnlineRunnerIDByAssignedJob(h.dbc.Ctx, jobID)
	if err != nil {
		t.Fatalf("GetOnlineRunnerIDByAssignedJob: %v", err)
	}
	if holder == nil || *holder != runnerA {
		t.Fatalf("expected the higher-priority runner %d to hold the job, got %v", runnerA, holder)
	}

	if err := h.sessions.Unregister(h.dbc.Ctx, runnerA, "wrong-token"); err == nil {
		t.Fatal("Unregister: expected a mismatched session token to be rejected")
	}
	if err := h.sessions.Unregister(h.dbc.Ctx, runnerA, sessionA); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	holder, err = h.eph.GetOnlineRunnerIDByAssignedJob(h.dbc.Ctx, jobID)
	if err != nil {
		t.Fatalf("GetOnlineRunnerIDByAssignedJob after unregister: %v", err)
	}
	if holder == nil || *holder != runnerB {
		t.Fatalf("expected the job to be reassigned to runner %d, got %v", runnerB, holder)
	}
}

func TestRecoverReEnqueuesUnfinishedJobs(t *testing.T) {
	h := newHarness(t)

	jobID, err := h.lifecyc.SubmitJob(h.dbc.Ctx, 1, "audio/wav", "clip.wav", strings.NewReader("audio"), nil, 0)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	// no runner was online, so the job is queued but not assigned.
	if err := h.eph.RemoveJobFromQueue(h.dbc.Ctx, jobID); err != nil {
		t.Fatalf("RemoveJobFromQueue: %v", err)
	}

	if err := Recover(h.dbc.Ctx, h.jobs, h.eph, h.disp, testutil.Logger(t)); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	contains, err := h.eph.QueueContainsJob(h.dbc.Ctx, jobID)
	if err != nil {
		t.Fatalf("QueueContainsJob: %v", err)
	}
	if !contains {
		t.Fatal("Recover: expected the unfinished job to be re-enqueued")
	}
}

// fakeMailer records every account-deletion-warning send without
// touching the network, letting cleanup-runner tests assert on who got
// warned without standing up an SMTP relay.
type fakeMailer struct {
	sent []fakeMailerCall
}

type fakeMailerCall struct {
	recipients    []string
	daysRemaining int
}

func (m *fakeMailer) SendAccountDeletionReminder(ctx context.Context, recipients []string, clientURL string, daysRemaining int) error {
	m.sent = append(m.sent, fakeMailerCall{recipients: recipients, daysRemaining: daysRemaining})
	return nil
}

func TestCleanupRunnerDeletesOldFinishedJobsWhenEnabled(t *testing.T) {
	svc := testutil.Service(t)
	tx := testutil.Tx(t, svc)
	log := testutil.Logger(t)

	blobs := db.NewBlobStore(svc, 64*1024)
	jobs := durable.NewJobsRepo(tx, blobs, log)
	settings := durable.NewSettingsRepo(tx, log)
	users := durable.NewUsersRepo(tx, log)
	gate := durable.NewCleanupGate(svc.Pool(), "controlplane_test", log)

	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	job, err := jobs.AddJob(dbc, 1, nil, "clip.wav", strings.NewReader("audio"))
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	transcript := domain.Transcript{AsTXT: "hi", AsSRT: "1\n00:00:00,000 --> 00:00:01,000\nhi\n", AsTSV: "0\t1\thi", AsVTT: "WEBVTT", AsJSON: []byte(`{"segments":[]}`)}
	if err := jobs.FinishSuccessful(dbc, job.ID, domain.RunnerSnapshot{}, transcript); err != nil {
		t.Fatalf("FinishSuccessful: %v", err)
	}

	retentionDays := 0
	runner := NewCleanupRunner(gate, jobs, settings, users, &fakeMailer{}, "https://example.com", &retentionDays, nil, log)
	if err := runner.RunDue(context.Background()); err != nil {
		t.Fatalf("RunDue: %v", err)
	}

	if _, err := jobs.GetJobByID(dbc, job.ID); err == nil {
		t.Fatal("expected the finished job to be deleted by the cleanup task")
	}
}

func TestCleanupRunnerSkipsDisabledTasks(t *testing.T) {
	svc := testutil.Service(t)
	tx := testutil.Tx(t, svc)
	log := testutil.Logger(t)

	blobs := db.NewBlobStore(svc, 64*1024)
	jobs := durable.NewJobsRepo(tx, blobs, log)
	settings := durable.NewSettingsRepo(tx, log)
	users := durable.NewUsersRepo(tx, log)
	gate := durable.NewCleanupGate(svc.Pool(), "controlplane_test", log)

	runner := NewCleanupRunner(gate, jobs, settings, users, &fakeMailer{}, "https://example.com", nil, nil, log)
	if err := runner.RunDue(context.Background()); err != nil {
		t.Fatalf("RunDue: expected a no-op with both retention settings disabled, got %v", err)
	}
}

func TestCleanupRunnerSendsDeletionWarningsAtBoundaries(t *testing.T) {
	svc := testutil.Service(t)
	tx := testutil.Tx(t, svc)
	log := testutil.Logger(t)

	blobs := db.NewBlobStore(svc, 64*1024)
	jobs := durable.NewJobsRepo(tx, blobs, log)
	settings := durable.NewSettingsRepo(tx, log)
	users := durable.NewUsersRepo(tx, log)
	gate := durable.NewCleanupGate(svc.Pool(), "controlplane_test", log)

	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	retentionDays := 90
	cutoff := time.Now().AddDate(0, 0, -(retentionDays - 30)).Add(time.Hour)
	user, err := users.EnsureLocalUser(dbc, "warn-me@example.com", "hash", false, nil)
	if err != nil {
		t.Fatalf("EnsureLocalUser: %v", err)
	}
	if err := tx.Model(&domain.User{}).Where("id = ?", user.ID).Update("last_login", cutoff).Error; err != nil {
		t.Fatalf("backdate last_login: %v", err)
	}

	mlr := &fakeMailer{}
	runner := NewCleanupRunner(gate, jobs, settings, users, mlr, "https://example.com", nil, &retentionDays, log)
	if err := runner.RunDue(context.Background()); err != nil {
		t.Fatalf("RunDue: %v", err)
	}

	found := false
	for _, call := range mlr.sent {
		if call.daysRemaining == 30 {
			for _, r := range call.recipients {
				if r == "warn-me@example.com" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Fatal("expected a 30-day deletion warning for the backdated user")
	}
}
