package ephemeral

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/scribeworks/controlplane/internal/logger"
)

// newTestStore skips the test unless TEST_REDIS_ADDR is set, then
// flushes the target database before and after so runs don't leak
// state across tests the way the teacher's testutil.Tx rolls back
// Postgres transactions.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run ephemeral store integration tests")
	}
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init test logger: %v", err)
	}
	store, err := Open(context.Background(), addr, 2*time.Second, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.rdb.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush test redis db: %v", err)
	}
	t.Cleanup(func() {
		_ = store.rdb.FlushDB(context.Background()).Err()
		_ = store.Close()
	})
	return store
}

func TestRegisterRunnerAndGetOnlineRunnerByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token, err := store.RegisterRunner(ctx, 1, "runner-a", "1.0", "abc123", "https://example.test", 5)
	if err != nil {
		t.Fatalf("RegisterRunner: %v", err)
	}
	if token == "" {
		t.Fatal("RegisterRunner: expected non-empty session token")
	}

	runner, err := store.GetOnlineRunnerByID(ctx, 1)
	if err != nil {
		t.Fatalf("GetOnlineRunnerByID: %v", err)
	}
	if runner == nil {
		t.Fatal("GetOnlineRunnerByID: expected a runner")
	}
	if !runner.IsFree() {
		t.Fatal("GetOnlineRunnerByID: freshly registered runner should be free")
	}
	if runner.Name != "runner-a" || runner.Priority != 5 {
		t.Fatalf("GetOnlineRunnerByID: unexpected fields %+v", runner)
	}

	missing, err := store.GetOnlineRunnerByID(ctx, 999)
	if err != nil {
		t.Fatalf("GetOnlineRunnerByID (missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("GetOnlineRunnerByID: expected nil for unknown runner, got %+v", missing)
	}
}

func TestAssignJobToRunnerIfPossible(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RegisterRunner(ctx, 1, "runner-a", "1.0", "abc", "https://example.test", 5); err != nil {
		t.Fatalf("RegisterRunner: %v", err)
	}

	assigned, err := store.AssignJobToRunnerIfPossible(ctx, 42, 7)
	if err != nil {
		t.Fatalf("AssignJobToRunnerIfPossible: %v", err)
	}
	if !assigned {
		t.Fatal("AssignJobToRunnerIfPossible: expected assignment against a free runner")
	}

	runner, err := store.GetOnlineRunnerByID(ctx, 1)
	if err != nil {
		t.Fatalf("GetOnlineRunnerByID: %v", err)
	}
	if runner.IsFree() || runner.AssignedJobID == nil || *runner.AssignedJobID != 42 {
		t.Fatalf("AssignJobToRunnerIfPossible: expected runner to hold job 42, got %+v", runner)
	}

	inProcess, err := store.GetInProcessJob(ctx, 42)
	if err != nil {
		t.Fatalf("GetInProcessJob: %v", err)
	}
	if inProcess == nil || inProcess.UserID != 7 {
		t.Fatalf("GetInProcessJob: unexpected record %+v", inProcess)
	}
}

func TestAssignJobToRunnerIfPossibleNoRunnerIsNoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assigned, err := store.AssignJobToRunnerIfPossible(ctx, 1, 1)
	if err != nil {
		t.Fatalf("AssignJobToRunnerIfPossible: %v", err)
	}
	if assigned {
		t.Fatal("AssignJobToRunnerIfPossible: expected no assignment with an empty runner set")
	}
}

func TestAssignJobToRunnerIfPossibleSkipsBusyRunners(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RegisterRunner(ctx, 1, "busy", "1.0", "abc", "https://example.test", 10); err != nil {
		t.Fatalf("RegisterRunner busy: %v", err)
	}
	if _, err := store.RegisterRunner(ctx, 2, "free", "1.0", "def", "https://example.test", 1); err != nil {
		t.Fatalf("RegisterRunner free: %v", err)
	}
	if _, err := store.AssignJobToRunnerIfPossible(ctx, 1, 7); err != nil {
		t.Fatalf("pre-assign: %v", err)
	}

	assigned, err := store.AssignJobToRunnerIfPossible(ctx, 2, 7)
	if err != nil {
		t.Fatalf("AssignJobToRunnerIfPossible: %v", err)
	}
	if !assigned {
		t.Fatal("AssignJobToRunnerIfPossible: expected the still-free runner to pick up job 2")
	}

	free, err := store.GetOnlineRunnerByID(ctx, 2)
	if err != nil {
		t.Fatalf("GetOnlineRunnerByID: %v", err)
	}
	if free.AssignedJobID == nil || *free.AssignedJobID != 2 {
		t.Fatalf("expected runner 2 to hold job 2, got %+v", free)
	}
}

func TestUnregisterOnlineRunnerReassignsHeldJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RegisterRunner(ctx, 1, "a", "1.0", "h1", "https://example.test", 5); err != nil {
		t.Fatalf("RegisterRunner a: %v", err)
	}
	if _, err := store.RegisterRunner(ctx, 2, "b", "1.0", "h2", "https://example.test", 1); err != nil {
		t.Fatalf("RegisterRunner b: %v", err)
	}
	if _, err := store.AssignJobToRunnerIfPossible(ctx, 1, 7); err != nil {
		t.Fatalf("pre-assign: %v", err)
	}

	if err := store.UnregisterOnlineRunner(ctx, 1); err != nil {
		t.Fatalf("UnregisterOnlineRunner: %v", err)
	}

	gone, err := store.GetOnlineRunnerByID(ctx, 1)
	if err != nil {
		t.Fatalf("GetOnlineRunnerByID: %v", err)
	}
	if gone != nil {
		t.Fatalf("expected runner 1 to be gone, got %+v", gone)
	}

	other, err := store.GetOnlineRunnerByID(ctx, 2)
	if err != nil {
		t.Fatalf("GetOnlineRunnerByID: %v", err)
	}
	if other.AssignedJobID == nil || *other.AssignedJobID != 1 {
		t.Fatalf("expected job 1 to be reassigned to runner 2, got %+v", other)
	}
}

func TestFinishJobOfOnlineRunnerFreesRunner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RegisterRunner(ctx, 1, "a", "1.0", "h1", "https://example.test", 5); err != nil {
		t.Fatalf("RegisterRunner: %v", err)
	}
	if _, err := store.AssignJobToRunnerIfPossible(ctx, 10, 7); err != nil {
		t.Fatalf("AssignJobToRunnerIfPossible: %v", err)
	}
	if err := store.MarkJobOfRunnerInProgress(ctx, 1); err != nil {
		t.Fatalf("MarkJobOfRunnerInProgress: %v", err)
	}

	runner, err := store.GetOnlineRunnerByID(ctx, 1)
	if err != nil {
		t.Fatalf("GetOnlineRunnerByID: %v", err)
	}
	if err := store.FinishJobOfOnlineRunner(ctx, runner); err != nil {
		t.Fatalf("FinishJobOfOnlineRunner: %v", err)
	}

	freed, err := store.GetOnlineRunnerByID(ctx, 1)
	if err != nil {
		t.Fatalf("GetOnlineRunnerByID after finish: %v", err)
	}
	if !freed.IsFree() {
		t.Fatalf("expected runner to be free after finish, got %+v", freed)
	}

	job, err := store.GetInProcessJob(ctx, 10)
	if err != nil {
		t.Fatalf("GetInProcessJob: %v", err)
	}
	if job != nil {
		t.Fatalf("expected in-process record to be removed, got %+v", job)
	}
}

func TestAbortAndReportProgressOfInProcessJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RegisterRunner(ctx, 1, "a", "1.0", "h1", "https://example.test", 5); err != nil {
		t.Fatalf("RegisterRunner: %v", err)
	}
	if _, err := store.AssignJobToRunnerIfPossible(ctx, 10, 7); err != nil {
		t.Fatalf("AssignJobToRunnerIfPossible: %v", err)
	}

	if err := store.ReportProgressOfInProcessJob(ctx, 10, 0.5); err != nil {
		t.Fatalf("ReportProgressOfInProcessJob: %v", err)
	}
	job, err := store.GetInProcessJob(ctx, 10)
	if err != nil {
		t.Fatalf("GetInProcessJob: %v", err)
	}
	if job.Progress != 0.5 {
		t.Fatalf("expected progress 0.5, got %v", job.Progress)
	}

	if err := store.AbortInProcessJob(ctx, 10); err != nil {
		t.Fatalf("AbortInProcessJob: %v", err)
	}
	job, err = store.GetInProcessJob(ctx, 10)
	if err != nil {
		t.Fatalf("GetInProcessJob after abort: %v", err)
	}
	if !job.Abort {
		t.Fatal("expected job to be marked aborting")
	}
}

func TestEnqueueAndQueueContainsJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.EnqueueNewJob(ctx, 5, 1); err != nil {
		t.Fatalf("EnqueueNewJob: %v", err)
	}
	contains, err := store.QueueContainsJob(ctx, 5)
	if err != nil {
		t.Fatalf("QueueContainsJob: %v", err)
	}
	if !contains {
		t.Fatal("expected queue to contain job 5")
	}

	if err := store.RemoveJobFromQueue(ctx, 5); err != nil {
		t.Fatalf("RemoveJobFromQueue: %v", err)
	}
	contains, err = store.QueueContainsJob(ctx, 5)
	if err != nil {
		t.Fatalf("QueueContainsJob after remove: %v", err)
	}
	if contains {
		t.Fatal("expected queue to no longer contain job 5")
	}
}

func TestAssignQueueJobToRunnerIfPossible(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RegisterRunner(ctx, 1, "a", "1.0", "h1", "https://example.test", 5); err != nil {
		t.Fatalf("RegisterRunner: %v", err)
	}
	if err := store.EnqueueNewJob(ctx, 100, 9); err != nil {
		t.Fatalf("EnqueueNewJob: %v", err)
	}

	resolve := func(ctx context.Context, jobID int64) (int64, bool, error) {
		if jobID == 100 {
			return 7, true, nil
		}
		return 0, false, nil
	}

	assigned, err := store.AssignQueueJobToRunnerIfPossible(ctx, resolve)
	if err != nil {
		t.Fatalf("AssignQueueJobToRunnerIfPossible: %v", err)
	}
	if !assigned {
		t.Fatal("expected the queued job to be assigned")
	}

	runner, err := store.GetOnlineRunnerByID(ctx, 1)
	if err != nil {
		t.Fatalf("GetOnlineRunnerByID: %v", err)
	}
	if runner.AssignedJobID == nil || *runner.AssignedJobID != 100 {
		t.Fatalf("expected runner to hold job 100, got %+v", runner)
	}
}

func TestPublishAndDecodeEvent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub := store.Subscribe(ctx, 7)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Receive (subscribe confirmation): %v", err)
	}

	if err := store.PublishEvent(ctx, 7, EventJobCreated, 55); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	kind, jobID, err := DecodeEvent(msg.Payload)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if kind != EventJobCreated || jobID != 55 {
		t.Fatalf("DecodeEvent: expected job_created/55, got %s/%d", kind, jobID)
	}
}
