// Package ephemeral is the Go port of caching.py's RedisAdapter: the
// Ephemeral Store of spec.md §4.2, holding online-runner liveness,
// in-process job state, the priority queue, and the per-user event
// channel. Every record here is disposable — a process crash loses
// nothing the Durable Store and the recovery pass can't rebuild.
package ephemeral

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/scribeworks/controlplane/internal/auth"
	"github.com/scribeworks/controlplane/internal/domain"
	"github.com/scribeworks/controlplane/internal/errs"
	"github.com/scribeworks/controlplane/internal/logger"
)

const (
	runnerSortedSet   = "online_runners_sorted"
	jobQueueSortedSet = "job_queue_sorted"
)

func runnerKey(id int64) string  { return "online_runner:" + strconv.FormatInt(id, 10) }
func jobKey(id int64) string     { return "in_process_job:" + strconv.FormatInt(id, 10) }
func channelKey(id int64) string { return "job_events:" + strconv.FormatInt(id, 10) }

// EventKind enumerates the three event kinds spec.md §4.6 names.
type EventKind string

const (
	EventJobCreated EventKind = "job_created"
	EventJobUpdated EventKind = "job_updated"
	EventJobDeleted EventKind = "job_deleted"
)

type eventPayload struct {
	Kind  EventKind `json:"kind"`
	JobID int64     `json:"job_id"`
}

func encodeEvent(kind EventKind, jobID int64) string {
	raw, _ := json.Marshal(eventPayload{Kind: kind, JobID: jobID})
	return string(raw)
}

// DecodeEvent parses a raw pub/sub payload into its kind and job id.
func DecodeEvent(raw string) (EventKind, int64, error) {
	var p eventPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return "", 0, err
	}
	return p.Kind, p.JobID, nil
}

// PublishEvent publishes an event kind the Ephemeral Store itself
// never produces (job_created, job_deleted); the Job Lifecycle
// Manager calls this directly for those, alongside the durable
// mutation that caused them.
func (s *Store) PublishEvent(ctx context.Context, userID int64, kind EventKind, jobID int64) error {
	if err := s.rdb.Publish(ctx, channelKey(userID), encodeEvent(kind, jobID)).Err(); err != nil {
		return errs.FromStore("ephemeral.PublishEvent", err)
	}
	return nil
}

// Store wraps a go-redis client with the Ephemeral Store's vocabulary.
// It never outlives a single process restart by design.
type Store struct {
	rdb              *goredis.Client
	log              *logger.Logger
	heartbeatTimeout time.Duration
}

func Open(ctx context.Context, addr string, heartbeatTimeout time.Duration, log *logger.Logger) (*Store, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:            addr,
		DialTimeout:     5 * time.Second,
		MaxRetries:      3,
		MinRetryBackoff: 50 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{rdb: rdb, log: log.With("component", "EphemeralStore"), heartbeatTimeout: heartbeatTimeout}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

// Ping backs the /healthz liveness probe.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// RegisterRunner records a freshly accredited runner as online and
// returns its session token; the token itself is never stored, only
// its hash (spec.md §4.2 "register").
func (s *Store) RegisterRunner(ctx context.Context, runnerID int64, name, version, gitHash, sourceURL string, priority int64) (string, error) {
	token, hash, err := auth.NewRunnerToken()
	if err != nil {
		return "", errs.Internal("ephemeral.RegisterRunner", "generate session token", err)
	}

	key := runnerKey(runnerID)
	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"name":               name,
			"version":            version,
			"git_hash":           gitHash,
			"source_url":         sourceURL,
			"priority":           priority,
			"in_process":         0,
			"session_token_hash": hash,
		})
		pipe.Expire(ctx, key, s.heartbeatTimeout)
		pipe.ZAdd(ctx, runnerSortedSet, goredis.Z{Score: float64(priority), Member: runnerID})
		return nil
	})
	if err != nil {
		return "", errs.FromStore("ephemeral.RegisterRunner", err)
	}
	return token, nil
}

// ResetRunnerExpiration refreshes the runner's TTL, and its
// in-process job's TTL if it has one, keeping both in lockstep
// (spec.md §4.2 "heartbeat").
func (s *Store) ResetRunnerExpiration(ctx context.Context, runnerID int64) error {
	jobID, err := s.rdb.HGet(ctx, runnerKey(runnerID), "assigned_job_id").Result()
	if err != nil && err != goredis.Nil {
		return errs.FromStore("ephemeral.ResetRunnerExpiration", err)
	}

	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		if jobID != "" {
			pipe.Expire(ctx, jobKey(mustInt64(jobID)), s.heartbeatTimeout)
		}
		pipe.Expire(ctx, runnerKey(runnerID), s.heartbeatTimeout)
		return nil
	})
	if err != nil {
		return errs.FromStore("ephemeral.ResetRunnerExpiration", err)
	}
	return nil
}

func (s *Store) MarkJobOfRunnerInProgress(ctx context.Context, runnerID int64) error {
	if err := s.rdb.HSet(ctx, runnerKey(runnerID), "in_process", 1).Err(); err != nil {
		return errs.FromStore("ephemeral.MarkJobOfRunnerInProgress", err)
	}
	return nil
}

// GetOnlineRunnerByID returns nil, nil if no such runner is online.
func (s *Store) GetOnlineRunnerByID(ctx context.Context, runnerID int64) (*domain.OnlineRunner, error) {
	fields, err := s.rdb.HGetAll(ctx, runnerKey(runnerID)).Result()
	if err != nil {
		return nil, errs.FromStore("ephemeral.GetOnlineRunnerByID", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeOnlineRunner(runnerID, fields)
}

func decodeOnlineRunner(id int64, fields map[string]string) (*domain.OnlineRunner, error) {
	priority, err := strconv.ParseInt(fields["priority"], 10, 64)
	if err != nil {
		return nil, errs.New(errs.CodeInconsistent, "ephemeral.decodeOnlineRunner", "malformed priority field", err)
	}
	r := &domain.OnlineRunner{
		ID:               id,
		Name:             fields["name"],
		Version:          fields["version"],
		GitHash:          fields["git_hash"],
		SourceURL:        fields["source_url"],
		Priority:         priority,
		SessionTokenHash: fields["session_token_hash"],
		InProcess:        fields["in_process"] == "1",
	}
	if raw, ok := fields["assigned_job_id"]; ok && raw != "" {
		jobID := mustInt64(raw)
		r.AssignedJobID = &jobID
	}
	return r, nil
}

// FinishJobOfOnlineRunner frees the runner, drops its in-process job
// record, and re-admits the runner to the priority queue (spec.md
// §4.2 "finish"). The runner must be carrying a job that is marked
// in-process; callers (the Runner Session Manager) are responsible
// for that precondition.
func (s *Store) FinishJobOfOnlineRunner(ctx context.Context, runner *domain.OnlineRunner) error {
	if runner.AssignedJobID == nil || !runner.InProcess {
		return errs.Inconsistent("ephemeral.FinishJobOfOnlineRunner", "runner has no in-process job to finish")
	}
	jobID := *runner.AssignedJobID

	userID, err := s.rdb.HGet(ctx, jobKey(jobID), "user_id").Result()
	if err != nil && err != goredis.Nil {
		return errs.FromStore("ephemeral.FinishJobOfOnlineRunner", err)
	}

	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, jobKey(jobID))
		pipe.HDel(ctx, runnerKey(runner.ID), "in_process", "assigned_job_id")
		pipe.ZRem(ctx, jobQueueSortedSet, jobID)
		pipe.ZAdd(ctx, runnerSortedSet, goredis.Z{Score: float64(runner.Priority), Member: runner.ID})
		if userID != "" {
			pipe.Publish(ctx, channelKey(mustInt64(userID)), encodeEvent(EventJobUpdated, jobID))
		}
		return nil
	})
	if err != nil {
		return errs.FromStore("ephemeral.FinishJobOfOnlineRunner", err)
	}
	if userID == "" {
		return errs.Inconsistent("ephemeral.FinishJobOfOnlineRunner", fmt.Sprintf("no user_id recorded for job %d", jobID))
	}
	return nil
}

// UnregisterOnlineRunner drops a runner that went offline. If it was
// carrying a job, that job is re-assigned to another free runner
// immediately rather than left for the queue sweep (spec.md §4.2
// "unregister").
func (s *Store) UnregisterOnlineRunner(ctx context.Context, runnerID int64) error {
	jobIDRaw, err := s.rdb.HGet(ctx, runnerKey(runnerID), "assigned_job_id").Result()
	if err != nil && err != goredis.Nil {
		return errs.FromStore("ephemeral.UnregisterOnlineRunner", err)
	}

	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, runnerKey(runnerID))
		pipe.ZRem(ctx, runnerSortedSet, runnerID)
		return nil
	})
	if err != nil {
		return errs.FromStore("ephemeral.UnregisterOnlineRunner", err)
	}
	if jobIDRaw == "" {
		return nil
	}
	jobID := mustInt64(jobIDRaw)

	userID, err := s.rdb.HGet(ctx, jobKey(jobID), "user_id").Result()
	if err != nil && err != goredis.Nil {
		return errs.FromStore("ephemeral.UnregisterOnlineRunner", err)
	}
	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, jobKey(jobID))
		if userID != "" {
			pipe.Publish(ctx, channelKey(mustInt64(userID)), encodeEvent(EventJobUpdated, jobID))
		}
		return nil
	})
	if err != nil {
		return errs.FromStore("ephemeral.UnregisterOnlineRunner", err)
	}
	if userID == "" {
		return errs.Inconsistent("ephemeral.UnregisterOnlineRunner", fmt.Sprintf("no user_id recorded for job %d", jobID))
	}
	_, err = s.AssignJobToRunnerIfPossible(ctx, jobID, mustInt64(userID))
	return err
}

// GetOnlineRunnerIDByAssignedJob returns nil if job_id has no
// in-process record, i.e. it is not currently assigned to any runner.
func (s *Store) GetOnlineRunnerIDByAssignedJob(ctx context.Context, jobID int64) (*int64, error) {
	raw, err := s.rdb.HGet(ctx, jobKey(jobID), "runner_id").Result()
	if err == goredis.Nil || raw == "" {
		return nil, nil
	}
	if err != nil {
		return nil, errs.FromStore("ephemeral.GetOnlineRunnerIDByAssignedJob", err)
	}
	id := mustInt64(raw)
	return &id, nil
}

func (s *Store) EnqueueNewJob(ctx context.Context, jobID, priority int64) error {
	if err := s.rdb.ZAdd(ctx, jobQueueSortedSet, goredis.Z{Score: float64(priority), Member: jobID}).Err(); err != nil {
		return errs.FromStore("ephemeral.EnqueueNewJob", err)
	}
	return nil
}

func (s *Store) RemoveJobFromQueue(ctx context.Context, jobID int64) error {
	if err := s.rdb.ZRem(ctx, jobQueueSortedSet, jobID).Err(); err != nil {
		return errs.FromStore("ephemeral.RemoveJobFromQueue", err)
	}
	return nil
}

// AssignJobToRunnerIfPossible pops runners off the priority queue,
// discarding any that turn out to be stale or already busy, until it
// finds a usable one or the queue empties (spec.md §4.2 "try_assign";
// a popped-but-unusable runner is correctly dropped, not lost — it
// has nothing left worth re-inserting). It is a no-op if no runner is
// free.
func (s *Store) AssignJobToRunnerIfPossible(ctx context.Context, jobID, userID int64) (bool, error) {
	for {
		members, err := s.rdb.ZPopMax(ctx, runnerSortedSet, 1).Result()
		if err != nil {
			return false, errs.FromStore("ephemeral.AssignJobToRunnerIfPossible", err)
		}
		if len(members) == 0 {
			return false, nil
		}
		runnerID := mustInt64(fmt.Sprint(members[0].Member))

		fields, err := s.rdb.HGetAll(ctx, runnerKey(runnerID)).Result()
		if err != nil {
			return false, errs.FromStore("ephemeral.AssignJobToRunnerIfPossible", err)
		}
		if len(fields) == 0 || fields["assigned_job_id"] != "" {
			continue // stale or already-busy runner: discard and try the next one
		}

		runner, err := decodeOnlineRunner(runnerID, fields)
		if err != nil {
			continue
		}

		_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, runnerKey(runnerID), "assigned_job_id", jobID)
			pipe.HSet(ctx, jobKey(jobID), map[string]any{
				"runner_id": runnerID,
				"user_id":   userID,
				"progress":  0.0,
				"abort":     0,
			})
			pipe.Publish(ctx, channelKey(userID), encodeEvent(EventJobUpdated, jobID))
			return nil
		})
		if err != nil {
			return false, errs.FromStore("ephemeral.AssignJobToRunnerIfPossible", err)
		}
		_ = runner
		return true, s.ResetRunnerExpiration(ctx, runnerID)
	}
}

// UserIDOfJob resolves a queued job's owner from the Durable Store;
// the Ephemeral Store holds no user_id for jobs that were never
// assigned a runner.
type UserIDOfJob func(ctx context.Context, jobID int64) (int64, bool, error)

// AssignQueueJobToRunnerIfPossible walks the queue from the highest
// priority down, skipping any job that already has an in-process
// record, until it finds one to hand to a free runner (spec.md §4.2
// "try_assign_any").
func (s *Store) AssignQueueJobToRunnerIfPossible(ctx context.Context, resolveUserID UserIDOfJob) (bool, error) {
	for i := int64(0); ; i++ {
		members, err := s.rdb.ZRevRange(ctx, jobQueueSortedSet, i, i).Result()
		if err != nil {
			return false, errs.FromStore("ephemeral.AssignQueueJobToRunnerIfPossible", err)
		}
		if len(members) == 0 {
			return false, nil
		}
		jobID := mustInt64(members[0])

		exists, err := s.rdb.Exists(ctx, jobKey(jobID)).Result()
		if err != nil {
			return false, errs.FromStore("ephemeral.AssignQueueJobToRunnerIfPossible", err)
		}
		if exists > 0 {
			continue
		}

		userID, ok, err := resolveUserID(ctx, jobID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, errs.Inconsistent("ephemeral.AssignQueueJobToRunnerIfPossible", fmt.Sprintf("queued job %d has no durable record", jobID))
		}
		return s.AssignJobToRunnerIfPossible(ctx, jobID, userID)
	}
}

func (s *Store) GetInProcessJob(ctx context.Context, jobID int64) (*domain.InProcessJob, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, errs.FromStore("ephemeral.GetInProcessJob", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	runnerID, _ := strconv.ParseInt(fields["runner_id"], 10, 64)
	userID, _ := strconv.ParseInt(fields["user_id"], 10, 64)
	progress, _ := strconv.ParseFloat(fields["progress"], 64)
	return &domain.InProcessJob{
		JobID:    jobID,
		RunnerID: runnerID,
		UserID:   userID,
		Progress: progress,
		Abort:    fields["abort"] == "1",
	}, nil
}

func (s *Store) AbortInProcessJob(ctx context.Context, jobID int64) error {
	userID, err := s.rdb.HGet(ctx, jobKey(jobID), "user_id").Result()
	if err != nil && err != goredis.Nil {
		return errs.FromStore("ephemeral.AbortInProcessJob", err)
	}
	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, jobKey(jobID), "abort", 1)
		if userID != "" {
			pipe.Publish(ctx, channelKey(mustInt64(userID)), encodeEvent(EventJobUpdated, jobID))
		}
		return nil
	})
	if err != nil {
		return errs.FromStore("ephemeral.AbortInProcessJob", err)
	}
	if userID == "" {
		return errs.Inconsistent("ephemeral.AbortInProcessJob", fmt.Sprintf("no user_id recorded for job %d", jobID))
	}
	return nil
}

func (s *Store) ReportProgressOfInProcessJob(ctx context.Context, jobID int64, progress float64) error {
	userID, err := s.rdb.HGet(ctx, jobKey(jobID), "user_id").Result()
	if err != nil && err != goredis.Nil {
		return errs.FromStore("ephemeral.ReportProgressOfInProcessJob", err)
	}
	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, jobKey(jobID), "progress", progress)
		if userID != "" {
			pipe.Publish(ctx, channelKey(mustInt64(userID)), encodeEvent(EventJobUpdated, jobID))
		}
		return nil
	})
	if err != nil {
		return errs.FromStore("ephemeral.ReportProgressOfInProcessJob", err)
	}
	return nil
}

func (s *Store) QueueContainsJob(ctx context.Context, jobID int64) (bool, error) {
	_, err := s.rdb.ZScore(ctx, jobQueueSortedSet, strconv.FormatInt(jobID, 10)).Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errs.FromStore("ephemeral.QueueContainsJob", err)
	}
	return true, nil
}

// Subscribe opens the per-user pub/sub channel the Event Bus forwards
// into its in-process SSE hub (spec.md §4.3 "event_generator").
func (s *Store) Subscribe(ctx context.Context, userID int64) *goredis.PubSub {
	return s.rdb.Subscribe(ctx, channelKey(userID))
}

func mustInt64(s string) int64 {
	s = strings.TrimSpace(s)
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
