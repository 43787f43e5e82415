// Package durable holds the Durable Store repos of spec.md §4.1: one
// file per aggregate, each following the teacher's
// internal/data/repos layout (an interface, a struct wrapping *gorm.DB
// plus a logger, dbctx.Context threaded through every method).
package durable

import (
	"context"
	"errors"
	"io"
	"time"

	"gorm.io/gorm"

	"github.com/scribeworks/controlplane/internal/db"
	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/domain"
	"github.com/scribeworks/controlplane/internal/errs"
	"github.com/scribeworks/controlplane/internal/logger"
)

type JobsRepo interface {
	// AddJob streams audio into the blob store, then creates the job
	// row in a separate statement; if the insert fails the blob is
	// unlinked again (spec.md §4.1 "add_job").
	AddJob(dbc dbctx.Context, userID int64, settingsID *int64, fileName string, audio io.Reader) (*domain.Job, error)
	GetJobByID(dbc dbctx.Context, jobID int64) (*domain.Job, error)
	GetUserIDOfJob(dbc dbctx.Context, jobID int64) (int64, bool, error)
	// GetJobAudio streams a job's still-pending audio to w.
	GetJobAudio(dbc dbctx.Context, jobID int64, w io.Writer) error
	MarkAborting(dbc dbctx.Context, jobID int64) error
	// FinishSuccessful records a successful run's runner snapshot and
	// transcript and clears audio_oid, in one transaction. The audio
	// large object itself is not unlinked here; UnlinkOrphanedAudioBlobs
	// removes it once no job references it.
	FinishSuccessful(dbc dbctx.Context, jobID int64, runner domain.RunnerSnapshot, transcript domain.Transcript) error
	FinishFailed(dbc dbctx.Context, jobID int64, runner domain.RunnerSnapshot, errMsg string) error
	GetTranscriptAndMarkDownloaded(dbc dbctx.Context, jobID int64, userID int64) (*domain.Transcript, error)
	GetAllUnfinishedJobs(dbc dbctx.Context) ([]*domain.Job, error)
	DeleteJobs(dbc dbctx.Context, userID int64, jobIDs []int64) (int64, error)
	GetJobCount(dbc dbctx.Context, userID int64) (int64, error)
	GetJobIDs(dbc dbctx.Context, userID int64, sortKey string, descending bool, offset, limit int) ([]int64, error)
	// DeleteFinishedJobsOlderThan is the jobs-cleanup task's query
	// (spec.md §4.1 "cleanup tasks").
	DeleteFinishedJobsOlderThan(dbc dbctx.Context, cutoff time.Time) (int64, error)
	// UnlinkOrphanedAudioBlobs is the general-cleanup task's
	// large-object sweep (spec.md §4.1, database.py:2195-2208
	// general_cleanup): any large object this role owns that no job
	// row references gets lo_unlink'd.
	UnlinkOrphanedAudioBlobs(dbc dbctx.Context) (int64, error)
}

type jobsRepo struct {
	gdb   *gorm.DB
	blobs *db.BlobStore
	log   *logger.Logger
}

func NewJobsRepo(gdb *gorm.DB, blobs *db.BlobStore, baseLog *logger.Logger) JobsRepo {
	return &jobsRepo{gdb: gdb, blobs: blobs, log: baseLog.With("repo", "JobsRepo")}
}

func (r *jobsRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.gdb.WithContext(dbc.Ctx)
}

func (r *jobsRepo) AddJob(dbc dbctx.Context, userID int64, settingsID *int64, fileName string, audio io.Reader) (*domain.Job, error) {
	oid, err := r.blobs.Put(dbc.Ctx, audio)
	if err != nil {
		return nil, errs.Internal("durable.AddJob", "store audio blob", err)
	}

	job := &domain.Job{
		UserID:     userID,
		SettingsID: settingsID,
		FileName:   fileName,
		AudioOID:   &oid,
	}
	if err := r.tx(dbc).Create(job).Error; err != nil {
		_ = r.blobs.Delete(context.Background(), oid)
		return nil, errs.FromStore("durable.AddJob", err)
	}
	return job, nil
}

func (r *jobsRepo) GetJobByID(dbc dbctx.Context, jobID int64) (*domain.Job, error) {
	var job domain.Job
	err := r.tx(dbc).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("durable.GetJobByID", "job not found")
	}
	if err != nil {
		return nil, errs.FromStore("durable.GetJobByID", err)
	}
	return &job, nil
}

func (r *jobsRepo) GetUserIDOfJob(dbc dbctx.Context, jobID int64) (int64, bool, error) {
	var userID int64
	err := r.tx(dbc).Model(&domain.Job{}).Where("id = ?", jobID).Select("user_id").Scan(&userID).Error
	if err != nil {
		return 0, false, errs.FromStore("durable.GetUserIDOfJob", err)
	}
	if userID == 0 {
		return 0, false, nil
	}
	return userID, true, nil
}

func (r *jobsRepo) GetJobAudio(dbc dbctx.Context, jobID int64, w io.Writer) error {
	job, err := r.GetJobByID(dbc, jobID)
	if err != nil {
		return err
	}
	if job.AudioOID == nil {
		return errs.NotFound("durable.GetJobAudio", "job has no pending audio")
	}
	if err := r.blobs.Get(dbc.Ctx, *job.AudioOID, w); err != nil {
		return errs.Internal("durable.GetJobAudio", "stream audio blob", err)
	}
	return nil
}

func (r *jobsRepo) MarkAborting(dbc dbctx.Context, jobID int64) error {
	return withRetry(dbc.Ctx, func() error {
		res := r.tx(dbc).Model(&domain.Job{}).
			Where("id = ? AND finish_timestamp IS NULL", jobID).
			Updates(map[string]any{"aborting": true, "audio_oid": nil})
		if res.Error != nil {
			return errs.FromStore("durable.MarkAborting", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.Conflict("durable.MarkAborting", "job already finished")
		}
		return nil
	})
}

func (r *jobsRepo) FinishSuccessful(dbc dbctx.Context, jobID int64, runner domain.RunnerSnapshot, transcript domain.Transcript) error {
	now := time.Now()
	return withRetry(dbc.Ctx, func() error {
		return r.tx(dbc).Transaction(func(tx *gorm.DB) error {
			transcript.JobID = jobID
			if err := tx.Create(&transcript).Error; err != nil {
				return errs.FromStore("durable.FinishSuccessful", err)
			}
			downloaded := false
			res := tx.Model(&domain.Job{}).Where("id = ?", jobID).Updates(map[string]any{
				"finish_timestamp":  now,
				"audio_oid":         nil,
				"runner_id":         runner.RunnerID,
				"runner_name":       runner.Name,
				"runner_version":    runner.Version,
				"runner_git_hash":   runner.GitHash,
				"runner_source_url": runner.SourceURL,
				"downloaded":        &downloaded,
			})
			if res.Error != nil {
				return errs.FromStore("durable.FinishSuccessful", res.Error)
			}
			if res.RowsAffected == 0 {
				return errs.NotFound("durable.FinishSuccessful", "job not found")
			}
			return nil
		})
	})
}

func (r *jobsRepo) FinishFailed(dbc dbctx.Context, jobID int64, runner domain.RunnerSnapshot, errMsg string) error {
	now := time.Now()
	return withRetry(dbc.Ctx, func() error {
		res := r.tx(dbc).Model(&domain.Job{}).Where("id = ?", jobID).Updates(map[string]any{
			"finish_timestamp":  now,
			"audio_oid":         nil,
			"runner_id":         runner.RunnerID,
			"runner_name":       runner.Name,
			"runner_version":    runner.Version,
			"runner_git_hash":   runner.GitHash,
			"runner_source_url": runner.SourceURL,
			"error_msg":         errMsg,
		})
		if res.Error != nil {
			return errs.FromStore("durable.FinishFailed", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.NotFound("durable.FinishFailed", "job not found")
		}
		return nil
	})
}

func (r *jobsRepo) GetTranscriptAndMarkDownloaded(dbc dbctx.Context, jobID int64, userID int64) (*domain.Transcript, error) {
	var transcript domain.Transcript
	err := withRetry(dbc.Ctx, func() error {
		return r.tx(dbc).Transaction(func(tx *gorm.DB) error {
			var job domain.Job
			if err := tx.Where("id = ? AND user_id = ?", jobID, userID).First(&job).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return errs.NotFound("durable.GetTranscriptAndMarkDownloaded", "job not found")
				}
				return errs.FromStore("durable.GetTranscriptAndMarkDownloaded", err)
			}
			if !job.Succeeded() {
				return errs.Conflict("durable.GetTranscriptAndMarkDownloaded", "job has no transcript")
			}
			if err := tx.Where("job_id = ?", jobID).First(&transcript).Error; err != nil {
				return errs.FromStore("durable.GetTranscriptAndMarkDownloaded", err)
			}
			downloaded := true
			if err := tx.Model(&domain.Job{}).Where("id = ?", jobID).Update("downloaded", &downloaded).Error; err != nil {
				return errs.FromStore("durable.GetTranscriptAndMarkDownloaded", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &transcript, nil
}

func (r *jobsRepo) GetAllUnfinishedJobs(dbc dbctx.Context) ([]*domain.Job, error) {
	var jobs []*domain.Job
	if err := r.tx(dbc).Where("finish_timestamp IS NULL").Order("id ASC").Find(&jobs).Error; err != nil {
		return nil, errs.FromStore("durable.GetAllUnfinishedJobs", err)
	}
	return jobs, nil
}

// DeleteJobs removes the caller's rows for jobIDs, refusing the whole
// batch with a conflict if any named job hasn't finished yet (spec.md
// §6 "400 if still running" — an unfinished job still owns an
// in_process_job:<id> Ephemeral Store record that a blind delete would
// orphan). Orphaned non-default settings are swept in the same
// transaction, mirroring the original's single-statement cleanup in
// delete_jobs_of_user (database.py:1374-1401).
func (r *jobsRepo) DeleteJobs(dbc dbctx.Context, userID int64, jobIDs []int64) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	var deleted int64
	err := withRetry(dbc.Ctx, func() error {
		return r.tx(dbc).Transaction(func(tx *gorm.DB) error {
			var unfinished int64
			if err := tx.Model(&domain.Job{}).
				Where("user_id = ? AND id IN ? AND finish_timestamp IS NULL", userID, jobIDs).
				Count(&unfinished).Error; err != nil {
				return errs.FromStore("durable.DeleteJobs", err)
			}
			if unfinished > 0 {
				return errs.Conflict("durable.DeleteJobs", "one or more jobs are still running")
			}

			var settingsIDs []int64
			if err := tx.Model(&domain.Job{}).
				Where("user_id = ? AND id IN ? AND settings_id IS NOT NULL", userID, jobIDs).
				Pluck("settings_id", &settingsIDs).Error; err != nil {
				return errs.FromStore("durable.DeleteJobs", err)
			}

			res := tx.Where("user_id = ? AND id IN ?", userID, jobIDs).Delete(&domain.Job{})
			if res.Error != nil {
				return errs.FromStore("durable.DeleteJobs", res.Error)
			}
			deleted = res.RowsAffected

			if len(settingsIDs) > 0 {
				if err := tx.Where("id IN ? AND is_default = false", settingsIDs).
					Where("NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.settings_id = job_settings.id)").
					Delete(&domain.JobSettings{}).Error; err != nil {
					return errs.FromStore("durable.DeleteJobs", err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (r *jobsRepo) GetJobCount(dbc dbctx.Context, userID int64) (int64, error) {
	var count int64
	if err := r.tx(dbc).Model(&domain.Job{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return 0, errs.FromStore("durable.GetJobCount", err)
	}
	return count, nil
}

var jobSortColumns = map[string]string{
	"created_at": "created_at",
	"file_name":  "file_name",
	"id":         "id",
}

func (r *jobsRepo) GetJobIDs(dbc dbctx.Context, userID int64, sortKey string, descending bool, offset, limit int) ([]int64, error) {
	column, ok := jobSortColumns[sortKey]
	if !ok {
		column = "created_at"
	}
	order := column + " ASC"
	if descending {
		order = column + " DESC"
	}
	var ids []int64
	q := r.tx(dbc).Model(&domain.Job{}).Where("user_id = ?", userID).Order(order)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, errs.FromStore("durable.GetJobIDs", err)
	}
	return ids, nil
}

func (r *jobsRepo) DeleteFinishedJobsOlderThan(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := withRetry(dbc.Ctx, func() error {
		res := r.tx(dbc).Where("finish_timestamp IS NOT NULL AND finish_timestamp < ?", cutoff).Delete(&domain.Job{})
		if res.Error != nil {
			return errs.FromStore("durable.DeleteFinishedJobsOlderThan", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (r *jobsRepo) UnlinkOrphanedAudioBlobs(dbc dbctx.Context) (int64, error) {
	var n int64
	err := withRetry(dbc.Ctx, func() error {
		n = 0
		rows, err := r.tx(dbc).Raw(`
			SELECT lo_unlink(lo.oid)
			FROM pg_largeobject_metadata lo, pg_roles roles
			WHERE roles.rolname = current_user
			AND lo.lomowner = roles.oid
			AND NOT EXISTS (
				SELECT 1 FROM jobs WHERE jobs.audio_oid = lo.oid
			)
		`).Rows()
		if err != nil {
			return errs.FromStore("durable.UnlinkOrphanedAudioBlobs", err)
		}
		defer rows.Close()
		for rows.Next() {
			n++
		}
		if err := rows.Err(); err != nil {
			return errs.FromStore("durable.UnlinkOrphanedAudioBlobs", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
