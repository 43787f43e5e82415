package orchestrator

import (
	"context"
	"net/mail"
	"time"

	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/durable"
	"github.com/scribeworks/controlplane/internal/logger"
	"github.com/scribeworks/controlplane/internal/mailer"
)

// deletionWarningDays are the boundaries at which the users-cleanup
// task warns an inactive user before deleting their account
// (database.py:2259-2341 send_account_deletion_reminder).
var deletionWarningDays = []int{30, 7}

// CleanupRunner drives the three cleanup tasks spec.md §4.1 names
// (general, finished-job retention, inactive-user retention), each
// gated to at most once per 24h by durable.CleanupGate. General has
// no retention knob and always runs when due; a nil retention pointer
// disables the Jobs/Users task it guards, matching Design Notes §9's
// "empty config disables the subsystem" resolution.
type CleanupRunner struct {
	gate      *durable.CleanupGate
	jobs      durable.JobsRepo
	settings  durable.SettingsRepo
	users     durable.UsersRepo
	mailer    mailer.Mailer
	clientURL string
	log       *logger.Logger

	finishedJobRetentionDays *int
	userRetentionDays        *int
}

func NewCleanupRunner(gate *durable.CleanupGate, jobs durable.JobsRepo, settings durable.SettingsRepo, users durable.UsersRepo, mlr mailer.Mailer, clientURL string, finishedJobRetentionDays, userRetentionDays *int, baseLog *logger.Logger) *CleanupRunner {
	return &CleanupRunner{
		gate: gate, jobs: jobs, settings: settings, users: users, mailer: mlr, clientURL: clientURL,
		finishedJobRetentionDays: finishedJobRetentionDays,
		userRetentionDays:        userRetentionDays,
		log:                      baseLog.With("component", "CleanupRunner"),
	}
}

// RunDue runs whichever gated tasks are both enabled and due.
func (r *CleanupRunner) RunDue(ctx context.Context) error {
	if err := r.runGeneralCleanup(ctx); err != nil {
		return err
	}
	if r.finishedJobRetentionDays != nil {
		if err := r.runJobsCleanup(ctx); err != nil {
			return err
		}
	}
	if r.userRetentionDays != nil {
		if err := r.runUsersCleanup(ctx); err != nil {
			return err
		}
	}
	return nil
}

// runGeneralCleanup unlinks large objects no job references and
// deletes non-default settings no job references, grounded on
// database.py:2171-2229 general_cleanup. Unlike Jobs/Users this task
// has no retention knob, so it always runs when its 24h gate is due.
func (r *CleanupRunner) runGeneralCleanup(ctx context.Context) error {
	due, _, err := r.gate.ShouldRun(ctx, durable.TaskGeneral)
	if err != nil || !due {
		return err
	}
	unlinked, err := r.jobs.UnlinkOrphanedAudioBlobs(dbctx.New(ctx))
	if err != nil {
		return err
	}
	deletedSettings, err := r.settings.DeleteOrphanedNonDefault(dbctx.New(ctx))
	if err != nil {
		return err
	}
	r.log.Info("general cleanup complete", "blobs_unlinked", unlinked, "settings_deleted", deletedSettings)
	return r.gate.MarkRan(ctx, durable.TaskGeneral)
}

func (r *CleanupRunner) runJobsCleanup(ctx context.Context) error {
	due, _, err := r.gate.ShouldRun(ctx, durable.TaskJobs)
	if err != nil || !due {
		return err
	}
	cutoff := time.Now().AddDate(0, 0, -*r.finishedJobRetentionDays)
	n, err := r.jobs.DeleteFinishedJobsOlderThan(dbctx.New(ctx), cutoff)
	if err != nil {
		return err
	}
	r.log.Info("jobs cleanup complete", "deleted", n, "cutoff", cutoff)
	return r.gate.MarkRan(ctx, durable.TaskJobs)
}

func (r *CleanupRunner) runUsersCleanup(ctx context.Context) error {
	due, _, err := r.gate.ShouldRun(ctx, durable.TaskUsers)
	if err != nil || !due {
		return err
	}

	for _, daysRemaining := range deletionWarningDays {
		if err := r.sendDeletionWarnings(ctx, *r.userRetentionDays, daysRemaining); err != nil {
			r.log.Error("users cleanup: deletion warning failed", "days_remaining", daysRemaining, "error", err)
		}
	}

	cutoff := time.Now().AddDate(0, 0, -*r.userRetentionDays)
	ids, err := r.users.ListInactiveSince(dbctx.New(ctx), cutoff)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.users.Delete(dbctx.New(ctx), id); err != nil {
			r.log.Error("users cleanup: delete failed", "user_id", id, "error", err)
		}
	}
	r.log.Info("users cleanup complete", "deleted", len(ids), "cutoff", cutoff)
	return r.gate.MarkRan(ctx, durable.TaskUsers)
}

// sendDeletionWarnings emails the cohort of users whose inactivity
// currently sits exactly daysRemaining days short of retentionDays,
// skipping addresses the database couldn't have validated on the way
// in (database.py:2308-2341's EmailValidated loop).
func (r *CleanupRunner) sendDeletionWarnings(ctx context.Context, retentionDays, daysRemaining int) error {
	emails, err := r.users.ListEmailsForDeletionWarning(dbctx.New(ctx), retentionDays, daysRemaining)
	if err != nil {
		return err
	}
	valid := make([]string, 0, len(emails))
	for _, e := range emails {
		if _, err := mail.ParseAddress(e); err != nil {
			r.log.Error("users cleanup: invalid email address in database, ignoring", "email", e)
			continue
		}
		valid = append(valid, e)
	}
	if len(valid) == 0 {
		r.log.Info("users cleanup: no deletion warnings to send", "days_remaining", daysRemaining)
		return nil
	}
	if err := r.mailer.SendAccountDeletionReminder(ctx, valid, r.clientURL, daysRemaining); err != nil {
		return err
	}
	r.log.Info("users cleanup: sent deletion reminder", "recipients", len(valid), "days_remaining", daysRemaining)
	return nil
}
