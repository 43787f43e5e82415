package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// applyConstraintsAndTriggers installs the CHECK constraints and
// triggers spec.md §4.1/§3 require that GORM struct tags cannot
// express, one-to-one with the original database schema. Every
// statement is idempotent (DROP ... IF EXISTS then (re)create) so
// provisioning can run on every startup.
func (s *Service) applyConstraintsAndTriggers(ctx context.Context, conn *pgxpool.Conn) error {
	schema := s.schema
	stmts := []string{
		// jobs: only a finished job may carry runner info.
		fmt.Sprintf(`ALTER TABLE %s.jobs DROP CONSTRAINT IF EXISTS only_finished_job_can_have_runner`, schema),
		fmt.Sprintf(`ALTER TABLE %s.jobs ADD CONSTRAINT only_finished_job_can_have_runner CHECK (
			(finish_timestamp IS NULL AND runner_id IS NULL AND runner_name IS NULL AND runner_version IS NULL AND runner_git_hash IS NULL AND runner_source_url IS NULL)
			OR finish_timestamp IS NOT NULL
		)`, schema),

		// jobs: runner metadata is either fully null or fully populated, except runner_id.
		fmt.Sprintf(`ALTER TABLE %s.jobs DROP CONSTRAINT IF EXISTS either_no_or_all_runner_info_except_runner_id`, schema),
		fmt.Sprintf(`ALTER TABLE %s.jobs ADD CONSTRAINT either_no_or_all_runner_info_except_runner_id CHECK (
			(runner_name IS NULL AND runner_version IS NULL AND runner_git_hash IS NULL AND runner_source_url IS NULL)
			OR (runner_name IS NOT NULL AND runner_version IS NOT NULL AND runner_git_hash IS NOT NULL AND runner_source_url IS NOT NULL)
		)`, schema),

		// jobs: a finished job is exactly succeeded xor failed, or unfinished.
		fmt.Sprintf(`ALTER TABLE %s.jobs DROP CONSTRAINT IF EXISTS only_finished_job_is_succeeded_or_failed`, schema),
		fmt.Sprintf(`ALTER TABLE %s.jobs ADD CONSTRAINT only_finished_job_is_succeeded_or_failed CHECK (
			(finish_timestamp IS NOT NULL AND downloaded IS NOT NULL AND error_msg IS NULL)
			OR (finish_timestamp IS NOT NULL AND downloaded IS NULL AND error_msg IS NOT NULL)
			OR (finish_timestamp IS NULL AND downloaded IS NULL AND error_msg IS NULL)
		)`, schema),

		// jobs: a finished job has no audio handle.
		fmt.Sprintf(`ALTER TABLE %s.jobs DROP CONSTRAINT IF EXISTS finished_job_has_no_audio_oid`, schema),
		fmt.Sprintf(`ALTER TABLE %s.jobs ADD CONSTRAINT finished_job_has_no_audio_oid CHECK (
			(finish_timestamp IS NOT NULL AND audio_oid IS NULL) OR finish_timestamp IS NULL
		)`, schema),

		// jobs: an aborting job has no audio handle and is not finished.
		fmt.Sprintf(`ALTER TABLE %s.jobs DROP CONSTRAINT IF EXISTS aborting_job_has_no_audio_oid_and_is_not_finished`, schema),
		fmt.Sprintf(`ALTER TABLE %s.jobs ADD CONSTRAINT aborting_job_has_no_audio_oid_and_is_not_finished CHECK (
			(NOT aborting) OR (aborting AND audio_oid IS NULL AND finish_timestamp IS NULL)
		)`, schema),

		// job_settings: at most one default settings row per user.
		fmt.Sprintf(`DROP INDEX IF EXISTS %s.only_one_default_setting_per_user`, schema),
		fmt.Sprintf(`CREATE UNIQUE INDEX only_one_default_setting_per_user ON %s.job_settings (user_id) WHERE is_default`, schema),

		// token_secrets: at most one temp-session-token row per user.
		fmt.Sprintf(`DROP INDEX IF EXISTS %s.only_one_temp_token_secret_per_user`, schema),
		fmt.Sprintf(`CREATE UNIQUE INDEX only_one_temp_token_secret_per_user ON %s.token_secrets (user_id) WHERE temp_token_secret`, schema),

		// jobs: deleting a row unlinks its audio large object.
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s.delete_job_audio() RETURNS TRIGGER AS $$
			BEGIN
				IF OLD.audio_oid IS NOT NULL THEN
					PERFORM lo_unlink(OLD.audio_oid);
				END IF;
				RETURN NULL;
			END;
			$$ LANGUAGE plpgsql`, schema),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS delete_job_audio ON %s.jobs`, schema),
		fmt.Sprintf(`CREATE TRIGGER delete_job_audio AFTER DELETE ON %s.jobs FOR EACH ROW WHEN (OLD.audio_oid IS NOT NULL) EXECUTE FUNCTION %s.delete_job_audio()`, schema, schema),

		// token_secrets: deleting the temp-token row recreates it.
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s.rotate_temp_token_secret() RETURNS TRIGGER AS $$
			BEGIN
				INSERT INTO %s.token_secrets (name, user_id, temp_token_secret)
				VALUES ('Temporary sessions', OLD.user_id, true);
				RETURN NULL;
			END;
			$$ LANGUAGE plpgsql`, schema, schema),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS rotate_temp_token_secret ON %s.token_secrets`, schema),
		fmt.Sprintf(`CREATE TRIGGER rotate_temp_token_secret AFTER DELETE ON %s.token_secrets FOR EACH ROW WHEN (OLD.temp_token_secret AND pg_trigger_depth() < 2) EXECUTE FUNCTION %s.rotate_temp_token_secret()`, schema, schema),
	}

	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema constraint/trigger: %w\nstatement: %s", err, stmt)
		}
	}
	return nil
}
