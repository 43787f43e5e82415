// Package domain holds the durable-store record shapes (spec.md §3)
// as GORM models, plus the plain ephemeral-store record shapes that
// never touch Postgres.
package domain

import "time"

// Job is the durable job record (spec.md §3 "Job"). Invariants are
// enforced both here (CHECK constraints applied in migrate.go) and by
// the repo layer, which is the only writer.
type Job struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64  `gorm:"not null;index" json:"user_id"`
	SettingsID *int64 `gorm:"index" json:"settings_id,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	FileName  string    `gorm:"not null" json:"file_name"`
	Aborting  bool      `gorm:"not null;default:false" json:"aborting"`

	// AudioOID is the Postgres large-object oid backing the audio
	// blob. Nil once consumed (finished or aborted). It is not a GORM
	// foreign key; large objects live outside any table.
	AudioOID *uint32 `gorm:"column:audio_oid" json:"-"`

	FinishTimestamp *time.Time `json:"finish_timestamp,omitempty"`

	RunnerID        *int64  `gorm:"index" json:"runner_id,omitempty"`
	RunnerName      *string `json:"runner_name,omitempty"`
	RunnerVersion   *string `json:"runner_version,omitempty"`
	RunnerGitHash   *string `json:"runner_git_hash,omitempty"`
	RunnerSourceURL *string `json:"runner_source_url,omitempty"`

	Downloaded *bool   `json:"downloaded,omitempty"`
	ErrorMsg   *string `json:"error_msg,omitempty"`
}

func (Job) TableName() string { return "jobs" }

func (j *Job) IsFinished() bool { return j.FinishTimestamp != nil }
func (j *Job) Succeeded() bool  { return j.FinishTimestamp != nil && j.ErrorMsg == nil }
func (j *Job) Failed() bool     { return j.FinishTimestamp != nil && j.ErrorMsg != nil }

// RunnerSnapshot is the all-or-nothing runner metadata recorded onto a
// job at finalisation time (spec.md §3).
type RunnerSnapshot struct {
	RunnerID  int64
	Name      string
	Version   string
	GitHash   string
	SourceURL string
}

// Transcript holds the five representations written once on success
// (spec.md §3 "Transcript").
type Transcript struct {
	JobID int64  `gorm:"primaryKey;column:job_id" json:"job_id"`
	AsTXT string `gorm:"column:as_txt;not null" json:"as_txt"`
	AsSRT string `gorm:"column:as_srt;not null" json:"as_srt"`
	AsTSV string `gorm:"column:as_tsv;not null" json:"as_tsv"`
	AsVTT string `gorm:"column:as_vtt;not null" json:"as_vtt"`
	// Structured representation; gorm.io/datatypes.JSON round-trips
	// through jsonb without a manual marshal step.
	AsJSON []byte `gorm:"column:as_json;type:jsonb;not null" json:"as_json"`
}

func (Transcript) TableName() string { return "transcripts" }

// TranscriptFormat enumerates the representations GET /jobs' transcript
// endpoint can request (spec.md §4.1 get_transcript_and_mark_downloaded).
type TranscriptFormat string

const (
	FormatPlain      TranscriptFormat = "txt"
	FormatSRT        TranscriptFormat = "srt"
	FormatTSV        TranscriptFormat = "tsv"
	FormatVTT        TranscriptFormat = "vtt"
	FormatStructured TranscriptFormat = "json"
)

func ParseTranscriptFormat(s string) (TranscriptFormat, bool) {
	switch TranscriptFormat(s) {
	case FormatPlain, FormatSRT, FormatTSV, FormatVTT, FormatStructured:
		return TranscriptFormat(s), true
	default:
		return "", false
	}
}
