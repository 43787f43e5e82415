package domain

// JobSettings is the per-user transcription recipe (spec.md §3
// "Settings record"). At most one row per user carries IsDefault.
type JobSettings struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64  `gorm:"not null;index" json:"user_id"`
	IsDefault bool   `gorm:"not null;default:false" json:"is_default"`
	Settings  []byte `gorm:"type:jsonb;not null" json:"settings"`
}

func (JobSettings) TableName() string { return "job_settings" }

// TranscriptionParams is the decoded shape of JobSettings.Settings:
// model, language, alignment, diarisation, VAD, decoder parameters
// (spec.md §3). The control plane treats this as an opaque recipe —
// it is forwarded to runners verbatim and never interpreted.
type TranscriptionParams struct {
	Model         string         `json:"model"`
	Language      string         `json:"language,omitempty"`
	Align         bool           `json:"align"`
	Diarize       bool           `json:"diarize"`
	VAD           bool           `json:"vad"`
	DecoderParams map[string]any `json:"decoder_params,omitempty"`
}
