package domain

// Metadata is the store's own bookkeeping row (spec.md §4.1 "Schema
// provisioning"): software version on last open, and the "last ran"
// timestamps that gate each cleanup task to at most once per 24h.
type Metadata struct {
	Topic string `gorm:"primaryKey;column:topic" json:"topic"`
	Data  []byte `gorm:"type:jsonb;not null;column:data" json:"data"`
}

func (Metadata) TableName() string { return "metadata" }

const (
	MetadataTopicApplication = "application"
	MetadataTopicCleanup     = "cleanup"
)

// ApplicationMetadata is the decoded "application" topic row.
type ApplicationMetadata struct {
	LastUsedVersion string `json:"last_used_version"`
	SchemaMajor     int    `json:"schema_major"`
}

// CleanupMetadata is the decoded "cleanup" topic row.
type CleanupMetadata struct {
	GeneralLastCleanup string `json:"general_last_cleanup"`
	JobsLastCleanup    string `json:"jobs_last_cleanup"`
	UsersLastCleanup   string `json:"users_last_cleanup"`
}

// SiteBanner is an inert administrative table (spec.md §3 "site_data
// table") kept adjacent to the metadata/cleanup machinery the core
// owns; not exposed as an orchestration concept.
type SiteBanner struct {
	ID      int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Type    string `gorm:"not null" json:"type"`
	Urgency int    `gorm:"not null" json:"urgency"`
	HTML    string `gorm:"not null;column:html" json:"html"`
}

func (SiteBanner) TableName() string { return "site_data" }
