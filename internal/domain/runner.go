package domain

// RunnerIdentity is a durable row per accredited runner (spec.md §3
// "Runner identity"). TokenHash is base64url(sha256(token)) with no
// padding, 43 characters — the raw token has full entropy and is
// never stored.
type RunnerIdentity struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	TokenHash string `gorm:"uniqueIndex;size:43;not null" json:"-"`
}

func (RunnerIdentity) TableName() string { return "runners" }
