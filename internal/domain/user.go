package domain

import "time"

// User is the shared core of the three login variants spec.md's
// Design Notes §9 describes ("Polymorphic user variants... shared
// core (id, email, accepted-terms map) and variant-specific
// extensions"). Authentication itself is an out-of-scope external
// collaborator (spec.md §1); this core only exists so the
// orchestration engine has something to own jobs and settings by.
type User struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	LastLogin   time.Time `gorm:"not null;default:now();index" json:"last_login"`
	AcceptedTOS []byte    `gorm:"type:jsonb;not null;default:'{}'" json:"accepted_tos"`
}

func (User) TableName() string { return "users" }

// LocalAccount is the password-based login variant.
type LocalAccount struct {
	Email        string `gorm:"primaryKey;size:254" json:"email"`
	ID           int64  `gorm:"uniqueIndex;not null" json:"id"`
	PasswordHash string `gorm:"not null" json:"-"`
	IsAdmin      bool   `gorm:"not null;default:false" json:"is_admin"`
	IsVerified   bool   `gorm:"not null;default:false" json:"is_verified"`
	// ProvisionNumber is set for identities dictated by configuration
	// rather than self-signup (glossary "Provisioned user"); such
	// users are exempt from users cleanup.
	ProvisionNumber *int `gorm:"uniqueIndex" json:"provision_number,omitempty"`
}

func (LocalAccount) TableName() string { return "local_accounts" }

// OIDCAccount is the federated-identity login variant.
type OIDCAccount struct {
	Iss   string `gorm:"primaryKey;column:iss" json:"iss"`
	Sub   string `gorm:"primaryKey;column:sub" json:"sub"`
	ID    int64  `gorm:"uniqueIndex;not null" json:"id"`
	Email string `gorm:"size:254;not null" json:"email"`
}

func (OIDCAccount) TableName() string { return "oidc_accounts" }

// LDAPAccount is the directory-service login variant.
type LDAPAccount struct {
	ProviderName string `gorm:"primaryKey;column:provider_name" json:"provider_name"`
	UID          string `gorm:"primaryKey;column:uid" json:"uid"`
	ID           int64  `gorm:"uniqueIndex;not null" json:"id"`
	Email        string `gorm:"size:254;not null" json:"email"`
}

func (LDAPAccount) TableName() string { return "ldap_accounts" }

// LoginContext is the single shape every variant resolves to for
// downstream code (Design Notes §9).
type LoginContext struct {
	UserID  int64
	Email   string
	IsAdmin bool
}

// TokenSecret backs per-user API tokens, including the always-present
// temporary-session token (spec.md §4.1 "Tokens for temporary
// sessions are per-user and unique; deleting the temp-token row
// auto-recreates it").
type TokenSecret struct {
	ID              int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Name            string `gorm:"size:64;not null" json:"name"`
	UserID          int64  `gorm:"not null;index" json:"user_id"`
	Secret          string `gorm:"not null;size:32" json:"-"`
	TempTokenSecret bool   `gorm:"not null;default:false;column:temp_token_secret" json:"temp_token_secret"`
}

func (TokenSecret) TableName() string { return "token_secrets" }
