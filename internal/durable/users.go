package durable

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/domain"
	"github.com/scribeworks/controlplane/internal/errs"
	"github.com/scribeworks/controlplane/internal/logger"
)

// UsersRepo owns the shared User core and its three login-variant
// extensions (spec.md Design Notes §9 "Polymorphic user variants").
// The identity providers themselves (password verification, OIDC/LDAP
// handshakes) are an out-of-scope external collaborator; this repo
// only persists what the core needs once a caller is authenticated.
type UsersRepo interface {
	EnsureLocalUser(dbc dbctx.Context, email, passwordHash string, isAdmin bool, provisionNumber *int) (*domain.User, error)
	EnsureOIDCUser(dbc dbctx.Context, iss, sub, email string) (*domain.User, error)
	EnsureLDAPUser(dbc dbctx.Context, providerName, uid, email string) (*domain.User, error)
	GetByID(dbc dbctx.Context, userID int64) (*domain.User, error)
	GetLocalByEmail(dbc dbctx.Context, email string) (*domain.User, *domain.LocalAccount, error)
	Delete(dbc dbctx.Context, userID int64) error
	AcceptTOS(dbc dbctx.Context, userID int64, tos []byte) error
	TouchLastLogin(dbc dbctx.Context, userID int64) error

	NewTokenSecret(dbc dbctx.Context, userID int64, name string) (*domain.TokenSecret, error)
	GetTempSessionToken(dbc dbctx.Context, userID int64) (*domain.TokenSecret, error)
	DeleteTokenSecret(dbc dbctx.Context, userID, tokenID int64) error
	DeleteAllTokenSecrets(dbc dbctx.Context, userID int64) error

	// ListInactiveSince supports the users-cleanup task: non-provisioned
	// users whose last login predates the cutoff (spec.md §4.1).
	ListInactiveSince(dbc dbctx.Context, cutoff time.Time) ([]int64, error)
	// ListEmailsForDeletionWarning returns every login email (across
	// all three account variants) whose inactivity age currently falls
	// in the one-day window that is exactly daysBeforeDeletion days
	// short of retentionDays, mirroring the two BETWEEN queries in
	// database.py:2259-2307 send_account_deletion_reminder's caller.
	ListEmailsForDeletionWarning(dbc dbctx.Context, retentionDays, daysBeforeDeletion int) ([]string, error)
}

type usersRepo struct {
	gdb *gorm.DB
	log *logger.Logger
}

func NewUsersRepo(gdb *gorm.DB, baseLog *logger.Logger) UsersRepo {
	return &usersRepo{gdb: gdb, log: baseLog.With("repo", "UsersRepo")}
}

func (r *usersRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.gdb.WithContext(dbc.Ctx)
}

func (r *usersRepo) EnsureLocalUser(dbc dbctx.Context, email, passwordHash string, isAdmin bool, provisionNumber *int) (*domain.User, error) {
	var user *domain.User
	err := withRetry(dbc.Ctx, func() error {
		return r.tx(dbc).Transaction(func(tx *gorm.DB) error {
			var acct domain.LocalAccount
			err := tx.Where("email = ?", email).First(&acct).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				u := &domain.User{LastLogin: time.Now(), AcceptedTOS: []byte("{}")}
				if err := tx.Create(u).Error; err != nil {
					return errs.FromStore("durable.UsersRepo.EnsureLocalUser", err)
				}
				acct = domain.LocalAccount{Email: email, ID: u.ID, PasswordHash: passwordHash, IsAdmin: isAdmin, ProvisionNumber: provisionNumber}
				if err := tx.Create(&acct).Error; err != nil {
					return errs.FromStore("durable.UsersRepo.EnsureLocalUser", err)
				}
				user = u
				return nil
			case err != nil:
				return errs.FromStore("durable.UsersRepo.EnsureLocalUser", err)
			default:
				if provisionNumber != nil {
					acct.PasswordHash = passwordHash
					acct.IsAdmin = isAdmin
					acct.ProvisionNumber = provisionNumber
					if err := tx.Save(&acct).Error; err != nil {
						return errs.FromStore("durable.UsersRepo.EnsureLocalUser", err)
					}
				}
				var u domain.User
				if err := tx.Where("id = ?", acct.ID).First(&u).Error; err != nil {
					return errs.FromStore("durable.UsersRepo.EnsureLocalUser", err)
				}
				user = &u
				return nil
			}
		})
	})
	return user, err
}

func (r *usersRepo) EnsureOIDCUser(dbc dbctx.Context, iss, sub, email string) (*domain.User, error) {
	var user *domain.User
	err := withRetry(dbc.Ctx, func() error {
		return r.tx(dbc).Transaction(func(tx *gorm.DB) error {
			var acct domain.OIDCAccount
			err := tx.Where("iss = ? AND sub = ?", iss, sub).First(&acct).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				u := &domain.User{LastLogin: time.Now(), AcceptedTOS: []byte("{}")}
				if err := tx.Create(u).Error; err != nil {
					return errs.FromStore("durable.UsersRepo.EnsureOIDCUser", err)
				}
				acct = domain.OIDCAccount{Iss: iss, Sub: sub, ID: u.ID, Email: email}
				if err := tx.Create(&acct).Error; err != nil {
					return errs.FromStore("durable.UsersRepo.EnsureOIDCUser", err)
				}
				user = u
				return nil
			}
			if err != nil {
				return errs.FromStore("durable.UsersRepo.EnsureOIDCUser", err)
			}
			var u domain.User
			if err := tx.Where("id = ?", acct.ID).First(&u).Error; err != nil {
				return errs.FromStore("durable.UsersRepo.EnsureOIDCUser", err)
			}
			user = &u
			return nil
		})
	})
	return user, err
}

func (r *usersRepo) EnsureLDAPUser(dbc dbctx.Context, providerName, uid, email string) (*domain.User, error) {
	var user *domain.User
	err := withRetry(dbc.Ctx, func() error {
		return r.tx(dbc).Transaction(func(tx *gorm.DB) error {
			var acct domain.LDAPAccount
			err := tx.Where("provider_name = ? AND uid = ?", providerName, uid).First(&acct).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				u := &domain.User{LastLogin: time.Now(), AcceptedTOS: []byte("{}")}
				if err := tx.Create(u).Error; err != nil {
					return errs.FromStore("durable.UsersRepo.EnsureLDAPUser", err)
				}
				acct = domain.LDAPAccount{ProviderName: providerName, UID: uid, ID: u.ID, Email: email}
				if err := tx.Create(&acct).Error; err != nil {
					return errs.FromStore("durable.UsersRepo.EnsureLDAPUser", err)
				}
				user = u
				return nil
			}
			if err != nil {
				return errs.FromStore("durable.UsersRepo.EnsureLDAPUser", err)
			}
			var u domain.User
			if err := tx.Where("id = ?", acct.ID).First(&u).Error; err != nil {
				return errs.FromStore("durable.UsersRepo.EnsureLDAPUser", err)
			}
			user = &u
			return nil
		})
	})
	return user, err
}

func (r *usersRepo) GetByID(dbc dbctx.Context, userID int64) (*domain.User, error) {
	var u domain.User
	err := r.tx(dbc).Where("id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("durable.UsersRepo.GetByID", "user not found")
	}
	if err != nil {
		return nil, errs.FromStore("durable.UsersRepo.GetByID", err)
	}
	return &u, nil
}

func (r *usersRepo) GetLocalByEmail(dbc dbctx.Context, email string) (*domain.User, *domain.LocalAccount, error) {
	var acct domain.LocalAccount
	err := r.tx(dbc).Where("email = ?", email).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, errs.Unauthorized("durable.UsersRepo.GetLocalByEmail", "no such account")
	}
	if err != nil {
		return nil, nil, errs.FromStore("durable.UsersRepo.GetLocalByEmail", err)
	}
	var u domain.User
	if err := r.tx(dbc).Where("id = ?", acct.ID).First(&u).Error; err != nil {
		return nil, nil, errs.FromStore("durable.UsersRepo.GetLocalByEmail", err)
	}
	return &u, &acct, nil
}

func (r *usersRepo) Delete(dbc dbctx.Context, userID int64) error {
	return withRetry(dbc.Ctx, func() error {
		res := r.tx(dbc).Where("id = ?", userID).Delete(&domain.User{})
		if res.Error != nil {
			return errs.FromStore("durable.UsersRepo.Delete", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.NotFound("durable.UsersRepo.Delete", "user not found")
		}
		return nil
	})
}

func (r *usersRepo) AcceptTOS(dbc dbctx.Context, userID int64, tos []byte) error {
	return withRetry(dbc.Ctx, func() error {
		if err := r.tx(dbc).Model(&domain.User{}).Where("id = ?", userID).Update("accepted_tos", tos).Error; err != nil {
			return errs.FromStore("durable.UsersRepo.AcceptTOS", err)
		}
		return nil
	})
}

func (r *usersRepo) TouchLastLogin(dbc dbctx.Context, userID int64) error {
	return withRetry(dbc.Ctx, func() error {
		if err := r.tx(dbc).Model(&domain.User{}).Where("id = ?", userID).Update("last_login", time.Now()).Error; err != nil {
			return errs.FromStore("durable.UsersRepo.TouchLastLogin", err)
		}
		return nil
	})
}

// NewTokenSecret creates a named API token for a user. The unique
// partial index only_one_temp_token_secret_per_user is irrelevant
// here: regular tokens never set temp_token_secret.
func (r *usersRepo) NewTokenSecret(dbc dbctx.Context, userID int64, name string) (*domain.TokenSecret, error) {
	row := &domain.TokenSecret{Name: name, UserID: userID}
	err := withRetry(dbc.Ctx, func() error {
		if err := r.tx(dbc).Create(row).Error; err != nil {
			return errs.FromStore("durable.UsersRepo.NewTokenSecret", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// GetTempSessionToken fetches the always-present temp-session secret,
// creating it on demand for users provisioned before this row existed.
func (r *usersRepo) GetTempSessionToken(dbc dbctx.Context, userID int64) (*domain.TokenSecret, error) {
	var row domain.TokenSecret
	err := r.tx(dbc).Where("user_id = ? AND temp_token_secret", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = domain.TokenSecret{Name: "Temporary sessions", UserID: userID, TempTokenSecret: true}
		if err := r.tx(dbc).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return nil, errs.FromStore("durable.UsersRepo.GetTempSessionToken", err)
		}
		return r.GetTempSessionToken(dbc, userID)
	}
	if err != nil {
		return nil, errs.FromStore("durable.UsersRepo.GetTempSessionToken", err)
	}
	return &row, nil
}

func (r *usersRepo) DeleteTokenSecret(dbc dbctx.Context, userID, tokenID int64) error {
	return withRetry(dbc.Ctx, func() error {
		res := r.tx(dbc).Where("id = ? AND user_id = ?", tokenID, userID).Delete(&domain.TokenSecret{})
		if res.Error != nil {
			return errs.FromStore("durable.UsersRepo.DeleteTokenSecret", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.NotFound("durable.UsersRepo.DeleteTokenSecret", "token not found")
		}
		return nil
	})
}

func (r *usersRepo) DeleteAllTokenSecrets(dbc dbctx.Context, userID int64) error {
	return withRetry(dbc.Ctx, func() error {
		if err := r.tx(dbc).Where("user_id = ?", userID).Delete(&domain.TokenSecret{}).Error; err != nil {
			return errs.FromStore("durable.UsersRepo.DeleteAllTokenSecrets", err)
		}
		return nil
	})
}

func (r *usersRepo) ListInactiveSince(dbc dbctx.Context, cutoff time.Time) ([]int64, error) {
	var ids []int64
	err := r.tx(dbc).Model(&domain.User{}).
		Joins("LEFT JOIN local_accounts ON local_accounts.id = users.id").
		Where("users.last_login < ? AND local_accounts.provision_number IS NULL", cutoff).
		Pluck("users.id", &ids).Error
	if err != nil {
		return nil, errs.FromStore("durable.UsersRepo.ListInactiveSince", err)
	}
	return ids, nil
}

func (r *usersRepo) ListEmailsForDeletionWarning(dbc dbctx.Context, retentionDays, daysBeforeDeletion int) ([]string, error) {
	windowStart := time.Now().AddDate(0, 0, -(retentionDays - daysBeforeDeletion))
	windowEnd := time.Now().AddDate(0, 0, -(retentionDays - daysBeforeDeletion - 1))

	var emails []string
	err := r.tx(dbc).Raw(`
		SELECT la.email
		FROM users users, local_accounts la
		WHERE users.id = la.id
		AND users.last_login BETWEEN ? AND ?
		AND la.provision_number IS NULL
		UNION
		SELECT oa.email
		FROM users users, oidc_accounts oa
		WHERE users.id = oa.id
		AND users.last_login BETWEEN ? AND ?
		UNION
		SELECT lda.email
		FROM users users, ldap_accounts lda
		WHERE users.id = lda.id
		AND users.last_login BETWEEN ? AND ?
	`, windowStart, windowEnd, windowStart, windowEnd, windowStart, windowEnd).Scan(&emails).Error
	if err != nil {
		return nil, errs.FromStore("durable.UsersRepo.ListEmailsForDeletionWarning", err)
	}
	return emails, nil
}
