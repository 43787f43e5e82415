package durable

import (
	"errors"

	"gorm.io/gorm"

	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/domain"
	"github.com/scribeworks/controlplane/internal/errs"
	"github.com/scribeworks/controlplane/internal/logger"
)

// SettingsRepo owns job_settings, including the "at most one default
// per user" invariant (spec.md §3 "Settings record").
type SettingsRepo interface {
	Create(dbc dbctx.Context, userID int64, isDefault bool, settings []byte) (*domain.JobSettings, error)
	GetByID(dbc dbctx.Context, userID, settingsID int64) (*domain.JobSettings, error)
	GetDefault(dbc dbctx.Context, userID int64) (*domain.JobSettings, error)
	List(dbc dbctx.Context, userID int64) ([]*domain.JobSettings, error)
	// SetDefault clears the previous default and sets settingsID,
	// relying on the partial unique index to catch races rather than
	// locking (the only_one_default_setting_per_user index).
	SetDefault(dbc dbctx.Context, userID, settingsID int64) error
	Delete(dbc dbctx.Context, userID, settingsID int64) error
	// DeleteOrphanedNonDefault is the general-cleanup task's sweep
	// (spec.md §4.1, database.py:2209-2220 general_cleanup): any
	// non-default settings row no job references anymore.
	DeleteOrphanedNonDefault(dbc dbctx.Context) (int64, error)
}

type settingsRepo struct {
	gdb *gorm.DB
	log *logger.Logger
}

func NewSettingsRepo(gdb *gorm.DB, baseLog *logger.Logger) SettingsRepo {
	return &settingsRepo{gdb: gdb, log: baseLog.With("repo", "SettingsRepo")}
}

func (r *settingsRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.gdb.WithContext(dbc.Ctx)
}

func (r *settingsRepo) Create(dbc dbctx.Context, userID int64, isDefault bool, settings []byte) (*domain.JobSettings, error) {
	row := &domain.JobSettings{UserID: userID, IsDefault: isDefault, Settings: settings}
	err := withRetry(dbc.Ctx, func() error {
		if err := r.tx(dbc).Create(row).Error; err != nil {
			return errs.FromStore("durable.SettingsRepo.Create", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *settingsRepo) GetByID(dbc dbctx.Context, userID, settingsID int64) (*domain.JobSettings, error) {
	var row domain.JobSettings
	err := r.tx(dbc).Where("id = ? AND user_id = ?", settingsID, userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("durable.SettingsRepo.GetByID", "settings not found")
	}
	if err != nil {
		return nil, errs.FromStore("durable.SettingsRepo.GetByID", err)
	}
	return &row, nil
}

func (r *settingsRepo) GetDefault(dbc dbctx.Context, userID int64) (*domain.JobSettings, error) {
	var row domain.JobSettings
	err := r.tx(dbc).Where("user_id = ? AND is_default", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.FromStore("durable.SettingsRepo.GetDefault", err)
	}
	return &row, nil
}

func (r *settingsRepo) List(dbc dbctx.Context, userID int64) ([]*domain.JobSettings, error) {
	var rows []*domain.JobSettings
	if err := r.tx(dbc).Where("user_id = ?", userID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, errs.FromStore("durable.SettingsRepo.List", err)
	}
	return rows, nil
}

func (r *settingsRepo) SetDefault(dbc dbctx.Context, userID, settingsID int64) error {
	return withRetry(dbc.Ctx, func() error {
		return r.tx(dbc).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&domain.JobSettings{}).
				Where("user_id = ? AND is_default", userID).
				Update("is_default", false).Error; err != nil {
				return errs.FromStore("durable.SettingsRepo.SetDefault", err)
			}
			res := tx.Model(&domain.JobSettings{}).
				Where("id = ? AND user_id = ?", settingsID, userID).
				Update("is_default", true)
			if res.Error != nil {
				return errs.FromStore("durable.SettingsRepo.SetDefault", res.Error)
			}
			if res.RowsAffected == 0 {
				return errs.NotFound("durable.SettingsRepo.SetDefault", "settings not found")
			}
			return nil
		})
	})
}

func (r *settingsRepo) Delete(dbc dbctx.Context, userID, settingsID int64) error {
	return withRetry(dbc.Ctx, func() error {
		res := r.tx(dbc).Where("id = ? AND user_id = ?", settingsID, userID).Delete(&domain.JobSettings{})
		if res.Error != nil {
			return errs.FromStore("durable.SettingsRepo.Delete", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.NotFound("durable.SettingsRepo.Delete", "settings not found")
		}
		return nil
	})
}

func (r *settingsRepo) DeleteOrphanedNonDefault(dbc dbctx.Context) (int64, error) {
	var deleted int64
	err := withRetry(dbc.Ctx, func() error {
		res := r.tx(dbc).
			Where("is_default = false").
			Where("NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.settings_id = job_settings.id)").
			Delete(&domain.JobSettings{})
		if res.Error != nil {
			return errs.FromStore("durable.SettingsRepo.DeleteOrphanedNonDefault", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
