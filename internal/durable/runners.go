package durable

import (
	"errors"

	"gorm.io/gorm"

	"github.com/scribeworks/controlplane/internal/auth"
	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/domain"
	"github.com/scribeworks/controlplane/internal/errs"
	"github.com/scribeworks/controlplane/internal/logger"
)

// RunnersRepo owns the accredited-runner identity list (spec.md §3
// "Runner identity"). It has nothing to do with liveness — that is
// entirely the Ephemeral Store's concern.
type RunnersRepo interface {
	Create(dbc dbctx.Context) (id int64, token string, err error)
	Delete(dbc dbctx.Context, id int64) error
	GetByToken(dbc dbctx.Context, token string) (*domain.RunnerIdentity, error)
	Exists(dbc dbctx.Context, id int64) (bool, error)
}

type runnersRepo struct {
	gdb *gorm.DB
	log *logger.Logger
}

func NewRunnersRepo(gdb *gorm.DB, baseLog *logger.Logger) RunnersRepo {
	return &runnersRepo{gdb: gdb, log: baseLog.With("repo", "RunnersRepo")}
}

func (r *runnersRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.gdb.WithContext(dbc.Ctx)
}

func (r *runnersRepo) Create(dbc dbctx.Context) (int64, string, error) {
	token, hash, err := auth.NewRunnerToken()
	if err != nil {
		return 0, "", errs.Internal("durable.RunnersRepo.Create", "generate accreditation token", err)
	}
	row := &domain.RunnerIdentity{TokenHash: hash}
	err = withRetry(dbc.Ctx, func() error {
		if err := r.tx(dbc).Create(row).Error; err != nil {
			return errs.FromStore("durable.RunnersRepo.Create", err)
		}
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	return row.ID, token, nil
}

func (r *runnersRepo) Delete(dbc dbctx.Context, id int64) error {
	return withRetry(dbc.Ctx, func() error {
		res := r.tx(dbc).Where("id = ?", id).Delete(&domain.RunnerIdentity{})
		if res.Error != nil {
			return errs.FromStore("durable.RunnersRepo.Delete", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.NotFound("durable.RunnersRepo.Delete", "runner not found")
		}
		return nil
	})
}

func (r *runnersRepo) GetByToken(dbc dbctx.Context, token string) (*domain.RunnerIdentity, error) {
	var row domain.RunnerIdentity
	err := r.tx(dbc).Where("token_hash = ?", auth.HashRunnerToken(token)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Unauthorized("durable.RunnersRepo.GetByToken", "unknown runner token")
	}
	if err != nil {
		return nil, errs.FromStore("durable.RunnersRepo.GetByToken", err)
	}
	return &row, nil
}

func (r *runnersRepo) Exists(dbc dbctx.Context, id int64) (bool, error) {
	var count int64
	if err := r.tx(dbc).Model(&domain.RunnerIdentity{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, errs.FromStore("durable.RunnersRepo.Exists", err)
	}
	return count > 0, nil
}
