package durable

import (
	"gorm.io/gorm"

	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/domain"
	"github.com/scribeworks/controlplane/internal/errs"
	"github.com/scribeworks/controlplane/internal/logger"
)

// BannersRepo owns the inert site_data table (spec.md §3 "site_data
// table"); it has no orchestration semantics of its own.
type BannersRepo interface {
	Add(dbc dbctx.Context, bannerType string, urgency int, html string) (*domain.SiteBanner, error)
	List(dbc dbctx.Context) ([]*domain.SiteBanner, error)
	Delete(dbc dbctx.Context, id int64) error
}

type bannersRepo struct {
	gdb *gorm.DB
	log *logger.Logger
}

func NewBannersRepo(gdb *gorm.DB, baseLog *logger.Logger) BannersRepo {
	return &bannersRepo{gdb: gdb, log: baseLog.With("repo", "BannersRepo")}
}

func (r *bannersRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.gdb.WithContext(dbc.Ctx)
}

func (r *bannersRepo) Add(dbc dbctx.Context, bannerType string, urgency int, html string) (*domain.SiteBanner, error) {
	row := &domain.SiteBanner{Type: bannerType, Urgency: urgency, HTML: html}
	err := withRetry(dbc.Ctx, func() error {
		if err := r.tx(dbc).Create(row).Error; err != nil {
			return errs.FromStore("durable.BannersRepo.Add", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *bannersRepo) List(dbc dbctx.Context) ([]*domain.SiteBanner, error) {
	var rows []*domain.SiteBanner
	if err := r.tx(dbc).Order("urgency DESC, id ASC").Find(&rows).Error; err != nil {
		return nil, errs.FromStore("durable.BannersRepo.List", err)
	}
	return rows, nil
}

func (r *bannersRepo) Delete(dbc dbctx.Context, id int64) error {
	return withRetry(dbc.Ctx, func() error {
		res := r.tx(dbc).Where("id = ?", id).Delete(&domain.SiteBanner{})
		if res.Error != nil {
			return errs.FromStore("durable.BannersRepo.Delete", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.NotFound("durable.BannersRepo.Delete", "banner not found")
		}
		return nil
	})
}
