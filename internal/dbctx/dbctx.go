// Package dbctx bundles a request context with an optional GORM
// transaction, the way the teacher's internal/pkg/dbctx does, so
// repos can be called either standalone or inside a caller's
// transaction without two call signatures.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func Background() Context { return Context{Ctx: context.Background()} }

func New(ctx context.Context) Context { return Context{Ctx: ctx} }
