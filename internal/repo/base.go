// Package repo holds the gorm plumbing shared by the local repositories.
package repo

import (
	"context"

	"gorm.io/gorm"
)

// Base binds a repository to a connection or an open transaction.
type Base struct {
	db *gorm.DB
}

func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the connection scoped to ctx.
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// Bind returns a Base on tx, or b itself when tx is nil.
func (b Base) Bind(tx *gorm.DB) Base {
	if tx == nil {
		return b
	}
	return Base{db: tx}
}
