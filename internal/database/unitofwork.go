package database

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Scope narrows a query to the single row a unit of work operates on.
type Scope func(*gorm.DB) *gorm.DB

// WithLockedRow is the atomic unit of work around one row. It opens a
// transaction, loads the row selected by scope into dest with SELECT ... FOR
// UPDATE (a no-op on sqlite, where the transaction already holds the write
// lock) and hands the transaction to fn. fn decides whether to write; any
// error rolls everything back. gorm.ErrRecordNotFound is returned unchanged
// when the row does not exist.
func WithLockedRow(ctx context.Context, db *gorm.DB, dest any, scope Scope, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := scope(tx.Clauses(clause.Locking{Strength: "UPDATE"})).First(dest).Error; err != nil {
			return err
		}
		return fn(tx)
	})
}
