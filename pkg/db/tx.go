package db

import (
	"context"

	"gorm.io/gorm"
)

// Serializable runs fn inside a transaction, requesting serializable
// isolation where the dialect supports it.
func Serializable(ctx context.Context, gdb *gorm.DB, fn func(tx *gorm.DB) error) error {
	opts := SerializableTxOptions(gdb)
	if opts == nil {
		return gdb.WithContext(ctx).Transaction(fn)
	}
	return gdb.WithContext(ctx).Transaction(fn, opts)
}
