package db

import (
	"context"
	_ "embed"

	"fitmarket/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the account and billing record tables if missing.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply schema", err)
	}
	return nil
}
