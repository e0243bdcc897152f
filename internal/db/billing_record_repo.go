package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"fitmarket/internal/types"
)

// BillingRecordRepo reads and writes the per-account billing record that
// the billing processor webhook keeps current.
//
// ApplyEvent uses optimistic locking on last_event_at so out-of-order
// webhooks never regress a record.
type BillingRecordRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewBillingRecordRepo creates a repo backed by a pool or transaction.
func NewBillingRecordRepo(db DBTX, logger *slog.Logger) *BillingRecordRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingRecordRepo{db: db, logger: logger}
}

// GetRecord returns the account's billing record, or nil when the webhook
// has not written one yet.
func (r *BillingRecordRepo) GetRecord(ctx context.Context, accountID string) (*types.BillingRecord, error) {
	var rec types.BillingRecord
	err := r.db.QueryRow(ctx,
		`SELECT account_id, tier, status, updated_at
		 FROM billing_records
		 WHERE account_id = $1`,
		accountID,
	).Scan(&rec.AccountID, &rec.Tier, &rec.Status, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read billing record", err)
	}
	return &rec, nil
}

// ApplyEvent upserts the record if eventTime is newer than the last event
// applied. It reports whether the row changed; stale or duplicate events
// are an idempotent no-op.
func (r *BillingRecordRepo) ApplyEvent(
	ctx context.Context,
	accountID string,
	tier types.PlanTier,
	status types.SubscriptionStatus,
	eventTime time.Time,
) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO billing_records (account_id, tier, status, last_event_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (account_id) DO UPDATE
		 SET tier = EXCLUDED.tier,
		     status = EXCLUDED.status,
		     last_event_at = EXCLUDED.last_event_at,
		     updated_at = NOW()
		 WHERE billing_records.last_event_at IS NULL
		    OR billing_records.last_event_at < EXCLUDED.last_event_at`,
		accountID,
		tier,
		status,
		eventTime,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply billing event", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "stale billing event ignored (optimistic lock)",
			slog.String("account_id", accountID),
			slog.Time("event_timestamp", eventTime),
		)
		return false, nil
	}
	return true, nil
}
