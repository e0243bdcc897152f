package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fitmarket/internal/types"
)

// AccountRepo reads the billing-relevant account profile.
type AccountRepo struct {
	db DBTX
}

// NewAccountRepo creates a repo backed by a pool or transaction.
func NewAccountRepo(db DBTX) *AccountRepo {
	return &AccountRepo{db: db}
}

const accountColumns = `a.id, a.tier, a.founder_grant, a.stripe_customer_id`

func scanProfile(row pgx.Row) (*types.AccountProfile, error) {
	var p types.AccountProfile
	var customerID *string
	if err := row.Scan(&p.AccountID, &p.Tier, &p.FounderGrant, &customerID); err != nil {
		return nil, err
	}
	if customerID != nil {
		p.StripeCustomerID = *customerID
	}
	return &p, nil
}

// GetProfile returns the account profile. A missing or deleted account
// yields ErrCodeNotFoundAccount.
func (r *AccountRepo) GetProfile(ctx context.Context, accountID string) (*types.AccountProfile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts a
		 WHERE a.id = $1 AND a.deleted_at IS NULL`,
		accountID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccount, fmt.Sprintf("account %s not found", accountID), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load account", err)
	}
	return p, nil
}

// GetByStripeCustomerID resolves the account a processor webhook refers to.
func (r *AccountRepo) GetByStripeCustomerID(ctx context.Context, customerID string) (*types.AccountProfile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts a
		 WHERE a.stripe_customer_id = $1 AND a.deleted_at IS NULL`,
		customerID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "no account for billing customer", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load account by customer", err)
	}
	return p, nil
}

// SetTier records the tier confirmed by the processor on the account.
// Founder accounts are never modified.
func (r *AccountRepo) SetTier(ctx context.Context, accountID string, tier types.PlanTier) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET tier = $1, updated_at = NOW()
		 WHERE id = $2 AND deleted_at IS NULL AND founder_grant = FALSE`,
		tier,
		accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update account tier", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeAccountImmutable, "account missing or tier is immutable", nil)
	}
	return nil
}

// SetStripeCustomerID links an account to its billing customer.
func (r *AccountRepo) SetStripeCustomerID(ctx context.Context, accountID, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts SET stripe_customer_id = $1, updated_at = NOW()
		 WHERE id = $2 AND deleted_at IS NULL`,
		nilIfEmpty(customerID),
		accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to link billing customer", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, fmt.Sprintf("account %s not found", accountID), nil)
	}
	return nil
}
