package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verdantlabs/yardgen/internal/models"
)

type BalanceRepository struct {
	pool *pgxpool.Pool
}

func NewBalanceRepository(pool *pgxpool.Pool) *BalanceRepository {
	return &BalanceRepository{pool: pool}
}

func (r *BalanceRepository) Pool() *pgxpool.Pool {
	return r.pool
}

const balanceColumns = `user_id, trial_remaining, token_balance, subscription_active, seasonal_credits, created_at, updated_at`

func scanBalance(row pgx.Row) (*models.Balance, error) {
	var b models.Balance
	if err := row.Scan(&b.UserID, &b.TrialRemaining, &b.TokenBalance, &b.SubscriptionActive, &b.SeasonalCredits, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan balance: %w", err)
	}
	return &b, nil
}

func (r *BalanceRepository) Get(ctx context.Context, userID int64) (*models.Balance, error) {
	const query = `SELECT ` + balanceColumns + ` FROM balances WHERE user_id = $1`
	return scanBalance(r.pool.QueryRow(ctx, query, userID))
}

// Ensure creates the balance row on first sight. Counters start at zero;
// every credit, including the signup trial grant, arrives through the ledger.
func (r *BalanceRepository) Ensure(ctx context.Context, userID int64) (*models.Balance, bool, error) {
	existing, err := r.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	const query = `
INSERT INTO balances (user_id)
VALUES ($1)
ON CONFLICT (user_id) DO NOTHING`
	if _, err := r.pool.Exec(ctx, query, userID); err != nil {
		return nil, false, fmt.Errorf("insert balance: %w", err)
	}
	created, err := r.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if created == nil {
		return nil, false, fmt.Errorf("balance row missing after insert for user %d", userID)
	}
	return created, true, nil
}

// GetForUpdate reads the balance row under an exclusive row lock. Must be
// called inside a transaction; the lock is released at commit or rollback.
func (r *BalanceRepository) GetForUpdate(ctx context.Context, q Querier, userID int64) (*models.Balance, error) {
	const query = `SELECT ` + balanceColumns + ` FROM balances WHERE user_id = $1 FOR UPDATE`
	return scanBalance(q.QueryRow(ctx, query, userID))
}

// poolColumn maps a numeric pool to its balances column. Subscription has no
// counter and never reaches here.
func poolColumn(pool models.PoolKind) (string, error) {
	switch pool {
	case models.PoolTrial:
		return "trial_remaining", nil
	case models.PoolToken:
		return "token_balance", nil
	case models.PoolSeasonal:
		return "seasonal_credits", nil
	case models.PoolSubscription:
		return "", fmt.Errorf("subscription pool has no balance column")
	default:
		return "", fmt.Errorf("unknown pool: %s", pool)
	}
}

// Decrement consumes one unit from the pool, guarded so the counter cannot
// pass zero. Returns false when the pool is already empty.
func (r *BalanceRepository) Decrement(ctx context.Context, q Querier, userID int64, pool models.PoolKind) (bool, error) {
	col, err := poolColumn(pool)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`UPDATE balances SET %s = %s - 1, updated_at = now() WHERE user_id = $1 AND %s >= 1`, col, col, col)
	tag, err := q.Exec(ctx, query, userID)
	if err != nil {
		return false, fmt.Errorf("decrement %s: %w", pool, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Increment restores or grants units in the pool.
func (r *BalanceRepository) Increment(ctx context.Context, q Querier, userID int64, pool models.PoolKind, amount int) error {
	col, err := poolColumn(pool)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE balances SET %s = %s + $2, updated_at = now() WHERE user_id = $1`, col, col)
	tag, err := q.Exec(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("increment %s: %w", pool, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no balance row for user %d", userID)
	}
	return nil
}

// SetSubscriptionActive flips the subscription flag, creating the balance
// row when a subscription event is the user's first contact.
func (r *BalanceRepository) SetSubscriptionActive(ctx context.Context, userID int64, active bool) error {
	const query = `
INSERT INTO balances (user_id, subscription_active)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET subscription_active = EXCLUDED.subscription_active, updated_at = now()`
	if _, err := r.pool.Exec(ctx, query, userID, active); err != nil {
		return fmt.Errorf("set subscription active: %w", err)
	}
	return nil
}
