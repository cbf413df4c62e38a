package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verdantlabs/yardgen/internal/models"
	"github.com/verdantlabs/yardgen/internal/repository"
)

// PostgresStore serializes debit and refund on the user's balance row with
// SELECT ... FOR UPDATE. The lock is held only for the decrement/increment
// plus the ledger insert, never across external calls.
type PostgresStore struct {
	pool     *pgxpool.Pool
	balances *repository.BalanceRepository
	txs      *repository.TransactionRepository
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool, balances *repository.BalanceRepository, txs *repository.TransactionRepository) *PostgresStore {
	return &PostgresStore{pool: pool, balances: balances, txs: txs}
}

func (s *PostgresStore) Debit(ctx context.Context, userID int64, pool models.PoolKind, jobID string) (string, error) {
	if !pool.Valid() {
		return "", fmt.Errorf("invalid pool: %s", pool)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := s.balances.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return "", err
	}
	if balance == nil {
		return "", ErrInsufficientFunds
	}

	delta := 0
	if pool != models.PoolSubscription {
		ok, err := s.balances.Decrement(ctx, tx, userID, pool)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrInsufficientFunds
		}
		delta = -1
	}

	entry := &models.CreditTransaction{
		ID:     uuid.NewString(),
		UserID: userID,
		Pool:   pool,
		Delta:  delta,
		Reason: models.ReasonGeneration,
		JobID:  optional(jobID),
	}
	if err := s.txs.Insert(ctx, tx, entry); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit debit: %w", err)
	}
	return entry.ID, nil
}

func (s *PostgresStore) Refund(ctx context.Context, userID int64, pool models.PoolKind, debitTxID, jobID string) (string, error) {
	if !pool.Valid() {
		return "", fmt.Errorf("invalid pool: %s", pool)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := s.balances.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return "", err
	}
	if balance == nil {
		return "", fmt.Errorf("no balance row for user %d", userID)
	}

	delta := 0
	if pool != models.PoolSubscription {
		if err := s.balances.Increment(ctx, tx, userID, pool, 1); err != nil {
			return "", err
		}
		delta = 1
	}

	entry := &models.CreditTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Pool:        pool,
		Delta:       delta,
		Reason:      models.ReasonRefund,
		JobID:       optional(jobID),
		RelatedTxID: optional(debitTxID),
	}
	if err := s.txs.Insert(ctx, tx, entry); err != nil {
		// The unique index on related_tx_id is what makes refund idempotent:
		// a second refund for the same debit fails here before commit.
		if isUniqueViolation(err) {
			return "", ErrRefundAlreadyApplied
		}
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit refund: %w", err)
	}
	return entry.ID, nil
}

func (s *PostgresStore) Grant(ctx context.Context, userID int64, pool models.PoolKind, amount int, reason models.TxReason, jobID, externalEventID string) (string, error) {
	if !pool.Valid() {
		return "", fmt.Errorf("invalid pool: %s", pool)
	}
	if amount <= 0 {
		return "", fmt.Errorf("grant amount must be positive, got %d", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin grant tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// A purchase webhook may arrive before the user's first generation
	// request, so the balance row is created on demand here.
	if _, err := tx.Exec(ctx, `INSERT INTO balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return "", fmt.Errorf("ensure balance row: %w", err)
	}
	if _, err := s.balances.GetForUpdate(ctx, tx, userID); err != nil {
		return "", err
	}

	if err := s.balances.Increment(ctx, tx, userID, pool, amount); err != nil {
		return "", err
	}

	entry := &models.CreditTransaction{
		ID:              uuid.NewString(),
		UserID:          userID,
		Pool:            pool,
		Delta:           amount,
		Reason:          reason,
		JobID:           optional(jobID),
		ExternalEventID: optional(externalEventID),
	}
	if err := s.txs.Insert(ctx, tx, entry); err != nil {
		if isUniqueViolation(err) {
			return "", ErrDuplicateEvent
		}
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit grant: %w", err)
	}
	return entry.ID, nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
