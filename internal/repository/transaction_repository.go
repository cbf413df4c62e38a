package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verdantlabs/yardgen/internal/models"
)

type TransactionRepository struct {
	pool *pgxpool.Pool
}

func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

// Insert appends a ledger entry. The ledger is append-only; there are no
// update or delete operations on this table.
func (r *TransactionRepository) Insert(ctx context.Context, q Querier, tx *models.CreditTransaction) error {
	const query = `
INSERT INTO credit_transactions (id, user_id, pool, delta, reason, job_id, related_tx_id, external_event_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := q.Exec(ctx, query, tx.ID, tx.UserID, tx.Pool, tx.Delta, tx.Reason, tx.JobID, tx.RelatedTxID, tx.ExternalEventID); err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

// SumForPool replays the ledger for one user and pool. The result must equal
// the corresponding balances counter at all times.
func (r *TransactionRepository) SumForPool(ctx context.Context, userID int64, pool models.PoolKind) (int, error) {
	const query = `
SELECT COALESCE(SUM(delta), 0) FROM credit_transactions
WHERE user_id = $1 AND pool = $2`
	var sum int
	if err := r.pool.QueryRow(ctx, query, userID, pool).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

func (r *TransactionRepository) ListByJob(ctx context.Context, jobID string) ([]models.CreditTransaction, error) {
	const query = `
SELECT id, user_id, pool, delta, reason, job_id, related_tx_id, external_event_id, created_at
FROM credit_transactions
WHERE job_id = $1
ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list transactions by job: %w", err)
	}
	defer rows.Close()

	var txs []models.CreditTransaction
	for rows.Next() {
		var tx models.CreditTransaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Pool, &tx.Delta, &tx.Reason, &tx.JobID, &tx.RelatedTxID, &tx.ExternalEventID, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
