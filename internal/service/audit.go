package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/verdantlabs/yardgen/internal/models"
)

type ledgerReader interface {
	SumForPool(ctx context.Context, userID int64, pool models.PoolKind) (int, error)
	ListByJob(ctx context.Context, jobID string) ([]models.CreditTransaction, error)
}

// PoolAudit compares one balance counter against the replayed ledger sum.
// Drift is counter minus sum and must be zero for every pool; every credit
// movement, the signup trial grant included, goes through the ledger, so a
// nonzero drift means a counter moved outside it and is an alert condition.
type PoolAudit struct {
	Pool      models.PoolKind `json:"pool"`
	Balance   int             `json:"balance"`
	LedgerSum int             `json:"ledger_sum"`
	Drift     int             `json:"drift"`
}

type LedgerReport struct {
	UserID             int64       `json:"user_id"`
	SubscriptionActive bool        `json:"subscription_active"`
	Pools              []PoolAudit `json:"pools"`
}

// AuditService answers reconciliation questions about the ledger. Read-only.
type AuditService struct {
	balances balanceStore
	txs      ledgerReader
}

func NewAuditService(balances balanceStore, txs ledgerReader) *AuditService {
	return &AuditService{balances: balances, txs: txs}
}

// UserLedger replays the transaction log per pool and reports it next to the
// live counters.
func (s *AuditService) UserLedger(ctx context.Context, userID int64) (*LedgerReport, error) {
	balance, err := s.balances.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	if balance == nil {
		return nil, ErrUserNotFound
	}

	report := &LedgerReport{
		UserID:             userID,
		SubscriptionActive: balance.SubscriptionActive,
	}
	counters := []struct {
		pool    models.PoolKind
		balance int
	}{
		{models.PoolTrial, balance.TrialRemaining},
		{models.PoolToken, balance.TokenBalance},
		{models.PoolSeasonal, balance.SeasonalCredits},
		{models.PoolSubscription, 0},
	}
	for _, c := range counters {
		sum, err := s.txs.SumForPool(ctx, userID, c.pool)
		if err != nil {
			return nil, fmt.Errorf("replay %s pool: %w", c.pool, err)
		}
		report.Pools = append(report.Pools, PoolAudit{
			Pool:      c.pool,
			Balance:   c.balance,
			LedgerSum: sum,
			Drift:     c.balance - sum,
		})
	}
	return report, nil
}

// JobTransactions lists every ledger row a job produced, debits and refunds
// alike, in commit order.
func (s *AuditService) JobTransactions(ctx context.Context, jobID string) ([]models.CreditTransaction, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrJobNotFound
	}
	txs, err := s.txs.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job transactions: %w", err)
	}
	return txs, nil
}
