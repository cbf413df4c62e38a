package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/yardgen/internal/models"
)

type fakeLedgerReader struct {
	sums map[models.PoolKind]int
	byJob map[string][]models.CreditTransaction
}

func (f *fakeLedgerReader) SumForPool(_ context.Context, _ int64, pool models.PoolKind) (int, error) {
	return f.sums[pool], nil
}

func (f *fakeLedgerReader) ListByJob(_ context.Context, jobID string) ([]models.CreditTransaction, error) {
	return f.byJob[jobID], nil
}

func TestUserLedgerFlagsDrift(t *testing.T) {
	balances := newFakeBalances()
	balances.rows[1] = &models.Balance{UserID: 1, TrialRemaining: 1, TokenBalance: 7, SeasonalCredits: 0}
	// Signup grant of 3, 3 trial debits, 1 refund: sums to 1, matching the
	// counter. The token counter is one ahead of its log.
	reader := &fakeLedgerReader{sums: map[models.PoolKind]int{
		models.PoolTrial: 1,
		models.PoolToken: 6,
	}}

	svc := NewAuditService(balances, reader)
	report, err := svc.UserLedger(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, report.Pools, 4)

	byPool := map[models.PoolKind]PoolAudit{}
	for _, p := range report.Pools {
		byPool[p.Pool] = p
	}
	assert.Equal(t, 0, byPool[models.PoolTrial].Drift, "trial pool must replay exactly, signup grant included")
	assert.Equal(t, 1, byPool[models.PoolToken].Drift, "a counter that moved outside the ledger must surface")
	assert.Equal(t, 0, byPool[models.PoolSeasonal].Drift)
	assert.Equal(t, 0, byPool[models.PoolSubscription].Drift)
}

func TestUserLedgerUnknownUser(t *testing.T) {
	svc := NewAuditService(newFakeBalances(), &fakeLedgerReader{})

	_, err := svc.UserLedger(context.Background(), 99)
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestJobTransactionsValidatesID(t *testing.T) {
	jobID := "55555555-5555-5555-5555-555555555555"
	reader := &fakeLedgerReader{byJob: map[string][]models.CreditTransaction{
		jobID: {{ID: "tx-1", Pool: models.PoolTrial, Delta: -1, Reason: models.ReasonGeneration}},
	}}
	svc := NewAuditService(newFakeBalances(), reader)

	_, err := svc.JobTransactions(context.Background(), "not-a-uuid")
	require.ErrorIs(t, err, ErrJobNotFound)

	txs, err := svc.JobTransactions(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, -1, txs[0].Delta)
}
