package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/models"
)

type fakeBalances struct {
	rows map[int64]*models.Balance
}

func newFakeBalances() *fakeBalances {
	return &fakeBalances{rows: make(map[int64]*models.Balance)}
}

func (f *fakeBalances) Get(_ context.Context, userID int64) (*models.Balance, error) {
	if b, ok := f.rows[userID]; ok {
		copied := *b
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeBalances) Ensure(_ context.Context, userID int64) (*models.Balance, bool, error) {
	if b, ok := f.rows[userID]; ok {
		copied := *b
		return &copied, false, nil
	}
	b := &models.Balance{UserID: userID}
	f.rows[userID] = b
	copied := *b
	return &copied, true, nil
}

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name        string
		balance     models.Balance
		wantAllowed bool
		wantPool    models.PoolKind
	}{
		{
			name:        "subscription wins over everything",
			balance:     models.Balance{SubscriptionActive: true, TrialRemaining: 2, TokenBalance: 5},
			wantAllowed: true,
			wantPool:    models.PoolSubscription,
		},
		{
			name:        "trial wins over tokens",
			balance:     models.Balance{TrialRemaining: 1, TokenBalance: 5},
			wantAllowed: true,
			wantPool:    models.PoolTrial,
		},
		{
			name:        "tokens when trial exhausted",
			balance:     models.Balance{TrialRemaining: 0, TokenBalance: 5},
			wantAllowed: true,
			wantPool:    models.PoolToken,
		},
		{
			name:        "seasonal credits never fund standard jobs",
			balance:     models.Balance{SeasonalCredits: 3},
			wantAllowed: false,
		},
		{
			name:        "nothing left",
			balance:     models.Balance{},
			wantAllowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			balances := newFakeBalances()
			b := tt.balance
			b.UserID = 1
			balances.rows[1] = &b

			svc := NewAuthorizationService(balances, ledger.NewMemoryStore(), 3)
			auth, err := svc.Resolve(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, auth.Allowed)
			if tt.wantAllowed {
				assert.Equal(t, tt.wantPool, auth.Pool)
			}
		})
	}
}

func TestResolveSeedsTrialThroughLedger(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := NewAuthorizationService(memoryBalances{store}, store, 3)

	auth, err := svc.Resolve(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, auth.Allowed)
	assert.Equal(t, models.PoolTrial, auth.Pool)
	assert.Equal(t, 3, store.Balance(42).TrialRemaining)

	sum := 0
	for _, tx := range store.Transactions() {
		if tx.UserID == 42 && tx.Pool == models.PoolTrial {
			sum += tx.Delta
		}
	}
	assert.Equal(t, 3, sum, "replaying the log must reproduce the trial counter")

	// The grant is keyed per user; a second resolution must not repeat it.
	_, err = svc.Resolve(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 3, store.Balance(42).TrialRemaining)
}

func TestResolveSeasonal(t *testing.T) {
	balances := newFakeBalances()
	balances.rows[1] = &models.Balance{UserID: 1, SubscriptionActive: true, TokenBalance: 5}
	balances.rows[2] = &models.Balance{UserID: 2, SeasonalCredits: 1}

	svc := NewAuthorizationService(balances, ledger.NewMemoryStore(), 0)

	auth, err := svc.ResolveSeasonal(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, auth.Allowed, "subscription and tokens must not fund holiday jobs")

	auth, err = svc.ResolveSeasonal(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, auth.Allowed)
	assert.Equal(t, models.PoolSeasonal, auth.Pool)
}
