package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/models"
)

type fakeShareJobs struct {
	*fakeJobStore
	shares   map[string]bool
	failNext error
}

func (f *fakeShareJobs) RecordShare(_ context.Context, _ int64, jobID string) (bool, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return false, err
	}
	if f.shares[jobID] {
		return false, nil
	}
	f.shares[jobID] = true
	return true, nil
}

func newSeasonalEnv(t *testing.T) (*SeasonalService, *fakeShareJobs, *ledger.MemoryStore) {
	t.Helper()
	jobs := &fakeShareJobs{fakeJobStore: newFakeJobStore(), shares: make(map[string]bool)}
	store := ledger.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return NewSeasonalService(log, jobs, store, 1), jobs, store
}

func TestShareBonusGrantsOnce(t *testing.T) {
	svc, jobs, store := newSeasonalEnv(t)
	ctx := context.Background()

	job := &models.GenerationJob{ID: "11111111-1111-1111-1111-111111111111", UserID: 1, Status: models.StatusCompleted}
	require.NoError(t, jobs.Insert(ctx, job))

	require.NoError(t, svc.ShareBonus(ctx, 1, job.ID))
	assert.Equal(t, 1, store.Balance(1).SeasonalCredits)

	err := svc.ShareBonus(ctx, 1, job.ID)
	require.ErrorIs(t, err, ErrAlreadyShared)
	assert.Equal(t, 1, store.Balance(1).SeasonalCredits, "second share must not double the bonus")

	txs := store.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, models.ReasonPromo, txs[0].Reason)
	assert.Equal(t, models.PoolSeasonal, txs[0].Pool)
	assert.Equal(t, job.ID, *txs[0].JobID)
}

func TestShareBonusRetryAfterMarkerFailure(t *testing.T) {
	svc, jobs, store := newSeasonalEnv(t)
	ctx := context.Background()

	job := &models.GenerationJob{ID: "44444444-4444-4444-4444-444444444444", UserID: 1, Status: models.StatusCompleted}
	require.NoError(t, jobs.Insert(ctx, job))

	// The grant lands but the share marker write dies.
	jobs.failNext = errors.New("connection reset")
	require.Error(t, svc.ShareBonus(ctx, 1, job.ID))
	assert.Equal(t, 1, store.Balance(1).SeasonalCredits, "the bonus books before the marker")

	// The retry must complete instead of claiming the job was already shared.
	require.NoError(t, svc.ShareBonus(ctx, 1, job.ID))
	assert.Equal(t, 1, store.Balance(1).SeasonalCredits, "retry must not double the bonus")

	require.ErrorIs(t, svc.ShareBonus(ctx, 1, job.ID), ErrAlreadyShared)
	assert.Equal(t, 1, store.Balance(1).SeasonalCredits)
}

func TestShareBonusUnknownJob(t *testing.T) {
	svc, _, store := newSeasonalEnv(t)

	err := svc.ShareBonus(context.Background(), 1, "22222222-2222-2222-2222-222222222222")
	require.ErrorIs(t, err, ErrJobNotFound)
	assert.Nil(t, store.Balance(1))
}

func TestShareBonusRejectsForeignJob(t *testing.T) {
	svc, jobs, store := newSeasonalEnv(t)
	ctx := context.Background()

	job := &models.GenerationJob{ID: "33333333-3333-3333-3333-333333333333", UserID: 1, Status: models.StatusCompleted}
	require.NoError(t, jobs.Insert(ctx, job))

	err := svc.ShareBonus(ctx, 2, job.ID)
	require.ErrorIs(t, err, ErrJobNotFound, "job ownership leaks nothing beyond not-found")
	assert.Nil(t, store.Balance(2))
}
