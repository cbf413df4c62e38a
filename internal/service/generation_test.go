package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/models"
	"github.com/verdantlabs/yardgen/internal/ratelimit"
	"github.com/verdantlabs/yardgen/internal/repository"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.GenerationJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*models.GenerationJob)}
}

func (f *fakeJobStore) Insert(_ context.Context, job *models.GenerationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *job
	copied.CreatedAt = time.Now()
	f.jobs[job.ID] = &copied
	return nil
}

func (f *fakeJobStore) Get(_ context.Context, jobID string) (*models.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (f *fakeJobStore) MarkProcessing(_ context.Context, jobID string, pool models.PoolKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok || job.Status != models.StatusPending {
		return fmt.Errorf("job %s not in pending state", jobID)
	}
	job.Status = models.StatusProcessing
	job.PaymentPool = pool
	return nil
}

func (f *fakeJobStore) Finish(_ context.Context, jobID string, status models.JobStatus, errorMessage string, results []models.AreaResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !status.Terminal() {
		return fmt.Errorf("finish requires a terminal status, got %s", status)
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s already terminal", jobID)
	}
	now := time.Now()
	job.Status = status
	job.ErrorMessage = errorMessage
	job.AreaResults = results
	job.CompletedAt = &now
	return nil
}

func (f *fakeJobStore) List(_ context.Context, filter repository.ListFilter) ([]models.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.GenerationJob
	for _, job := range f.jobs {
		if job.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, *job)
	}
	return out, nil
}

type fakeResolver struct {
	failAreas   map[models.AreaKind]error
	calls       int
	uploadCalls int
}

func (f *fakeResolver) Resolve(_ context.Context, _ string, area models.AreaKind, upload *Upload) (*ResolvedImage, error) {
	f.calls++
	if upload != nil && len(upload.Data) > 0 {
		f.uploadCalls++
		return &ResolvedImage{URL: "https://cdn.test/upload.png", Source: models.SourceUserUpload}, nil
	}
	if err, ok := f.failAreas[area]; ok {
		return nil, err
	}
	if area.GroundCovered() {
		return &ResolvedImage{URL: "https://cdn.test/street.jpg", Source: models.SourceStreet}, nil
	}
	return &ResolvedImage{URL: "https://cdn.test/overhead.jpg", Source: models.SourceOverhead}, nil
}

type fakeGenerator struct {
	failWhenPromptHas string
	err               error
}

func (f *fakeGenerator) Generate(_ context.Context, prompt, _ string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	if f.failWhenPromptHas != "" && strings.Contains(prompt, f.failWhenPromptHas) {
		return nil, "", errors.New("provider rejected request: internal gpu oom at node 7")
	}
	return []byte("render.png"), "image/png", nil
}

type testEnv struct {
	svc       *GenerationService
	jobs      *fakeJobStore
	ledger    *ledger.MemoryStore
	resolver  *fakeResolver
	generator *fakeGenerator
	uploader  *fakeUploader
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		jobs:      newFakeJobStore(),
		ledger:    ledger.NewMemoryStore(),
		resolver:  &fakeResolver{},
		generator: &fakeGenerator{},
		uploader:  &fakeUploader{},
	}
	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	auth := NewAuthorizationService(memoryBalances{env.ledger}, env.ledger, 0)
	env.svc = NewGenerationService(log, env.jobs, env.ledger, auth, env.resolver, env.generator, env.uploader, "results", ratelimit.NewLimiter(100, time.Minute))
	env.svc.async = false
	return env
}

// memoryBalances adapts the memory ledger's balance table to the
// authorization reads.
type memoryBalances struct {
	store *ledger.MemoryStore
}

func (m memoryBalances) Get(_ context.Context, userID int64) (*models.Balance, error) {
	return m.store.Balance(userID), nil
}

func (m memoryBalances) Ensure(_ context.Context, userID int64) (*models.Balance, bool, error) {
	if b := m.store.Balance(userID); b != nil {
		return b, false, nil
	}
	m.store.SetBalance(models.Balance{UserID: userID})
	return m.store.Balance(userID), true, nil
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func baseRequest() CreateRequest {
	return CreateRequest{
		UserID:  1,
		Address: "1600 Amphitheatre Pkwy, Mountain View",
		Areas:   []models.AreaKind{models.AreaFrontYard},
		Style:   "modern drought tolerant",
	}
}

func TestCreateHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetBalance(models.Balance{UserID: 1, TrialRemaining: 3})

	job, err := env.svc.Create(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, models.PoolTrial, job.PaymentPool)
	require.Len(t, job.AreaResults, 1)
	assert.True(t, job.AreaResults[0].OK)
	assert.Equal(t, models.SourceStreet, job.AreaResults[0].ImageSource)
	assert.Equal(t, "https://cdn.test/results/render.png", job.AreaResults[0].ResultURL, "result must live in our bucket, not at the provider")
	assert.NotNil(t, job.CompletedAt)

	// One unit consumed, no refunds.
	assert.Equal(t, 2, env.ledger.Balance(1).TrialRemaining)
	for _, tx := range env.ledger.Transactions() {
		assert.NotEqual(t, models.ReasonRefund, tx.Reason)
	}
}

func TestCreateNoFundsCreatesNoJob(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetBalance(models.Balance{UserID: 1})

	_, err := env.svc.Create(context.Background(), baseRequest())
	require.ErrorIs(t, err, ErrInsufficientCredits)

	jobs, err := env.svc.List(context.Background(), repository.ListFilter{UserID: 1})
	require.NoError(t, err)
	assert.Empty(t, jobs, "a denied request must leave no job row behind")
	assert.Empty(t, env.ledger.Transactions())
}

func TestCreateRefundsWhenImageryUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetBalance(models.Balance{UserID: 1, TrialRemaining: 3})
	env.resolver.failAreas = map[models.AreaKind]error{models.AreaFrontYard: ErrNoImagery}

	job, err := env.svc.Create(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, job.Status)
	require.Len(t, job.AreaResults, 1)
	assert.False(t, job.AreaResults[0].OK)
	assert.Equal(t, "no imagery available for address", job.AreaResults[0].Error)

	assert.Equal(t, 3, env.ledger.Balance(1).TrialRemaining, "failed generation must be refunded")
}

func TestCreateRefundsWhenGenerationFails(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetBalance(models.Balance{UserID: 1, TokenBalance: 2})
	env.generator.err = errors.New("provider exploded: stack trace with secrets")

	job, err := env.svc.Create(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, job.Status)
	require.Len(t, job.AreaResults, 1)
	assert.Equal(t, "image generation failed", job.AreaResults[0].Error, "raw provider text must not surface")
	assert.Equal(t, "image generation failed", job.ErrorMessage)

	assert.Equal(t, 2, env.ledger.Balance(1).TokenBalance)
}

func TestCreateRefundsWhenResultStorageFails(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetBalance(models.Balance{UserID: 1, TokenBalance: 2})
	env.uploader.err = errors.New("bucket unavailable")

	job, err := env.svc.Create(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, job.Status)
	require.Len(t, job.AreaResults, 1)
	assert.Equal(t, "could not store generated image", job.AreaResults[0].Error)
	assert.Equal(t, 2, env.ledger.Balance(1).TokenBalance, "unstorable result must be refunded")
}

func TestCreatePartialRefundsOnlyFailedAreas(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetBalance(models.Balance{UserID: 1, TokenBalance: 5})
	env.generator.failWhenPromptHas = "back yard"

	req := baseRequest()
	req.Areas = []models.AreaKind{models.AreaFrontYard, models.AreaBackYard}

	job, err := env.svc.Create(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPartial, job.Status)
	require.Len(t, job.AreaResults, 2)
	assert.True(t, job.AreaResults[0].OK)
	assert.False(t, job.AreaResults[1].OK)

	// Two debits, one refund.
	assert.Equal(t, 4, env.ledger.Balance(1).TokenBalance)
	refunds := 0
	for _, tx := range env.ledger.Transactions() {
		if tx.Reason == models.ReasonRefund {
			refunds++
			assert.Equal(t, job.AreaResults[1].DebitTxID, *tx.RelatedTxID)
		}
	}
	assert.Equal(t, 1, refunds)
}

func TestCreateStopsDebitingWhenPoolDrains(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetBalance(models.Balance{UserID: 1, TokenBalance: 1})

	req := baseRequest()
	req.Areas = []models.AreaKind{models.AreaFrontYard, models.AreaBackYard, models.AreaPatio}

	job, err := env.svc.Create(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPartial, job.Status)
	require.Len(t, job.AreaResults, 3)

	funded := 0
	for _, r := range job.AreaResults {
		if r.OK {
			funded++
		} else {
			assert.Equal(t, "insufficient credits", r.Error)
		}
	}
	assert.Equal(t, 1, funded)
	assert.Equal(t, 0, env.ledger.Balance(1).TokenBalance)
}

func TestCreateUploadShortCircuitsResolution(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetBalance(models.Balance{UserID: 1, TrialRemaining: 1})
	// Resolution of provider imagery would fail; the upload must make that
	// irrelevant.
	env.resolver.failAreas = map[models.AreaKind]error{
		models.AreaFrontYard: errors.New("street provider down"),
	}

	req := baseRequest()
	req.Upload = &Upload{Data: []byte("jpegbytes"), ContentType: "image/jpeg"}

	job, err := env.svc.Create(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, job.Status)
	require.Len(t, job.AreaResults, 1)
	assert.Equal(t, models.SourceUserUpload, job.AreaResults[0].ImageSource)
	assert.Equal(t, 1, env.resolver.uploadCalls)
	assert.Equal(t, 1, env.resolver.calls, "provider resolution must never run with an upload present")
}

func TestCreateSubscriptionJobConsumesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetBalance(models.Balance{UserID: 1, SubscriptionActive: true, TokenBalance: 5})

	job, err := env.svc.Create(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, models.PoolSubscription, job.PaymentPool)
	assert.Equal(t, 5, env.ledger.Balance(1).TokenBalance)

	txs := env.ledger.Transactions()
	require.Len(t, txs, 1, "subscription debits still leave an audit row")
	assert.Equal(t, 0, txs[0].Delta)
}

func TestCreateHolidayRequiresSeasonalCredits(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetBalance(models.Balance{UserID: 1, TokenBalance: 10})

	req := baseRequest()
	req.Kind = models.JobHoliday

	_, err := env.svc.Create(context.Background(), req)
	require.ErrorIs(t, err, ErrInsufficientCredits, "tokens must not fund holiday jobs")

	env.ledger.SetBalance(models.Balance{UserID: 2, SeasonalCredits: 1})
	req.UserID = 2
	job, err := env.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, models.PoolSeasonal, job.PaymentPool)
	assert.Equal(t, 0, env.ledger.Balance(2).SeasonalCredits)
}

func TestCreateRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetBalance(models.Balance{UserID: 1, TokenBalance: 10})

	limited := ratelimit.NewLimiter(1, time.Minute)
	env.svc.limiter = limited

	_, err := env.svc.Create(context.Background(), baseRequest())
	require.NoError(t, err)

	_, err = env.svc.Create(context.Background(), baseRequest())
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))

	// The denied attempt must not touch the ledger.
	assert.Equal(t, 9, env.ledger.Balance(1).TokenBalance)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing address", func(r *CreateRequest) { r.Address = "x" }},
		{"no areas", func(r *CreateRequest) { r.Areas = nil }},
		{"unknown area", func(r *CreateRequest) { r.Areas = []models.AreaKind{"roof"} }},
		{"missing style", func(r *CreateRequest) { r.Style = " " }},
		{"bad user", func(r *CreateRequest) { r.UserID = 0 }},
		{"unknown kind", func(r *CreateRequest) { r.Kind = "wedding" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(&req)
			_, err := env.svc.Create(context.Background(), req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
		})
	}
}

func TestGetUnknownJob(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Get(context.Background(), "not-a-uuid")
	require.ErrorIs(t, err, ErrJobNotFound)

	_, err = env.svc.Get(context.Background(), "00000000-0000-0000-0000-000000000001")
	require.ErrorIs(t, err, ErrJobNotFound)
}
