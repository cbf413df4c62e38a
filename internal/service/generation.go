package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/models"
	"github.com/verdantlabs/yardgen/internal/ratelimit"
	"github.com/verdantlabs/yardgen/internal/repository"
)

type jobStore interface {
	Insert(ctx context.Context, job *models.GenerationJob) error
	Get(ctx context.Context, jobID string) (*models.GenerationJob, error)
	MarkProcessing(ctx context.Context, jobID string, pool models.PoolKind) error
	Finish(ctx context.Context, jobID string, status models.JobStatus, errorMessage string, results []models.AreaResult) error
	List(ctx context.Context, filter repository.ListFilter) ([]models.GenerationJob, error)
}

type generator interface {
	Generate(ctx context.Context, prompt, imageURL string) ([]byte, string, error)
}

type rateLimiter interface {
	CheckAndRecord(userID int64) ratelimit.Decision
}

type imageResolver interface {
	Resolve(ctx context.Context, address string, area models.AreaKind, upload *Upload) (*ResolvedImage, error)
}

// GenerationService owns the job lifecycle: pending on creation, processing
// once payment is committed, then exactly one terminal transition. Debits
// always commit before any external call is dispatched, so the refund path is
// unconditional on what follows.
type GenerationService struct {
	log          *slog.Logger
	jobs         jobStore
	ledger       ledger.Store
	auth         *AuthorizationService
	images       imageResolver
	generator    generator
	uploader     Uploader
	resultPrefix string
	limiter      rateLimiter

	processTimeout time.Duration
	async          bool
}

func NewGenerationService(log *slog.Logger, jobs jobStore, ldg ledger.Store, auth *AuthorizationService, images imageResolver, gen generator, uploader Uploader, resultPrefix string, limiter rateLimiter) *GenerationService {
	return &GenerationService{
		log:            log,
		jobs:           jobs,
		ledger:         ldg,
		auth:           auth,
		images:         images,
		generator:      gen,
		uploader:       uploader,
		resultPrefix:   resultPrefix,
		limiter:        limiter,
		processTimeout: 5 * time.Minute,
		async:          true,
	}
}

type CreateRequest struct {
	UserID       int64
	Kind         models.JobKind
	Address      string
	Areas        []models.AreaKind
	Style        string
	CustomPrompt string
	Upload       *Upload
}

func (r *CreateRequest) validate() error {
	if r.UserID <= 0 {
		return &ValidationError{Field: "user_id", Msg: "must be positive"}
	}
	if r.Kind == "" {
		r.Kind = models.JobLandscape
	}
	if r.Kind != models.JobLandscape && r.Kind != models.JobHoliday {
		return &ValidationError{Field: "kind", Msg: fmt.Sprintf("unknown kind %q", r.Kind)}
	}
	if len(strings.TrimSpace(r.Address)) < 5 {
		return &ValidationError{Field: "address", Msg: "too short to geocode"}
	}
	if len(r.Areas) == 0 {
		return &ValidationError{Field: "areas", Msg: "at least one area is required"}
	}
	for _, a := range r.Areas {
		if !a.Valid() {
			return &ValidationError{Field: "areas", Msg: fmt.Sprintf("unknown area %q", a)}
		}
	}
	if strings.TrimSpace(r.Style) == "" {
		return &ValidationError{Field: "style", Msg: "is required"}
	}
	return nil
}

type fundedArea struct {
	Area models.AreaKind
	Pool models.PoolKind
	TxID string
}

// Create runs the admission pipeline in order: validation, rate limit,
// authorization, job row, one committed debit per sub-area, then the
// processing transition. Only after all debits are committed is any external
// work dispatched.
func (s *GenerationService) Create(ctx context.Context, req CreateRequest) (*models.GenerationJob, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if d := s.limiter.CheckAndRecord(req.UserID); !d.Allowed {
		return nil, &RateLimitError{RetryAfter: d.RetryAfter}
	}

	auth, err := s.authorize(ctx, req.UserID, req.Kind)
	if err != nil {
		return nil, err
	}
	if !auth.Allowed {
		// Not allowed means no side effects at all: no job row is created.
		return nil, ErrInsufficientCredits
	}

	job := &models.GenerationJob{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Kind:         req.Kind,
		Address:      strings.TrimSpace(req.Address),
		Style:        strings.TrimSpace(req.Style),
		CustomPrompt: strings.TrimSpace(req.CustomPrompt),
		Areas:        req.Areas,
		Status:       models.StatusPending,
	}
	if err := s.jobs.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	var funded []fundedArea
	var results []models.AreaResult
	for _, area := range req.Areas {
		// Re-resolved per sub-area: the previous debit may have drained the
		// pool the first resolution picked.
		a, err := s.authorize(ctx, req.UserID, req.Kind)
		if err != nil {
			s.refundAll(ctx, job, funded)
			s.finish(ctx, job.ID, models.StatusFailed, "internal error", results)
			return nil, err
		}
		if !a.Allowed {
			results = append(results, models.AreaResult{Area: area, Error: "insufficient credits"})
			continue
		}
		txID, err := s.ledger.Debit(ctx, req.UserID, a.Pool, job.ID)
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			results = append(results, models.AreaResult{Area: area, Error: "insufficient credits"})
			continue
		}
		if err != nil {
			s.refundAll(ctx, job, funded)
			s.finish(ctx, job.ID, models.StatusFailed, "internal error", results)
			return nil, fmt.Errorf("debit for area %s: %w", area, err)
		}
		funded = append(funded, fundedArea{Area: area, Pool: a.Pool, TxID: txID})
	}

	if len(funded) == 0 {
		s.finish(ctx, job.ID, models.StatusFailed, "insufficient credits", results)
		return nil, ErrInsufficientCredits
	}

	if err := s.jobs.MarkProcessing(ctx, job.ID, funded[0].Pool); err != nil {
		s.refundAll(ctx, job, funded)
		s.finish(ctx, job.ID, models.StatusFailed, "internal error", results)
		return nil, err
	}

	if s.async {
		go func() {
			procCtx, cancel := context.WithTimeout(context.Background(), s.processTimeout)
			defer cancel()
			s.process(procCtx, job, funded, results, req.Upload)
		}()
	} else {
		s.process(ctx, job, funded, results, req.Upload)
	}

	return s.Get(ctx, job.ID)
}

// process performs the external phase for every funded sub-area and commits
// the single terminal transition. It never holds the balance lock; refunds
// re-acquire it per sub-area only for the instant of the increment.
func (s *GenerationService) process(ctx context.Context, job *models.GenerationJob, funded []fundedArea, results []models.AreaResult, upload *Upload) {
	// A user upload short-circuits resolution once for the whole job.
	var shared *ResolvedImage
	if upload != nil && len(upload.Data) > 0 {
		img, err := s.images.Resolve(ctx, job.Address, funded[0].Area, upload)
		if err != nil {
			s.log.Error("store user upload", "job_id", job.ID, "err", err)
			for _, f := range funded {
				s.refund(ctx, job, f)
				results = append(results, models.AreaResult{Area: f.Area, DebitTxID: f.TxID, Error: "could not store uploaded image"})
			}
			s.finish(ctx, job.ID, models.StatusFailed, "could not store uploaded image", results)
			return
		}
		shared = img
	}

	for _, f := range funded {
		results = append(results, s.processArea(ctx, job, f, shared))
	}

	status := aggregateStatus(results)
	s.finish(ctx, job.ID, status, firstFailure(results), results)
}

func (s *GenerationService) processArea(ctx context.Context, job *models.GenerationJob, f fundedArea, shared *ResolvedImage) models.AreaResult {
	result := models.AreaResult{Area: f.Area, DebitTxID: f.TxID}

	img := shared
	if img == nil {
		resolved, err := s.images.Resolve(ctx, job.Address, f.Area, nil)
		if err != nil {
			s.log.Warn("image resolution failed", "job_id", job.ID, "area", f.Area, "err", err)
			s.refund(ctx, job, f)
			result.Error = publicImageError(err)
			return result
		}
		img = resolved
	}
	result.ImageSource = img.Source

	data, contentType, err := s.generator.Generate(ctx, buildPrompt(job, f.Area), img.URL)
	if err != nil {
		s.log.Warn("generation failed", "job_id", job.ID, "area", f.Area, "err", err)
		s.refund(ctx, job, f)
		result.Error = "image generation failed"
		return result
	}

	// The provider's result URL expires; the durable copy lives in our bucket
	// and is the only URL a job ever exposes.
	url, err := s.uploader.Upload(ctx, data, contentType, s.resultPrefix)
	if err != nil {
		s.log.Error("store generated image", "job_id", job.ID, "area", f.Area, "err", err)
		s.refund(ctx, job, f)
		result.Error = "could not store generated image"
		return result
	}

	result.OK = true
	result.ResultURL = url
	return result
}

func (s *GenerationService) Get(ctx context.Context, jobID string) (*models.GenerationJob, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrJobNotFound
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *GenerationService) List(ctx context.Context, filter repository.ListFilter) ([]models.GenerationJob, error) {
	jobs, err := s.jobs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *GenerationService) authorize(ctx context.Context, userID int64, kind models.JobKind) (Authorization, error) {
	if kind == models.JobHoliday {
		return s.auth.ResolveSeasonal(ctx, userID)
	}
	return s.auth.Resolve(ctx, userID)
}

// refund restores one sub-area's committed debit. Best effort: a refund that
// cannot complete is logged loudly but never panics the lifecycle.
func (s *GenerationService) refund(ctx context.Context, job *models.GenerationJob, f fundedArea) {
	if _, err := s.ledger.Refund(ctx, job.UserID, f.Pool, f.TxID, job.ID); err != nil {
		if errors.Is(err, ledger.ErrRefundAlreadyApplied) {
			return
		}
		s.log.Error("refund failed", "job_id", job.ID, "tx_id", f.TxID, "pool", f.Pool, "err", err)
	}
}

func (s *GenerationService) refundAll(ctx context.Context, job *models.GenerationJob, funded []fundedArea) {
	for _, f := range funded {
		s.refund(ctx, job, f)
	}
}

func (s *GenerationService) finish(ctx context.Context, jobID string, status models.JobStatus, errMsg string, results []models.AreaResult) {
	if results == nil {
		results = []models.AreaResult{}
	}
	if err := s.jobs.Finish(ctx, jobID, status, errMsg, results); err != nil {
		s.log.Error("finish job", "job_id", jobID, "status", status, "err", err)
	}
}

func aggregateStatus(results []models.AreaResult) models.JobStatus {
	succeeded := 0
	for _, r := range results {
		if r.OK {
			succeeded++
		}
	}
	switch {
	case succeeded == len(results):
		return models.StatusCompleted
	case succeeded == 0:
		return models.StatusFailed
	default:
		return models.StatusPartial
	}
}

func firstFailure(results []models.AreaResult) string {
	for _, r := range results {
		if !r.OK && r.Error != "" {
			return r.Error
		}
	}
	return ""
}

// publicImageError collapses provider failures to taxonomy text; raw provider
// detail stays in the logs.
func publicImageError(err error) string {
	if errors.Is(err, ErrNoImagery) {
		return ErrNoImagery.Error()
	}
	return "imagery provider unavailable"
}

func buildPrompt(job *models.GenerationJob, area models.AreaKind) string {
	areaName := strings.ReplaceAll(string(area), "_", " ")
	var b strings.Builder
	if job.Kind == models.JobHoliday {
		fmt.Fprintf(&b, "Decorate the %s of the home at %s for the holidays in a %s style.", areaName, job.Address, job.Style)
		b.WriteString(" Keep the house structure, driveway and permanent landscaping unchanged; add only decorations and lighting.")
	} else {
		fmt.Fprintf(&b, "Redesign the landscaping of the %s at %s in a %s style.", areaName, job.Address, job.Style)
		b.WriteString(" Keep the house structure and hardscape layout recognizable; change plantings, lawn and garden features.")
	}
	if job.CustomPrompt != "" {
		b.WriteString(" ")
		b.WriteString(job.CustomPrompt)
	}
	return b.String()
}
