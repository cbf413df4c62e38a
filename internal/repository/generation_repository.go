package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verdantlabs/yardgen/internal/models"
)

type GenerationRepository struct {
	pool *pgxpool.Pool
}

func NewGenerationRepository(pool *pgxpool.Pool) *GenerationRepository {
	return &GenerationRepository{pool: pool}
}

const jobColumns = `id, user_id, kind, address, style, COALESCE(custom_prompt, ''), areas, COALESCE(payment_pool, ''), status, COALESCE(error_message, ''), area_results, created_at, completed_at`

func scanJob(row pgx.Row) (*models.GenerationJob, error) {
	var j models.GenerationJob
	var areas []string
	var pool string
	var results []byte
	if err := row.Scan(&j.ID, &j.UserID, &j.Kind, &j.Address, &j.Style, &j.CustomPrompt, &areas, &pool, &j.Status, &j.ErrorMessage, &results, &j.CreatedAt, &j.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan generation job: %w", err)
	}
	for _, a := range areas {
		j.Areas = append(j.Areas, models.AreaKind(a))
	}
	j.PaymentPool = models.PoolKind(pool)
	if len(results) > 0 {
		if err := json.Unmarshal(results, &j.AreaResults); err != nil {
			return nil, fmt.Errorf("decode area results: %w", err)
		}
	}
	return &j, nil
}

func (r *GenerationRepository) Insert(ctx context.Context, job *models.GenerationJob) error {
	areas := make([]string, 0, len(job.Areas))
	for _, a := range job.Areas {
		areas = append(areas, string(a))
	}
	const query = `
INSERT INTO generation_jobs (id, user_id, kind, address, style, custom_prompt, areas, status)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`
	if _, err := r.pool.Exec(ctx, query, job.ID, job.UserID, job.Kind, job.Address, job.Style, job.CustomPrompt, areas, job.Status); err != nil {
		return fmt.Errorf("insert generation job: %w", err)
	}
	return nil
}

func (r *GenerationRepository) Get(ctx context.Context, jobID string) (*models.GenerationJob, error) {
	const query = `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1`
	return scanJob(r.pool.QueryRow(ctx, query, jobID))
}

// MarkProcessing commits the pending -> processing transition, recording the
// pool the job is funded from. Guarded so a terminal job can never move.
func (r *GenerationRepository) MarkProcessing(ctx context.Context, jobID string, pool models.PoolKind) error {
	const query = `
UPDATE generation_jobs SET status = 'processing', payment_pool = $2
WHERE id = $1 AND status = 'pending'`
	tag, err := r.pool.Exec(ctx, query, jobID, pool)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not in pending state", jobID)
	}
	return nil
}

// Finish moves a job into a terminal state and freezes it. The guard on the
// current status makes transitions monotonic: a completed, partial or failed
// job is never written again.
func (r *GenerationRepository) Finish(ctx context.Context, jobID string, status models.JobStatus, errorMessage string, results []models.AreaResult) error {
	if !status.Terminal() {
		return fmt.Errorf("finish requires a terminal status, got %s", status)
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode area results: %w", err)
	}
	const query = `
UPDATE generation_jobs
SET status = $2, error_message = NULLIF($3, ''), area_results = $4, completed_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`
	tag, err := r.pool.Exec(ctx, query, jobID, status, errorMessage, encoded)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s already terminal", jobID)
	}
	return nil
}

// RecordShare inserts the one-per-job share marker. The unique job_id
// constraint makes the grant idempotent; the bool reports whether this call
// was the first.
func (r *GenerationRepository) RecordShare(ctx context.Context, userID int64, jobID string) (bool, error) {
	const query = `
INSERT INTO share_grants (user_id, job_id) VALUES ($1, $2)
ON CONFLICT (job_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, userID, jobID)
	if err != nil {
		return false, fmt.Errorf("record share: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

type ListFilter struct {
	UserID int64
	Status models.JobStatus
	Limit  int
	Offset int
}

func (r *GenerationRepository) List(ctx context.Context, filter ListFilter) ([]models.GenerationJob, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE user_id = $1`
	args := []any{filter.UserID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(` OFFSET $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list generation jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
