package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verdantlabs/yardgen/internal/models"
)

type PlanRepository struct {
	pool *pgxpool.Pool
}

func NewPlanRepository(pool *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{pool: pool}
}

const planColumns = `id, title, COALESCE(description, ''), currency, price_minor_units, credits, is_active, created_at, updated_at`

func scanPlan(row pgx.Row) (*models.Plan, error) {
	var plan models.Plan
	if err := row.Scan(&plan.ID, &plan.Title, &plan.Description, &plan.Currency, &plan.PriceMinorUnits, &plan.Credits, &plan.IsActive, &plan.CreatedAt, &plan.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	return &plan, nil
}

func (r *PlanRepository) List(ctx context.Context) ([]models.Plan, error) {
	const query = `SELECT ` + planColumns + ` FROM pricing_plans ORDER BY id ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

func (r *PlanRepository) GetDefault(ctx context.Context) (*models.Plan, error) {
	const query = `SELECT ` + planColumns + ` FROM pricing_plans WHERE is_active ORDER BY id ASC LIMIT 1`
	return scanPlan(r.pool.QueryRow(ctx, query))
}

func (r *PlanRepository) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	const query = `SELECT ` + planColumns + ` FROM pricing_plans WHERE id = $1`
	return scanPlan(r.pool.QueryRow(ctx, query, id))
}

func (r *PlanRepository) Create(ctx context.Context, plan *models.Plan) (*models.Plan, error) {
	const query = `
INSERT INTO pricing_plans (title, description, currency, price_minor_units, credits, is_active)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)
RETURNING id`
	if err := r.pool.QueryRow(ctx, query, plan.Title, plan.Description, plan.Currency, plan.PriceMinorUnits, plan.Credits, plan.IsActive).Scan(&plan.ID); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	return r.GetByID(ctx, plan.ID)
}

func (r *PlanRepository) Update(ctx context.Context, plan *models.Plan) (*models.Plan, error) {
	const query = `
UPDATE pricing_plans
SET title = $2, description = NULLIF($3, ''), currency = $4, price_minor_units = $5, credits = $6, is_active = $7, updated_at = now()
WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, plan.ID, plan.Title, plan.Description, plan.Currency, plan.PriceMinorUnits, plan.Credits, plan.IsActive); err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}
	return r.GetByID(ctx, plan.ID)
}

func (r *PlanRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM pricing_plans WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	return nil
}
