package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verdantlabs/yardgen/internal/models"
)

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	const query = `
INSERT INTO payments (user_id, plan_id, provider, provider_event_id, currency, amount, status, raw_payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`
	if err := r.pool.QueryRow(ctx, query, payment.UserID, payment.PlanID, payment.Provider, payment.ProviderEventID, payment.Currency, payment.Amount, payment.Status, payment.RawPayload).Scan(&payment.ID); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, paymentID int64, status string, payload string) error {
	const query = `UPDATE payments SET status = $2, raw_payload = $3, updated_at = now() WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, paymentID, status, payload); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

func (r *PaymentRepository) FindByProviderEvent(ctx context.Context, provider, eventID string) (*models.Payment, error) {
	const query = `
SELECT id, user_id, plan_id, provider, COALESCE(provider_event_id, ''), currency, amount, status, COALESCE(raw_payload, ''), created_at, updated_at
FROM payments WHERE provider = $1 AND provider_event_id = $2 LIMIT 1`
	row := r.pool.QueryRow(ctx, query, provider, eventID)
	var p models.Payment
	if err := row.Scan(&p.ID, &p.UserID, &p.PlanID, &p.Provider, &p.ProviderEventID, &p.Currency, &p.Amount, &p.Status, &p.RawPayload, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}
