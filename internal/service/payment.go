package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/models"
)

type paymentStore interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByProviderEvent(ctx context.Context, provider, eventID string) (*models.Payment, error)
}

type planStore interface {
	GetByID(ctx context.Context, id int64) (*models.Plan, error)
	GetDefault(ctx context.Context) (*models.Plan, error)
}

type subscriptionStore interface {
	SetSubscriptionActive(ctx context.Context, userID int64, active bool) error
}

// WebhookEvent is the provider's payment notification envelope.
type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		UserID   int64  `json:"user_id"`
		PlanID   int64  `json:"plan_id"`
		Amount   int    `json:"amount"`
		Currency string `json:"currency"`
		Status   string `json:"status"`
	} `json:"data"`
}

const (
	eventPaymentSucceeded      = "payment.succeeded"
	eventSubscriptionActivated = "subscription.activated"
	eventSubscriptionCanceled  = "subscription.canceled"
)

// PaymentService turns provider webhook events into ledger grants and
// subscription flips. Delivery is at-least-once; the effect that matters (the
// grant or the flip) is applied before the payment record and is idempotent
// on the provider event id, so a crash between the two steps is healed by
// redelivery.
type PaymentService struct {
	log      *slog.Logger
	payments paymentStore
	plans    planStore
	balances subscriptionStore
	ledger   ledger.Store
}

func NewPaymentService(log *slog.Logger, payments paymentStore, plans planStore, balances subscriptionStore, ldg ledger.Store) *PaymentService {
	return &PaymentService{
		log:      log,
		payments: payments,
		plans:    plans,
		balances: balances,
		ledger:   ldg,
	}
}

// HandleWebhook processes one raw provider payload. Unknown event types are
// acknowledged and skipped so the provider stops retrying them.
func (s *PaymentService) HandleWebhook(ctx context.Context, provider string, payload []byte) error {
	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return &ValidationError{Field: "payload", Msg: "malformed json"}
	}
	if event.ID == "" {
		return &ValidationError{Field: "id", Msg: "is required"}
	}
	if event.Data.UserID <= 0 {
		return &ValidationError{Field: "data.user_id", Msg: "must be positive"}
	}

	// The payment row is written last, so its presence means the whole event
	// already went through and the delivery can be dropped.
	existing, err := s.payments.FindByProviderEvent(ctx, provider, event.ID)
	if err != nil {
		return fmt.Errorf("lookup payment event: %w", err)
	}
	if existing != nil {
		s.log.Info("duplicate webhook event skipped", "provider", provider, "event_id", event.ID)
		return nil
	}

	switch event.Type {
	case eventPaymentSucceeded:
		return s.handlePurchase(ctx, provider, &event, payload)
	case eventSubscriptionActivated:
		return s.handleSubscription(ctx, provider, &event, payload, true)
	case eventSubscriptionCanceled:
		return s.handleSubscription(ctx, provider, &event, payload, false)
	default:
		s.log.Warn("unhandled webhook event type", "provider", provider, "type", event.Type, "event_id", event.ID)
		return nil
	}
}

func (s *PaymentService) handlePurchase(ctx context.Context, provider string, event *WebhookEvent, payload []byte) error {
	plan, err := s.resolvePlan(ctx, event.Data.PlanID)
	if err != nil {
		return err
	}

	credits := 0
	if plan != nil {
		credits = plan.Credits
	}
	if credits > 0 {
		// The grant is the idempotency anchor: keyed on the provider event id
		// and committed before the payment row. A crash between the two steps
		// lands on the duplicate branch when the provider redelivers.
		_, err := s.ledger.Grant(ctx, event.Data.UserID, models.PoolToken, credits, models.ReasonPurchase, "", event.ID)
		switch {
		case errors.Is(err, ledger.ErrDuplicateEvent):
			s.log.Info("grant already applied", "event_id", event.ID)
		case err != nil:
			return fmt.Errorf("grant purchased credits: %w", err)
		default:
			s.log.Info("purchase credited", "user_id", event.Data.UserID, "event_id", event.ID, "credits", credits)
		}
	} else {
		s.log.Warn("payment without credit value", "event_id", event.ID, "user_id", event.Data.UserID)
	}

	payment := &models.Payment{
		UserID:          event.Data.UserID,
		Provider:        provider,
		ProviderEventID: event.ID,
		Currency:        event.Data.Currency,
		Amount:          event.Data.Amount,
		Status:          "succeeded",
		RawPayload:      string(payload),
	}
	if plan != nil {
		payment.PlanID = &plan.ID
		if payment.Currency == "" {
			payment.Currency = plan.Currency
		}
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	return nil
}

func (s *PaymentService) handleSubscription(ctx context.Context, provider string, event *WebhookEvent, payload []byte, active bool) error {
	status := "subscription_canceled"
	if active {
		status = "subscription_active"
	}
	// Flip first; the flip is naturally idempotent, so redelivery after a
	// crash before the payment row simply reapplies it.
	if err := s.balances.SetSubscriptionActive(ctx, event.Data.UserID, active); err != nil {
		return err
	}

	payment := &models.Payment{
		UserID:          event.Data.UserID,
		Provider:        provider,
		ProviderEventID: event.ID,
		Currency:        event.Data.Currency,
		Amount:          event.Data.Amount,
		Status:          status,
		RawPayload:      string(payload),
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return fmt.Errorf("record subscription event: %w", err)
	}
	s.log.Info("subscription updated", "user_id", event.Data.UserID, "active", active, "event_id", event.ID)
	return nil
}

// resolvePlan looks up the purchased plan, falling back to the default active
// plan when the event carries no plan id.
func (s *PaymentService) resolvePlan(ctx context.Context, planID int64) (*models.Plan, error) {
	if planID > 0 {
		plan, err := s.plans.GetByID(ctx, planID)
		if err != nil {
			return nil, fmt.Errorf("load plan %d: %w", planID, err)
		}
		if plan == nil {
			return nil, &ValidationError{Field: "data.plan_id", Msg: fmt.Sprintf("unknown plan %d", planID)}
		}
		return plan, nil
	}
	plan, err := s.plans.GetDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("load default plan: %w", err)
	}
	return plan, nil
}
