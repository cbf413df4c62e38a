package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/models"
)

type balanceStore interface {
	Get(ctx context.Context, userID int64) (*models.Balance, error)
	Ensure(ctx context.Context, userID int64) (*models.Balance, bool, error)
}

// Authorization is the tagged outcome of a funding decision.
type Authorization struct {
	Allowed bool
	Pool    models.PoolKind
	Reason  string
}

// AuthorizationService decides whether a request may proceed and which pool
// funds it. The precedence is business policy and is re-evaluated against the
// current balance row on every call; results are never cached.
type AuthorizationService struct {
	balances   balanceStore
	ledger     ledger.Store
	trialGrant int
}

func NewAuthorizationService(balances balanceStore, ldg ledger.Store, trialGrant int) *AuthorizationService {
	return &AuthorizationService{balances: balances, ledger: ldg, trialGrant: trialGrant}
}

// Ensure provisions the balance row on first sight. The signup trial grant is
// booked through the ledger like every other credit movement, keyed per user
// so concurrent first requests grant at most once and replaying the log
// reproduces the trial counter exactly.
func (s *AuthorizationService) Ensure(ctx context.Context, userID int64) (*models.Balance, error) {
	balance, created, err := s.balances.Ensure(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	if !created || s.trialGrant <= 0 {
		return balance, nil
	}

	eventID := fmt.Sprintf("signup:%d", userID)
	if _, err := s.ledger.Grant(ctx, userID, models.PoolTrial, s.trialGrant, models.ReasonPromo, "", eventID); err != nil && !errors.Is(err, ledger.ErrDuplicateEvent) {
		return nil, fmt.Errorf("grant trial credits: %w", err)
	}
	balance, err = s.balances.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	if balance == nil {
		return nil, fmt.Errorf("balance row missing after provisioning user %d", userID)
	}
	return balance, nil
}

// Resolve applies the fixed precedence: subscription, then trial, then tokens.
// Seasonal credits are deliberately not part of this chain; they fund a
// different job kind through ResolveSeasonal.
func (s *AuthorizationService) Resolve(ctx context.Context, userID int64) (Authorization, error) {
	balance, err := s.Ensure(ctx, userID)
	if err != nil {
		return Authorization{}, err
	}

	switch {
	case balance.SubscriptionActive:
		return Authorization{Allowed: true, Pool: models.PoolSubscription}, nil
	case balance.TrialRemaining > 0:
		return Authorization{Allowed: true, Pool: models.PoolTrial}, nil
	case balance.TokenBalance > 0:
		return Authorization{Allowed: true, Pool: models.PoolToken}, nil
	default:
		return Authorization{Allowed: false, Reason: "insufficient funds"}, nil
	}
}

// Balance exposes the current counters, creating the row (with the trial
// grant) for first-time users.
func (s *AuthorizationService) Balance(ctx context.Context, userID int64) (*models.Balance, error) {
	return s.Ensure(ctx, userID)
}

// ResolveSeasonal gates holiday jobs against the promotional pool only.
func (s *AuthorizationService) ResolveSeasonal(ctx context.Context, userID int64) (Authorization, error) {
	balance, err := s.Ensure(ctx, userID)
	if err != nil {
		return Authorization{}, err
	}

	if balance.SeasonalCredits > 0 {
		return Authorization{Allowed: true, Pool: models.PoolSeasonal}, nil
	}
	return Authorization{Allowed: false, Reason: "no seasonal credits"}, nil
}
