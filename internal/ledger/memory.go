package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdantlabs/yardgen/internal/models"
)

// MemoryStore is an in-memory Store with the same atomicity contract as the
// Postgres one, guarded by a single mutex. Used in development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[int64]*models.Balance
	log      []models.CreditTransaction
	refunded map[string]bool // debit tx id -> refund applied
	events   map[string]bool // external event id dedup
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[int64]*models.Balance),
		refunded: make(map[string]bool),
		events:   make(map[string]bool),
	}
}

// SetBalance seeds a user's balance row.
func (s *MemoryStore) SetBalance(b models.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := b
	s.balances[b.UserID] = &copied
}

// Balance returns a snapshot of the user's balance, or nil when absent.
func (s *MemoryStore) Balance(userID int64) *models.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return nil
	}
	copied := *b
	return &copied
}

// Transactions returns a copy of the full ledger log.
func (s *MemoryStore) Transactions() []models.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CreditTransaction, len(s.log))
	copy(out, s.log)
	return out
}

func (s *MemoryStore) Debit(_ context.Context, userID int64, pool models.PoolKind, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[userID]
	if !ok {
		return "", ErrInsufficientFunds
	}

	delta := 0
	if pool != models.PoolSubscription {
		counter, err := poolCounter(b, pool)
		if err != nil {
			return "", err
		}
		if *counter < 1 {
			return "", ErrInsufficientFunds
		}
		*counter--
		delta = -1
	}

	return s.append(userID, pool, delta, models.ReasonGeneration, jobID, "", ""), nil
}

func (s *MemoryStore) Refund(_ context.Context, userID int64, pool models.PoolKind, debitTxID, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refunded[debitTxID] {
		return "", ErrRefundAlreadyApplied
	}

	b, ok := s.balances[userID]
	if !ok {
		return "", fmt.Errorf("no balance row for user %d", userID)
	}

	delta := 0
	if pool != models.PoolSubscription {
		counter, err := poolCounter(b, pool)
		if err != nil {
			return "", err
		}
		*counter++
		delta = 1
	}

	s.refunded[debitTxID] = true
	return s.append(userID, pool, delta, models.ReasonRefund, jobID, debitTxID, ""), nil
}

func (s *MemoryStore) Grant(_ context.Context, userID int64, pool models.PoolKind, amount int, reason models.TxReason, jobID, externalEventID string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("grant amount must be positive, got %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if externalEventID != "" && s.events[externalEventID] {
		return "", ErrDuplicateEvent
	}

	b, ok := s.balances[userID]
	if !ok {
		b = &models.Balance{UserID: userID}
		s.balances[userID] = b
	}
	counter, err := poolCounter(b, pool)
	if err != nil {
		return "", err
	}
	*counter += amount

	if externalEventID != "" {
		s.events[externalEventID] = true
	}
	return s.append(userID, pool, amount, reason, jobID, "", externalEventID), nil
}

func (s *MemoryStore) append(userID int64, pool models.PoolKind, delta int, reason models.TxReason, jobID, relatedTxID, eventID string) string {
	id := uuid.NewString()
	s.log = append(s.log, models.CreditTransaction{
		ID:              id,
		UserID:          userID,
		Pool:            pool,
		Delta:           delta,
		Reason:          reason,
		JobID:           optional(jobID),
		RelatedTxID:     optional(relatedTxID),
		ExternalEventID: optional(eventID),
		CreatedAt:       time.Now().UTC(),
	})
	return id
}

func poolCounter(b *models.Balance, pool models.PoolKind) (*int, error) {
	switch pool {
	case models.PoolTrial:
		return &b.TrialRemaining, nil
	case models.PoolToken:
		return &b.TokenBalance, nil
	case models.PoolSeasonal:
		return &b.SeasonalCredits, nil
	default:
		return nil, fmt.Errorf("pool %s has no counter", pool)
	}
}
