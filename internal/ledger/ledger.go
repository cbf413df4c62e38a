// Package ledger implements the debit/refund engine: atomic, race-free
// movement of single units between a user's balance pools and the
// append-only credit transaction log.
package ledger

import (
	"context"
	"errors"

	"github.com/verdantlabs/yardgen/internal/models"
)

var (
	// ErrInsufficientFunds means the pool was already at zero under the lock.
	ErrInsufficientFunds = errors.New("insufficient funds in pool")
	// ErrRefundAlreadyApplied means a refund row already references the debit.
	ErrRefundAlreadyApplied = errors.New("refund already applied for transaction")
	// ErrDuplicateEvent means an external purchase event was already credited.
	ErrDuplicateEvent = errors.New("external event already applied")
)

// Store is the debit/refund engine contract. Every method is atomic with
// respect to the user's balance row: concurrent calls for the same user
// serialize on that row, so two requests can never both spend the last unit.
//
// Debit consumes exactly one unit and appends a generation ledger row.
// Subscription debits move no counter but still append a delta-0 row for
// audit. Refund restores exactly one unit, appending a row that references
// the original debit; refunding the same debit twice fails with
// ErrRefundAlreadyApplied. Grant credits a pool from a purchase or
// promotional event; when externalEventID is set it is applied at most once.
type Store interface {
	Debit(ctx context.Context, userID int64, pool models.PoolKind, jobID string) (string, error)
	Refund(ctx context.Context, userID int64, pool models.PoolKind, debitTxID, jobID string) (string, error)
	Grant(ctx context.Context, userID int64, pool models.PoolKind, amount int, reason models.TxReason, jobID, externalEventID string) (string, error)
}
