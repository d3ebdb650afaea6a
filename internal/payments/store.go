package payments

import (
	"context"

	"github.com/google/uuid"
)

// Store is the payment record store plus the aggregate balance counters.
//
// AdjustBalance is the single authoritative update path for a balance
// class: it moves the per-account counter and the class total together so
// the two can never drift. Implementations must reject adjustments that
// would take either counter negative with ErrBalanceUnderflow.
type Store interface {
	// Get returns the payment for id, or ErrPaymentNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Payment, error)

	// Save upserts a payment record.
	Save(ctx context.Context, p *Payment) error

	// AdjustBalance applies a signed delta to one account's balance of
	// the given class and to the class total.
	AdjustBalance(ctx context.Context, class BalanceClass, account uuid.UUID, delta int64) error

	// AccountBalance returns one account's balance of the given class.
	AccountBalance(ctx context.Context, class BalanceClass, account uuid.UUID) (uint64, error)

	// TotalBalance returns the class total.
	TotalBalance(ctx context.Context, class BalanceClass) (uint64, error)

	// SetReversalFlag and SetRevocationFlag record that an external
	// reference was used for a cancellation, for idempotent dedup by
	// callers.
	SetReversalFlag(ctx context.Context, ref string) error
	SetRevocationFlag(ctx context.Context, ref string) error
	WasReversed(ctx context.Context, ref string) (bool, error)
	WasRevoked(ctx context.Context, ref string) (bool, error)

	// WithinTx runs fn against a transactional view of the store;
	// either every mutation fn makes is committed or none is.
	WithinTx(ctx context.Context, fn func(Store) error) error
}
