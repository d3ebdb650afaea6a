// Package cashback defines the request/response contract with the
// external incentive ledger and a NATS client implementing it.
//
// Grant, revoke and increase are fallible in steady state: the gateway
// may refuse outright or send less than requested. Callers must branch on
// the returned result and base all bookkeeping on SentAmount, never on
// the requested amount.
package cashback

import (
	"context"

	"github.com/google/uuid"
)

// Kind tags the payment kind a grant belongs to in the incentive ledger.
const KindCardPayment = "card-payment"

// GrantResult is the outcome of a cashback grant request.
type GrantResult struct {
	// Success false is a legitimate steady-state outcome (recipient
	// denylisted, ledger paused, cap exceeded), not an exception.
	Success bool
	// SentAmount is what the ledger actually sent; it may be below the
	// requested amount on a partial grant.
	SentAmount uint64
	// Nonce references the grant for later revoke/increase calls.
	Nonce uint64
}

// AdjustResult is the outcome of a revoke or increase request.
type AdjustResult struct {
	Success    bool
	SentAmount uint64
}

// SendRequest asks the incentive ledger to grant cashback.
type SendRequest struct {
	Kind      string
	PaymentID uuid.UUID
	Recipient uuid.UUID
	Amount    uint64
}

// Distributor is the narrow contract the engine depends on. A transport
// error is equivalent to Success=false; implementations never report a
// sent amount they did not confirm.
type Distributor interface {
	SendCashback(ctx context.Context, req SendRequest) (GrantResult, error)
	RevokeCashback(ctx context.Context, nonce uint64, amt uint64) (AdjustResult, error)
	IncreaseCashback(ctx context.Context, nonce uint64, amt uint64) (AdjustResult, error)
}
