// Package payments holds the authoritative per-payment state and the
// aggregate balance counters the engine reconciles against it.
package payments

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/cardledger/pkg/amount"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrBalanceUnderflow signals an aggregate counter that would go
	// negative. The engine validates every adjustment before applying
	// it, so hitting this is an internal consistency bug, not a caller
	// mistake.
	ErrBalanceUnderflow = errors.New("balance underflow")
)

// Status is the lifecycle state of a payment record.
type Status uint8

const (
	StatusNonexistent Status = iota
	StatusActive
	StatusCleared
	StatusConfirmed
	StatusReversed
	StatusRevoked
	StatusMerged
)

func (s Status) String() string {
	switch s {
	case StatusNonexistent:
		return "nonexistent"
	case StatusActive:
		return "active"
	case StatusCleared:
		return "cleared"
	case StatusConfirmed:
		return "confirmed"
	case StatusReversed:
		return "reversed"
	case StatusRevoked:
		return "revoked"
	case StatusMerged:
		return "merged"
	default:
		return "unknown"
	}
}

// Recreatable reports whether a new payment may be created under the
// identifier of a payment in this status. Revoked is the sole re-entry
// path; Reversed, Confirmed and Merged are terminal.
func (s Status) Recreatable() bool {
	return s == StatusRevoked
}

// BalanceClass selects one of the two aggregate balance buckets.
type BalanceClass uint8

const (
	BalanceUncleared BalanceClass = iota
	BalanceCleared
)

func (c BalanceClass) String() string {
	if c == BalanceCleared {
		return "cleared"
	}
	return "uncleared"
}

// Payment is a single payment record keyed by a unique identifier.
//
// Invariants, after every committed operation:
//
//	RefundAmount <= BaseAmount + ExtraAmount
//	ConfirmedAmount <= BaseAmount + ExtraAmount - RefundAmount
//	Compensation() >= RefundAmount
type Payment struct {
	ID     uuid.UUID
	Payer  uuid.UUID
	Status Status

	// Sponsor is uuid.Nil for unsponsored payments; SubsidyLimit is then
	// zero. Both are immutable after creation.
	Sponsor      uuid.UUID
	SubsidyLimit uint64

	BaseAmount      uint64
	ExtraAmount     uint64
	RefundAmount    uint64
	ConfirmedAmount uint64

	// CashbackAmount is the cashback actually sent and not yet revoked,
	// derived from gateway responses, never from requested amounts.
	CashbackAmount uint64
	// CashbackRate is the effective per-mille rate; zeroed for the
	// payment's lifetime when the initial grant fails.
	CashbackRate uint16
	// CashbackNonce references the outstanding grant in the incentive
	// ledger; zero means no active grant.
	CashbackNonce uint64

	RevocationCount uint16

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sum returns the nominal payment total. Creation and amendment check
// the addition, so it cannot overflow on a stored record.
func (p *Payment) Sum() uint64 {
	return p.BaseAmount + p.ExtraAmount
}

// Remainder returns the live value still tied up in the payment.
func (p *Payment) Remainder() uint64 {
	return p.Sum() - p.RefundAmount
}

// Unconfirmed returns the portion of the remainder not yet swept to the
// cash-out account.
func (p *Payment) Unconfirmed() uint64 {
	return p.Remainder() - p.ConfirmedAmount
}

// Compensation returns the cumulative value already returned to the
// payer and sponsor through refunds and cashback combined.
func (p *Payment) Compensation() uint64 {
	return p.RefundAmount + p.CashbackAmount
}

// Sponsored reports whether a sponsor subsidizes this payment.
func (p *Payment) Sponsored() bool {
	return p.Sponsor != uuid.Nil
}

// ActiveClass returns the balance bucket the payment's unconfirmed
// remainder currently occupies, and false for statuses that hold no
// balance.
func (p *Payment) ActiveClass() (BalanceClass, bool) {
	switch p.Status {
	case StatusActive:
		return BalanceUncleared, true
	case StatusCleared:
		return BalanceCleared, true
	default:
		return 0, false
	}
}

// CheckInvariants verifies the record-level invariants, returning an
// error naming the first violated one.
func (p *Payment) CheckInvariants() error {
	sum, err := amount.CheckedAdd(p.BaseAmount, p.ExtraAmount)
	if err != nil {
		return err
	}
	if p.RefundAmount > sum {
		return errors.New("refund amount exceeds payment sum")
	}
	if p.ConfirmedAmount > sum-p.RefundAmount {
		return errors.New("confirmed amount exceeds remainder")
	}
	return nil
}

// Clone returns a deep copy.
func (p *Payment) Clone() *Payment {
	cp := *p
	return &cp
}
