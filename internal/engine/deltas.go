package engine

import (
	"github.com/terminal-bench/cardledger/internal/payments"
	"github.com/terminal-bench/cardledger/pkg/amount"
)

// This file holds the pure arithmetic of lifecycle transitions. Each
// compute function reads a payment snapshot and returns an immutable
// delta struct; the engine applies the struct after the external calls
// succeed, keeping the transition functions themselves thin.

// shares splits a payment between payer and sponsor at a given
// cumulative refund level.
type shares struct {
	payerSum      uint64
	sponsorSum    uint64
	payerRefund   uint64
	sponsorRefund uint64
}

// payerNet is what the payer has contributed and not yet been refunded.
func (s shares) payerNet() uint64 { return s.payerSum - s.payerRefund }

// sponsorNet is the sponsor's outstanding contribution.
func (s shares) sponsorNet() uint64 { return s.sponsorSum - s.sponsorRefund }

// computeShares prorates sum and refund between payer and sponsor. The
// refund is prorated on the sponsor's share of the base amount; the
// payer's refund share is capped at the payer's contribution, with any
// excess attributed back to the sponsor so neither net can underflow and
// the two shares always sum to refund exactly.
func computeShares(base, extra, refund, subsidyLimit uint64) shares {
	sum := base + extra
	payerSum, sponsorSum := amount.SplitSum(sum, subsidyLimit)

	sponsorRefund := amount.SponsorRefundShare(refund, base, subsidyLimit)
	payerRefund := amount.Min(refund-sponsorRefund, payerSum)
	sponsorRefund = refund - payerRefund

	return shares{
		payerSum:      payerSum,
		sponsorSum:    sponsorSum,
		payerRefund:   payerRefund,
		sponsorRefund: sponsorRefund,
	}
}

// cashbackTarget is the cashback a payment is entitled to at its current
// amounts: the payer's refund-adjusted share of the base amount at the
// effective rate, rounded to the cashback granularity.
func cashbackTarget(base, extra, refund, subsidyLimit uint64, rate uint16) (uint64, error) {
	if rate == 0 {
		return 0, nil
	}
	s := computeShares(base, extra, refund, subsidyLimit)
	eligible := amount.SaturatingSub(amount.PayerBaseShare(base, subsidyLimit), s.payerRefund)
	return amount.Cashback(eligible, rate)
}

// createDeltas is the outcome of validating a creation request.
type createDeltas struct {
	sum          uint64
	payerSum     uint64
	sponsorSum   uint64
	cashbackBase uint64
}

func computeCreateDeltas(base, extra, subsidyLimit uint64) (createDeltas, error) {
	sum, err := amount.CheckedAdd(base, extra)
	if err != nil {
		return createDeltas{}, err
	}
	payerSum, sponsorSum := amount.SplitSum(sum, subsidyLimit)
	return createDeltas{
		sum:          sum,
		payerSum:     payerSum,
		sponsorSum:   sponsorSum,
		cashbackBase: amount.PayerBaseShare(base, subsidyLimit),
	}, nil
}

// updateDeltas is the outcome of recomputing a payment at new base and
// extra amounts.
type updateDeltas struct {
	newSum         uint64
	payerDelta     int64 // positive pulls from the payer, before clawback
	sponsorDelta   int64
	targetCashback uint64
	bucketDelta    int64
}

func computeUpdateDeltas(p *payments.Payment, newBase, newExtra uint64) (updateDeltas, error) {
	newSum, err := amount.CheckedAdd(newBase, newExtra)
	if err != nil {
		return updateDeltas{}, err
	}
	if p.RefundAmount > newSum {
		return updateDeltas{}, ErrInappropriateAmount
	}
	if newSum-p.RefundAmount < p.ConfirmedAmount {
		return updateDeltas{}, ErrInappropriateAmount
	}

	oldShares := computeShares(p.BaseAmount, p.ExtraAmount, p.RefundAmount, p.SubsidyLimit)
	newShares := computeShares(newBase, newExtra, p.RefundAmount, p.SubsidyLimit)

	target, err := cashbackTarget(newBase, newExtra, p.RefundAmount, p.SubsidyLimit, p.CashbackRate)
	if err != nil {
		return updateDeltas{}, err
	}

	return updateDeltas{
		newSum:         newSum,
		payerDelta:     int64(newShares.payerNet()) - int64(oldShares.payerNet()),
		sponsorDelta:   int64(newShares.sponsorNet()) - int64(oldShares.sponsorNet()),
		targetCashback: target,
		bucketDelta:    int64(newSum) - int64(p.Sum()),
	}, nil
}

// refundDeltas is the outcome of a refund request.
type refundDeltas struct {
	newRefund      uint64
	newConfirmed   uint64
	payerPayout    uint64 // before clawback withholding
	sponsorPayout  uint64
	cashOutDelta   int64 // positive pulls confirmed funds back from cash-out
	bucketDelta    int64
	targetCashback uint64
}

func computeRefundDeltas(p *payments.Payment, amt uint64) (refundDeltas, error) {
	newRefund, err := amount.CheckedAdd(p.RefundAmount, amt)
	if err != nil {
		return refundDeltas{}, err
	}
	if newRefund > p.Sum() {
		return refundDeltas{}, ErrInappropriateRefundingAmount
	}

	oldShares := computeShares(p.BaseAmount, p.ExtraAmount, p.RefundAmount, p.SubsidyLimit)
	newShares := computeShares(p.BaseAmount, p.ExtraAmount, newRefund, p.SubsidyLimit)

	target, err := cashbackTarget(p.BaseAmount, p.ExtraAmount, newRefund, p.SubsidyLimit, p.CashbackRate)
	if err != nil {
		return refundDeltas{}, err
	}
	// A refund can never raise the entitlement.
	target = amount.Min(target, p.CashbackAmount)

	// If the refund eats into already confirmed value, the excess is
	// pulled back from the cash-out account.
	newConfirmed := p.ConfirmedAmount
	var pullBack uint64
	if newRemainder := p.Sum() - newRefund; newConfirmed > newRemainder {
		pullBack = newConfirmed - newRemainder
		newConfirmed = newRemainder
	}

	return refundDeltas{
		newRefund:      newRefund,
		newConfirmed:   newConfirmed,
		payerPayout:    newShares.payerRefund - oldShares.payerRefund,
		sponsorPayout:  newShares.sponsorRefund - oldShares.sponsorRefund,
		cashOutDelta:   int64(pullBack),
		bucketDelta:    -int64(amt) + int64(pullBack),
		targetCashback: target,
	}, nil
}

// cancelDeltas is the outcome of a reversal or revocation: return the
// whole remainder, claw back confirmed funds, revoke all cashback.
type cancelDeltas struct {
	payerPayout   uint64
	sponsorPayout uint64
	cashOutDelta  int64
	bucketDelta   int64
}

func computeCancelDeltas(p *payments.Payment) cancelDeltas {
	s := computeShares(p.BaseAmount, p.ExtraAmount, p.RefundAmount, p.SubsidyLimit)
	return cancelDeltas{
		payerPayout:   s.payerNet(),
		sponsorPayout: s.sponsorNet(),
		cashOutDelta:  int64(p.ConfirmedAmount),
		bucketDelta:   -int64(p.Unconfirmed()),
	}
}

// computeConfirmAmount validates a confirmation amount against the
// unconfirmed remainder.
func computeConfirmAmount(p *payments.Payment, amt uint64) (uint64, error) {
	if amt > p.Unconfirmed() {
		return 0, ErrInappropriateConfirmationAmount
	}
	return amt, nil
}
