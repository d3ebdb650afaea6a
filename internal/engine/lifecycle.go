package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/cardledger/internal/cashback"
	"github.com/terminal-bench/cardledger/internal/payments"
	"github.com/terminal-bench/cardledger/internal/settlement"
	"github.com/terminal-bench/cardledger/pkg/amount"
	"github.com/terminal-bench/cardledger/shared/events"
)

// MakePaymentRequest carries the parameters of a payment creation.
type MakePaymentRequest struct {
	PaymentID uuid.UUID
	Payer     uuid.UUID
	// Sponsor and SubsidyLimit are optional; a nonzero limit requires a
	// sponsor.
	Sponsor      uuid.UUID
	SubsidyLimit uint64
	BaseAmount   uint64
	ExtraAmount  uint64
	// CashbackRate overrides the configured default when set. It is
	// ignored while cashback is disabled globally.
	CashbackRate  *uint16
	CorrelationID string
}

// MakePayment creates an unsponsored payment.
func (e *Engine) MakePayment(ctx context.Context, id, payer uuid.UUID, base, extra uint64) (*payments.Payment, error) {
	return e.CreatePayment(ctx, MakePaymentRequest{
		PaymentID:   id,
		Payer:       payer,
		BaseAmount:  base,
		ExtraAmount: extra,
	})
}

// MakePaymentFor creates a payment subsidized by a sponsor up to limit.
func (e *Engine) MakePaymentFor(ctx context.Context, id, payer, sponsor uuid.UUID, limit, base, extra uint64) (*payments.Payment, error) {
	return e.CreatePayment(ctx, MakePaymentRequest{
		PaymentID:    id,
		Payer:        payer,
		Sponsor:      sponsor,
		SubsidyLimit: limit,
		BaseAmount:   base,
		ExtraAmount:  extra,
	})
}

// CreatePayment records a new payment, pulls its value into the engine
// float and requests cashback for the payer's share of the base amount.
// A failed or partial cashback grant degrades the payment instead of
// failing it: the rate is zeroed for the payment's lifetime and only the
// amount the incentive ledger confirms is ever booked.
func (e *Engine) CreatePayment(ctx context.Context, req MakePaymentRequest) (*payments.Payment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.PaymentID == uuid.Nil {
		return nil, ErrZeroPaymentID
	}
	if req.Payer == uuid.Nil {
		return nil, ErrZeroPayerAccount
	}
	if req.SubsidyLimit > 0 && req.Sponsor == uuid.Nil {
		return nil, ErrSubsidyWithoutSponsor
	}
	rate := e.effectiveRate(req.CashbackRate)
	if rate > amount.RateFactor {
		return nil, ErrInappropriateCashbackRate
	}

	var revocations uint16
	prior, err := e.store.Get(ctx, req.PaymentID)
	switch {
	case err == nil:
		if !prior.Status.Recreatable() {
			return nil, ErrPaymentAlreadyExists
		}
		if prior.RevocationCount >= e.cfg.RevocationLimit {
			return nil, ErrRevocationLimitReached
		}
		// Re-creation under a revoked identifier starts a fresh payment
		// but the revocation budget is spent for good.
		revocations = prior.RevocationCount
	case errors.Is(err, payments.ErrPaymentNotFound):
	default:
		return nil, err
	}

	d, err := computeCreateDeltas(req.BaseAmount, req.ExtraAmount, req.SubsidyLimit)
	if err != nil {
		return nil, err
	}

	p := &payments.Payment{
		ID:              req.PaymentID,
		Payer:           req.Payer,
		Status:          payments.StatusActive,
		Sponsor:         req.Sponsor,
		SubsidyLimit:    req.SubsidyLimit,
		BaseAmount:      req.BaseAmount,
		ExtraAmount:     req.ExtraAmount,
		CashbackRate:    rate,
		RevocationCount: revocations,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	var degraded bool
	if rate > 0 && d.cashbackBase > 0 {
		requested, err := amount.Cashback(d.cashbackBase, rate)
		if err != nil {
			return nil, err
		}
		if requested > 0 {
			res, err := e.distributor.SendCashback(ctx, cashback.SendRequest{
				Kind:      cashback.KindCardPayment,
				PaymentID: p.ID,
				Recipient: p.Payer,
				Amount:    requested,
			})
			if err != nil || !res.Success {
				if err != nil {
					e.log.Warn("cashback grant failed",
						zap.String("payment_id", p.ID.String()), zap.Error(err))
				}
				p.CashbackRate = 0
				degraded = true
				e.publishCashbackEvent(ctx, events.CashbackSent, p, 0, requested, 0, false)
			} else {
				p.CashbackAmount = res.SentAmount
				p.CashbackNonce = res.Nonce
				e.publishCashbackEvent(ctx, events.CashbackSent, p, res.Nonce, requested, res.SentAmount, true)
			}
		}
	}

	plan := settlement.Plan{
		PaymentID:    p.ID,
		Payer:        p.Payer,
		Sponsor:      p.Sponsor,
		PayerDelta:   int64(d.payerSum),
		SponsorDelta: int64(d.sponsorSum),
		Reference:    "create",
	}
	if err := e.settle.Execute(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to settle payment creation: %w", err)
	}

	err = e.store.WithinTx(ctx, func(s payments.Store) error {
		if err := s.Save(ctx, p); err != nil {
			return err
		}
		return s.AdjustBalance(ctx, payments.BalanceUncleared, p.Payer, int64(d.sum))
	})
	if err != nil {
		return nil, err
	}

	e.publishPaymentEvent(ctx, events.PaymentMade, p, 0, "", degraded, req.CorrelationID)
	e.record(ctx, "make_payment", p.ID)
	return p.Clone(), nil
}

// UpdatePayment amends an active payment to new base and extra
// amounts. Amending to the current amounts is a no-op. Shrinking
// the payer's share below the outstanding cashback schedules a clawback:
// the payout is withheld by the requested revocation amount and the
// revoke is issued only after the payouts, so a failed revoke leaves the
// withheld value in the float as cover.
func (e *Engine) UpdatePayment(ctx context.Context, id uuid.UUID, newBase, newExtra uint64) (*payments.Payment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id == uuid.Nil {
		return nil, ErrZeroPaymentID
	}
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != payments.StatusActive {
		return nil, ErrInappropriatePaymentStatus
	}
	if p.BaseAmount == newBase && p.ExtraAmount == newExtra {
		return p.Clone(), nil
	}

	sumBefore := p.Sum()
	d, err := computeUpdateDeltas(p, newBase, newExtra)
	if err != nil {
		return nil, err
	}

	increased, degraded := e.increaseToTarget(ctx, p, d.targetCashback)

	var plannedRevoke uint64
	if d.targetCashback < p.CashbackAmount {
		plannedRevoke = p.CashbackAmount - d.targetCashback
	}

	plan := settlement.Plan{
		PaymentID:    p.ID,
		Payer:        p.Payer,
		Sponsor:      p.Sponsor,
		PayerDelta:   d.payerDelta + int64(plannedRevoke),
		SponsorDelta: d.sponsorDelta,
		Reference:    "update",
	}
	if err := e.settle.Execute(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to settle payment update: %w", err)
	}

	revoked, revokeDegraded := e.revokeOutstanding(ctx, p, plannedRevoke)
	degraded = degraded || revokeDegraded

	p.BaseAmount = newBase
	p.ExtraAmount = newExtra
	p.CashbackAmount = p.CashbackAmount + increased - revoked
	p.UpdatedAt = time.Now()

	err = e.store.WithinTx(ctx, func(s payments.Store) error {
		if err := checkedBucketAdjust(ctx, s, p, d.bucketDelta); err != nil {
			return err
		}
		return s.Save(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	e.publishPaymentEvent(ctx, events.PaymentUpdated, p, sumBefore, "", degraded, "")
	e.record(ctx, "update_payment", p.ID)
	return p.Clone(), nil
}

// increaseToTarget raises a payment's outstanding cashback toward target
// through the existing grant. Failures and partial sends are tolerated;
// only the confirmed sent amount is returned.
func (e *Engine) increaseToTarget(ctx context.Context, p *payments.Payment, target uint64) (increased uint64, degraded bool) {
	if target <= p.CashbackAmount || p.CashbackNonce == 0 {
		return 0, false
	}
	want := target - p.CashbackAmount

	res, err := e.distributor.IncreaseCashback(ctx, p.CashbackNonce, want)
	if err != nil || !res.Success {
		if err != nil {
			e.log.Warn("cashback increase failed",
				zap.String("payment_id", p.ID.String()), zap.Uint64("amount", want), zap.Error(err))
		}
		e.publishCashbackEvent(ctx, events.CashbackIncreased, p, p.CashbackNonce, want, 0, false)
		return 0, true
	}

	e.publishCashbackEvent(ctx, events.CashbackIncreased, p, p.CashbackNonce, want, res.SentAmount, true)
	return res.SentAmount, res.SentAmount < want
}

// ClearPayment moves an active payment into the cleared class.
func (e *Engine) ClearPayment(ctx context.Context, id uuid.UUID) error {
	return e.ClearPayments(ctx, []uuid.UUID{id})
}

// ClearPayments clears a batch atomically: every member is validated
// before any is mutated, so one bad identifier fails the whole batch
// without side effects.
func (e *Engine) ClearPayments(ctx context.Context, ids []uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	batch, err := e.loadBatch(ctx, ids, func(p *payments.Payment) error {
		switch p.Status {
		case payments.StatusActive:
			return nil
		case payments.StatusCleared:
			return ErrPaymentAlreadyCleared
		default:
			return ErrInappropriatePaymentStatus
		}
	})
	if err != nil {
		return err
	}

	err = e.store.WithinTx(ctx, func(s payments.Store) error {
		for _, p := range batch {
			held := int64(p.Unconfirmed())
			if err := s.AdjustBalance(ctx, payments.BalanceUncleared, p.Payer, -held); err != nil {
				return fmt.Errorf("%w: uncleared balance adjust: %v", ErrInternalInvariant, err)
			}
			if err := s.AdjustBalance(ctx, payments.BalanceCleared, p.Payer, held); err != nil {
				return fmt.Errorf("%w: cleared balance adjust: %v", ErrInternalInvariant, err)
			}
			p.Status = payments.StatusCleared
			p.UpdatedAt = time.Now()
			if err := s.Save(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range batch {
		e.publishPaymentEvent(ctx, events.PaymentCleared, p, p.Sum(), "", false, "")
		e.record(ctx, "clear_payment", p.ID)
	}
	return nil
}

// UnclearPayment moves a cleared payment back to the uncleared class.
func (e *Engine) UnclearPayment(ctx context.Context, id uuid.UUID) error {
	return e.UnclearPayments(ctx, []uuid.UUID{id})
}

// UnclearPayments is the batch inverse of ClearPayments.
func (e *Engine) UnclearPayments(ctx context.Context, ids []uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	batch, err := e.loadBatch(ctx, ids, func(p *payments.Payment) error {
		switch p.Status {
		case payments.StatusCleared:
			return nil
		case payments.StatusActive:
			return ErrPaymentAlreadyUncleared
		default:
			return ErrInappropriatePaymentStatus
		}
	})
	if err != nil {
		return err
	}

	err = e.store.WithinTx(ctx, func(s payments.Store) error {
		for _, p := range batch {
			held := int64(p.Unconfirmed())
			if err := s.AdjustBalance(ctx, payments.BalanceCleared, p.Payer, -held); err != nil {
				return fmt.Errorf("%w: cleared balance adjust: %v", ErrInternalInvariant, err)
			}
			if err := s.AdjustBalance(ctx, payments.BalanceUncleared, p.Payer, held); err != nil {
				return fmt.Errorf("%w: uncleared balance adjust: %v", ErrInternalInvariant, err)
			}
			p.Status = payments.StatusActive
			p.UpdatedAt = time.Now()
			if err := s.Save(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range batch {
		e.publishPaymentEvent(ctx, events.PaymentUncleared, p, p.Sum(), "", false, "")
		e.record(ctx, "unclear_payment", p.ID)
	}
	return nil
}

// ConfirmPayment sweeps amt of a cleared payment's unconfirmed remainder
// to the cash-out account. Confirming the full remainder finalizes the
// payment.
func (e *Engine) ConfirmPayment(ctx context.Context, id uuid.UUID, amt uint64) (*payments.Payment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirmLocked(ctx, id, amt)
}

// ConfirmPayments fully confirms a batch of cleared payments. The
// batch settles through a single transfer and commits in one
// transaction, so a failure partway confirms no member at all.
func (e *Engine) ConfirmPayments(ctx context.Context, ids []uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	batch, err := e.loadBatch(ctx, ids, func(p *payments.Payment) error {
		if p.Status != payments.StatusCleared {
			return ErrInappropriatePaymentStatus
		}
		return nil
	})
	if err != nil {
		return err
	}

	var total uint64
	for _, p := range batch {
		if total, err = amount.CheckedAdd(total, p.Unconfirmed()); err != nil {
			return err
		}
	}

	if total > 0 {
		plan := settlement.Plan{
			CashOutDelta: -int64(total),
			Reference:    "confirm-batch",
		}
		if err := e.settle.Execute(ctx, plan); err != nil {
			return fmt.Errorf("failed to settle confirmation: %w", err)
		}
	}

	err = e.store.WithinTx(ctx, func(s payments.Store) error {
		for _, p := range batch {
			confirm := p.Unconfirmed()
			if err := checkedBucketAdjust(ctx, s, p, -int64(confirm)); err != nil {
				return err
			}
			p.ConfirmedAmount += confirm
			p.Status = payments.StatusConfirmed
			p.UpdatedAt = time.Now()
			if err := s.Save(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range batch {
		e.publishPaymentEvent(ctx, events.PaymentConfirmed, p, p.Sum(), "", false, "")
		e.record(ctx, "confirm_payment", p.ID)
	}
	return nil
}

// ClearAndConfirmPayment clears an active payment and immediately
// confirms amt of it.
func (e *Engine) ClearAndConfirmPayment(ctx context.Context, id uuid.UUID, amt uint64) (*payments.Payment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != payments.StatusActive {
		return nil, ErrInappropriatePaymentStatus
	}
	if _, err := computeConfirmAmount(p, amt); err != nil {
		return nil, err
	}

	held := int64(p.Unconfirmed())
	err = e.store.WithinTx(ctx, func(s payments.Store) error {
		if err := s.AdjustBalance(ctx, payments.BalanceUncleared, p.Payer, -held); err != nil {
			return fmt.Errorf("%w: uncleared balance adjust: %v", ErrInternalInvariant, err)
		}
		if err := s.AdjustBalance(ctx, payments.BalanceCleared, p.Payer, held); err != nil {
			return fmt.Errorf("%w: cleared balance adjust: %v", ErrInternalInvariant, err)
		}
		p.Status = payments.StatusCleared
		p.UpdatedAt = time.Now()
		return s.Save(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	e.publishPaymentEvent(ctx, events.PaymentCleared, p, p.Sum(), "", false, "")
	e.record(ctx, "clear_payment", p.ID)

	return e.confirmLocked(ctx, id, amt)
}

func (e *Engine) confirmLocked(ctx context.Context, id uuid.UUID, amt uint64) (*payments.Payment, error) {
	if id == uuid.Nil {
		return nil, ErrZeroPaymentID
	}
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != payments.StatusCleared {
		return nil, ErrInappropriatePaymentStatus
	}
	confirm, err := computeConfirmAmount(p, amt)
	if err != nil {
		return nil, err
	}

	if confirm > 0 {
		plan := settlement.Plan{
			PaymentID:    p.ID,
			Payer:        p.Payer,
			CashOutDelta: -int64(confirm),
			Reference:    "confirm",
		}
		if err := e.settle.Execute(ctx, plan); err != nil {
			return nil, fmt.Errorf("failed to settle confirmation: %w", err)
		}
	}

	err = e.store.WithinTx(ctx, func(s payments.Store) error {
		if err := checkedBucketAdjust(ctx, s, p, -int64(confirm)); err != nil {
			return err
		}
		p.ConfirmedAmount += confirm
		if p.Unconfirmed() == 0 {
			p.Status = payments.StatusConfirmed
		}
		p.UpdatedAt = time.Now()
		return s.Save(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	e.publishPaymentEvent(ctx, events.PaymentConfirmed, p, p.Sum(), "", false, "")
	e.record(ctx, "confirm_payment", p.ID)
	return p.Clone(), nil
}

// RefundPayment returns amt of the payment to the payer and sponsor,
// prorated on the sponsor's share of the base amount. A refund that eats
// into already confirmed value pulls the excess back from the cash-out
// account first, so the payouts are always fully funded.
func (e *Engine) RefundPayment(ctx context.Context, id uuid.UUID, amt uint64) (*payments.Payment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id == uuid.Nil {
		return nil, ErrZeroPaymentID
	}
	if amt == 0 {
		return nil, ErrInappropriateRefundingAmount
	}
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case payments.StatusActive, payments.StatusCleared, payments.StatusConfirmed:
	default:
		return nil, ErrInappropriatePaymentStatus
	}

	sumBefore := p.Sum()
	d, err := computeRefundDeltas(p, amt)
	if err != nil {
		return nil, err
	}

	var plannedRevoke uint64
	if d.targetCashback < p.CashbackAmount {
		plannedRevoke = p.CashbackAmount - d.targetCashback
	}

	plan := settlement.Plan{
		PaymentID:    p.ID,
		Payer:        p.Payer,
		Sponsor:      p.Sponsor,
		PayerDelta:   -int64(d.payerPayout) + int64(plannedRevoke),
		SponsorDelta: -int64(d.sponsorPayout),
		CashOutDelta: d.cashOutDelta,
		Reference:    "refund",
	}
	if err := e.settle.Execute(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to settle refund: %w", err)
	}

	revoked, degraded := e.revokeOutstanding(ctx, p, plannedRevoke)

	err = e.store.WithinTx(ctx, func(s payments.Store) error {
		if err := checkedBucketAdjust(ctx, s, p, d.bucketDelta); err != nil {
			return err
		}
		p.RefundAmount = d.newRefund
		p.ConfirmedAmount = d.newConfirmed
		p.CashbackAmount -= revoked
		p.UpdatedAt = time.Now()
		return s.Save(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	e.publishPaymentEvent(ctx, events.PaymentRefunded, p, sumBefore, "", degraded, "")
	e.record(ctx, "refund_payment", p.ID)
	return p.Clone(), nil
}

// ReversePayment cancels a payment on behalf of the card network,
// returning the outstanding remainder, clawing confirmed funds back from
// the cash-out account and revoking all outstanding cashback. ref is the
// network's reference; a reference seen before makes the call a no-op so
// retried reversal advice cannot double-pay.
func (e *Engine) ReversePayment(ctx context.Context, id uuid.UUID, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validateCancellation(id, ref); err != nil {
		return err
	}
	seen, err := e.store.WasReversed(ctx, ref)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch p.Status {
	case payments.StatusActive, payments.StatusCleared, payments.StatusConfirmed:
	default:
		return ErrInappropriatePaymentStatus
	}

	if err := e.cancel(ctx, p, payments.StatusReversed, ref); err != nil {
		return err
	}
	e.record(ctx, "reverse_payment", p.ID)
	return nil
}

// RevokePayment voids a payment before final settlement. Unlike a
// reversal the identifier may be reused afterwards; the configured
// revocation limit is enforced at re-creation, where the spent budget
// decides whether the identifier gets another life.
func (e *Engine) RevokePayment(ctx context.Context, id uuid.UUID, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validateCancellation(id, ref); err != nil {
		return err
	}
	if e.cfg.RevocationLimit == 0 {
		return ErrRevocationProhibited
	}
	seen, err := e.store.WasRevoked(ctx, ref)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch p.Status {
	case payments.StatusActive, payments.StatusCleared:
	default:
		return ErrInappropriatePaymentStatus
	}

	p.RevocationCount++
	if err := e.cancel(ctx, p, payments.StatusRevoked, ref); err != nil {
		return err
	}
	e.record(ctx, "revoke_payment", p.ID)
	return nil
}

func (e *Engine) validateCancellation(id uuid.UUID, ref string) error {
	if id == uuid.Nil {
		return ErrZeroPaymentID
	}
	if ref == "" {
		return ErrZeroCancellationRef
	}
	return nil
}

// cancel is the shared tail of reversal and revocation.
func (e *Engine) cancel(ctx context.Context, p *payments.Payment, final payments.Status, ref string) error {
	d := computeCancelDeltas(p)
	plannedRevoke := p.CashbackAmount

	plan := settlement.Plan{
		PaymentID:    p.ID,
		Payer:        p.Payer,
		Sponsor:      p.Sponsor,
		PayerDelta:   -int64(d.payerPayout) + int64(plannedRevoke),
		SponsorDelta: -int64(d.sponsorPayout),
		CashOutDelta: d.cashOutDelta,
		Reference:    "cancel",
	}
	if err := e.settle.Execute(ctx, plan); err != nil {
		return fmt.Errorf("failed to settle cancellation: %w", err)
	}

	revoked, degraded := e.revokeOutstanding(ctx, p, plannedRevoke)

	err := e.store.WithinTx(ctx, func(s payments.Store) error {
		if err := checkedBucketAdjust(ctx, s, p, d.bucketDelta); err != nil {
			return err
		}
		p.Status = final
		p.CashbackAmount -= revoked
		p.CashbackNonce = 0
		p.UpdatedAt = time.Now()
		if err := s.Save(ctx, p); err != nil {
			return err
		}
		if final == payments.StatusReversed {
			return s.SetReversalFlag(ctx, ref)
		}
		return s.SetRevocationFlag(ctx, ref)
	})
	if err != nil {
		return err
	}

	eventType := events.PaymentReversed
	if final == payments.StatusRevoked {
		eventType = events.PaymentRevoked
	}
	e.publishPaymentEvent(ctx, eventType, p, p.Sum(), ref, degraded, "")
	return nil
}

// MergePayments absorbs the source payments into the target: amounts
// accumulate on the target and each source's outstanding cashback is
// revoked against its own grant and re-granted through the target's.
// All external calls happen before any record is written, and the float
// is prechecked against the total cashback to migrate so the revokes
// cannot leave it short.
func (e *Engine) MergePayments(ctx context.Context, targetID uuid.UUID, sourceIDs []uuid.UUID) (*payments.Payment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if targetID == uuid.Nil {
		return nil, ErrZeroPaymentID
	}
	if len(sourceIDs) == 0 {
		return nil, ErrEmptyPaymentBatch
	}

	target, err := e.store.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Status != payments.StatusActive {
		return nil, ErrInappropriatePaymentStatus
	}
	if target.Sponsored() {
		return nil, ErrMergeSponsoredPayment
	}

	seen := map[uuid.UUID]struct{}{targetID: {}}
	sources := make([]*payments.Payment, 0, len(sourceIDs))
	var migrate uint64
	for _, id := range sourceIDs {
		if id == uuid.Nil {
			return nil, ErrZeroPaymentID
		}
		if _, dup := seen[id]; dup {
			return nil, ErrPaymentAlreadyExists
		}
		seen[id] = struct{}{}

		src, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if src.Status != payments.StatusActive {
			return nil, ErrInappropriatePaymentStatus
		}
		if src.Payer != target.Payer {
			return nil, ErrMergePayerMismatch
		}
		if src.Sponsored() {
			return nil, ErrMergeSponsoredPayment
		}
		if src.CashbackRate > target.CashbackRate {
			return nil, ErrMergeCashbackRateExcess
		}
		if src.CashbackAmount > 0 && target.CashbackNonce == 0 {
			return nil, ErrMergeCashbackIncreaseFailed
		}
		migrate, err = amount.CheckedAdd(migrate, src.CashbackAmount)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	if migrate > 0 {
		float, err := e.settle.FloatBalance(ctx)
		if err != nil {
			return nil, err
		}
		if float < migrate {
			return nil, ErrMergeInsufficientFloat
		}
	}

	newBase, newExtra, newRefund := target.BaseAmount, target.ExtraAmount, target.RefundAmount
	for _, src := range sources {
		if newBase, err = amount.CheckedAdd(newBase, src.BaseAmount); err != nil {
			return nil, err
		}
		if newExtra, err = amount.CheckedAdd(newExtra, src.ExtraAmount); err != nil {
			return nil, err
		}
		if newRefund, err = amount.CheckedAdd(newRefund, src.RefundAmount); err != nil {
			return nil, err
		}
	}
	if _, err := amount.CheckedAdd(newBase, newExtra); err != nil {
		return nil, err
	}

	// Revoke every source grant, then raise the target grant by what was
	// actually revoked. A shortfall on the increase is tolerated the same
	// way partial grants are; a hard refusal aborts the merge.
	var migrated uint64
	for _, src := range sources {
		if src.CashbackAmount == 0 || src.CashbackNonce == 0 {
			continue
		}
		res, err := e.distributor.RevokeCashback(ctx, src.CashbackNonce, src.CashbackAmount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMergeCashbackRevokeFailed, err)
		}
		if !res.Success {
			return nil, ErrMergeCashbackRevokeFailed
		}
		e.publishCashbackEvent(ctx, events.CashbackRevoked, src, src.CashbackNonce, src.CashbackAmount, src.CashbackAmount, true)
	}
	if migrate > 0 {
		res, err := e.distributor.IncreaseCashback(ctx, target.CashbackNonce, migrate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMergeCashbackIncreaseFailed, err)
		}
		if !res.Success {
			return nil, ErrMergeCashbackIncreaseFailed
		}
		migrated = res.SentAmount
		e.publishCashbackEvent(ctx, events.CashbackIncreased, target, target.CashbackNonce, migrate, migrated, true)

		// The revokes were fronted from the float and the re-grant landed
		// on the payer, so the payer funds the migration and the float
		// ends where it started.
		plan := settlement.Plan{
			PaymentID:  target.ID,
			Payer:      target.Payer,
			PayerDelta: int64(migrate),
			Reference:  "merge",
		}
		if err := e.settle.Execute(ctx, plan); err != nil {
			return nil, fmt.Errorf("failed to settle merge: %w", err)
		}
	}

	target.BaseAmount = newBase
	target.ExtraAmount = newExtra
	target.RefundAmount = newRefund
	target.CashbackAmount += migrated
	target.UpdatedAt = time.Now()

	err = e.store.WithinTx(ctx, func(s payments.Store) error {
		for _, src := range sources {
			src.Status = payments.StatusMerged
			src.CashbackAmount = 0
			src.CashbackNonce = 0
			src.UpdatedAt = time.Now()
			if err := s.Save(ctx, src); err != nil {
				return err
			}
		}
		return s.Save(ctx, target)
	})
	if err != nil {
		return nil, err
	}

	if e.publisher != nil {
		for _, src := range sources {
			data := events.MergeData{
				TargetID:          target.ID,
				SourceID:          src.ID,
				Payer:             target.Payer,
				TargetSumAfter:    amount.Format(target.Sum()),
				CashbackMigrated:  amount.Format(migrated),
				CashbackRequested: amount.Format(migrate),
			}
			event, err := events.NewEvent(events.PaymentMerged, target.ID, "payment", data, events.Metadata{Source: "cardledger"})
			if err == nil {
				if err := e.publisher.Publish(ctx, events.PaymentMerged, event); err != nil {
					e.log.Error("failed to publish merge event", zap.Error(err))
				}
			}
		}
	}

	e.record(ctx, "merge_payments", target.ID)
	return target.Clone(), nil
}

// RefundAccount pays amt to an account straight from the cash-out
// account, outside any payment. Used for goodwill and dispute payouts
// against funds that already finished settlement.
func (e *Engine) RefundAccount(ctx context.Context, account uuid.UUID, amt uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if account == uuid.Nil {
		return ErrZeroAccount
	}
	if amt == 0 {
		return ErrInappropriateRefundingAmount
	}

	if err := e.settle.RefundFromCashOut(ctx, account, amt); err != nil {
		return err
	}

	if e.publisher != nil {
		data := events.AccountRefundData{Account: account, Amount: amount.Format(amt)}
		event, err := events.NewEvent(events.AccountRefunded, account, "account", data, events.Metadata{Source: "cardledger"})
		if err == nil {
			if err := e.publisher.Publish(ctx, events.AccountRefunded, event); err != nil {
				e.log.Error("failed to publish account refund event", zap.Error(err))
			}
		}
	}

	e.record(ctx, "refund_account", account)
	return nil
}

// loadBatch fetches a batch of payments and validates every member with
// check before returning any.
func (e *Engine) loadBatch(ctx context.Context, ids []uuid.UUID, check func(*payments.Payment) error) ([]*payments.Payment, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyPaymentBatch
	}

	seen := make(map[uuid.UUID]struct{}, len(ids))
	batch := make([]*payments.Payment, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			return nil, ErrZeroPaymentID
		}
		if _, dup := seen[id]; dup {
			return nil, ErrPaymentAlreadyExists
		}
		seen[id] = struct{}{}

		p, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := check(p); err != nil {
			return nil, fmt.Errorf("payment %s: %w", id, err)
		}
		batch = append(batch, p)
	}
	return batch, nil
}
