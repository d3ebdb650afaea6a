// Package engine implements the payment lifecycle state machine and the
// balance reconciliation around it.
//
// Every operation runs to completion under one lock: validate, read,
// compute an immutable delta struct, issue external calls in an order
// that never leaves the float short, then apply the store mutations in
// one transaction and publish exactly one event for the transition.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/cardledger/internal/cashback"
	"github.com/terminal-bench/cardledger/internal/payments"
	"github.com/terminal-bench/cardledger/internal/settlement"
	"github.com/terminal-bench/cardledger/pkg/amount"
	"github.com/terminal-bench/cardledger/shared/events"
)

// Publisher publishes lifecycle events; pkg/messaging.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Recorder receives per-operation balance snapshots for telemetry.
type Recorder interface {
	Record(op string, paymentID uuid.UUID, unclearedTotal, clearedTotal uint64)
}

// Config holds the engine's fixed parameters.
type Config struct {
	// RevocationLimit bounds how many times one payment identifier may
	// be revoked and re-created. Zero prohibits revocation entirely.
	RevocationLimit uint16
	// CashbackRate is the default per-mille rate applied at creation
	// unless the request overrides it.
	CashbackRate uint16
	// CashbackEnabled gates cashback requests globally.
	CashbackEnabled bool
}

// Engine is the payment lifecycle engine.
type Engine struct {
	mu          sync.Mutex
	store       payments.Store
	distributor cashback.Distributor
	settle      *settlement.Orchestrator
	publisher   Publisher
	recorder    Recorder
	log         *zap.Logger
	cfg         Config
}

// New creates an engine. publisher may be nil in tests.
func New(store payments.Store, distributor cashback.Distributor, settle *settlement.Orchestrator, publisher Publisher, log *zap.Logger, cfg Config) *Engine {
	return &Engine{
		store:       store,
		distributor: distributor,
		settle:      settle,
		publisher:   publisher,
		log:         log,
		cfg:         cfg,
	}
}

// SetRecorder attaches a telemetry recorder.
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
}

// GetPayment returns a payment record.
func (e *Engine) GetPayment(ctx context.Context, id uuid.UUID) (*payments.Payment, error) {
	return e.store.Get(ctx, id)
}

// AccountBalance returns one account's balance of a class.
func (e *Engine) AccountBalance(ctx context.Context, class payments.BalanceClass, account uuid.UUID) (uint64, error) {
	return e.store.AccountBalance(ctx, class, account)
}

// TotalBalance returns a class total.
func (e *Engine) TotalBalance(ctx context.Context, class payments.BalanceClass) (uint64, error) {
	return e.store.TotalBalance(ctx, class)
}

// WasReversed reports whether an external reference was already used for
// a reversal.
func (e *Engine) WasReversed(ctx context.Context, ref string) (bool, error) {
	return e.store.WasReversed(ctx, ref)
}

// WasRevoked reports whether an external reference was already used for
// a revocation.
func (e *Engine) WasRevoked(ctx context.Context, ref string) (bool, error) {
	return e.store.WasRevoked(ctx, ref)
}

// effectiveRate picks the per-payment rate for a creation request.
func (e *Engine) effectiveRate(override *uint16) uint16 {
	if !e.cfg.CashbackEnabled {
		return 0
	}
	if override != nil {
		return *override
	}
	return e.cfg.CashbackRate
}

// publishPaymentEvent emits the single event of a successful transition,
// carrying the payment's post-state and the payer's resulting balances.
func (e *Engine) publishPaymentEvent(ctx context.Context, eventType string, p *payments.Payment, sumBefore uint64, extRef string, degraded bool, correlationID string) {
	if e.publisher == nil {
		return
	}

	uncleared, _ := e.store.AccountBalance(ctx, payments.BalanceUncleared, p.Payer)
	cleared, _ := e.store.AccountBalance(ctx, payments.BalanceCleared, p.Payer)

	data := events.PaymentData{
		PaymentID:        p.ID,
		Payer:            p.Payer,
		Sponsor:          p.Sponsor,
		Status:           p.Status.String(),
		SumBefore:        amount.Format(sumBefore),
		SumAfter:         amount.Format(p.Sum()),
		RefundAmount:     amount.Format(p.RefundAmount),
		ConfirmedAmount:  amount.Format(p.ConfirmedAmount),
		CashbackAmount:   amount.Format(p.CashbackAmount),
		UnclearedAfter:   amount.Format(uncleared),
		ClearedAfter:     amount.Format(cleared),
		ExternalRef:      extRef,
		CashbackDegraded: degraded,
	}

	event, err := events.NewEvent(eventType, p.ID, "payment", data, events.Metadata{
		CorrelationID: correlationID,
		Source:        "cardledger",
	})
	if err != nil {
		e.log.Error("failed to build event", zap.String("type", eventType), zap.Error(err))
		return
	}

	if err := e.publisher.Publish(ctx, eventType, event); err != nil {
		e.log.Error("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

func (e *Engine) publishCashbackEvent(ctx context.Context, eventType string, p *payments.Payment, nonce, requested, sent uint64, success bool) {
	if e.publisher == nil {
		return
	}

	data := events.CashbackData{
		PaymentID:       p.ID,
		Recipient:       p.Payer,
		Nonce:           nonce,
		RequestedAmount: amount.Format(requested),
		SentAmount:      amount.Format(sent),
		Success:         success,
	}

	event, err := events.NewEvent(eventType, p.ID, "cashback", data, events.Metadata{Source: "cardledger"})
	if err == nil {
		if err := e.publisher.Publish(ctx, eventType, event); err != nil {
			e.log.Error("failed to publish cashback event", zap.Error(err))
		}
	}
}

func (e *Engine) record(ctx context.Context, op string, paymentID uuid.UUID) {
	if e.recorder == nil {
		return
	}
	uncleared, _ := e.store.TotalBalance(ctx, payments.BalanceUncleared)
	cleared, _ := e.store.TotalBalance(ctx, payments.BalanceCleared)
	e.recorder.Record(op, paymentID, uncleared, cleared)
}

// revokeOutstanding asks the distributor to revoke amt against nonce and
// folds transport errors into a recorded, non-fatal failure. It returns
// the amount by which bookkeeping may actually be reduced.
func (e *Engine) revokeOutstanding(ctx context.Context, p *payments.Payment, amt uint64) (revoked uint64, degraded bool) {
	if amt == 0 || p.CashbackNonce == 0 {
		return 0, false
	}

	res, err := e.distributor.RevokeCashback(ctx, p.CashbackNonce, amt)
	if err != nil || !res.Success {
		if err != nil {
			e.log.Warn("cashback revoke failed",
				zap.String("payment_id", p.ID.String()), zap.Uint64("amount", amt), zap.Error(err))
		}
		e.publishCashbackEvent(ctx, events.CashbackRevoked, p, p.CashbackNonce, amt, 0, false)
		return 0, true
	}

	e.publishCashbackEvent(ctx, events.CashbackRevoked, p, p.CashbackNonce, amt, amt, true)
	return amt, false
}

// checkedBucketAdjust applies a bucket delta for the class the payment
// currently occupies, if any.
func checkedBucketAdjust(ctx context.Context, s payments.Store, p *payments.Payment, delta int64) error {
	if delta == 0 {
		return nil
	}
	class, ok := p.ActiveClass()
	if !ok {
		return nil
	}
	if err := s.AdjustBalance(ctx, class, p.Payer, delta); err != nil {
		return fmt.Errorf("%w: %s balance adjust: %v", ErrInternalInvariant, class, err)
	}
	return nil
}
