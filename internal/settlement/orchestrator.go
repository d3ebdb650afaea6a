// Package settlement turns the signed payer/sponsor/cash-out deltas a
// lifecycle transition produces into concrete asset ledger transfers,
// issued in a fixed order so the engine float is never transiently short.
package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AssetLedger is the external value ledger. Transfer moves value out of
// the engine's own float; TransferFrom pulls from a counterparty that
// previously granted allowance. ref names the originating operation and
// is stamped on the ledger's audit entry. Either call failing aborts
// the whole enclosing operation.
type AssetLedger interface {
	Transfer(ctx context.Context, to uuid.UUID, amount uint64, ref string) error
	TransferFrom(ctx context.Context, from, to uuid.UUID, amount uint64, ref string) error
	BalanceOf(ctx context.Context, account uuid.UUID) (uint64, error)
	// Approve grants spender an unlimited allowance over the engine
	// float, called once when wiring up the cashback distributor.
	Approve(ctx context.Context, spender uuid.UUID) error
}

// Plan is the net value movement of one lifecycle transition. Positive
// deltas pull into the engine float, negative deltas push out of it.
type Plan struct {
	PaymentID    uuid.UUID
	Payer        uuid.UUID
	Sponsor      uuid.UUID
	PayerDelta   int64
	SponsorDelta int64
	CashOutDelta int64
	Reference    string
}

// Orchestrator executes settlement plans against the asset ledger.
type Orchestrator struct {
	ledger         AssetLedger
	selfAccount    uuid.UUID
	cashOutAccount uuid.UUID
	log            *zap.Logger
}

// NewOrchestrator creates an orchestrator. selfAccount is the engine's
// float account, cashOutAccount the sweep target for confirmed funds.
func NewOrchestrator(ledger AssetLedger, selfAccount, cashOutAccount uuid.UUID, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:         ledger,
		selfAccount:    selfAccount,
		cashOutAccount: cashOutAccount,
		log:            log,
	}
}

// CashOutAccount returns the configured cash-out account.
func (o *Orchestrator) CashOutAccount() uuid.UUID {
	return o.cashOutAccount
}

// FloatBalance returns the engine float balance.
func (o *Orchestrator) FloatBalance(ctx context.Context) (uint64, error) {
	return o.ledger.BalanceOf(ctx, o.selfAccount)
}

// ApproveDistributor grants the cashback distributor an unlimited
// allowance over the engine float so it can pull revoked cashback.
func (o *Orchestrator) ApproveDistributor(ctx context.Context, distributor uuid.UUID) error {
	return o.ledger.Approve(ctx, distributor)
}

// Execute issues the plan's transfers: pulls first, pushes after, so
// every debit of the float happens against a fully funded balance.
func (o *Orchestrator) Execute(ctx context.Context, plan Plan) error {
	type step struct {
		account uuid.UUID
		label   string
		delta   int64
	}
	steps := []step{
		{plan.Payer, "payer", plan.PayerDelta},
		{plan.Sponsor, "sponsor", plan.SponsorDelta},
		{o.cashOutAccount, "cash-out", plan.CashOutDelta},
	}

	for _, s := range steps {
		if s.delta <= 0 {
			continue
		}
		if err := o.ledger.TransferFrom(ctx, s.account, o.selfAccount, uint64(s.delta), plan.Reference); err != nil {
			return fmt.Errorf("failed to pull %d from %s: %w", s.delta, s.label, err)
		}
	}

	for _, s := range steps {
		if s.delta >= 0 {
			continue
		}
		if err := o.ledger.Transfer(ctx, s.account, uint64(-s.delta), plan.Reference); err != nil {
			return fmt.Errorf("failed to push %d to %s: %w", -s.delta, s.label, err)
		}
	}

	if plan.PayerDelta != 0 || plan.SponsorDelta != 0 || plan.CashOutDelta != 0 {
		o.log.Debug("settlement executed",
			zap.String("payment_id", plan.PaymentID.String()),
			zap.Int64("payer_delta", plan.PayerDelta),
			zap.Int64("sponsor_delta", plan.SponsorDelta),
			zap.Int64("cash_out_delta", plan.CashOutDelta),
			zap.String("reference", plan.Reference))
	}

	return nil
}

// RefundFromCashOut pulls amount from the cash-out account straight to
// an arbitrary account, bypassing the engine float. Used by the
// out-of-band account refund operation.
func (o *Orchestrator) RefundFromCashOut(ctx context.Context, account uuid.UUID, amount uint64) error {
	if err := o.ledger.TransferFrom(ctx, o.cashOutAccount, account, amount, "account-refund"); err != nil {
		return fmt.Errorf("failed to refund account from cash-out: %w", err)
	}
	return nil
}
