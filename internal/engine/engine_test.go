package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/cardledger/internal/cashback"
	"github.com/terminal-bench/cardledger/internal/payments"
	"github.com/terminal-bench/cardledger/internal/settlement"
	"github.com/terminal-bench/cardledger/shared/events"
)

// fakeLedger is an in-memory asset ledger with balance checks.
type fakeLedger struct {
	balances map[uuid.UUID]uint64
	self     uuid.UUID

	failTransfer bool // fail outbound pushes from the float
}

func (f *fakeLedger) Transfer(ctx context.Context, to uuid.UUID, amt uint64, ref string) error {
	if f.failTransfer {
		return errors.New("ledger unavailable")
	}
	return f.move(f.self, to, amt)
}

func (f *fakeLedger) TransferFrom(ctx context.Context, from, to uuid.UUID, amt uint64, ref string) error {
	return f.move(from, to, amt)
}

func (f *fakeLedger) move(from, to uuid.UUID, amt uint64) error {
	if f.balances[from] < amt {
		return errors.New("insufficient balance")
	}
	f.balances[from] -= amt
	f.balances[to] += amt
	return nil
}

func (f *fakeLedger) BalanceOf(ctx context.Context, account uuid.UUID) (uint64, error) {
	return f.balances[account], nil
}

func (f *fakeLedger) Approve(ctx context.Context, spender uuid.UUID) error { return nil }

// fakeDistributor models the incentive ledger: grants and increases push
// from its treasury to the recipient, successful revokes pull from the
// engine float through the standing allowance.
type fakeDistributor struct {
	ledger    *fakeLedger
	treasury  uuid.UUID
	nextNonce uint64
	grants    map[uint64]uuid.UUID

	failSend     bool
	failRevoke   bool
	failIncrease bool
	sendCap      uint64 // nonzero caps every send, modeling partial grants
}

func (d *fakeDistributor) capped(amt uint64) uint64 {
	if d.sendCap > 0 && amt > d.sendCap {
		return d.sendCap
	}
	return amt
}

func (d *fakeDistributor) SendCashback(ctx context.Context, req cashback.SendRequest) (cashback.GrantResult, error) {
	if d.failSend {
		return cashback.GrantResult{}, nil
	}
	sent := d.capped(req.Amount)
	if err := d.ledger.move(d.treasury, req.Recipient, sent); err != nil {
		return cashback.GrantResult{}, err
	}
	d.nextNonce++
	d.grants[d.nextNonce] = req.Recipient
	return cashback.GrantResult{Success: true, SentAmount: sent, Nonce: d.nextNonce}, nil
}

func (d *fakeDistributor) RevokeCashback(ctx context.Context, nonce, amt uint64) (cashback.AdjustResult, error) {
	if d.failRevoke {
		return cashback.AdjustResult{}, nil
	}
	if _, ok := d.grants[nonce]; !ok {
		return cashback.AdjustResult{}, errors.New("unknown nonce")
	}
	if err := d.ledger.move(d.ledger.self, d.treasury, amt); err != nil {
		return cashback.AdjustResult{}, err
	}
	return cashback.AdjustResult{Success: true, SentAmount: amt}, nil
}

func (d *fakeDistributor) IncreaseCashback(ctx context.Context, nonce, amt uint64) (cashback.AdjustResult, error) {
	if d.failIncrease {
		return cashback.AdjustResult{}, nil
	}
	recipient, ok := d.grants[nonce]
	if !ok {
		return cashback.AdjustResult{}, errors.New("unknown nonce")
	}
	sent := d.capped(amt)
	if err := d.ledger.move(d.treasury, recipient, sent); err != nil {
		return cashback.AdjustResult{}, err
	}
	return cashback.AdjustResult{Success: true, SentAmount: sent}, nil
}

// capturePublisher records published events.
type capturePublisher struct {
	subjects []string
}

func (c *capturePublisher) Publish(ctx context.Context, subject string, data interface{}) error {
	c.subjects = append(c.subjects, subject)
	return nil
}

func (c *capturePublisher) count(subject string) int {
	var n int
	for _, s := range c.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

type fixture struct {
	engine *Engine
	store  *payments.MemoryStore
	ledger *fakeLedger
	dist   *fakeDistributor
	pub    *capturePublisher

	self     uuid.UUID
	cashOut  uuid.UUID
	treasury uuid.UUID
	payer    uuid.UUID
	sponsor  uuid.UUID
}

const funding = 10_000_000

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		store:    payments.NewMemoryStore(),
		self:     uuid.New(),
		cashOut:  uuid.New(),
		treasury: uuid.New(),
		payer:    uuid.New(),
		sponsor:  uuid.New(),
		pub:      &capturePublisher{},
	}
	f.ledger = &fakeLedger{
		self: f.self,
		balances: map[uuid.UUID]uint64{
			f.payer:    funding,
			f.sponsor:  funding,
			f.treasury: funding,
		},
	}
	f.dist = &fakeDistributor{
		ledger:   f.ledger,
		treasury: f.treasury,
		grants:   make(map[uint64]uuid.UUID),
	}

	settle := settlement.NewOrchestrator(f.ledger, f.self, f.cashOut, zap.NewNop())
	f.engine = New(f.store, f.dist, settle, f.pub, zap.NewNop(), cfg)
	return f
}

func defaultConfig() Config {
	return Config{RevocationLimit: 3, CashbackRate: 25, CashbackEnabled: true}
}

func noCashbackConfig() Config {
	return Config{RevocationLimit: 3}
}

func TestMakePaymentRoundTrip(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	id := uuid.New()

	p, err := f.engine.MakePayment(ctx, id, f.payer, 1_000_000, 200_000)
	require.NoError(t, err)

	assert.Equal(t, payments.StatusActive, p.Status)
	assert.Equal(t, uint64(1_200_000), p.Sum())
	// 2.5% of the base, rounded half up to the cashback granularity.
	assert.Equal(t, uint64(30_000), p.CashbackAmount)
	assert.NotZero(t, p.CashbackNonce)

	// The payer funded the sum and received the cashback.
	assert.Equal(t, uint64(funding-1_200_000+30_000), f.ledger.balances[f.payer])
	assert.Equal(t, uint64(1_200_000), f.ledger.balances[f.self])

	uncleared, err := f.engine.TotalBalance(ctx, payments.BalanceUncleared)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_200_000), uncleared)
}

func TestMakePaymentForSplitsBetweenSponsorAndPayer(t *testing.T) {
	f := newFixture(t, noCashbackConfig())
	ctx := context.Background()

	_, err := f.engine.MakePaymentFor(ctx, uuid.New(), f.payer, f.sponsor, 400_000, 1_000_000, 0)
	require.NoError(t, err)

	assert.Equal(t, uint64(funding-600_000), f.ledger.balances[f.payer])
	assert.Equal(t, uint64(funding-400_000), f.ledger.balances[f.sponsor])
	assert.Equal(t, uint64(1_000_000), f.ledger.balances[f.self])
}

func TestMakePaymentValidation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	_, err := f.engine.MakePayment(ctx, uuid.Nil, f.payer, 100, 0)
	assert.ErrorIs(t, err, ErrZeroPaymentID)

	_, err = f.engine.MakePayment(ctx, uuid.New(), uuid.Nil, 100, 0)
	assert.ErrorIs(t, err, ErrZeroPayerAccount)

	_, err = f.engine.CreatePayment(ctx, MakePaymentRequest{
		PaymentID: uuid.New(), Payer: f.payer, SubsidyLimit: 50, BaseAmount: 100,
	})
	assert.ErrorIs(t, err, ErrSubsidyWithoutSponsor)

	excess := uint16(1001)
	_, err = f.engine.CreatePayment(ctx, MakePaymentRequest{
		PaymentID: uuid.New(), Payer: f.payer, BaseAmount: 100, CashbackRate: &excess,
	})
	assert.ErrorIs(t, err, ErrInappropriateCashbackRate)

	id := uuid.New()
	_, err = f.engine.MakePayment(ctx, id, f.payer, 100, 0)
	require.NoError(t, err)
	_, err = f.engine.MakePayment(ctx, id, f.payer, 100, 0)
	assert.ErrorIs(t, err, ErrPaymentAlreadyExists)
}

func TestClearConfirmRoundTrip(t *testing.T) {
	f := newFixture(t, noCashbackConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1_000_000, 0)
	require.NoError(t, err)

	require.NoError(t, f.engine.ClearPayment(ctx, id))

	uncleared, _ := f.engine.TotalBalance(ctx, payments.BalanceUncleared)
	cleared, _ := f.engine.TotalBalance(ctx, payments.BalanceCleared)
	assert.Zero(t, uncleared)
	assert.Equal(t, uint64(1_000_000), cleared)

	p, err := f.engine.ConfirmPayment(ctx, id, 400_000)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusCleared, p.Status)
	assert.Equal(t, uint64(400_000), f.ledger.balances[f.cashOut])

	p, err = f.engine.ConfirmPayment(ctx, id, 600_000)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusConfirmed, p.Status)
	assert.Equal(t, uint64(1_000_000), f.ledger.balances[f.cashOut])
	assert.Zero(t, f.ledger.balances[f.self])

	cleared, _ = f.engine.TotalBalance(ctx, payments.BalanceCleared)
	assert.Zero(t, cleared)

	_, err = f.engine.ConfirmPayment(ctx, id, 1)
	assert.ErrorIs(t, err, ErrInappropriatePaymentStatus)
}

func TestDoubleClearAndUnclear(t *testing.T) {
	f := newFixture(t, noCashbackConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1000, 0)
	require.NoError(t, err)

	require.NoError(t, f.engine.ClearPayment(ctx, id))
	assert.ErrorIs(t, f.engine.ClearPayment(ctx, id), ErrPaymentAlreadyCleared)

	require.NoError(t, f.engine.UnclearPayment(ctx, id))
	assert.ErrorIs(t, f.engine.UnclearPayment(ctx, id), ErrPaymentAlreadyUncleared)
}

func TestClearBatchValidatesBeforeMutating(t *testing.T) {
	f := newFixture(t, noCashbackConfig())
	ctx := context.Background()
	good, bad := uuid.New(), uuid.New()

	_, err := f.engine.MakePayment(ctx, good, f.payer, 1000, 0)
	require.NoError(t, err)

	err = f.engine.ClearPayments(ctx, []uuid.UUID{good, bad})
	assert.ErrorIs(t, err, payments.ErrPaymentNotFound)

	// The good member must be untouched.
	p, err := f.engine.GetPayment(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusActive, p.Status)
	cleared, _ := f.engine.TotalBalance(ctx, payments.BalanceCleared)
	assert.Zero(t, cleared)
}

func TestConfirmBatchCommitsAllOrNothing(t *testing.T) {
	f := newFixture(t, noCashbackConfig())
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	_, err := f.engine.MakePayment(ctx, a, f.payer, 1000, 0)
	require.NoError(t, err)
	_, err = f.engine.MakePayment(ctx, b, f.payer, 2000, 0)
	require.NoError(t, err)
	require.NoError(t, f.engine.ClearPayments(ctx, []uuid.UUID{a, b}))

	// The sweep to the cash-out account fails: no member may be left
	// confirmed.
	f.ledger.failTransfer = true
	err = f.engine.ConfirmPayments(ctx, []uuid.UUID{a, b})
	require.Error(t, err)

	for _, id := range []uuid.UUID{a, b} {
		p, err := f.engine.GetPayment(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, payments.StatusCleared, p.Status)
		assert.Zero(t, p.ConfirmedAmount)
	}
	assert.Zero(t, f.ledger.balances[f.cashOut])
	cleared, _ := f.engine.TotalBalance(ctx, payments.BalanceCleared)
	assert.Equal(t, uint64(3000), cleared)

	f.ledger.failTransfer = false
	require.NoError(t, f.engine.ConfirmPayments(ctx, []uuid.UUID{a, b}))

	for _, id := range []uuid.UUID{a, b} {
		p, err := f.engine.GetPayment(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, payments.StatusConfirmed, p.Status)
	}
	assert.Equal(t, uint64(3000), f.ledger.balances[f.cashOut])
	cleared, _ = f.engine.TotalBalance(ctx, payments.BalanceCleared)
	assert.Zero(t, cleared)
}

func TestClearAndConfirmPayment(t *testing.T) {
	f := newFixture(t, noCashbackConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1_000_000, 0)
	require.NoError(t, err)

	p, err := f.engine.ClearAndConfirmPayment(ctx, id, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusConfirmed, p.Status)
	assert.Equal(t, uint64(1_000_000), f.ledger.balances[f.cashOut])
}

func TestRefundProration(t *testing.T) {
	f := newFixture(t, noCashbackConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePaymentFor(ctx, id, f.payer, f.sponsor, 400_000, 1_000_000, 0)
	require.NoError(t, err)
	payerAfterCreate := f.ledger.balances[f.payer]
	sponsorAfterCreate := f.ledger.balances[f.sponsor]

	p, err := f.engine.RefundPayment(ctx, id, 500_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), p.RefundAmount)

	// The sponsor funded 40% of the base, so it gets 40% of the refund.
	assert.Equal(t, payerAfterCreate+300_000, f.ledger.balances[f.payer])
	assert.Equal(t, sponsorAfterCreate+200_000, f.ledger.balances[f.sponsor])

	uncleared, _ := f.engine.TotalBalance(ctx, payments.BalanceUncleared)
	assert.Equal(t, uint64(500_000), uncleared)
}

func TestRefundPullsBackConfirmedFunds(t *testing.T) {
	f := newFixture(t, noCashbackConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1_000_000, 0)
	require.NoError(t, err)
	require.NoError(t, f.engine.ClearPayment(ctx, id))
	_, err = f.engine.ConfirmPayment(ctx, id, 800_000)
	require.NoError(t, err)

	p, err := f.engine.RefundPayment(ctx, id, 500_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), p.ConfirmedAmount)

	// 300,000 of the refund came out of already confirmed funds.
	assert.Equal(t, uint64(500_000), f.ledger.balances[f.cashOut])
	assert.Equal(t, uint64(funding-500_000), f.ledger.balances[f.payer])

	cleared, _ := f.engine.TotalBalance(ctx, payments.BalanceCleared)
	assert.Equal(t, uint64(0), cleared)
	assert.Zero(t, p.Unconfirmed())
}

func TestRefundOverRemainderRejected(t *testing.T) {
	f := newFixture(t, noCashbackConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1000, 0)
	require.NoError(t, err)

	_, err = f.engine.RefundPayment(ctx, id, 1001)
	assert.ErrorIs(t, err, ErrInappropriateRefundingAmount)

	_, err = f.engine.RefundPayment(ctx, id, 0)
	assert.ErrorIs(t, err, ErrInappropriateRefundingAmount)
}

func TestPartialCashbackGrantBooksSentAmount(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.dist.sendCap = 10_000
	ctx := context.Background()

	p, err := f.engine.MakePayment(ctx, uuid.New(), f.payer, 1_000_000, 0)
	require.NoError(t, err)

	// Requested 30,000 but only the sent amount is ever booked.
	assert.Equal(t, uint64(10_000), p.CashbackAmount)
	assert.Equal(t, uint16(25), p.CashbackRate)
	assert.Equal(t, uint64(funding-1_000_000+10_000), f.ledger.balances[f.payer])
}

func TestCashbackGrantFailureDegradesPayment(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.dist.failSend = true
	ctx := context.Background()
	id := uuid.New()

	p, err := f.engine.MakePayment(ctx, id, f.payer, 1_000_000, 0)
	require.NoError(t, err)

	assert.Zero(t, p.CashbackAmount)
	assert.Zero(t, p.CashbackNonce)
	// The rate is gone for the payment's lifetime: growing the payment
	// later must not retry the grant.
	assert.Zero(t, p.CashbackRate)

	f.dist.failSend = false
	p, err = f.engine.UpdatePayment(ctx, id, 2_000_000, 0)
	require.NoError(t, err)
	assert.Zero(t, p.CashbackAmount)
}

func TestAmendUpIncreasesCashback(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1_000_000, 0)
	require.NoError(t, err)

	p, err := f.engine.UpdatePayment(ctx, id, 2_000_000, 0)
	require.NoError(t, err)

	// Entitlement grows from 30,000 to 50,000.
	assert.Equal(t, uint64(50_000), p.CashbackAmount)
	uncleared, _ := f.engine.TotalBalance(ctx, payments.BalanceUncleared)
	assert.Equal(t, uint64(2_000_000), uncleared)
	assert.Equal(t, uint64(2_000_000), f.ledger.balances[f.self])
}

func TestAmendDownWithholdsClawbackFromPayout(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1_000_000, 0)
	require.NoError(t, err)
	payerBefore := f.ledger.balances[f.payer]

	p, err := f.engine.UpdatePayment(ctx, id, 500_000, 0)
	require.NoError(t, err)

	// Entitlement drops from 30,000 to 10,000; the 20,000 clawback is
	// withheld from the 500,000 payout and then pulled by the revoke.
	assert.Equal(t, uint64(10_000), p.CashbackAmount)
	assert.Equal(t, payerBefore+480_000, f.ledger.balances[f.payer])
	assert.Equal(t, uint64(500_000), f.ledger.balances[f.self])

	uncleared, _ := f.engine.TotalBalance(ctx, payments.BalanceUncleared)
	assert.Equal(t, uint64(500_000), uncleared)
}

func TestFailedRevokeKeepsBookkeepingAndFloatCover(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.dist.failRevoke = true
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1_000_000, 0)
	require.NoError(t, err)
	payerBefore := f.ledger.balances[f.payer]

	p, err := f.engine.UpdatePayment(ctx, id, 500_000, 0)
	require.NoError(t, err)

	// The revoke failed: the outstanding cashback stays booked and the
	// withheld 20,000 remains in the float as cover.
	assert.Equal(t, uint64(30_000), p.CashbackAmount)
	assert.Equal(t, payerBefore+480_000, f.ledger.balances[f.payer])
	assert.Equal(t, uint64(520_000), f.ledger.balances[f.self])
}

func TestAmendRequiresActivePayment(t *testing.T) {
	f := newFixture(t, noCashbackConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1000, 0)
	require.NoError(t, err)
	require.NoError(t, f.engine.ClearPayment(ctx, id))

	_, err = f.engine.UpdatePayment(ctx, id, 2000, 0)
	assert.ErrorIs(t, err, ErrInappropriatePaymentStatus)

	// The cleared payment is untouched.
	p, err := f.engine.GetPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), p.Sum())
}

func TestUpdatePaymentNoOp(t *testing.T) {
	f := newFixture(t, noCashbackConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1000, 200)
	require.NoError(t, err)
	published := len(f.pub.subjects)

	p, err := f.engine.UpdatePayment(ctx, id, 1000, 200)
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), p.Sum())
	assert.Len(t, f.pub.subjects, published)
}

func TestReversePayment(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1_000_000, 0)
	require.NoError(t, err)

	require.NoError(t, f.engine.ReversePayment(ctx, id, "net-ref-1"))

	p, err := f.engine.GetPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusReversed, p.Status)
	assert.Zero(t, p.CashbackAmount)

	// Remainder minus the cashback clawback went back to the payer.
	assert.Equal(t, uint64(funding), f.ledger.balances[f.payer])
	assert.Zero(t, f.ledger.balances[f.self])

	uncleared, _ := f.engine.TotalBalance(ctx, payments.BalanceUncleared)
	assert.Zero(t, uncleared)

	// A reversed identifier is burned for good.
	_, err = f.engine.MakePayment(ctx, id, f.payer, 1000, 0)
	assert.ErrorIs(t, err, ErrPaymentAlreadyExists)
}

func TestReverseIdempotentByReference(t *testing.T) {
	f := newFixture(t, noCashbackConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1_000_000, 0)
	require.NoError(t, err)

	require.NoError(t, f.engine.ReversePayment(ctx, id, "net-ref-1"))
	payerAfter := f.ledger.balances[f.payer]

	// A retried advice with the same reference must not pay out twice.
	require.NoError(t, f.engine.ReversePayment(ctx, id, "net-ref-1"))
	assert.Equal(t, payerAfter, f.ledger.balances[f.payer])
}

func TestRevokeAndRecreate(t *testing.T) {
	f := newFixture(t, Config{RevocationLimit: 2})
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1000, 0)
	require.NoError(t, err)
	require.NoError(t, f.engine.RevokePayment(ctx, id, "void-1"))

	p, err := f.engine.GetPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusRevoked, p.Status)
	assert.Equal(t, uint64(funding), f.ledger.balances[f.payer])

	// The identifier is reusable, with the revocation budget carried over.
	p, err = f.engine.MakePayment(ctx, id, f.payer, 2000, 0)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusActive, p.Status)
	assert.Equal(t, uint16(1), p.RevocationCount)

	require.NoError(t, f.engine.RevokePayment(ctx, id, "void-2"))

	// The budget is spent: the identifier gets no third life.
	_, err = f.engine.MakePayment(ctx, id, f.payer, 3000, 0)
	assert.ErrorIs(t, err, ErrRevocationLimitReached)
}

func TestRecreateBlockedAtLimitOfOne(t *testing.T) {
	f := newFixture(t, Config{RevocationLimit: 1})
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1000, 0)
	require.NoError(t, err)
	require.NoError(t, f.engine.RevokePayment(ctx, id, "void-1"))

	_, err = f.engine.MakePayment(ctx, id, f.payer, 1000, 0)
	assert.ErrorIs(t, err, ErrRevocationLimitReached)
}

func TestRevokeProhibitedAtZeroLimit(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1000, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, f.engine.RevokePayment(ctx, id, "void-1"), ErrRevocationProhibited)
}

func TestMergePayments(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	target, source := uuid.New(), uuid.New()

	_, err := f.engine.MakePayment(ctx, target, f.payer, 1_000_000, 0)
	require.NoError(t, err)
	_, err = f.engine.MakePayment(ctx, source, f.payer, 2_000_000, 0)
	require.NoError(t, err)
	payerBefore := f.ledger.balances[f.payer]

	merged, err := f.engine.MergePayments(ctx, target, []uuid.UUID{source})
	require.NoError(t, err)

	assert.Equal(t, uint64(3_000_000), merged.Sum())
	// The source's 50,000 grant was revoked and re-granted on the target.
	assert.Equal(t, uint64(80_000), merged.CashbackAmount)
	// The payer funds the migration and receives the re-grant, the float
	// fronts the revoke and is repaid: both end where they started.
	assert.Equal(t, payerBefore, f.ledger.balances[f.payer])
	assert.Equal(t, uint64(3_000_000), f.ledger.balances[f.self])

	src, err := f.engine.GetPayment(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusMerged, src.Status)
	assert.Zero(t, src.CashbackAmount)

	uncleared, _ := f.engine.TotalBalance(ctx, payments.BalanceUncleared)
	assert.Equal(t, uint64(3_000_000), uncleared)
}

func TestMergeValidation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	target := uuid.New()

	_, err := f.engine.MakePayment(ctx, target, f.payer, 1_000_000, 0)
	require.NoError(t, err)

	_, err = f.engine.MergePayments(ctx, target, nil)
	assert.ErrorIs(t, err, ErrEmptyPaymentBatch)

	other := uuid.New()
	otherPayer := uuid.New()
	f.ledger.balances[otherPayer] = funding
	_, err = f.engine.MakePayment(ctx, other, otherPayer, 1_000_000, 0)
	require.NoError(t, err)
	_, err = f.engine.MergePayments(ctx, target, []uuid.UUID{other})
	assert.ErrorIs(t, err, ErrMergePayerMismatch)

	sponsored := uuid.New()
	_, err = f.engine.MakePaymentFor(ctx, sponsored, f.payer, f.sponsor, 100, 1000, 0)
	require.NoError(t, err)
	_, err = f.engine.MergePayments(ctx, target, []uuid.UUID{sponsored})
	assert.ErrorIs(t, err, ErrMergeSponsoredPayment)

	richRate := uint16(100)
	rich := uuid.New()
	_, err = f.engine.CreatePayment(ctx, MakePaymentRequest{
		PaymentID: rich, Payer: f.payer, BaseAmount: 1_000_000, CashbackRate: &richRate,
	})
	require.NoError(t, err)
	_, err = f.engine.MergePayments(ctx, target, []uuid.UUID{rich})
	assert.ErrorIs(t, err, ErrMergeCashbackRateExcess)
}

func TestMergeRevokeFailureAborts(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	target, source := uuid.New(), uuid.New()

	_, err := f.engine.MakePayment(ctx, target, f.payer, 1_000_000, 0)
	require.NoError(t, err)
	_, err = f.engine.MakePayment(ctx, source, f.payer, 2_000_000, 0)
	require.NoError(t, err)

	f.dist.failRevoke = true
	_, err = f.engine.MergePayments(ctx, target, []uuid.UUID{source})
	assert.ErrorIs(t, err, ErrMergeCashbackRevokeFailed)

	// Neither record was written.
	src, err := f.engine.GetPayment(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusActive, src.Status)
	tgt, err := f.engine.GetPayment(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), tgt.Sum())
}

func TestRefundAccount(t *testing.T) {
	f := newFixture(t, noCashbackConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1_000_000, 0)
	require.NoError(t, err)
	_, err = f.engine.ClearAndConfirmPayment(ctx, id, 1_000_000)
	require.NoError(t, err)

	target := uuid.New()
	require.NoError(t, f.engine.RefundAccount(ctx, target, 250_000))

	assert.Equal(t, uint64(750_000), f.ledger.balances[f.cashOut])
	assert.Equal(t, uint64(250_000), f.ledger.balances[target])
	// The float is untouched.
	assert.Zero(t, f.ledger.balances[f.self])

	assert.ErrorIs(t, f.engine.RefundAccount(ctx, uuid.Nil, 100), ErrZeroAccount)
	assert.ErrorIs(t, f.engine.RefundAccount(ctx, target, 0), ErrInappropriateRefundingAmount)
}

func TestBalanceReconciliation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	otherPayer := uuid.New()
	f.ledger.balances[otherPayer] = funding

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	_, err := f.engine.MakePayment(ctx, a, f.payer, 1_000_000, 100_000)
	require.NoError(t, err)
	_, err = f.engine.MakePaymentFor(ctx, b, f.payer, f.sponsor, 300_000, 800_000, 0)
	require.NoError(t, err)
	_, err = f.engine.MakePayment(ctx, c, otherPayer, 2_000_000, 0)
	require.NoError(t, err)

	require.NoError(t, f.engine.ClearPayment(ctx, a))
	_, err = f.engine.ConfirmPayment(ctx, a, 500_000)
	require.NoError(t, err)
	_, err = f.engine.RefundPayment(ctx, b, 250_000)
	require.NoError(t, err)
	require.NoError(t, f.engine.ReversePayment(ctx, c, "net-ref-9"))

	for _, class := range []payments.BalanceClass{payments.BalanceUncleared, payments.BalanceCleared} {
		total, err := f.engine.TotalBalance(ctx, class)
		require.NoError(t, err)
		assert.Equal(t, f.store.SumAccountBalances(class), total, class.String())
	}

	// Each class total equals the unconfirmed remainders of the payments
	// occupying it.
	var wantUncleared, wantCleared uint64
	for _, id := range []uuid.UUID{a, b, c} {
		p, err := f.engine.GetPayment(ctx, id)
		require.NoError(t, err)
		switch p.Status {
		case payments.StatusActive:
			wantUncleared += p.Unconfirmed()
		case payments.StatusCleared:
			wantCleared += p.Unconfirmed()
		}
	}
	uncleared, _ := f.engine.TotalBalance(ctx, payments.BalanceUncleared)
	cleared, _ := f.engine.TotalBalance(ctx, payments.BalanceCleared)
	assert.Equal(t, wantUncleared, uncleared)
	assert.Equal(t, wantCleared, cleared)
}

func TestExactlyOneEventPerTransition(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.MakePayment(ctx, id, f.payer, 1_000_000, 0)
	require.NoError(t, err)
	require.NoError(t, f.engine.ClearPayment(ctx, id))
	_, err = f.engine.ConfirmPayment(ctx, id, 1_000_000)
	require.NoError(t, err)

	assert.Equal(t, 1, f.pub.count(events.PaymentMade))
	assert.Equal(t, 1, f.pub.count(events.PaymentCleared))
	assert.Equal(t, 1, f.pub.count(events.PaymentConfirmed))
	assert.Equal(t, 1, f.pub.count(events.CashbackSent))

	var lifecycle int
	for _, s := range f.pub.subjects {
		if strings.HasPrefix(s, "payment.") {
			lifecycle++
		}
	}
	assert.Equal(t, 3, lifecycle)
}
