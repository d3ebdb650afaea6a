package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/cardledger/internal/engine"
	"github.com/terminal-bench/cardledger/internal/payments"
	"github.com/terminal-bench/cardledger/pkg/amount"
)

// Request and response types. Amounts travel as decimal token strings
// and are converted to integer units at this boundary only.

type makePaymentRequest struct {
	PaymentID    uuid.UUID `json:"payment_id" binding:"required"`
	Payer        uuid.UUID `json:"payer" binding:"required"`
	Sponsor      uuid.UUID `json:"sponsor"`
	SubsidyLimit string    `json:"subsidy_limit"`
	BaseAmount   string    `json:"base_amount" binding:"required"`
	ExtraAmount  string    `json:"extra_amount"`
	CashbackRate *uint16   `json:"cashback_rate"`
}

type updatePaymentRequest struct {
	BaseAmount  string `json:"base_amount" binding:"required"`
	ExtraAmount string `json:"extra_amount"`
}

type amountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type referenceRequest struct {
	Reference string `json:"reference" binding:"required"`
}

type mergeRequest struct {
	SourceIDs []uuid.UUID `json:"source_ids" binding:"required"`
}

type batchRequest struct {
	PaymentIDs []uuid.UUID `json:"payment_ids" binding:"required"`
}

type paymentResponse struct {
	PaymentID       uuid.UUID `json:"payment_id"`
	Payer           uuid.UUID `json:"payer"`
	Sponsor         uuid.UUID `json:"sponsor,omitempty"`
	Status          string    `json:"status"`
	SubsidyLimit    string    `json:"subsidy_limit"`
	BaseAmount      string    `json:"base_amount"`
	ExtraAmount     string    `json:"extra_amount"`
	RefundAmount    string    `json:"refund_amount"`
	ConfirmedAmount string    `json:"confirmed_amount"`
	CashbackAmount  string    `json:"cashback_amount"`
	CashbackRate    uint16    `json:"cashback_rate"`
	RevocationCount uint16    `json:"revocation_count"`
}

func renderPayment(p *payments.Payment) paymentResponse {
	return paymentResponse{
		PaymentID:       p.ID,
		Payer:           p.Payer,
		Sponsor:         p.Sponsor,
		Status:          p.Status.String(),
		SubsidyLimit:    amount.Format(p.SubsidyLimit),
		BaseAmount:      amount.Format(p.BaseAmount),
		ExtraAmount:     amount.Format(p.ExtraAmount),
		RefundAmount:    amount.Format(p.RefundAmount),
		ConfirmedAmount: amount.Format(p.ConfirmedAmount),
		CashbackAmount:  amount.Format(p.CashbackAmount),
		CashbackRate:    p.CashbackRate,
		RevocationCount: p.RevocationCount,
	}
}

// errorStatus maps engine errors onto HTTP statuses: validation and
// amount errors are the caller's fault, state conflicts need a re-read,
// everything else is a server problem.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, payments.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrZeroPaymentID),
		errors.Is(err, engine.ErrZeroPayerAccount),
		errors.Is(err, engine.ErrZeroAccount),
		errors.Is(err, engine.ErrSubsidyWithoutSponsor),
		errors.Is(err, engine.ErrInappropriateCashbackRate),
		errors.Is(err, engine.ErrEmptyPaymentBatch),
		errors.Is(err, engine.ErrZeroCancellationRef),
		errors.Is(err, engine.ErrInappropriateAmount),
		errors.Is(err, engine.ErrInappropriateRefundingAmount),
		errors.Is(err, engine.ErrInappropriateConfirmationAmount),
		errors.Is(err, amount.ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrPaymentAlreadyExists),
		errors.Is(err, engine.ErrRevocationLimitReached),
		errors.Is(err, engine.ErrRevocationProhibited),
		errors.Is(err, engine.ErrInappropriatePaymentStatus),
		errors.Is(err, engine.ErrPaymentAlreadyCleared),
		errors.Is(err, engine.ErrPaymentAlreadyUncleared),
		errors.Is(err, engine.ErrMergePayerMismatch),
		errors.Is(err, engine.ErrMergeSponsoredPayment),
		errors.Is(err, engine.ErrMergeCashbackRateExcess),
		errors.Is(err, engine.ErrMergeInsufficientFloat):
		return http.StatusConflict
	case errors.Is(err, engine.ErrMergeCashbackRevokeFailed),
		errors.Is(err, engine.ErrMergeCashbackIncreaseFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		g.log.Error("operation failed",
			zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseAmount(c *gin.Context, field, value string) (uint64, bool) {
	if value == "" {
		return 0, true
	}
	v, err := amount.Parse(value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": field + ": " + err.Error()})
		return 0, false
	}
	return v, true
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// Handlers

func (g *Gateway) makePayment(c *gin.Context) {
	var req makePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	base, ok := parseAmount(c, "base_amount", req.BaseAmount)
	if !ok {
		return
	}
	extra, ok := parseAmount(c, "extra_amount", req.ExtraAmount)
	if !ok {
		return
	}
	limit, ok := parseAmount(c, "subsidy_limit", req.SubsidyLimit)
	if !ok {
		return
	}

	p, err := g.engine.CreatePayment(c.Request.Context(), engine.MakePaymentRequest{
		PaymentID:     req.PaymentID,
		Payer:         req.Payer,
		Sponsor:       req.Sponsor,
		SubsidyLimit:  limit,
		BaseAmount:    base,
		ExtraAmount:   extra,
		CashbackRate:  req.CashbackRate,
		CorrelationID: c.GetString("correlation_id"),
	})
	if err != nil {
		g.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, renderPayment(p))
}

func (g *Gateway) getPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	p, err := g.engine.GetPayment(c.Request.Context(), id)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, renderPayment(p))
}

func (g *Gateway) updatePayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	base, ok := parseAmount(c, "base_amount", req.BaseAmount)
	if !ok {
		return
	}
	extra, ok := parseAmount(c, "extra_amount", req.ExtraAmount)
	if !ok {
		return
	}

	p, err := g.engine.UpdatePayment(c.Request.Context(), id, base, extra)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, renderPayment(p))
}

func (g *Gateway) clearPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := g.engine.ClearPayment(c.Request.Context(), id); err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (g *Gateway) unclearPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := g.engine.UnclearPayment(c.Request.Context(), id); err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "uncleared"})
}

func (g *Gateway) confirmPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amt, ok := parseAmount(c, "amount", req.Amount)
	if !ok {
		return
	}

	p, err := g.engine.ConfirmPayment(c.Request.Context(), id, amt)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, renderPayment(p))
}

func (g *Gateway) refundPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amt, ok := parseAmount(c, "amount", req.Amount)
	if !ok {
		return
	}

	p, err := g.engine.RefundPayment(c.Request.Context(), id, amt)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, renderPayment(p))
}

func (g *Gateway) reversePayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req referenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := g.engine.ReversePayment(c.Request.Context(), id, req.Reference); err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reversed"})
}

func (g *Gateway) revokePayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req referenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := g.engine.RevokePayment(c.Request.Context(), id, req.Reference); err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func (g *Gateway) mergePayments(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	p, err := g.engine.MergePayments(c.Request.Context(), id, req.SourceIDs)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, renderPayment(p))
}

func (g *Gateway) clearPaymentsBatch(c *gin.Context) {
	g.runBatch(c, g.engine.ClearPayments, "cleared")
}

func (g *Gateway) unclearPaymentsBatch(c *gin.Context) {
	g.runBatch(c, g.engine.UnclearPayments, "uncleared")
}

func (g *Gateway) confirmPaymentsBatch(c *gin.Context) {
	g.runBatch(c, g.engine.ConfirmPayments, "confirmed")
}

func (g *Gateway) runBatch(c *gin.Context, op func(context.Context, []uuid.UUID) error, status string) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := op(c.Request.Context(), req.PaymentIDs); err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "count": len(req.PaymentIDs)})
}

func (g *Gateway) refundAccount(c *gin.Context) {
	account, ok := pathID(c)
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amt, ok := parseAmount(c, "amount", req.Amount)
	if !ok {
		return
	}

	if err := g.engine.RefundAccount(c.Request.Context(), account, amt); err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refunded", "amount": amount.Format(amt)})
}

func parseClass(c *gin.Context) (payments.BalanceClass, bool) {
	switch c.Param("class") {
	case "uncleared":
		return payments.BalanceUncleared, true
	case "cleared":
		return payments.BalanceCleared, true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid balance class"})
		return 0, false
	}
}

func (g *Gateway) getTotalBalance(c *gin.Context) {
	class, ok := parseClass(c)
	if !ok {
		return
	}
	total, err := g.engine.TotalBalance(c.Request.Context(), class)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"class": class.String(), "total": amount.Format(total)})
}

func (g *Gateway) getReversalFlag(c *gin.Context) {
	seen, err := g.engine.WasReversed(c.Request.Context(), c.Param("ref"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reference": c.Param("ref"), "used": seen})
}

func (g *Gateway) getRevocationFlag(c *gin.Context) {
	seen, err := g.engine.WasRevoked(c.Request.Context(), c.Param("ref"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reference": c.Param("ref"), "used": seen})
}

func (g *Gateway) getAccountBalance(c *gin.Context) {
	class, ok := parseClass(c)
	if !ok {
		return
	}
	account, err := uuid.Parse(c.Param("account"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account"})
		return
	}

	balance, err := g.engine.AccountBalance(c.Request.Context(), class, account)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"class":   class.String(),
		"account": account,
		"balance": amount.Format(balance),
	})
}
