package cashback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/cardledger/pkg/circuit"
	"github.com/terminal-bench/cardledger/pkg/messaging"
)

// NATS subjects of the incentive ledger's request/reply API.
const (
	subjectSend     = "cashback.send"
	subjectRevoke   = "cashback.revoke"
	subjectIncrease = "cashback.increase"
)

// Client is a Distributor speaking NATS request/reply to the incentive
// ledger, behind a circuit breaker so a down gateway degrades payments
// instead of stalling them.
type Client struct {
	msg     *messaging.Client
	breaker *circuit.Breaker
	timeout time.Duration
	log     *zap.Logger
}

// ClientConfig holds the client configuration.
type ClientConfig struct {
	RequestTimeout time.Duration
	MaxFailures    int
	BreakerTimeout time.Duration
}

// NewClient creates a distributor client over an existing NATS client.
func NewClient(msg *messaging.Client, cfg ClientConfig, log *zap.Logger) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	return &Client{
		msg: msg,
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "cashback-distributor",
			MaxFailures: cfg.MaxFailures,
			Timeout:     cfg.BreakerTimeout,
			HalfOpenMax: 2,
			OnStateChange: func(from, to circuit.State) {
				log.Warn("cashback distributor breaker state changed",
					zap.Stringer("from", from), zap.Stringer("to", to))
			},
		}),
		timeout: cfg.RequestTimeout,
		log:     log,
	}
}

type sendMessage struct {
	Kind      string    `json:"kind"`
	PaymentID uuid.UUID `json:"payment_id"`
	Recipient uuid.UUID `json:"recipient"`
	Amount    uint64    `json:"amount"`
}

type adjustMessage struct {
	Nonce  uint64 `json:"nonce"`
	Amount uint64 `json:"amount"`
}

type gatewayReply struct {
	Success    bool   `json:"success"`
	SentAmount uint64 `json:"sent_amount"`
	Nonce      uint64 `json:"nonce,omitempty"`
}

func (c *Client) SendCashback(ctx context.Context, req SendRequest) (GrantResult, error) {
	reply, err := c.request(ctx, subjectSend, sendMessage{
		Kind:      req.Kind,
		PaymentID: req.PaymentID,
		Recipient: req.Recipient,
		Amount:    req.Amount,
	})
	if err != nil {
		return GrantResult{}, err
	}
	return GrantResult{Success: reply.Success, SentAmount: reply.SentAmount, Nonce: reply.Nonce}, nil
}

func (c *Client) RevokeCashback(ctx context.Context, nonce uint64, amt uint64) (AdjustResult, error) {
	reply, err := c.request(ctx, subjectRevoke, adjustMessage{Nonce: nonce, Amount: amt})
	if err != nil {
		return AdjustResult{}, err
	}
	return AdjustResult{Success: reply.Success, SentAmount: reply.SentAmount}, nil
}

func (c *Client) IncreaseCashback(ctx context.Context, nonce uint64, amt uint64) (AdjustResult, error) {
	reply, err := c.request(ctx, subjectIncrease, adjustMessage{Nonce: nonce, Amount: amt})
	if err != nil {
		return AdjustResult{}, err
	}
	return AdjustResult{Success: reply.Success, SentAmount: reply.SentAmount}, nil
}

func (c *Client) request(ctx context.Context, subject string, payload interface{}) (*gatewayReply, error) {
	var reply gatewayReply

	err := c.breaker.Execute(ctx, func() error {
		msg, err := c.msg.Request(ctx, subject, payload, c.timeout)
		if err != nil {
			return fmt.Errorf("cashback gateway request failed: %w", err)
		}
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			return fmt.Errorf("cashback gateway reply malformed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}
