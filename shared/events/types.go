package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types. Exactly one event is published per successful lifecycle
// transition; reconciliation consumers depend on that.
const (
	PaymentMade      = "payment.made"
	PaymentUpdated   = "payment.updated"
	PaymentCleared   = "payment.cleared"
	PaymentUncleared = "payment.uncleared"
	PaymentConfirmed = "payment.confirmed"
	PaymentRefunded  = "payment.refunded"
	PaymentReversed  = "payment.reversed"
	PaymentRevoked   = "payment.revoked"
	PaymentMerged    = "payment.merged"
	AccountRefunded  = "account.refunded"

	CashbackSent      = "cashback.sent"
	CashbackRevoked   = "cashback.revoked"
	CashbackIncreased = "cashback.increased"
)

// BaseEvent contains common event fields.
type BaseEvent struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	Data          json.RawMessage `json:"data"`
	Metadata      Metadata        `json:"metadata"`
}

// Metadata contains event metadata.
type Metadata struct {
	CorrelationID string            `json:"correlation_id"`
	CausationID   string            `json:"causation_id"`
	Source        string            `json:"source"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// PaymentData is the payload of every payment lifecycle event. Amounts
// are decimal strings of token units; Before/After capture the payment
// sum around the transition and the balance fields the resulting
// per-account aggregates.
type PaymentData struct {
	PaymentID       uuid.UUID `json:"payment_id"`
	Payer           uuid.UUID `json:"payer"`
	Sponsor         uuid.UUID `json:"sponsor,omitempty"`
	Status          string    `json:"status"`
	SumBefore       string    `json:"sum_before"`
	SumAfter        string    `json:"sum_after"`
	RefundAmount    string    `json:"refund_amount"`
	ConfirmedAmount string    `json:"confirmed_amount"`
	CashbackAmount  string    `json:"cashback_amount"`
	UnclearedAfter  string    `json:"uncleared_after"`
	ClearedAfter    string    `json:"cleared_after"`
	ExternalRef     string    `json:"external_ref,omitempty"`
	CashbackDegraded bool     `json:"cashback_degraded,omitempty"`
}

// MergeData is the payload of a payment.merged event, one per absorbed
// source payment.
type MergeData struct {
	TargetID          uuid.UUID `json:"target_id"`
	SourceID          uuid.UUID `json:"source_id"`
	Payer             uuid.UUID `json:"payer"`
	TargetSumAfter    string    `json:"target_sum_after"`
	CashbackMigrated  string    `json:"cashback_migrated"`
	CashbackRequested string    `json:"cashback_requested"`
}

// AccountRefundData is the payload of an account.refunded event.
type AccountRefundData struct {
	Account uuid.UUID `json:"account"`
	Amount  string    `json:"amount"`
}

// CashbackData is the payload of cashback.* events. RequestedAmount and
// SentAmount differ on partial grants; Success false records a tolerated
// gateway failure.
type CashbackData struct {
	PaymentID       uuid.UUID `json:"payment_id"`
	Recipient       uuid.UUID `json:"recipient"`
	Nonce           uint64    `json:"nonce"`
	RequestedAmount string    `json:"requested_amount"`
	SentAmount      string    `json:"sent_amount"`
	Success         bool      `json:"success"`
}

// NewEvent creates a new event envelope.
func NewEvent(eventType string, aggregateID uuid.UUID, aggregateType string, data interface{}, metadata Metadata) (*BaseEvent, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &BaseEvent{
		ID:            uuid.New(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     time.Now(),
		Version:       1,
		Data:          dataBytes,
		Metadata:      metadata,
	}, nil
}

// ParseData parses event data into the given type.
func (e *BaseEvent) ParseData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// WithCorrelation sets correlation and causation IDs.
func (m *Metadata) WithCorrelation(correlationID, causationID string) *Metadata {
	m.CorrelationID = correlationID
	m.CausationID = causationID
	return m
}
