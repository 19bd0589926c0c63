package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw webhook body
const SignatureHeader = "x-paystack-signature"

// EventChargeSuccess is the only event type that drives settlement
const EventChargeSuccess = "charge.success"

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Sign computes the signature the gateway attaches to a delivery
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the raw body in constant time
func VerifySignature(secret string, body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidSignature
	}
	return nil
}

// Event is a parsed webhook delivery: *ChargeSuccessEvent or *IgnoredEvent
type Event interface {
	Type() string
}

// ChargeSuccessEvent reports a completed charge
type ChargeSuccessEvent struct {
	Reference   string
	OrderID     string
	Status      string
	AmountMinor int64
	PaidAt      *time.Time
}

func (e *ChargeSuccessEvent) Type() string { return EventChargeSuccess }

// IgnoredEvent is any delivery this service does not act on
type IgnoredEvent struct {
	EventType string
}

func (e *IgnoredEvent) Type() string { return e.EventType }

type rawEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ParseEvent decodes a webhook body into a known event kind
func ParseEvent(body []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("malformed webhook body: %w", err)
	}

	if raw.Event != EventChargeSuccess {
		return &IgnoredEvent{EventType: raw.Event}, nil
	}

	var data transactionData
	if err := json.Unmarshal(raw.Data, &data); err != nil {
		return nil, fmt.Errorf("malformed %s data: %w", raw.Event, err)
	}

	tx := data.toTransaction()
	status := tx.Status
	if status == "" {
		// charge.success deliveries without data.status still mean success
		status = StatusSuccess
	}

	return &ChargeSuccessEvent{
		Reference:   tx.Reference,
		OrderID:     tx.OrderID,
		Status:      status,
		AmountMinor: tx.AmountMinor,
		PaidAt:      tx.PaidAt,
	}, nil
}
