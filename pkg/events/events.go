package events

import (
	"context"
	"time"
)

// Routing keys on the storefront topic exchange.
const (
	OrderCreated       = "order.created"
	OrderStatusChanged = "order.status_changed"
	PaymentCompleted   = "payment.completed"
	PaymentFailed      = "payment.failed"
)

type OrderEvent struct {
	OrderID    uint      `json:"order_id"`
	Status     string    `json:"status"`
	Total      int64     `json:"total"`
	OccurredAt time.Time `json:"occurred_at"`
}

type PaymentEvent struct {
	OrderID       uint      `json:"order_id"`
	PaymentID     uint      `json:"payment_id"`
	Method        string    `json:"method"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher sends domain events after the state they describe is committed.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type nop struct{}

func (nop) Publish(context.Context, string, any) error { return nil }

func Nop() Publisher { return nop{} }
