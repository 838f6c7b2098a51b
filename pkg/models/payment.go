package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type PaymentMethod string

const (
	PaymentMethodCard           PaymentMethod = "card"
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCard || m == PaymentMethodCashOnDelivery
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

type Payment struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	OrderID       uint          `gorm:"not null;uniqueIndex" json:"order_id"`
	Method        PaymentMethod `gorm:"type:varchar(32);not null" json:"method"`
	Amount        int64         `gorm:"not null" json:"amount"`
	Status        PaymentStatus `gorm:"type:varchar(20);not null" json:"status"`
	TransactionID string        `gorm:"type:varchar(100);uniqueIndex" json:"transaction_id"`
	FailureReason string        `gorm:"type:varchar(500)" json:"failure_reason,omitempty"`
	DetailsKind   string        `gorm:"type:varchar(32)" json:"-"`
	Details       string        `gorm:"type:text" json:"-"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

// PaymentDetails is a closed union over what a payment method records.
type PaymentDetails interface {
	detailsKind() string
}

const (
	detailsCash        = "cash"
	detailsCardSession = "card_session"
	detailsCardCapture = "card_capture"
)

type CashDetails struct {
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// CardSessionDetails is stored once the gateway issued a payment key.
type CardSessionDetails struct {
	RemoteOrderID int64  `json:"remote_order_id"`
	PaymentKey    string `json:"payment_key"`
}

// CardCaptureDetails is stored from a verified success webhook.
type CardCaptureDetails struct {
	TransactionID string          `json:"transaction_id"`
	Raw           json.RawMessage `json:"raw"`
}

func (CashDetails) detailsKind() string        { return detailsCash }
func (CardSessionDetails) detailsKind() string { return detailsCardSession }
func (CardCaptureDetails) detailsKind() string { return detailsCardCapture }

func (p *Payment) SetDetails(d PaymentDetails) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode payment details: %w", err)
	}
	p.DetailsKind = d.detailsKind()
	p.Details = string(data)
	return nil
}

// DecodeDetails returns nil, nil when nothing was recorded yet.
func (p *Payment) DecodeDetails() (PaymentDetails, error) {
	var (
		d   PaymentDetails
		err error
	)
	switch p.DetailsKind {
	case "":
		return nil, nil
	case detailsCash:
		var v CashDetails
		err = json.Unmarshal([]byte(p.Details), &v)
		d = v
	case detailsCardSession:
		var v CardSessionDetails
		err = json.Unmarshal([]byte(p.Details), &v)
		d = v
	case detailsCardCapture:
		var v CardCaptureDetails
		err = json.Unmarshal([]byte(p.Details), &v)
		d = v
	default:
		return nil, fmt.Errorf("unknown payment details kind %q", p.DetailsKind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payment details: %w", p.DetailsKind, err)
	}
	return d, nil
}

// All lists every table the storefront migrates.
func All() []any {
	return []any{
		&User{},
		&Product{},
		&CartLine{},
		&Favorite{},
		&Order{},
		&OrderItem{},
		&OrderTracking{},
		&Payment{},
	}
}
