package payment

import (
	"context"
)

// Billing is the customer data the gateway shows on its hosted page.
type Billing struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	City      string
	Country   string
}

type SessionRequest struct {
	MerchantOrderID string
	AmountCents     int64
	Billing         Billing
}

// Session is a remote payment session the shopper is redirected into.
type Session struct {
	RemoteOrderID int64
	PaymentKey    string
	RedirectURL   string
}

// Gateway creates card payment sessions on the remote provider.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
}
