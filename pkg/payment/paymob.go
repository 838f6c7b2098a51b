package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/models"
)

const (
	authPath       = "/api/auth/tokens"
	ordersPath     = "/api/ecommerce/orders"
	paymentKeyPath = "/api/acceptance/payment_keys"
	iframePath     = "/api/acceptance/iframes/"

	// Paymob rejects billing data with empty fields.
	notAvailable = "NA"
)

// PaymobClient talks to the Paymob Accept API.
type PaymobClient struct {
	cfg        config.PaymobConfig
	httpClient *http.Client
}

func NewPaymobClient(cfg config.PaymobConfig) *PaymobClient {
	return &PaymobClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type authRequest struct {
	APIKey string `json:"api_key"`
}

type authResponse struct {
	Token string `json:"token"`
}

type orderRequest struct {
	AuthToken       string `json:"auth_token"`
	DeliveryNeeded  bool   `json:"delivery_needed"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	MerchantOrderID string `json:"merchant_order_id"`
	Items           []any  `json:"items"`
}

type orderResponse struct {
	ID int64 `json:"id"`
}

type billingData struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Email          string `json:"email"`
	PhoneNumber    string `json:"phone_number"`
	Apartment      string `json:"apartment"`
	Floor          string `json:"floor"`
	Street         string `json:"street"`
	Building       string `json:"building"`
	ShippingMethod string `json:"shipping_method"`
	PostalCode     string `json:"postal_code"`
	City           string `json:"city"`
	Country        string `json:"country"`
	State          string `json:"state"`
}

type paymentKeyRequest struct {
	AuthToken     string      `json:"auth_token"`
	AmountCents   int64       `json:"amount_cents"`
	Expiration    int         `json:"expiration"`
	OrderID       int64       `json:"order_id"`
	BillingData   billingData `json:"billing_data"`
	Currency      string      `json:"currency"`
	IntegrationID int64       `json:"integration_id"`
}

type paymentKeyResponse struct {
	Token string `json:"token"`
}

// CreateSession runs the three Accept calls in order: authenticate, register
// the order, issue a payment key.
func (c *PaymobClient) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	var auth authResponse
	if err := c.post(ctx, authPath, authRequest{APIKey: c.cfg.APIKey}, &auth); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	if auth.Token == "" {
		return nil, fmt.Errorf("failed to authenticate: empty token")
	}

	var remote orderResponse
	err := c.post(ctx, ordersPath, orderRequest{
		AuthToken:       auth.Token,
		AmountCents:     req.AmountCents,
		Currency:        c.cfg.Currency,
		MerchantOrderID: req.MerchantOrderID,
		Items:           []any{},
	}, &remote)
	if err != nil {
		return nil, fmt.Errorf("failed to register order: %w", err)
	}
	if remote.ID == 0 {
		return nil, fmt.Errorf("failed to register order: missing id")
	}

	var key paymentKeyResponse
	err = c.post(ctx, paymentKeyPath, paymentKeyRequest{
		AuthToken:     auth.Token,
		AmountCents:   req.AmountCents,
		Expiration:    c.cfg.KeyExpiration,
		OrderID:       remote.ID,
		BillingData:   toBillingData(req.Billing),
		Currency:      c.cfg.Currency,
		IntegrationID: c.cfg.IntegrationID,
	}, &key)
	if err != nil {
		return nil, fmt.Errorf("failed to issue payment key: %w", err)
	}
	if key.Token == "" {
		return nil, fmt.Errorf("failed to issue payment key: empty token")
	}

	return &Session{
		RemoteOrderID: remote.ID,
		PaymentKey:    key.Token,
		RedirectURL:   c.redirectURL(key.Token),
	}, nil
}

func (c *PaymobClient) redirectURL(paymentKey string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + iframePath + url.PathEscape(c.cfg.IframeID) +
		"?payment_token=" + url.QueryEscape(paymentKey)
}

func (c *PaymobClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, models.Clip(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func toBillingData(b Billing) billingData {
	return billingData{
		FirstName:      orNA(b.FirstName),
		LastName:       orNA(b.LastName),
		Email:          orNA(b.Email),
		PhoneNumber:    orNA(b.Phone),
		Apartment:      notAvailable,
		Floor:          notAvailable,
		Street:         notAvailable,
		Building:       notAvailable,
		ShippingMethod: notAvailable,
		PostalCode:     notAvailable,
		City:           orNA(b.City),
		Country:        orNA(b.Country),
		State:          notAvailable,
	}
}

func orNA(s string) string {
	if s == "" {
		return notAvailable
	}
	return s
}

