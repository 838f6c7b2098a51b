package order

import (
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/money"
)

type Summary struct {
	ID           uint               `json:"id"`
	Status       models.OrderStatus `json:"status"`
	Total        int64              `json:"total"`
	TotalDisplay string             `json:"total_display"`
	Items        []models.OrderItem `json:"items"`
}

// CheckoutView is the body returned by a successful checkout.
type CheckoutView struct {
	Message string  `json:"message"`
	Order   Summary `json:"order"`
}

type Details struct {
	Total         int64                 `json:"total"`
	TotalDisplay  string                `json:"total_display"`
	Items         []models.OrderItem    `json:"items"`
	PaymentStatus *models.PaymentStatus `json:"payment_status"`
}

// TrackingView is what an owner sees when tracking an order.
type TrackingView struct {
	OrderID         uint                   `json:"order_id"`
	CurrentStatus   models.OrderStatus     `json:"current_status"`
	TrackingNumber  *string                `json:"tracking_number"`
	TrackingHistory []models.OrderTracking `json:"tracking_history"`
	OrderDetails    Details                `json:"order_details"`
}

func NewSummary(o *models.Order) Summary {
	return Summary{
		ID:           o.ID,
		Status:       o.Status,
		Total:        o.Total,
		TotalDisplay: money.Format(o.Total),
		Items:        o.Items,
	}
}

func NewCheckoutView(o *models.Order) CheckoutView {
	return CheckoutView{Message: "Order placed successfully", Order: NewSummary(o)}
}
