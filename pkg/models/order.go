package models

import (
	"time"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// orderTransitions is the only source of truth for legal status changes.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  nil,
	OrderStatusCancelled:  nil,
}

func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	_, ok := orderTransitions[st]
	return st, ok
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	next, ok := orderTransitions[s]
	return ok && len(next) == 0
}

func (s OrderStatus) String() string {
	return string(s)
}

// Order is owned by exactly one actor. Total and owner never change after
// creation; status, payment and tracking number do.
type Order struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	UserID         *uint           `gorm:"index" json:"user_id,omitempty"`
	GuestToken     *string         `gorm:"type:varchar(64);index" json:"-"`
	Total          int64           `gorm:"not null" json:"total"`
	Status         OrderStatus     `gorm:"type:varchar(20);not null;index" json:"status"`
	Address        string          `gorm:"type:varchar(500)" json:"address"`
	PaymentID      *uint           `json:"payment_id,omitempty"`
	TrackingNumber *string         `gorm:"type:varchar(50)" json:"tracking_number"`
	Items          []OrderItem     `gorm:"foreignKey:OrderID" json:"items"`
	Tracking       []OrderTracking `gorm:"foreignKey:OrderID" json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// OrderItem snapshots the product at purchase time.
type OrderItem struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	OrderID     uint      `gorm:"not null;index" json:"order_id"`
	ProductID   uint      `gorm:"not null;index" json:"product_id"`
	ProductName string    `gorm:"type:varchar(255)" json:"product_name"`
	Quantity    int       `gorm:"not null" json:"quantity"`
	Price       int64     `gorm:"not null" json:"price"`
	CreatedAt   time.Time `json:"created_at"`
}

func (OrderItem) TableName() string {
	return "order_items"
}

func (i *OrderItem) Subtotal() int64 {
	return int64(i.Quantity) * i.Price
}

// OrderTracking rows are append-only.
type OrderTracking struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	OrderID   uint        `gorm:"not null;index" json:"order_id"`
	Status    OrderStatus `gorm:"type:varchar(20);not null" json:"status"`
	Notes     string      `gorm:"type:varchar(255)" json:"notes"`
	CreatedAt time.Time   `json:"created_at"`
}

func (OrderTracking) TableName() string {
	return "order_tracking"
}
