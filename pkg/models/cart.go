package models

import (
	"time"
)

// Options are the shopper's selections for a cart line (size, colour, ...).
type Options map[string]string

// CartLine is unique per owner and product. Exactly one of UserID and
// GuestToken is set.
type CartLine struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     *uint     `gorm:"uniqueIndex:idx_cart_user_product" json:"user_id,omitempty"`
	GuestToken *string   `gorm:"type:varchar(64);uniqueIndex:idx_cart_guest_product" json:"-"`
	ProductID  uint      `gorm:"not null;uniqueIndex:idx_cart_user_product;uniqueIndex:idx_cart_guest_product" json:"product_id"`
	Quantity   int       `gorm:"not null" json:"quantity"`
	Options    Options   `gorm:"type:text;serializer:json" json:"options"`
	Product    Product   `gorm:"foreignKey:ProductID" json:"product"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (CartLine) TableName() string {
	return "cart_lines"
}

func (l *CartLine) Subtotal() int64 {
	return int64(l.Quantity) * l.Product.FinalPrice()
}

type Favorite struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     *uint     `gorm:"uniqueIndex:idx_fav_user_product" json:"user_id,omitempty"`
	GuestToken *string   `gorm:"type:varchar(64);uniqueIndex:idx_fav_guest_product" json:"-"`
	ProductID  uint      `gorm:"not null;uniqueIndex:idx_fav_user_product;uniqueIndex:idx_fav_guest_product" json:"product_id"`
	Product    Product   `gorm:"foreignKey:ProductID" json:"product"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Favorite) TableName() string {
	return "favorites"
}
