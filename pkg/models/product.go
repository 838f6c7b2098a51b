package models

import (
	"time"
)

// Product is the slice of the catalog the cart and checkout depend on. Prices
// are minor currency units.
type Product struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"type:varchar(255);not null" json:"name"`
	Slug          string    `gorm:"type:varchar(255);index" json:"slug"`
	Description   string    `gorm:"type:text" json:"description"`
	Price         int64     `gorm:"not null" json:"price"`
	DiscountPrice *int64    `json:"discount_price"`
	Stock         int       `gorm:"not null" json:"stock"`
	IsActive      bool      `gorm:"not null;index" json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Product) TableName() string {
	return "products"
}

// FinalPrice is the discount price when one is set, the list price otherwise.
func (p *Product) FinalPrice() int64 {
	if p.DiscountPrice != nil && *p.DiscountPrice > 0 {
		return *p.DiscountPrice
	}
	return p.Price
}

func (p *Product) IsAvailable() bool {
	return p.IsActive && p.Stock > 0
}
