// Package tracking is the append-only status history of orders.
package tracking

import (
	"fmt"

	"github.com/example/storefront/pkg/models"
	"gorm.io/gorm"
)

// Append records a status change. Notes longer than the column are clipped.
func Append(tx *gorm.DB, orderID uint, status models.OrderStatus, notes string) (*models.OrderTracking, error) {
	entry := &models.OrderTracking{OrderID: orderID, Status: status, Notes: models.Clip(notes, models.MaxNotesLen)}
	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to append tracking entry: %w", err)
	}
	return entry, nil
}

// History returns an order's entries oldest first.
func History(db *gorm.DB, orderID uint) ([]models.OrderTracking, error) {
	var entries []models.OrderTracking
	err := db.Where("order_id = ?", orderID).Order("created_at, id").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load tracking history: %w", err)
	}
	return entries, nil
}
