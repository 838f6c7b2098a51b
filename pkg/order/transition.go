package order

import (
	"fmt"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/tracking"
	"gorm.io/gorm"
)

// Transition moves o to next inside tx and appends the tracking entry. The
// update is conditional on the status o was read with, so a concurrent
// writer that got there first turns this call into a Conflict.
func Transition(tx *gorm.DB, o *models.Order, next models.OrderStatus, notes string) error {
	if !o.Status.CanTransitionTo(next) {
		return apperr.InvalidTransition(o.Status.String(), next.String())
	}

	res := tx.Model(&models.Order{}).
		Where("id = ? AND status = ?", o.ID, o.Status).
		Update("status", next)
	if res.Error != nil {
		return fmt.Errorf("failed to update order status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("order status changed concurrently")
	}

	if notes == "" {
		notes = fmt.Sprintf("Order status changed to %s", next)
	}
	if _, err := tracking.Append(tx, o.ID, next, notes); err != nil {
		return err
	}

	o.Status = next
	return nil
}
