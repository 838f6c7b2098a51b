package identity

import (
	"context"
	"fmt"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MergeStats counts what a login merge moved.
type MergeStats struct {
	CartLines     int64 `json:"cart_lines"`
	CartConflicts int64 `json:"cart_conflicts"`
	Favorites     int64 `json:"favorites"`
	Orders        int64 `json:"orders"`
}

// Merge re-owns every row held by guestToken to userID in one transaction.
// When both owners have a cart line or favorite for the same product the
// user's row is kept and the guest duplicate is dropped. Running it twice is
// a no-op.
func (s *Service) Merge(ctx context.Context, guestToken string, userID uint) (MergeStats, error) {
	var stats MergeStats
	guest := Guest(guestToken)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Cart lines
		var lines []models.CartLine
		if err := tx.Scopes(guest.Scope).Find(&lines).Error; err != nil {
			return fmt.Errorf("failed to load guest cart: %w", err)
		}
		for _, line := range lines {
			clash, err := userHasProduct(tx, &models.CartLine{}, userID, line.ProductID)
			if err != nil {
				return err
			}
			if clash {
				if err := tx.Delete(&models.CartLine{}, line.ID).Error; err != nil {
					return fmt.Errorf("failed to drop guest cart line: %w", err)
				}
				stats.CartConflicts++
				continue
			}
			if err := reown(tx, &models.CartLine{}, line.ID, userID); err != nil {
				return err
			}
			stats.CartLines++
		}

		// Favorites
		var favorites []models.Favorite
		if err := tx.Scopes(guest.Scope).Find(&favorites).Error; err != nil {
			return fmt.Errorf("failed to load guest favorites: %w", err)
		}
		for _, fav := range favorites {
			clash, err := userHasProduct(tx, &models.Favorite{}, userID, fav.ProductID)
			if err != nil {
				return err
			}
			if clash {
				if err := tx.Delete(&models.Favorite{}, fav.ID).Error; err != nil {
					return fmt.Errorf("failed to drop guest favorite: %w", err)
				}
				continue
			}
			if err := reown(tx, &models.Favorite{}, fav.ID, userID); err != nil {
				return err
			}
			stats.Favorites++
		}

		// Orders
		res := tx.Model(&models.Order{}).
			Scopes(guest.Scope).
			Updates(map[string]any{"user_id": userID, "guest_token": nil})
		if res.Error != nil {
			return fmt.Errorf("failed to re-own guest orders: %w", res.Error)
		}
		stats.Orders = res.RowsAffected
		return nil
	})
	if err != nil {
		return MergeStats{}, apperr.Internal(err)
	}

	if stats != (MergeStats{}) {
		s.logger.Info("Merged guest data into user",
			zap.Uint("user_id", userID),
			zap.Int64("cart_lines", stats.CartLines),
			zap.Int64("cart_conflicts", stats.CartConflicts),
			zap.Int64("favorites", stats.Favorites),
			zap.Int64("orders", stats.Orders))
	}
	return stats, nil
}

func userHasProduct(tx *gorm.DB, model any, userID, productID uint) (bool, error) {
	var count int64
	err := tx.Model(model).Where("user_id = ? AND product_id = ?", userID, productID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check user rows: %w", err)
	}
	return count > 0, nil
}

func reown(tx *gorm.DB, model any, id, userID uint) error {
	err := tx.Model(model).Where("id = ?", id).
		Updates(map[string]any{"user_id": userID, "guest_token": nil}).Error
	if err != nil {
		return fmt.Errorf("failed to re-own row %d: %w", id, err)
	}
	return nil
}
