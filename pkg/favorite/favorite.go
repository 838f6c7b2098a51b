package favorite

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/identity"
	"github.com/example/storefront/pkg/models"
	"gorm.io/gorm"
)

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Toggle adds the product to the actor's favorites, or removes it if it is
// already there. It reports whether the product is a favorite afterwards.
func (s *Service) Toggle(ctx context.Context, actor identity.Actor, productID uint) (bool, error) {
	var added bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var product models.Product
		err := tx.Where("is_active = ?", true).First(&product, productID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("product")
		}
		if err != nil {
			return fmt.Errorf("failed to load product: %w", err)
		}

		res := tx.Scopes(actor.Scope).Where("product_id = ?", productID).Delete(&models.Favorite{})
		if res.Error != nil {
			return fmt.Errorf("failed to remove favorite: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}

		userID, guestToken := actor.Owner()
		fav := &models.Favorite{UserID: userID, GuestToken: guestToken, ProductID: productID}
		if err := tx.Omit("Product").Create(fav).Error; err != nil {
			return fmt.Errorf("failed to add favorite: %w", err)
		}
		added = true
		return nil
	})
	if err != nil {
		return false, apperr.Wrap(err)
	}
	return added, nil
}

// List returns the actor's favorite products, most recently added first.
func (s *Service) List(ctx context.Context, actor identity.Actor) ([]models.Product, error) {
	var favorites []models.Favorite
	err := s.db.WithContext(ctx).
		Scopes(actor.Scope).
		Preload("Product").
		Order("created_at DESC, id DESC").
		Find(&favorites).Error
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to list favorites: %w", err))
	}

	products := make([]models.Product, 0, len(favorites))
	for _, f := range favorites {
		products = append(products, f.Product)
	}
	return products, nil
}
