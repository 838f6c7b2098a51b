package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/identity"
	"github.com/example/storefront/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger.Named("cart")}
}

// AddOrUpdate upserts the actor's line for productID. Re-adding a product
// overwrites quantity and options.
func (s *Service) AddOrUpdate(ctx context.Context, actor identity.Actor, productID uint, quantity int, options models.Options) (*models.CartLine, error) {
	product, err := s.product(ctx, productID)
	if err != nil {
		return nil, err
	}
	if err := checkQuantity(product, quantity); err != nil {
		return nil, err
	}

	userID, guestToken := actor.Owner()
	ownerColumn := "guest_token"
	if !actor.IsGuest() {
		ownerColumn = "user_id"
	}

	line := &models.CartLine{
		UserID:     userID,
		GuestToken: guestToken,
		ProductID:  productID,
		Quantity:   quantity,
		Options:    options,
	}
	err = s.db.WithContext(ctx).
		Omit("Product").
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: ownerColumn}, {Name: "product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"quantity", "options", "updated_at"}),
		}).
		Create(line).Error
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to upsert cart line: %w", err))
	}

	return s.line(ctx, actor, productID)
}

func (s *Service) UpdateQuantity(ctx context.Context, actor identity.Actor, productID uint, quantity int) (*models.CartLine, error) {
	line, err := s.line(ctx, actor, productID)
	if err != nil {
		return nil, err
	}
	if err := checkQuantity(&line.Product, quantity); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(&models.CartLine{}).
		Where("id = ?", line.ID).
		Update("quantity", quantity).Error
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to update cart line: %w", err))
	}
	line.Quantity = quantity
	return line, nil
}

func (s *Service) Remove(ctx context.Context, actor identity.Actor, productID uint) error {
	res := s.db.WithContext(ctx).
		Scopes(actor.Scope).
		Where("product_id = ?", productID).
		Delete(&models.CartLine{})
	if res.Error != nil {
		return apperr.Internal(fmt.Errorf("failed to remove cart line: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("cart item")
	}
	return nil
}

// List returns the actor's lines with their products, oldest first.
func (s *Service) List(ctx context.Context, actor identity.Actor) ([]models.CartLine, error) {
	return s.ListTx(s.db.WithContext(ctx), actor)
}

// ListTx is List inside an open transaction.
func (s *Service) ListTx(tx *gorm.DB, actor identity.Actor) ([]models.CartLine, error) {
	var lines []models.CartLine
	err := tx.Scopes(actor.Scope).Preload("Product").Order("id").Find(&lines).Error
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to load cart: %w", err))
	}
	return lines, nil
}

func (s *Service) Total(ctx context.Context, actor identity.Actor) (int64, error) {
	lines, err := s.List(ctx, actor)
	if err != nil {
		return 0, err
	}
	return Total(lines), nil
}

// Clear removes every line the actor owns.
func (s *Service) Clear(ctx context.Context, actor identity.Actor) error {
	return s.ClearTx(s.db.WithContext(ctx), actor)
}

// LockTx loads the actor's lines for checkout and holds them until the
// transaction ends, so a second checkout by the same actor waits and then
// sees an empty cart.
func (s *Service) LockTx(tx *gorm.DB, actor identity.Actor) ([]models.CartLine, error) {
	return s.ListTx(tx.Clauses(clause.Locking{Strength: "UPDATE"}), actor)
}

// ConsumeTx deletes exactly the lines checkout priced. If any of them is
// already gone the cart moved underneath the order and the transaction must
// not commit.
func (s *Service) ConsumeTx(tx *gorm.DB, actor identity.Actor, lines []models.CartLine) error {
	if actor.IsZero() {
		return apperr.Internal(errors.New("consume cart without an owner"))
	}
	if len(lines) == 0 {
		return nil
	}
	ids := make([]uint, len(lines))
	for i := range lines {
		ids[i] = lines[i].ID
	}
	res := tx.Scopes(actor.Scope).Where("id IN ?", ids).Delete(&models.CartLine{})
	if res.Error != nil {
		return fmt.Errorf("failed to clear cart: %w", res.Error)
	}
	if res.RowsAffected != int64(len(ids)) {
		s.logger.Warn("Cart changed during checkout",
			zap.String("actor", actor.String()),
			zap.Int("expected", len(ids)),
			zap.Int64("deleted", res.RowsAffected))
		return apperr.Conflict("cart changed during checkout, please retry")
	}
	return nil
}

func (s *Service) ClearTx(tx *gorm.DB, actor identity.Actor) error {
	if actor.IsZero() {
		return apperr.Internal(errors.New("clear cart without an owner"))
	}
	if err := tx.Scopes(actor.Scope).Delete(&models.CartLine{}).Error; err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}

// Total sums quantity times the final price of each line's product.
func Total(lines []models.CartLine) int64 {
	var total int64
	for i := range lines {
		total += lines[i].Subtotal()
	}
	return total
}

func (s *Service) product(ctx context.Context, id uint) (*models.Product, error) {
	var product models.Product
	err := s.db.WithContext(ctx).Where("is_active = ?", true).First(&product, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("product")
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to load product: %w", err))
	}
	return &product, nil
}

func (s *Service) line(ctx context.Context, actor identity.Actor, productID uint) (*models.CartLine, error) {
	var line models.CartLine
	err := s.db.WithContext(ctx).
		Scopes(actor.Scope).
		Preload("Product").
		Where("product_id = ?", productID).
		First(&line).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("cart item")
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to load cart line: %w", err))
	}
	return &line, nil
}

func checkQuantity(product *models.Product, quantity int) error {
	if quantity < 1 {
		return apperr.ValidationFields("invalid quantity", map[string]string{
			"quantity": "must be at least 1",
		})
	}
	if quantity > product.Stock {
		return apperr.ValidationFields("requested quantity is not available", map[string]string{
			"quantity": fmt.Sprintf("only %d left in stock", product.Stock),
		})
	}
	return nil
}
