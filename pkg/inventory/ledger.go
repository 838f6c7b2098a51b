// Package inventory is the authoritative stock ledger. Stock only moves
// through Decrement, inside the checkout transaction.
package inventory

import (
	"fmt"
	"sort"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Lock loads and row-locks the given products in ascending id order, so two
// checkouts over overlapping carts always acquire locks in the same order.
func Lock(tx *gorm.DB, ids []uint) (map[uint]*models.Product, error) {
	sorted := make([]uint, 0, len(ids))
	seen := make(map[uint]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var products []models.Product
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", sorted).
		Order("id").
		Find(&products).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock products: %w", err)
	}

	locked := make(map[uint]*models.Product, len(products))
	for i := range products {
		locked[products[i].ID] = &products[i]
	}
	return locked, nil
}

// Decrement takes qty units of a product. It fails with InsufficientStock,
// leaving the row untouched, if fewer than qty units remain.
func Decrement(tx *gorm.DB, product *models.Product, qty int) error {
	res := tx.Model(&models.Product{}).
		Where("id = ? AND stock >= ?", product.ID, qty).
		UpdateColumn("stock", gorm.Expr("stock - ?", qty))
	if res.Error != nil {
		return fmt.Errorf("failed to decrement stock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.InsufficientStock(product.Name)
	}
	product.Stock -= qty
	return nil
}
