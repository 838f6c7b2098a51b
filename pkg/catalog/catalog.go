// Package catalog is the read side of the product catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/models"
	"gorm.io/gorm"
)

const (
	DefaultPerPage = 10
	MaxPerPage     = 100
)

// Sort orders accepted by List.
const (
	SortNewest    = "newest"
	SortPriceAsc  = "price_asc"
	SortPriceDesc = "price_desc"
)

var sortColumns = map[string]string{
	SortNewest:    "created_at DESC, id DESC",
	SortPriceAsc:  "price ASC, id ASC",
	SortPriceDesc: "price DESC, id DESC",
}

// Filter narrows List. Prices are minor units and apply to the list price.
type Filter struct {
	Search   string
	MinPrice *int64
	MaxPrice *int64
	InStock  bool
	Sort     string
	Page     int
	PerPage  int
}

type Meta struct {
	CurrentPage int   `json:"current_page"`
	Total       int64 `json:"total"`
	PerPage     int   `json:"per_page"`
	LastPage    int   `json:"last_page"`
}

type Page struct {
	Data []models.Product `json:"data"`
	Meta Meta             `json:"meta"`
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// List pages through active products.
func (s *Service) List(ctx context.Context, f Filter) (*Page, error) {
	if f.MinPrice != nil && f.MaxPrice != nil && *f.MinPrice > *f.MaxPrice {
		return nil, apperr.ValidationFields("invalid price range", map[string]string{
			"min_price": "must not exceed max_price",
		})
	}
	order, ok := sortColumns[f.Sort]
	if f.Sort == "" {
		order, ok = sortColumns[SortNewest], true
	}
	if !ok {
		return nil, apperr.ValidationFields("invalid sort", map[string]string{
			"sort": "must be one of newest, price_asc, price_desc",
		})
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	perPage := f.PerPage
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	q := s.db.WithContext(ctx).Model(&models.Product{}).Where("is_active = ?", true)
	if term := strings.TrimSpace(f.Search); term != "" {
		like := "%" + strings.ToLower(term) + "%"
		q = q.Where("(LOWER(name) LIKE ? OR LOWER(description) LIKE ?)", like, like)
	}
	if f.MinPrice != nil {
		q = q.Where("price >= ?", *f.MinPrice)
	}
	if f.MaxPrice != nil {
		q = q.Where("price <= ?", *f.MaxPrice)
	}
	if f.InStock {
		q = q.Where("stock > 0")
	}

	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to count products: %w", err))
	}

	products := []models.Product{}
	err := q.Order(order).Offset((page - 1) * perPage).Limit(perPage).Find(&products).Error
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to list products: %w", err))
	}

	lastPage := int((total + int64(perPage) - 1) / int64(perPage))
	if lastPage < 1 {
		lastPage = 1
	}

	return &Page{
		Data: products,
		Meta: Meta{CurrentPage: page, Total: total, PerPage: perPage, LastPage: lastPage},
	}, nil
}

// Get returns an active product.
func (s *Service) Get(ctx context.Context, id uint) (*models.Product, error) {
	var p models.Product
	err := s.db.WithContext(ctx).Where("is_active = ?", true).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("product")
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to load product: %w", err))
	}
	return &p, nil
}
