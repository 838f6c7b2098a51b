// Package repotest opens throwaway storefront databases for tests.
package repotest

import (
	"testing"

	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/repository"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewDB returns a migrated in-memory SQLite database. The pool holds a single
// connection, so concurrent transactions run one after another.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, repository.Migrate(db))
	return db
}

type ProductOption func(*models.Product)

func WithDiscount(price int64) ProductOption {
	return func(p *models.Product) { p.DiscountPrice = &price }
}

func Inactive() ProductOption {
	return func(p *models.Product) { p.IsActive = false }
}

func CreateProduct(t testing.TB, db *gorm.DB, name string, price int64, stock int, opts ...ProductOption) *models.Product {
	t.Helper()
	p := &models.Product{Name: name, Slug: name, Price: price, Stock: stock, IsActive: true}
	for _, opt := range opts {
		opt(p)
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

func CreateUser(t testing.TB, db *gorm.DB, email, password string, admin bool) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	u := &models.User{Name: email, Email: email, PasswordHash: string(hash), IsAdmin: admin}
	require.NoError(t, db.Create(u).Error)
	return u
}

func Stock(t testing.TB, db *gorm.DB, productID uint) int {
	t.Helper()
	var p models.Product
	require.NoError(t, db.First(&p, productID).Error)
	return p.Stock
}
