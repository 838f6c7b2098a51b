package catalog

import (
	"context"
	"testing"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }

func TestList(t *testing.T) {
	db := repotest.NewDB(t)
	svc := NewService(db)
	ctx := context.Background()

	repotest.CreateProduct(t, db, "red shirt", 100, 5)
	repotest.CreateProduct(t, db, "blue shirt", 300, 0)
	repotest.CreateProduct(t, db, "green mug", 200, 2)
	repotest.CreateProduct(t, db, "hidden shirt", 150, 9, repotest.Inactive())

	tests := []struct {
		name   string
		filter Filter
		names  []string
		total  int64
	}{
		{"price ascending", Filter{Sort: SortPriceAsc}, []string{"red shirt", "green mug", "blue shirt"}, 3},
		{"price descending", Filter{Sort: SortPriceDesc}, []string{"blue shirt", "green mug", "red shirt"}, 3},
		{"search", Filter{Search: "SHIRT", Sort: SortPriceAsc}, []string{"red shirt", "blue shirt"}, 2},
		{"price range", Filter{MinPrice: int64p(150), MaxPrice: int64p(300), Sort: SortPriceAsc}, []string{"green mug", "blue shirt"}, 2},
		{"in stock", Filter{InStock: true, Sort: SortPriceAsc}, []string{"red shirt", "green mug"}, 2},
		{"second page", Filter{Sort: SortPriceAsc, Page: 2, PerPage: 2}, []string{"blue shirt"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := svc.List(ctx, tt.filter)
			require.NoError(t, err)

			var names []string
			for _, p := range page.Data {
				names = append(names, p.Name)
			}
			assert.Equal(t, tt.names, names)
			assert.Equal(t, tt.total, page.Meta.Total)
		})
	}
}

func TestListMeta(t *testing.T) {
	db := repotest.NewDB(t)
	svc := NewService(db)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		repotest.CreateProduct(t, db, name, 100, 1)
	}

	page, err := svc.List(context.Background(), Filter{Page: 3, PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, Meta{CurrentPage: 3, Total: 5, PerPage: 2, LastPage: 3}, page.Meta)
	assert.Len(t, page.Data, 1)

	page, err = svc.List(context.Background(), Filter{PerPage: 1000})
	require.NoError(t, err)
	assert.Equal(t, MaxPerPage, page.Meta.PerPage)
}

func TestListEmptyCatalog(t *testing.T) {
	svc := NewService(repotest.NewDB(t))

	page, err := svc.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.NotNil(t, page.Data)
	assert.Equal(t, Meta{CurrentPage: 1, PerPage: DefaultPerPage, LastPage: 1}, page.Meta)
}

func TestListValidation(t *testing.T) {
	svc := NewService(repotest.NewDB(t))

	_, err := svc.List(context.Background(), Filter{Sort: "popular"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.List(context.Background(), Filter{MinPrice: int64p(10), MaxPrice: int64p(5)})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGet(t *testing.T) {
	db := repotest.NewDB(t)
	svc := NewService(db)
	visible := repotest.CreateProduct(t, db, "visible", 100, 1)
	hidden := repotest.CreateProduct(t, db, "hidden", 100, 1, repotest.Inactive())

	p, err := svc.Get(context.Background(), visible.ID)
	require.NoError(t, err)
	assert.Equal(t, "visible", p.Name)

	_, err = svc.Get(context.Background(), hidden.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
