package favorite

import (
	"context"
	"testing"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/identity"
	"github.com/example/storefront/pkg/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToggle(t *testing.T) {
	db := repotest.NewDB(t)
	svc := NewService(db)
	ctx := context.Background()
	actor := identity.Guest("fan")
	p := repotest.CreateProduct(t, db, "poster", 100, 1)

	added, err := svc.Toggle(ctx, actor, p.ID)
	require.NoError(t, err)
	assert.True(t, added)

	list, err := svc.List(ctx, actor)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "poster", list[0].Name)

	added, err = svc.Toggle(ctx, actor, p.ID)
	require.NoError(t, err)
	assert.False(t, added)

	list, err = svc.List(ctx, actor)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestToggleIsPerActor(t *testing.T) {
	db := repotest.NewDB(t)
	svc := NewService(db)
	ctx := context.Background()
	p := repotest.CreateProduct(t, db, "poster", 100, 1)

	_, err := svc.Toggle(ctx, identity.User(1, false), p.ID)
	require.NoError(t, err)
	added, err := svc.Toggle(ctx, identity.Guest("someone"), p.ID)
	require.NoError(t, err)
	assert.True(t, added)

	list, err := svc.List(ctx, identity.User(1, false))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestToggleUnknownProduct(t *testing.T) {
	db := repotest.NewDB(t)
	svc := NewService(db)
	hidden := repotest.CreateProduct(t, db, "hidden", 100, 1, repotest.Inactive())

	_, err := svc.Toggle(context.Background(), identity.Guest("g"), hidden.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Toggle(context.Background(), identity.Guest("g"), 404)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
