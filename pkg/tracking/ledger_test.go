package tracking

import (
	"testing"

	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndHistory(t *testing.T) {
	db := repotest.NewDB(t)

	_, err := Append(db, 1, models.OrderStatusPending, "Order created")
	require.NoError(t, err)
	_, err = Append(db, 2, models.OrderStatusPending, "Order created")
	require.NoError(t, err)
	_, err = Append(db, 1, models.OrderStatusProcessing, "Payment received")
	require.NoError(t, err)

	history, err := History(db, 1)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.OrderStatusPending, history[0].Status)
	assert.Equal(t, models.OrderStatusProcessing, history[1].Status)
	assert.Equal(t, "Payment received", history[1].Notes)

	none, err := History(db, 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}
