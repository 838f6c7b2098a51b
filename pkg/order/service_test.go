package order

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/audit"
	"github.com/example/storefront/pkg/cart"
	"github.com/example/storefront/pkg/identity"
	"github.com/example/storefront/pkg/metrics"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/repository/repotest"
	"github.com/example/storefront/pkg/tracking"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type published struct {
	key     string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{key, payload})
	return nil
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Record(e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

type fixture struct {
	db        *gorm.DB
	carts     *cart.Service
	orders    *Service
	publisher *recordingPublisher
	audit     *recordingAudit
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	db := repotest.NewDB(t)
	carts := cart.NewService(db, zap.NewNop())
	pub := &recordingPublisher{}
	rec := &recordingAudit{}
	m := metrics.New(nil)
	return &fixture{
		db:        db,
		carts:     carts,
		orders:    NewService(db, carts, pub, rec, m, zap.NewNop()),
		publisher: pub,
		audit:     rec,
		metrics:   m,
	}
}

func (f *fixture) add(t *testing.T, actor identity.Actor, p *models.Product, qty int) {
	t.Helper()
	_, err := f.carts.AddOrUpdate(context.Background(), actor, p.ID, qty, nil)
	require.NoError(t, err)
}

func (f *fixture) countOrders(t *testing.T) int64 {
	var n int64
	require.NoError(t, f.db.Model(&models.Order{}).Count(&n).Error)
	return n
}

func TestCheckoutSnapshotsDiscountPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	actor := identity.Guest("guest-a")
	a := repotest.CreateProduct(t, f.db, "A", 100, 5, repotest.WithDiscount(80))
	f.add(t, actor, a, 2)

	total, err := f.carts.Total(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, int64(160), total)

	o, err := f.orders.Checkout(ctx, actor, "1 Nile St")
	require.NoError(t, err)

	assert.Equal(t, int64(160), o.Total)
	assert.Equal(t, models.OrderStatusPending, o.Status)
	require.Len(t, o.Items, 1)
	assert.Equal(t, int64(80), o.Items[0].Price)
	assert.Equal(t, 3, repotest.Stock(t, f.db, a.ID))

	lines, err := f.carts.List(ctx, actor)
	require.NoError(t, err)
	assert.Empty(t, lines)

	history, err := tracking.History(f.db, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OrderStatusPending, history[0].Status)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, "order.created", f.publisher.events[0].key)
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, audit.OrderEntity(o.ID), f.audit.entries[0].EntityID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Checkouts.WithLabelValues("ok")))

	view := NewCheckoutView(o)
	assert.Equal(t, "1.60", view.Order.TotalDisplay)
}

func TestCheckoutEmptyCart(t *testing.T) {
	f := newFixture(t)

	_, err := f.orders.Checkout(context.Background(), identity.User(1, false), "addr")
	assert.ErrorIs(t, err, apperr.ErrEmptyCart)
	assert.Zero(t, f.countOrders(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Checkouts.WithLabelValues("empty_cart")))
}

func TestCheckoutInsufficientStockLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	actor := identity.User(2, false)
	plenty := repotest.CreateProduct(t, f.db, "plenty", 100, 10)
	scarce := repotest.CreateProduct(t, f.db, "scarce", 100, 3)
	f.add(t, actor, plenty, 4)
	f.add(t, actor, scarce, 3)

	// Someone else bought most of it after it went into the cart.
	require.NoError(t, f.db.Model(&models.Product{}).Where("id = ?", scarce.ID).Update("stock", 1).Error)

	_, err := f.orders.Checkout(ctx, actor, "addr")
	require.ErrorIs(t, err, apperr.ErrInsufficientStock)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "scarce", appErr.Product)

	assert.Zero(t, f.countOrders(t))
	assert.Equal(t, 10, repotest.Stock(t, f.db, plenty.ID))
	assert.Equal(t, 1, repotest.Stock(t, f.db, scarce.ID))

	lines, err := f.carts.List(ctx, actor)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
	assert.Empty(t, f.publisher.events)
}

func TestCheckoutRejectsDeactivatedProduct(t *testing.T) {
	f := newFixture(t)
	actor := identity.User(3, false)
	p := repotest.CreateProduct(t, f.db, "retired", 100, 10)
	f.add(t, actor, p, 1)
	require.NoError(t, f.db.Model(&models.Product{}).Where("id = ?", p.ID).Update("is_active", false).Error)

	_, err := f.orders.Checkout(context.Background(), actor, "addr")
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	assert.Equal(t, 10, repotest.Stock(t, f.db, p.ID))
}

func TestConcurrentCheckoutsForLastUnit(t *testing.T) {
	f := newFixture(t)
	p := repotest.CreateProduct(t, f.db, "last", 100, 1)
	buyers := []identity.Actor{identity.Guest("g-1"), identity.Guest("g-2")}
	for _, b := range buyers {
		f.add(t, b, p, 1)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(buyers))
	for i, b := range buyers {
		wg.Add(1)
		go func(i int, b identity.Actor) {
			defer wg.Done()
			_, errs[i] = f.orders.Checkout(context.Background(), b, "addr")
		}(i, b)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.KindOf(err) == apperr.KindInsufficientStock:
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	assert.Equal(t, 0, repotest.Stock(t, f.db, p.ID))
	assert.Equal(t, int64(1), f.countOrders(t))
}

func TestDoubleSubmittedCheckoutPlacesOneOrder(t *testing.T) {
	f := newFixture(t)
	mug := repotest.CreateProduct(t, f.db, "mug", 300, 10)
	pen := repotest.CreateProduct(t, f.db, "pen", 50, 10)
	actor := identity.Guest("double-click")
	f.add(t, actor, mug, 2)
	f.add(t, actor, pen, 1)

	const attempts = 4
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orders.Checkout(context.Background(), actor, "addr")
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.KindOf(err) == apperr.KindEmptyCart, apperr.KindOf(err) == apperr.KindConflict:
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int64(1), f.countOrders(t))
	assert.Equal(t, 8, repotest.Stock(t, f.db, mug.ID))
	assert.Equal(t, 9, repotest.Stock(t, f.db, pen.ID))

	var o models.Order
	require.NoError(t, f.db.Preload("Items").First(&o).Error)
	assert.Equal(t, int64(650), o.Total)
	assert.Len(t, o.Items, 2)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := identity.User(4, false)
	admin := identity.User(99, true)
	p := repotest.CreateProduct(t, f.db, "desk", 100, 5)
	f.add(t, buyer, p, 1)
	o, err := f.orders.Checkout(ctx, buyer, "addr")
	require.NoError(t, err)

	_, err = f.orders.UpdateStatus(ctx, buyer, o.ID, models.OrderStatusShipped, "", "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.orders.UpdateStatus(ctx, admin, o.ID, models.OrderStatusDelivered, "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.orders.UpdateStatus(ctx, admin, o.ID, models.OrderStatusShipped, "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "pending cannot skip processing")

	_, err = f.orders.UpdateStatus(ctx, admin, o.ID, models.OrderStatusCancelled, "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.orders.UpdateStatus(ctx, admin, 404, models.OrderStatusShipped, "", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.orders.UpdateStatus(ctx, admin, o.ID, models.OrderStatusShipped, strings.Repeat("T", models.MaxTrackingNumberLen+1), "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.orders.UpdateStatus(ctx, admin, o.ID, models.OrderStatusShipped, "", strings.Repeat("n", models.MaxNotesLen+1))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return Transition(tx, o, models.OrderStatusProcessing, "Payment received")
	}))

	shipped, err := f.orders.UpdateStatus(ctx, admin, o.ID, models.OrderStatusShipped, "TRK-1", "Left warehouse")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusShipped, shipped.Status)
	require.NotNil(t, shipped.TrackingNumber)
	assert.Equal(t, "TRK-1", *shipped.TrackingNumber)

	_, err = f.orders.UpdateStatus(ctx, admin, o.ID, models.OrderStatusDelivered, "", "")
	require.NoError(t, err)

	view, err := f.orders.Track(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, view.CurrentStatus)
	require.Len(t, view.TrackingHistory, 4)
	assert.Equal(t, "Left warehouse", view.TrackingHistory[2].Notes)
	assert.Equal(t, "Order status changed to delivered", view.TrackingHistory[3].Notes)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StatusChanges.WithLabelValues("delivered")))
}

func TestTransitionDetectsConcurrentWriter(t *testing.T) {
	f := newFixture(t)
	o := &models.Order{Total: 100, Status: models.OrderStatusPending}
	require.NoError(t, f.db.Create(o).Error)

	stale := *o
	require.NoError(t, Transition(f.db, o, models.OrderStatusProcessing, ""))

	err := Transition(f.db, &stale, models.OrderStatusCancelled, "")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	history, err := tracking.History(f.db, o.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTrackOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := identity.Guest("owner")
	p := repotest.CreateProduct(t, f.db, "chair", 100, 5)
	f.add(t, owner, p, 1)
	o, err := f.orders.Checkout(ctx, owner, "addr")
	require.NoError(t, err)

	view, err := f.orders.Track(ctx, owner, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, view.OrderID)
	assert.Nil(t, view.OrderDetails.PaymentStatus)
	assert.Len(t, view.OrderDetails.Items, 1)

	_, err = f.orders.Track(ctx, identity.Guest("stranger"), o.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.orders.Track(ctx, identity.User(1, true), o.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.orders.Track(ctx, owner, o.ID+100)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	actor := identity.User(5, false)
	p := repotest.CreateProduct(t, f.db, "book", 100, 5)

	var ids []uint
	for i := 0; i < 2; i++ {
		f.add(t, actor, p, 1)
		o, err := f.orders.Checkout(ctx, actor, "addr")
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}

	orders, err := f.orders.List(ctx, actor)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, ids[1], orders[0].ID)

	others, err := f.orders.List(ctx, identity.User(6, false))
	require.NoError(t, err)
	assert.Empty(t, others)
}
