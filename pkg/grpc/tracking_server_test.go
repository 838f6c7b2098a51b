package grpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/example/storefront/pkg/audit"
	"github.com/example/storefront/pkg/cart"
	"github.com/example/storefront/pkg/events"
	"github.com/example/storefront/pkg/identity"
	"github.com/example/storefront/pkg/metrics"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/order"
	"github.com/example/storefront/pkg/repository/repotest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"gorm.io/gorm"
)

const fulfilmentSecret = "fulfil-secret"

type staticSessions map[string]uint

func (s staticSessions) CreateSession(context.Context, uint, time.Duration) (string, error) {
	return "", errors.New("sessions are fixed in tests")
}

func (s staticSessions) LookupSession(_ context.Context, token string) (uint, bool, error) {
	id, ok := s[token]
	return id, ok, nil
}

func (s staticSessions) DeleteSession(context.Context, string) error {
	return nil
}

type env struct {
	client   *TrackingClient
	conn     *grpc.ClientConn
	orders   *order.Service
	db       *gorm.DB
	sessions staticSessions
	dialer   grpc.DialOption
}

func startServer(t *testing.T) *env {
	t.Helper()
	db := repotest.NewDB(t)
	carts := cart.NewService(db, zap.NewNop())
	orders := order.NewService(db, carts, events.Nop(), audit.Discard(), metrics.New(nil), zap.NewNop())
	sessions := staticSessions{}
	ids := identity.NewService(db, sessions, time.Hour, zap.NewNop())

	srv := NewTrackingServer(orders, NewAuthenticator(ids, fulfilmentSecret), zap.NewNop())
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	client, err := DialTracking(context.Background(), nil, "order-tracking", "passthrough:///bufnet", zap.NewNop(), dialer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &env{client: client, conn: client.conn, orders: orders, db: db, sessions: sessions, dialer: dialer}
}

// login creates a user and a session token for it.
func (e *env) login(t *testing.T, email string, admin bool) (*models.User, grpc.CallOption) {
	t.Helper()
	user := repotest.CreateUser(t, e.db, email, "password1", admin)
	token := "session-" + email
	e.sessions[token] = user.ID
	return user, grpc.PerRPCCredentials(SessionToken(token))
}

func placeOrder(t *testing.T, db *gorm.DB, orders *order.Service, actor identity.Actor) *models.Order {
	t.Helper()
	p := repotest.CreateProduct(t, db, "widget", 500, 3)
	carts := cart.NewService(db, zap.NewNop())
	_, err := carts.AddOrUpdate(context.Background(), actor, p.ID, 2, nil)
	require.NoError(t, err)
	o, err := orders.Checkout(context.Background(), actor, "addr")
	require.NoError(t, err)
	return o
}

func TestTrack(t *testing.T) {
	e := startServer(t)
	ctx := context.Background()
	guest := uuid.NewString()
	o := placeOrder(t, e.db, e.orders, identity.Guest(guest))

	view, err := e.client.Track(ctx, o.ID, grpc.PerRPCCredentials(GuestToken(guest)))
	require.NoError(t, err)
	fields := view.GetFields()
	assert.Equal(t, float64(o.ID), fields["order_id"].GetNumberValue())
	assert.Equal(t, "pending", fields["current_status"].GetStringValue())
	assert.Len(t, fields["tracking_history"].GetListValue().GetValues(), 1)
	assert.Equal(t, float64(1000), fields["order_details"].GetStructValue().GetFields()["total"].GetNumberValue())

	_, err = e.client.Track(ctx, o.ID, grpc.PerRPCCredentials(GuestToken(uuid.NewString())))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = e.client.Track(ctx, o.ID+1, grpc.PerRPCCredentials(GuestToken(guest)))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = e.client.Track(ctx, o.ID, grpc.PerRPCCredentials(GuestToken("g-1")))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = e.client.Track(ctx, o.ID)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestTrackIgnoresIdentityInRequestBody(t *testing.T) {
	e := startServer(t)
	ctx := context.Background()
	owner, _ := e.login(t, "owner@example.com", false)
	_, other := e.login(t, "other@example.com", false)
	o := placeOrder(t, e.db, e.orders, identity.User(owner.ID, false))

	in, err := structpb.NewStruct(map[string]any{"order_id": o.ID, "user_id": owner.ID})
	require.NoError(t, err)
	method := "/" + ServiceName + "/Track"

	err = e.conn.Invoke(ctx, method, in, new(structpb.Struct))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	err = e.conn.Invoke(ctx, method, in, new(structpb.Struct), other)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = e.client.Track(ctx, o.ID, grpc.PerRPCCredentials(SessionToken("forged")))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestUpdateStatus(t *testing.T) {
	e := startServer(t)
	ctx := context.Background()
	buyer, asBuyer := e.login(t, "buyer@example.com", false)
	_, asAdmin := e.login(t, "admin@example.com", true)
	asFulfilment := grpc.PerRPCCredentials(ServiceToken(fulfilmentSecret))
	o := placeOrder(t, e.db, e.orders, identity.User(buyer.ID, false))

	_, err := e.client.UpdateStatus(ctx, o.ID, "shipped", "", "")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = e.client.UpdateStatus(ctx, o.ID, "shipped", "", "", grpc.PerRPCCredentials(ServiceToken("guess")))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = e.client.UpdateStatus(ctx, o.ID, "shipped", "", "", asBuyer)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = e.client.UpdateStatus(ctx, o.ID, "delivered", "", "", asFulfilment)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = e.client.UpdateStatus(ctx, o.ID, "teleported", "", "", asFulfilment)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	require.NoError(t, e.db.Transaction(func(tx *gorm.DB) error {
		return order.Transition(tx, o, models.OrderStatusProcessing, "")
	}))

	summary, err := e.client.UpdateStatus(ctx, o.ID, "shipped", "EG123", "", asFulfilment)
	require.NoError(t, err)
	assert.Equal(t, "shipped", summary.GetFields()["status"].GetStringValue())

	summary, err = e.client.UpdateStatus(ctx, o.ID, "delivered", "", "", asAdmin)
	require.NoError(t, err)
	assert.Equal(t, "delivered", summary.GetFields()["status"].GetStringValue())

	view, err := e.client.Track(ctx, o.ID, asBuyer)
	require.NoError(t, err)
	assert.Equal(t, "EG123", view.GetFields()["tracking_number"].GetStringValue())
}

func TestDialWithServiceToken(t *testing.T) {
	e := startServer(t)
	ctx := context.Background()
	o := placeOrder(t, e.db, e.orders, identity.Guest(uuid.NewString()))
	require.NoError(t, e.db.Transaction(func(tx *gorm.DB) error {
		return order.Transition(tx, o, models.OrderStatusProcessing, "")
	}))

	fulfilment, err := DialTracking(ctx, nil, "order-tracking", "passthrough:///bufnet", zap.NewNop(), e.dialer, WithServiceToken(fulfilmentSecret))
	require.NoError(t, err)
	t.Cleanup(func() { _ = fulfilment.Close() })

	summary, err := fulfilment.UpdateStatus(ctx, o.ID, "shipped", "EG777", "Picked up")
	require.NoError(t, err)
	assert.Equal(t, "shipped", summary.GetFields()["status"].GetStringValue())

	_, err = fulfilment.Track(ctx, o.ID)
	assert.Equal(t, codes.PermissionDenied, status.Code(err), "the service token does not own orders")
}

func TestServiceAccessDisabledWithoutToken(t *testing.T) {
	auth := NewAuthenticator(nil, "")

	for _, header := range []string{"Service ", "Service anything", "Basic abc", ""} {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", header))
		_, err := auth.authenticate(ctx)
		assert.Equal(t, codes.Unauthenticated, status.Code(err), header)
	}

	guest := uuid.NewString()
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "guest "+guest))
	actor, err := auth.authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, identity.Guest(guest), actor)
}

func TestHealth(t *testing.T) {
	e := startServer(t)

	resp, err := healthpb.NewHealthClient(e.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
