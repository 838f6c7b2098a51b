package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/repository/repotest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type memorySessions struct {
	mu     sync.Mutex
	next   int
	tokens map[string]uint
}

func newMemorySessions() *memorySessions {
	return &memorySessions{tokens: map[string]uint{}}
}

func (m *memorySessions) CreateSession(_ context.Context, userID uint, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	token := fmt.Sprintf("tok-%d", m.next)
	m.tokens[token] = userID
	return token, nil
}

func (m *memorySessions) LookupSession(_ context.Context, token string) (uint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	return id, ok, nil
}

func (m *memorySessions) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
	return nil
}

func newService(t *testing.T) (*Service, *gorm.DB, *memorySessions) {
	db := repotest.NewDB(t)
	sessions := newMemorySessions()
	return NewService(db, sessions, time.Hour, zap.NewNop()), db, sessions
}

func TestResolveAllocatesGuestWithoutCredentials(t *testing.T) {
	svc, _, _ := newService(t)

	res, err := svc.Resolve(context.Background(), Credentials{})
	require.NoError(t, err)
	assert.True(t, res.NewGuest)
	assert.True(t, res.Actor.IsGuest())
	_, err = uuid.Parse(res.Actor.GuestToken)
	assert.NoError(t, err)
}

func TestResolveKeepsExistingGuestCookie(t *testing.T) {
	svc, _, _ := newService(t)
	token := uuid.NewString()

	res, err := svc.Resolve(context.Background(), Credentials{GuestCookie: token})
	require.NoError(t, err)
	assert.False(t, res.NewGuest)
	assert.Equal(t, Guest(token), res.Actor)
}

func TestResolveReplacesMalformedGuestCookie(t *testing.T) {
	svc, _, _ := newService(t)

	res, err := svc.Resolve(context.Background(), Credentials{GuestCookie: "not-a-uuid"})
	require.NoError(t, err)
	assert.True(t, res.NewGuest)
	assert.NotEqual(t, "not-a-uuid", res.Actor.GuestToken)
}

func TestResolveBearer(t *testing.T) {
	svc, db, sessions := newService(t)
	admin := repotest.CreateUser(t, db, "admin@example.com", "secret", true)
	token, _ := sessions.CreateSession(context.Background(), admin.ID, time.Hour)

	res, err := svc.Resolve(context.Background(), Credentials{BearerToken: token, GuestCookie: uuid.NewString()})
	require.NoError(t, err)
	assert.Equal(t, User(admin.ID, true), res.Actor)
	assert.False(t, res.NewGuest)
}

func TestResolveRejectsUnknownBearer(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.Resolve(context.Background(), Credentials{BearerToken: "nope"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _, sessions := newService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterInput{Name: "Mona", Email: "Mona@Example.com", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, "mona@example.com", reg.User.Email)
	assert.NotEmpty(t, reg.Token)

	_, err = svc.Register(ctx, RegisterInput{Name: "Mona", Email: "mona@example.com", Password: "other"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Login(ctx, "mona@example.com", "wrong", "")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	login, err := svc.Login(ctx, "mona@example.com", "hunter22", "")
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, login.User.ID)

	require.NoError(t, svc.Logout(ctx, login.Token))
	_, ok, _ := sessions.LookupSession(ctx, login.Token)
	assert.False(t, ok)
}

func TestLoginMergesGuestRows(t *testing.T) {
	svc, db, _ := newService(t)
	ctx := context.Background()

	user := repotest.CreateUser(t, db, "buyer@example.com", "secret", false)
	shared := repotest.CreateProduct(t, db, "shared", 1000, 10)
	guestOnly := repotest.CreateProduct(t, db, "guest-only", 500, 10)
	guestToken := uuid.NewString()
	guest := Guest(guestToken)
	member := User(user.ID, false)

	addLine := func(a Actor, productID uint, qty int) {
		uid, gt := a.Owner()
		require.NoError(t, db.Omit("Product").Create(&models.CartLine{
			UserID: uid, GuestToken: gt, ProductID: productID, Quantity: qty,
		}).Error)
	}
	addLine(member, shared.ID, 5)
	addLine(guest, shared.ID, 2)
	addLine(guest, guestOnly.ID, 1)

	gUID, gTok := guest.Owner()
	require.NoError(t, db.Omit("Product").Create(&models.Favorite{UserID: gUID, GuestToken: gTok, ProductID: guestOnly.ID}).Error)
	require.NoError(t, db.Create(&models.Order{GuestToken: gTok, Total: 500, Status: models.OrderStatusPending}).Error)

	res, err := svc.Login(ctx, "buyer@example.com", "secret", guestToken)
	require.NoError(t, err)
	assert.Equal(t, MergeStats{CartLines: 1, CartConflicts: 1, Favorites: 1, Orders: 1}, res.Merged)

	var lines []models.CartLine
	require.NoError(t, db.Scopes(member.Scope).Order("product_id").Find(&lines).Error)
	require.Len(t, lines, 2)
	assert.Equal(t, 5, lines[0].Quantity, "user's line wins on conflict")
	assert.Equal(t, guestOnly.ID, lines[1].ProductID)

	var leftover int64
	require.NoError(t, db.Model(&models.CartLine{}).Where("guest_token = ?", guestToken).Count(&leftover).Error)
	assert.Zero(t, leftover)

	var orders []models.Order
	require.NoError(t, db.Scopes(member.Scope).Find(&orders).Error)
	require.Len(t, orders, 1)
	assert.Nil(t, orders[0].GuestToken)

	again, err := svc.Merge(ctx, guestToken, user.ID)
	require.NoError(t, err)
	assert.Equal(t, MergeStats{}, again)
}

func TestActorOwns(t *testing.T) {
	uid := uint(4)
	other := uint(5)
	token := "g-1"
	otherToken := "g-2"

	assert.True(t, User(4, false).Owns(&uid, nil))
	assert.False(t, User(4, false).Owns(&other, nil))
	assert.False(t, User(4, false).Owns(nil, &token))
	assert.True(t, Guest("g-1").Owns(nil, &token))
	assert.False(t, Guest("g-1").Owns(nil, &otherToken))
	assert.False(t, Guest("g-1").Owns(&uid, &token))
	assert.False(t, Actor{}.Owns(nil, nil))
}
