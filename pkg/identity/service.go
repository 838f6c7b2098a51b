package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// SessionStore maps bearer tokens to user ids.
type SessionStore interface {
	CreateSession(ctx context.Context, userID uint, ttl time.Duration) (string, error)
	LookupSession(ctx context.Context, token string) (uint, bool, error)
	DeleteSession(ctx context.Context, token string) error
}

// Credentials are what the boundary layer extracted from the request.
type Credentials struct {
	BearerToken string
	GuestCookie string
}

type Resolution struct {
	Actor Actor
	// NewGuest asks the caller to set Actor.GuestToken as the guest cookie.
	NewGuest bool
}

type Service struct {
	db         *gorm.DB
	sessions   SessionStore
	sessionTTL time.Duration
	logger     *zap.Logger
}

func NewService(db *gorm.DB, sessions SessionStore, sessionTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		db:         db,
		sessions:   sessions,
		sessionTTL: sessionTTL,
		logger:     logger.Named("identity"),
	}
}

// Resolve maps request credentials to an Actor. A bearer token must be valid;
// a missing or malformed guest cookie yields a freshly allocated guest token.
func (s *Service) Resolve(ctx context.Context, creds Credentials) (Resolution, error) {
	if creds.BearerToken != "" {
		user, err := s.userForToken(ctx, creds.BearerToken)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Actor: User(user.ID, user.IsAdmin)}, nil
	}

	if token := strings.TrimSpace(creds.GuestCookie); token != "" {
		if _, err := uuid.Parse(token); err == nil {
			return Resolution{Actor: Guest(token)}, nil
		}
		s.logger.Warn("Discarding malformed guest cookie")
	}

	return Resolution{Actor: Guest(uuid.NewString()), NewGuest: true}, nil
}

func (s *Service) userForToken(ctx context.Context, token string) (*models.User, error) {
	userID, ok, err := s.sessions.LookupSession(ctx, token)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !ok {
		return nil, apperr.Unauthorized("invalid or expired session")
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Unauthorized("invalid or expired session")
		}
		return nil, apperr.Internal(fmt.Errorf("failed to load user: %w", err))
	}
	return &user, nil
}

type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

type AuthResult struct {
	User   *models.User
	Token  string
	Merged MergeStats
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to check email: %w", err))
	}
	if count > 0 {
		return nil, apperr.ValidationFields("email already taken", map[string]string{"email": "has already been taken"})
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to hash password: %w", err))
	}

	user := &models.User{Name: in.Name, Email: email, PasswordHash: string(hash)}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to create user: %w", err))
	}

	token, err := s.sessions.CreateSession(ctx, user.ID, s.sessionTTL)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	s.logger.Info("User registered", zap.Uint("user_id", user.ID))
	return &AuthResult{User: user, Token: token}, nil
}

// Login verifies credentials, re-owns the guest's rows and opens a session.
func (s *Service) Login(ctx context.Context, email, password, guestToken string) (*AuthResult, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Unauthorized("invalid credentials")
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to load user: %w", err))
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, apperr.Unauthorized("invalid credentials")
	}

	var stats MergeStats
	if guestToken != "" {
		stats, err = s.Merge(ctx, guestToken, user.ID)
		if err != nil {
			return nil, err
		}
	}

	token, err := s.sessions.CreateSession(ctx, user.ID, s.sessionTTL)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	s.logger.Info("User logged in",
		zap.Uint("user_id", user.ID),
		zap.Int64("merged_cart_lines", stats.CartLines),
		zap.Int64("merged_orders", stats.Orders))

	return &AuthResult{User: &user, Token: token, Merged: stats}, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.sessions.DeleteSession(ctx, token); err != nil {
		return apperr.Internal(err)
	}
	return nil
}
