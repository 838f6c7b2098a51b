// Package app wires the storefront services to their infrastructure.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/example/storefront/pkg/audit"
	"github.com/example/storefront/pkg/cart"
	"github.com/example/storefront/pkg/catalog"
	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/events"
	"github.com/example/storefront/pkg/favorite"
	"github.com/example/storefront/pkg/identity"
	"github.com/example/storefront/pkg/metrics"
	"github.com/example/storefront/pkg/order"
	"github.com/example/storefront/pkg/payment"
	"github.com/example/storefront/pkg/repository"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Services are the core operations the transports call into.
type Services struct {
	Identity  *identity.Service
	Catalog   *catalog.Service
	Carts     *cart.Service
	Favorites *favorite.Service
	Orders    *order.Service
	Payments  *payment.Service
	// AuditLog is nil when no audit store is configured.
	AuditLog audit.Reader
	Metrics  *metrics.Metrics
}

// Deps are the pieces NewServices needs besides the database.
type Deps struct {
	Sessions   identity.SessionStore
	Gateway    payment.Gateway
	Publisher  events.Publisher
	Recorder   audit.Recorder
	AuditLog   audit.Reader
	Metrics    *metrics.Metrics
	SessionTTL time.Duration
	HMACSecret string
}

func NewServices(db *gorm.DB, d Deps, logger *zap.Logger) *Services {
	carts := cart.NewService(db, logger)
	orders := order.NewService(db, carts, d.Publisher, d.Recorder, d.Metrics, logger)

	return &Services{
		Identity:  identity.NewService(db, d.Sessions, d.SessionTTL, logger),
		Catalog:   catalog.NewService(db),
		Carts:     carts,
		Favorites: favorite.NewService(db),
		Orders:    orders,
		Payments:  payment.NewService(db, d.Gateway, d.HMACSecret, d.Publisher, d.Recorder, d.Metrics, logger),
		AuditLog:  d.AuditLog,
		Metrics:   d.Metrics,
	}
}

// App owns every connection opened by Open.
type App struct {
	Services *Services
	DB       *gorm.DB
	Redis    *repository.RedisRepository

	logger  *zap.Logger
	closers []func(ctx context.Context) error
}

// Open connects to MySQL, Redis, MongoDB and RabbitMQ as configured and builds
// the services. MongoDB and RabbitMQ are optional: without them audit entries
// and events are dropped.
func Open(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	// Connect to MySQL
	db, err := repository.OpenMySQL(&cfg.MySQL)
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(db); err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	// Redis
	a.Redis = repository.NewRedisRepository(&cfg.Redis)
	a.closers = append(a.closers, func(context.Context) error { return a.Redis.Close() })
	if err := a.Redis.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// MongoDB
	var (
		recorder audit.Recorder = audit.Discard()
		reader   audit.Reader
	)
	if cfg.MongoDB.URI != "" {
		mongoRepo, err := repository.NewMongoRepository(&cfg.MongoDB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		a.closers = append(a.closers, mongoRepo.Close)

		dispatcher, err := audit.NewDispatcher(mongoRepo, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		// Runs before the Mongo close above.
		a.closers = append(a.closers, func(context.Context) error { return dispatcher.Stop() })
		recorder, reader = dispatcher, mongoRepo
	} else {
		logger.Warn("MongoDB not configured, audit entries are dropped")
	}

	// RabbitMQ
	var publisher events.Publisher = events.Nop()
	if cfg.RabbitMQ.URL != "" {
		amqpPub, err := events.DialAMQP(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return amqpPub.Close() })
		publisher = amqpPub
	} else {
		logger.Warn("RabbitMQ not configured, domain events are dropped")
	}

	a.Services = NewServices(db, Deps{
		Sessions:   a.Redis,
		Gateway:    payment.NewPaymobClient(cfg.Paymob),
		Publisher:  publisher,
		Recorder:   recorder,
		AuditLog:   reader,
		Metrics:    metrics.New(reg),
		SessionTTL: cfg.Session.TTL,
		HMACSecret: cfg.Paymob.HMACSecret,
	}, logger)

	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("Failed to close resource", zap.Error(err))
		}
	}
	a.closers = nil
}
