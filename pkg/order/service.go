package order

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/audit"
	"github.com/example/storefront/pkg/cart"
	"github.com/example/storefront/pkg/events"
	"github.com/example/storefront/pkg/identity"
	"github.com/example/storefront/pkg/inventory"
	"github.com/example/storefront/pkg/metrics"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/money"
	"github.com/example/storefront/pkg/tracking"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db        *gorm.DB
	carts     *cart.Service
	publisher events.Publisher
	audit     audit.Recorder
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

func NewService(db *gorm.DB, carts *cart.Service, publisher events.Publisher, recorder audit.Recorder, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		db:        db,
		carts:     carts,
		publisher: publisher,
		audit:     recorder,
		metrics:   m,
		logger:    logger.Named("order"),
		tracer:    otel.Tracer("storefront/order"),
	}
}

// Checkout turns the actor's cart into a pending order. Order, items, stock
// decrements, the first tracking entry and the cart clear commit together or
// not at all.
func (s *Service) Checkout(ctx context.Context, actor identity.Actor, address string) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.Checkout", trace.WithAttributes(attribute.String("actor", actor.String())))
	defer span.End()

	start := time.Now()
	order, err := s.checkout(ctx, actor, address)
	s.metrics.CheckoutDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.Checkouts.WithLabelValues(apperr.KindOf(err).String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Message(err))
		if apperr.KindOf(err) == apperr.KindInternal {
			s.logger.Error("Checkout failed", zap.String("actor", actor.String()), zap.Error(err))
		}
		return nil, err
	}
	s.metrics.Checkouts.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int64("order.id", int64(order.ID)), attribute.Int64("order.total", order.Total))

	s.logger.Info("Order created",
		zap.Uint("order_id", order.ID),
		zap.String("actor", actor.String()),
		zap.Int64("total", order.Total),
		zap.Int("items", len(order.Items)))

	s.publish(ctx, events.OrderCreated, events.OrderEvent{
		OrderID:    order.ID,
		Status:     order.Status.String(),
		Total:      order.Total,
		OccurredAt: order.CreatedAt,
	})
	s.audit.Record(audit.Entry{
		Service:  "order",
		Action:   "order.created",
		EntityID: audit.OrderEntity(order.ID),
		Data:     map[string]any{"actor": actor.String(), "total": order.Total, "items": len(order.Items)},
	})

	return order, nil
}

func (s *Service) checkout(ctx context.Context, actor identity.Actor, address string) (*models.Order, error) {
	var order *models.Order

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lines, err := s.carts.LockTx(tx, actor)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return apperr.EmptyCart()
		}

		ids := make([]uint, len(lines))
		for i, line := range lines {
			ids[i] = line.ProductID
		}
		locked, err := inventory.Lock(tx, ids)
		if err != nil {
			return err
		}

		// Validate every line before the first write.
		for i := range lines {
			product, ok := locked[lines[i].ProductID]
			if !ok || !product.IsActive || product.Stock < lines[i].Quantity {
				name := lines[i].Product.Name
				if ok {
					name = product.Name
				}
				return apperr.InsufficientStock(name)
			}
			lines[i].Product = *product
		}

		userID, guestToken := actor.Owner()
		order = &models.Order{
			UserID:     userID,
			GuestToken: guestToken,
			Total:      cart.Total(lines),
			Status:     models.OrderStatusPending,
			Address:    address,
		}
		for _, line := range lines {
			order.Items = append(order.Items, models.OrderItem{
				ProductID:   line.ProductID,
				ProductName: line.Product.Name,
				Quantity:    line.Quantity,
				Price:       line.Product.FinalPrice(),
			})
		}
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		for _, line := range lines {
			if err := inventory.Decrement(tx, locked[line.ProductID], line.Quantity); err != nil {
				return err
			}
		}

		if _, err := tracking.Append(tx, order.ID, models.OrderStatusPending, "Order created"); err != nil {
			return err
		}

		return s.carts.ConsumeTx(tx, actor, lines)
	})
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	return order, nil
}

// UpdateStatus is the admin path for moving an order forward to shipped or
// delivered.
func (s *Service) UpdateStatus(ctx context.Context, actor identity.Actor, orderID uint, next models.OrderStatus, trackingNumber, notes string) (*models.Order, error) {
	if !actor.Admin {
		return nil, apperr.Forbidden("only administrators can update order status")
	}
	fields := map[string]string{}
	if utf8.RuneCountInString(trackingNumber) > models.MaxTrackingNumberLen {
		fields["tracking_number"] = fmt.Sprintf("must be at most %d characters", models.MaxTrackingNumberLen)
	}
	if utf8.RuneCountInString(notes) > models.MaxNotesLen {
		fields["notes"] = fmt.Sprintf("must be at most %d characters", models.MaxNotesLen)
	}
	if len(fields) > 0 {
		return nil, apperr.ValidationFields("validation failed", fields)
	}
	if next != models.OrderStatusShipped && next != models.OrderStatusDelivered {
		o, err := s.load(s.db.WithContext(ctx), orderID, false)
		if err != nil {
			return nil, apperr.Wrap(err)
		}
		return nil, apperr.InvalidTransition(o.Status.String(), next.String())
	}

	var order *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := s.load(tx, orderID, true)
		if err != nil {
			return err
		}
		if err := Transition(tx, o, next, notes); err != nil {
			return err
		}
		if trackingNumber != "" {
			if err := tx.Model(&models.Order{}).Where("id = ?", o.ID).Update("tracking_number", trackingNumber).Error; err != nil {
				return fmt.Errorf("failed to set tracking number: %w", err)
			}
			o.TrackingNumber = &trackingNumber
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(err)
	}

	s.metrics.StatusChanges.WithLabelValues(next.String()).Inc()
	s.logger.Info("Order status updated",
		zap.Uint("order_id", order.ID),
		zap.String("status", next.String()),
		zap.Uint("by", actor.UserID))

	s.publish(ctx, events.OrderStatusChanged, events.OrderEvent{
		OrderID:    order.ID,
		Status:     next.String(),
		Total:      order.Total,
		OccurredAt: time.Now().UTC(),
	})
	s.audit.Record(audit.Entry{
		Service:  "order",
		Action:   "order.status_changed",
		EntityID: audit.OrderEntity(order.ID),
		Data:     map[string]any{"status": next.String(), "tracking_number": trackingNumber, "by": actor.UserID},
	})

	return order, nil
}

// Owned loads an order with its items for its exact owner.
func (s *Service) Owned(ctx context.Context, actor identity.Actor, orderID uint) (*models.Order, error) {
	var o models.Order
	err := s.db.WithContext(ctx).Preload("Items").First(&o, orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("order")
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to load order: %w", err))
	}
	if !actor.Owns(o.UserID, o.GuestToken) {
		return nil, apperr.Forbidden("you do not have access to this order")
	}
	return &o, nil
}

func (s *Service) Track(ctx context.Context, actor identity.Actor, orderID uint) (*TrackingView, error) {
	o, err := s.Owned(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}

	history, err := tracking.History(s.db.WithContext(ctx), o.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	var paymentStatus *models.PaymentStatus
	var payment models.Payment
	err = s.db.WithContext(ctx).Where("order_id = ?", o.ID).Limit(1).Find(&payment).Error
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to load payment: %w", err))
	}
	if payment.ID != 0 {
		paymentStatus = &payment.Status
	}

	return &TrackingView{
		OrderID:         o.ID,
		CurrentStatus:   o.Status,
		TrackingNumber:  o.TrackingNumber,
		TrackingHistory: history,
		OrderDetails: Details{
			Total:         o.Total,
			TotalDisplay:  money.Format(o.Total),
			Items:         o.Items,
			PaymentStatus: paymentStatus,
		},
	}, nil
}

// List returns the actor's orders newest first.
func (s *Service) List(ctx context.Context, actor identity.Actor) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).
		Scopes(actor.Scope).
		Preload("Items").
		Order("created_at DESC, id DESC").
		Find(&orders).Error
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to list orders: %w", err))
	}
	return orders, nil
}

func (s *Service) load(tx *gorm.DB, orderID uint, lock bool) (*models.Order, error) {
	q := tx
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var o models.Order
	err := q.First(&o, orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("order")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &o, nil
}

func (s *Service) publish(ctx context.Context, key string, payload any) {
	if err := s.publisher.Publish(ctx, key, payload); err != nil {
		s.logger.Warn("Failed to publish event", zap.String("routing_key", key), zap.Error(err))
	}
}
