package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/audit"
	"github.com/example/storefront/pkg/events"
	"github.com/example/storefront/pkg/identity"
	"github.com/example/storefront/pkg/metrics"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/order"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Transaction id prefixes.
const (
	prefixCash    = "COD-"
	prefixTemp    = "TEMP-"
	prefixPaymob  = "PMB-"
	prefixFailure = "FAILED-"
)

const defaultCountry = "EG"

type Service struct {
	db         *gorm.DB
	gateway    Gateway
	hmacSecret []byte
	publisher  events.Publisher
	audit      audit.Recorder
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
}

func NewService(db *gorm.DB, gateway Gateway, hmacSecret string, publisher events.Publisher, recorder audit.Recorder, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		db:         db,
		gateway:    gateway,
		hmacSecret: []byte(hmacSecret),
		publisher:  publisher,
		audit:      recorder,
		metrics:    m,
		logger:     logger.Named("payment"),
		tracer:     otel.Tracer("storefront/payment"),
	}
}

// Result is returned from Initiate.
type Result struct {
	Message     string             `json:"message"`
	Payment     *models.Payment    `json:"payment"`
	OrderStatus models.OrderStatus `json:"order_status"`
	RedirectURL string             `json:"payment_url,omitempty"`
}

// Initiate starts paying for a pending order. Cash on delivery completes
// right away; card payments open a remote session and settle through the
// webhook.
func (s *Service) Initiate(ctx context.Context, actor identity.Actor, orderID uint, method models.PaymentMethod) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "payment.Initiate", trace.WithAttributes(
		attribute.Int64("order.id", int64(orderID)),
		attribute.String("payment.method", string(method)),
	))
	defer span.End()

	res, err := s.initiate(ctx, actor, orderID, method)
	if err != nil {
		s.metrics.PaymentInitiations.WithLabelValues(string(method), apperr.KindOf(err).String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Message(err))
		return nil, err
	}
	s.metrics.PaymentInitiations.WithLabelValues(string(method), "ok").Inc()
	return res, nil
}

func (s *Service) initiate(ctx context.Context, actor identity.Actor, orderID uint, method models.PaymentMethod) (*Result, error) {
	if !method.Valid() {
		return nil, apperr.ValidationFields("invalid payment method", map[string]string{
			"payment_method": "must be card or cash_on_delivery",
		})
	}

	var (
		o       *models.Order
		payment *models.Payment
		billing Billing
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		o, err = s.lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if !actor.Owns(o.UserID, o.GuestToken) {
			return apperr.Forbidden("you do not have access to this order")
		}
		if o.Status != models.OrderStatusPending {
			return apperr.Conflict("order is not awaiting payment")
		}

		var existing models.Payment
		if err := tx.Where("order_id = ?", o.ID).Limit(1).Find(&existing).Error; err != nil {
			return fmt.Errorf("failed to check payments: %w", err)
		}
		if existing.ID != 0 && !resumable(&existing, method) {
			return apperr.Conflict("order already has a payment")
		}

		if method == models.PaymentMethodCard {
			if billing, err = s.billing(tx, o); err != nil {
				return err
			}
		}

		if existing.ID != 0 {
			// An earlier attempt committed its placeholder but never reached
			// the gateway. Open the session for that payment instead.
			s.logger.Info("Resuming card payment", zap.Uint("order_id", o.ID), zap.Uint("payment_id", existing.ID))
			payment = &existing
			return nil
		}

		payment = &models.Payment{
			OrderID:       o.ID,
			Method:        method,
			Amount:        o.Total,
			Status:        models.PaymentStatusPending,
			TransactionID: prefixTemp + uuid.NewString(),
		}

		if method == models.PaymentMethodCashOnDelivery {
			payment.Status = models.PaymentStatusCompleted
			payment.TransactionID = prefixCash + uuid.NewString()
			if err := payment.SetDetails(models.CashDetails{ConfirmedAt: time.Now().UTC()}); err != nil {
				return err
			}
		}

		if err := tx.Create(payment).Error; err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
		if err := tx.Model(&models.Order{}).Where("id = ?", o.ID).Update("payment_id", payment.ID).Error; err != nil {
			return fmt.Errorf("failed to link payment: %w", err)
		}
		o.PaymentID = &payment.ID

		if method == models.PaymentMethodCashOnDelivery {
			return order.Transition(tx, o, models.OrderStatusProcessing, "Order confirmed, cash on delivery")
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(err)
	}

	if method == models.PaymentMethodCashOnDelivery {
		s.logger.Info("Cash on delivery confirmed", zap.Uint("order_id", o.ID), zap.Uint("payment_id", payment.ID))
		s.settled(ctx, o, payment, "payment.completed")
		s.metrics.StatusChanges.WithLabelValues(models.OrderStatusProcessing.String()).Inc()
		return &Result{
			Message:     "Order confirmed, cash on delivery",
			Payment:     payment,
			OrderStatus: o.Status,
		}, nil
	}

	return s.openCardSession(ctx, o, payment, billing)
}

// resumable reports whether a card attempt may reuse p: a card payment still
// holding its placeholder transaction id.
func resumable(p *models.Payment, method models.PaymentMethod) bool {
	return method == models.PaymentMethodCard &&
		p.Method == models.PaymentMethodCard &&
		p.Status == models.PaymentStatusPending &&
		strings.HasPrefix(p.TransactionID, prefixTemp)
}

func (s *Service) openCardSession(ctx context.Context, o *models.Order, payment *models.Payment, billing Billing) (*Result, error) {
	placeholder := payment.TransactionID
	session, err := s.gateway.CreateSession(ctx, SessionRequest{
		MerchantOrderID: strconv.FormatUint(uint64(o.ID), 10),
		AmountCents:     o.Total,
		Billing:         billing,
	})
	if err != nil {
		return nil, s.failInitiation(ctx, o, payment, placeholder, err)
	}

	details := models.CardSessionDetails{RemoteOrderID: session.RemoteOrderID, PaymentKey: session.PaymentKey}
	if err := payment.SetDetails(details); err != nil {
		return nil, apperr.Internal(err)
	}
	payment.TransactionID = prefixPaymob + strconv.FormatInt(session.RemoteOrderID, 10)

	// A webhook may already have settled the payment, or a concurrent retry
	// stored its own session; never overwrite either.
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ? AND transaction_id = ?", payment.ID, models.PaymentStatusPending, placeholder).
		Updates(map[string]any{
			"transaction_id": payment.TransactionID,
			"details_kind":   payment.DetailsKind,
			"details":        payment.Details,
		})
	if res.Error != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to store payment session: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		s.logger.Info("Payment moved on before session was stored", zap.Uint("payment_id", payment.ID))
	}

	s.logger.Info("Card payment session created",
		zap.Uint("order_id", o.ID),
		zap.Uint("payment_id", payment.ID),
		zap.Int64("remote_order_id", session.RemoteOrderID))

	return &Result{
		Message:     "Redirect to complete payment",
		Payment:     payment,
		OrderStatus: o.Status,
		RedirectURL: session.RedirectURL,
	}, nil
}

// failInitiation records a gateway failure on the payment and cancels the
// order if nothing else has moved it on.
func (s *Service) failInitiation(ctx context.Context, o *models.Order, payment *models.Payment, placeholder string, cause error) error {
	reason := models.Clip(cause.Error(), models.MaxFailureReasonLen)
	s.logger.Error("Payment initiation failed", zap.Uint("order_id", o.ID), zap.Error(cause))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status = ? AND transaction_id = ?", payment.ID, models.PaymentStatusPending, placeholder).
			Updates(map[string]any{
				"status":         models.PaymentStatusFailed,
				"failure_reason": reason,
				"transaction_id": prefixFailure + uuid.NewString(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to mark payment failed: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		payment.Status = models.PaymentStatusFailed
		payment.FailureReason = reason

		current, err := s.lockOrder(tx, o.ID)
		if err != nil {
			return err
		}
		if current.Status != models.OrderStatusPending {
			*o = *current
			return nil
		}
		if err := order.Transition(tx, current, models.OrderStatusCancelled, "Payment initiation failed: "+reason); err != nil {
			return err
		}
		*o = *current
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to record payment failure", zap.Uint("order_id", o.ID), zap.Error(err))
		return apperr.Wrap(err)
	}

	if payment.Status == models.PaymentStatusFailed {
		s.publish(ctx, events.PaymentFailed, events.PaymentEvent{
			OrderID:    o.ID,
			PaymentID:  payment.ID,
			Method:     string(payment.Method),
			Status:     string(payment.Status),
			Reason:     reason,
			OccurredAt: time.Now().UTC(),
		})
		s.audit.Record(audit.Entry{
			Service:  "payment",
			Action:   "payment.initiation_failed",
			EntityID: audit.OrderEntity(o.ID),
			Data:     map[string]any{"payment_id": payment.ID, "reason": reason, "order_status": o.Status.String()},
		})
		if o.Status == models.OrderStatusCancelled {
			s.metrics.StatusChanges.WithLabelValues(models.OrderStatusCancelled.String()).Inc()
		}
	}

	return apperr.PaymentInitiation(cause)
}

func (s *Service) billing(tx *gorm.DB, o *models.Order) (Billing, error) {
	b := Billing{City: "Cairo", Country: defaultCountry}
	if o.UserID == nil {
		b.FirstName = "Guest"
		return b, nil
	}

	var user models.User
	err := tx.First(&user, *o.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return b, nil
	}
	if err != nil {
		return Billing{}, apperr.Internal(fmt.Errorf("failed to load user: %w", err))
	}
	b.FirstName = user.Name
	b.Email = user.Email
	b.Phone = user.Phone
	return b, nil
}

func (s *Service) lockOrder(tx *gorm.DB, orderID uint) (*models.Order, error) {
	var o models.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&o, orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("order")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &o, nil
}

// settled publishes and audits a completed payment.
func (s *Service) settled(ctx context.Context, o *models.Order, payment *models.Payment, action string) {
	s.publish(ctx, events.PaymentCompleted, events.PaymentEvent{
		OrderID:       o.ID,
		PaymentID:     payment.ID,
		Method:        string(payment.Method),
		Status:        string(payment.Status),
		TransactionID: payment.TransactionID,
		OccurredAt:    time.Now().UTC(),
	})
	s.audit.Record(audit.Entry{
		Service:  "payment",
		Action:   action,
		EntityID: audit.OrderEntity(o.ID),
		Data: map[string]any{
			"payment_id":     payment.ID,
			"method":         string(payment.Method),
			"transaction_id": payment.TransactionID,
			"order_status":   o.Status.String(),
		},
	})
}

func (s *Service) publish(ctx context.Context, key string, payload any) {
	if err := s.publisher.Publish(ctx, key, payload); err != nil {
		s.logger.Warn("Failed to publish event", zap.String("routing_key", key), zap.Error(err))
	}
}
