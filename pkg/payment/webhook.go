package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/audit"
	"github.com/example/storefront/pkg/events"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/order"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Webhook outcomes, used as metric labels.
const (
	outcomeBadSignature   = "bad_signature"
	outcomeMalformed      = "malformed"
	outcomeDeclined       = "declined"
	outcomeNotFound       = "not_found"
	outcomeCompleted      = "completed"
	outcomeDuplicate      = "duplicate"
	outcomeAlreadySettled = "already_settled"
	outcomeCancelledOrder = "cancelled_order"
	outcomeError          = "error"
)

// rejectedEntity is the audit entity for webhooks that cannot be tied to an order.
const rejectedEntity = "webhook"

type webhookPayload struct {
	Type string          `json:"type"`
	Obj  json.RawMessage `json:"obj"`
}

type webhookTransaction struct {
	ID      flexString `json:"id"`
	Success *bool      `json:"success"`
	Pending bool       `json:"pending"`
	Order   struct {
		ID              flexString `json:"id"`
		MerchantOrderID flexString `json:"merchant_order_id"`
	} `json:"order"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

// VerifySignature checks signature against the hex HMAC-SHA512 of body.
func (s *Service) VerifySignature(body []byte, signature string) bool {
	if len(s.hmacSecret) == 0 {
		return false
	}
	mac := hmac.New(sha512.New, s.hmacSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// HandleWebhook reconciles a signed gateway callback with local state.
// Redelivery of an already applied transaction is a no-op.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	ctx, span := s.tracer.Start(ctx, "payment.HandleWebhook")
	defer span.End()

	outcome, err := s.handleWebhook(ctx, body, signature)
	s.metrics.Webhooks.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("webhook.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Message(err))
	}
	return err
}

func (s *Service) handleWebhook(ctx context.Context, body []byte, signature string) (string, error) {
	if !s.VerifySignature(body, signature) {
		s.reject(rejectedEntity, outcomeBadSignature, "invalid webhook signature")
		return outcomeBadSignature, apperr.SignatureMismatch()
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Obj) == 0 || string(payload.Obj) == "null" {
		s.reject(rejectedEntity, outcomeMalformed, "unreadable payload")
		return outcomeMalformed, apperr.BadPayload("malformed webhook payload")
	}
	var txn webhookTransaction
	if err := json.Unmarshal(payload.Obj, &txn); err != nil || txn.Success == nil {
		s.reject(rejectedEntity, outcomeMalformed, "unreadable transaction")
		return outcomeMalformed, apperr.BadPayload("malformed webhook payload")
	}

	merchantOrderID := strings.TrimSpace(string(txn.Order.MerchantOrderID))
	orderID, parseErr := strconv.ParseUint(merchantOrderID, 10, 64)
	entity := rejectedEntity
	if parseErr == nil && orderID > 0 {
		entity = audit.OrderEntity(uint(orderID))
	}

	if !*txn.Success {
		s.reject(entity, outcomeDeclined, "gateway reported failure",
			zap.String("transaction_id", string(txn.ID)),
			zap.Bool("pending", txn.Pending))
		return outcomeDeclined, apperr.BadPayload("payment failed")
	}
	if merchantOrderID == "" {
		s.reject(entity, outcomeMalformed, "merchant order id missing", zap.String("transaction_id", string(txn.ID)))
		return outcomeMalformed, apperr.BadPayload("merchant order id missing")
	}
	transactionID := strings.TrimSpace(string(txn.ID))
	if transactionID == "" {
		s.reject(entity, outcomeMalformed, "transaction id missing")
		return outcomeMalformed, apperr.BadPayload("transaction id missing")
	}

	if parseErr != nil || orderID == 0 {
		s.reject(entity, outcomeNotFound, "unknown merchant order id")
		return outcomeNotFound, apperr.NotFound("order")
	}

	return s.reconcile(ctx, uint(orderID), transactionID, payload.Obj)
}

func (s *Service) reconcile(ctx context.Context, orderID uint, transactionID string, raw json.RawMessage) (string, error) {
	var (
		o            *models.Order
		payment      models.Payment
		outcome      = outcomeCompleted
		transitioned bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		o, err = s.lockOrder(tx, orderID)
		if err != nil {
			return err
		}

		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("order_id = ?", o.ID).
			Limit(1).
			Find(&payment).Error
		if err != nil {
			return fmt.Errorf("failed to load payment: %w", err)
		}

		if payment.ID != 0 && payment.Status == models.PaymentStatusCompleted {
			if payment.TransactionID == transactionID {
				outcome = outcomeDuplicate
			} else {
				outcome = outcomeAlreadySettled
			}
			return nil
		}

		var elsewhere int64
		err = tx.Model(&models.Payment{}).
			Where("transaction_id = ? AND order_id <> ?", transactionID, o.ID).
			Count(&elsewhere).Error
		if err != nil {
			return fmt.Errorf("failed to check transaction id: %w", err)
		}
		if elsewhere > 0 {
			return apperr.BadPayload("transaction already applied to another order")
		}

		if err := s.capture(tx, o, &payment, transactionID, raw); err != nil {
			return err
		}

		switch o.Status {
		case models.OrderStatusPending:
			if err := order.Transition(tx, o, models.OrderStatusProcessing, "Payment received"); err != nil {
				return err
			}
			transitioned = true
		case models.OrderStatusCancelled:
			outcome = outcomeCancelledOrder
		}
		return nil
	})
	if err != nil {
		kind := apperr.KindOf(err)
		switch kind {
		case apperr.KindNotFound:
			s.reject(audit.OrderEntity(orderID), outcomeNotFound, "order not found")
			return outcomeNotFound, err
		case apperr.KindBadPayload:
			s.reject(audit.OrderEntity(orderID), outcomeMalformed, apperr.Message(err))
			return outcomeMalformed, err
		}
		s.logger.Error("Failed to reconcile webhook", zap.Uint("order_id", orderID), zap.Error(err))
		return outcomeError, apperr.Wrap(err)
	}

	switch outcome {
	case outcomeDuplicate:
		s.logger.Info("Ignoring redelivered webhook",
			zap.Uint("order_id", o.ID),
			zap.String("transaction_id", transactionID))
		return outcome, nil

	case outcomeAlreadySettled:
		s.logger.Warn("Webhook for an order that is already paid",
			zap.Uint("order_id", o.ID),
			zap.String("transaction_id", transactionID),
			zap.String("settled_with", payment.TransactionID))
		s.audit.Record(audit.Entry{
			Service:  "payment",
			Action:   "payment.duplicate_capture",
			EntityID: audit.OrderEntity(o.ID),
			Data:     map[string]any{"transaction_id": transactionID, "settled_with": payment.TransactionID},
		})
		return outcome, nil

	case outcomeCancelledOrder:
		s.logger.Warn("Payment captured for cancelled order",
			zap.Uint("order_id", o.ID),
			zap.String("transaction_id", transactionID))
		s.settled(ctx, o, &payment, "payment.captured_on_cancelled_order")
		return outcome, nil
	}

	s.logger.Info("Payment succeeded",
		zap.Uint("order_id", o.ID),
		zap.Uint("payment_id", payment.ID),
		zap.String("transaction_id", transactionID))
	s.settled(ctx, o, &payment, "payment.completed")
	if transitioned {
		s.metrics.StatusChanges.WithLabelValues(models.OrderStatusProcessing.String()).Inc()
		s.publish(ctx, events.OrderStatusChanged, events.OrderEvent{
			OrderID:    o.ID,
			Status:     o.Status.String(),
			Total:      o.Total,
			OccurredAt: time.Now().UTC(),
		})
	}
	return outcome, nil
}

// capture marks the order's payment completed with the gateway transaction,
// creating the row if initiation never got that far.
func (s *Service) capture(tx *gorm.DB, o *models.Order, payment *models.Payment, transactionID string, raw json.RawMessage) error {
	details := models.CardCaptureDetails{TransactionID: transactionID, Raw: raw}

	if payment.ID == 0 {
		*payment = models.Payment{
			OrderID:       o.ID,
			Method:        models.PaymentMethodCard,
			Amount:        o.Total,
			Status:        models.PaymentStatusCompleted,
			TransactionID: transactionID,
		}
		if err := payment.SetDetails(details); err != nil {
			return err
		}
		if err := tx.Create(payment).Error; err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
	} else {
		prevStatus, prevTransaction := payment.Status, payment.TransactionID
		if err := payment.SetDetails(details); err != nil {
			return err
		}
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status = ? AND transaction_id = ?", payment.ID, prevStatus, prevTransaction).
			Updates(map[string]any{
				"status":         models.PaymentStatusCompleted,
				"transaction_id": transactionID,
				"failure_reason": "",
				"details_kind":   payment.DetailsKind,
				"details":        payment.Details,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to complete payment: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict("payment changed concurrently")
		}
		payment.Status = models.PaymentStatusCompleted
		payment.TransactionID = transactionID
		payment.FailureReason = ""
	}

	if o.PaymentID == nil || *o.PaymentID != payment.ID {
		if err := tx.Model(&models.Order{}).Where("id = ?", o.ID).Update("payment_id", payment.ID).Error; err != nil {
			return fmt.Errorf("failed to link payment: %w", err)
		}
		o.PaymentID = &payment.ID
	}
	return nil
}

func (s *Service) reject(entity, outcome, reason string, fields ...zap.Field) {
	s.logger.Warn("Webhook rejected",
		append([]zap.Field{zap.String("outcome", outcome), zap.String("reason", reason)}, fields...)...)
	s.audit.Record(audit.Entry{
		Service:  "payment",
		Action:   "webhook.rejected",
		EntityID: entity,
		Data:     map[string]any{"outcome": outcome, "reason": reason},
	})
}
