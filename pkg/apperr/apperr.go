// Package apperr defines the error taxonomy shared by the storefront services.
// Every client-facing failure is an *Error with a closed Kind; the gateway maps
// kinds to HTTP status codes and the gRPC server maps them to status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindEmptyCart
	KindInsufficientStock
	KindNotFound
	KindForbidden
	KindUnauthorized
	KindInvalidTransition
	KindPaymentInitiation
	KindSignatureMismatch
	KindConflict
	KindBadPayload
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindEmptyCart:
		return "empty_cart"
	case KindInsufficientStock:
		return "insufficient_stock"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindPaymentInitiation:
		return "payment_initiation"
	case KindSignatureMismatch:
		return "signature_mismatch"
	case KindConflict:
		return "conflict"
	case KindBadPayload:
		return "bad_payload"
	default:
		return "internal"
	}
}

// Error is the single concrete error type returned by the core services.
type Error struct {
	Kind    Kind
	Message string
	// Product names the product that ran out of stock for KindInsufficientStock.
	Product string
	// Fields carries per-field messages for KindValidation.
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrEmptyCart         = &Error{Kind: KindEmptyCart}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrPaymentInitiation = &Error{Kind: KindPaymentInitiation}
	ErrSignatureMismatch = &Error{Kind: KindSignatureMismatch}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrBadPayload        = &Error{Kind: KindBadPayload}
	ErrInternal          = &Error{Kind: KindInternal}
)

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func ValidationFields(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

func EmptyCart() *Error {
	return &Error{Kind: KindEmptyCart, Message: "cart is empty"}
}

func InsufficientStock(product string) *Error {
	return &Error{
		Kind:    KindInsufficientStock,
		Message: fmt.Sprintf("requested quantity is not available for %s", product),
		Product: product,
	}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func InvalidTransition(from, to string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("cannot move order from %s to %s", from, to),
	}
}

func PaymentInitiation(err error) *Error {
	return &Error{Kind: KindPaymentInitiation, Message: "failed to initiate payment", Err: err}
}

func SignatureMismatch() *Error {
	return &Error{Kind: KindSignatureMismatch, Message: "invalid webhook signature"}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

func BadPayload(msg string) *Error {
	return &Error{Kind: KindBadPayload, Message: msg}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf reports the kind of err. Errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps err to the status code the gateway responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInsufficientStock:
		return http.StatusUnprocessableEntity
	case KindEmptyCart, KindBadPayload:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden, KindSignatureMismatch:
		return http.StatusForbidden
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindInvalidTransition, KindConflict:
		return http.StatusConflict
	case KindPaymentInitiation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-safe message for err. Internal errors never leak
// their cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}

// Wrap passes taxonomy errors through and turns anything else into an
// internal error.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Internal(err)
}
