package apperr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"julianmorley.ca/con-plar/storefront/pkg/repository"
)

// AppError defines the interface for application-specific errors
type AppError interface {
	error
	HTTPCode() int     // HTTP status code
	ErrorCode() string // Business error code
	Message() string   // User-friendly error message
	Details() string   // Detailed error information (optional)
	Retryable() bool   // Whether the caller may retry the same request
}

// BaseError is the single AppError implementation. Copies made with WithDetails
// or Wrap still match the original under errors.Is.
type BaseError struct {
	httpCode  int
	errorCode string
	message   string
	details   string
	retryable bool
	cause     error
}

func NewBaseError(httpCode int, errorCode, message string, retryable bool) *BaseError {
	return &BaseError{
		httpCode:  httpCode,
		errorCode: errorCode,
		message:   message,
		retryable: retryable,
	}
}

func (e *BaseError) Error() string {
	switch {
	case e.details != "":
		return e.message + ": " + e.details
	case e.cause != nil:
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *BaseError) HTTPCode() int     { return e.httpCode }
func (e *BaseError) ErrorCode() string { return e.errorCode }
func (e *BaseError) Message() string   { return e.message }
func (e *BaseError) Details() string   { return e.details }
func (e *BaseError) Retryable() bool   { return e.retryable }
func (e *BaseError) Unwrap() error     { return e.cause }

// Is matches any BaseError carrying the same business code
func (e *BaseError) Is(target error) bool {
	t, ok := target.(*BaseError)
	if !ok {
		return false
	}
	return t.errorCode == e.errorCode
}

func (e *BaseError) WithDetails(details string) *BaseError {
	cp := *e
	cp.details = details
	return &cp
}

func (e *BaseError) WithDetailsf(format string, args ...any) *BaseError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// Wrap keeps cause reachable through errors.Unwrap for logging. The cause is
// not copied into Details, which is shown to clients.
func (e *BaseError) Wrap(cause error) *BaseError {
	cp := *e
	cp.cause = cause
	return &cp
}

// FromStore maps a repository failure that has no domain meaning
func FromStore(err error) error {
	if err == nil {
		return nil
	}
	if repository.IsUnavailable(err) {
		return ErrStoreUnavailable.Wrap(err)
	}
	return ErrInternal.Wrap(err)
}

// As extracts the AppError from an error chain
func As(err error) (AppError, bool) {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is an AppError marked transient
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Retryable()
}

// Checkout and coupon errors
var (
	ErrEmptyCart = NewBaseError(
		http.StatusBadRequest,
		"EMPTY_CART",
		"Cart is empty",
		false,
	)

	ErrProductNotFound = NewBaseError(
		http.StatusNotFound,
		"PRODUCT_NOT_FOUND",
		"Product not found",
		false,
	)

	ErrInsufficientStock = NewBaseError(
		http.StatusConflict,
		"INSUFFICIENT_STOCK",
		"Insufficient stock for product",
		false,
	)

	ErrCouponInvalid = NewBaseError(
		http.StatusBadRequest,
		"COUPON_INVALID",
		"Invalid or expired coupon code",
		false,
	)

	ErrCouponMinimumNotMet = NewBaseError(
		http.StatusBadRequest,
		"COUPON_MINIMUM_NOT_MET",
		"Order does not meet the coupon minimum amount",
		false,
	)

	ErrCouponAlreadyUsed = NewBaseError(
		http.StatusConflict,
		"COUPON_ALREADY_USED",
		"You have already used this coupon",
		false,
	)

	ErrInvalidTotal = NewBaseError(
		http.StatusBadRequest,
		"INVALID_TOTAL",
		"Order total must be greater than zero",
		false,
	)

	ErrPaymentProcessor = NewBaseError(
		http.StatusServiceUnavailable,
		"PAYMENT_PROCESSOR_UNAVAILABLE",
		"Payment processor is unavailable, please retry",
		true,
	)

	ErrPaymentRejected = NewBaseError(
		http.StatusBadGateway,
		"PAYMENT_REJECTED",
		"Payment processor rejected the request",
		false,
	)
)

// Settlement errors
var (
	ErrWebhookSignature = NewBaseError(
		http.StatusBadRequest,
		"WEBHOOK_SIGNATURE_INVALID",
		"Webhook signature verification failed",
		false,
	)

	ErrSettlementProcessing = NewBaseError(
		http.StatusInternalServerError,
		"SETTLEMENT_PROCESSING_FAILED",
		"Settlement could not be completed",
		false,
	)

	ErrSettlementInProgress = NewBaseError(
		http.StatusConflict,
		"SETTLEMENT_IN_PROGRESS",
		"Settlement for this payment is already in progress",
		true,
	)
)

// Storage, admin and request errors
var (
	ErrStoreUnavailable = NewBaseError(
		http.StatusServiceUnavailable,
		"STORE_UNAVAILABLE",
		"Storage is temporarily unavailable, please retry",
		true,
	)

	ErrInternal = NewBaseError(
		http.StatusInternalServerError,
		"INTERNAL_ERROR",
		"Internal server error",
		false,
	)

	ErrCouponCodeTaken = NewBaseError(
		http.StatusConflict,
		"COUPON_CODE_TAKEN",
		"Coupon code already exists",
		false,
	)

	ErrCouponNotFound = NewBaseError(
		http.StatusNotFound,
		"COUPON_NOT_FOUND",
		"Coupon not found",
		false,
	)

	ErrOrderNotFound = NewBaseError(
		http.StatusNotFound,
		"ORDER_NOT_FOUND",
		"Order not found",
		false,
	)

	ErrInvalidStatusTransition = NewBaseError(
		http.StatusConflict,
		"INVALID_STATUS_TRANSITION",
		"Order status can only move forward",
		false,
	)

	ErrCartItemNotFound = NewBaseError(
		http.StatusNotFound,
		"CART_ITEM_NOT_FOUND",
		"Item not found in cart",
		false,
	)

	ErrValidation = NewBaseError(
		http.StatusBadRequest,
		"VALIDATION_FAILED",
		"Request validation failed",
		false,
	)

	ErrUnauthorized = NewBaseError(
		http.StatusUnauthorized,
		"UNAUTHORIZED",
		"Authentication required",
		false,
	)

	ErrForbidden = NewBaseError(
		http.StatusForbidden,
		"FORBIDDEN",
		"Admin access required",
		false,
	)
)
