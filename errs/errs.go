// Package errs provides structured error types and helpers for swapflow services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a failure category within the execution pipeline.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeVenue indicates a quote-venue request failure.
	CodeVenue Code = "venue_error"
	// CodeSlippage indicates the selected quote's price impact exceeded the order tolerance.
	CodeSlippage Code = "slippage_exceeded"
	// CodeSubmission indicates a settlement-layer dispatch failure.
	CodeSubmission Code = "submission_failed"
	// CodeRateLimited indicates that admission exceeded the configured rate.
	CodeRateLimited Code = "rate_limited"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the swapflow stack.
type E struct {
	Component string
	Code      Code
	Message   string
	Venue     string
	OrderID   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		Venue:     "",
		OrderID:   "",
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithVenue records the venue the failure originated from.
func WithVenue(venue string) Option {
	trimmed := strings.TrimSpace(venue)
	return func(e *E) {
		e.Venue = trimmed
	}
}

// WithOrderID records the order the failure belongs to.
func WithOrderID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.OrderID = trimmed
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Venue != "" {
		parts = append(parts, "venue="+e.Venue)
	}
	if e.OrderID != "" {
		parts = append(parts, "order_id="+e.OrderID)
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the failure code from an error chain. Errors outside the
// envelope report an empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Transient reports whether the error represents a transient infrastructure
// failure that retrying may resolve. Business-rule failures such as slippage
// violations are deterministic for a given quote and are not transient.
func Transient(err error) bool {
	switch CodeOf(err) {
	case CodeVenue, CodeSubmission, CodeUnavailable:
		return true
	default:
		return false
	}
}
