// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/openliquid/swapflow/internal/schema"
)

// Fields carries the optional columns written alongside a status transition.
// Nil members are left untouched.
type Fields struct {
	SelectedVenue  *string
	RaydiumPrice   *decimal.Decimal
	MeteoraPrice   *decimal.Decimal
	ExecutionPrice *decimal.Decimal
	TxHash         *string
	FailureReason  *string
}

// Store defines the contract for durable order persistence. Implementations
// must treat every operation as atomic and immediately consistent with
// subsequent reads.
type Store interface {
	// Create persists a new order record. Creating an existing ID fails
	// with a conflict error.
	Create(ctx context.Context, order *schema.Order) error
	// Get returns the order or a not-found error.
	Get(ctx context.Context, id string) (*schema.Order, error)
	// UpdateStatus transitions the order and applies the partial fields.
	// Transitions outside the state machine fail with a conflict error.
	// Terminal transitions stamp the completion timestamp.
	UpdateStatus(ctx context.Context, id string, status schema.OrderStatus, fields *Fields) (*schema.Order, error)
	// IncrementRetry bumps the retry counter and returns the new count.
	IncrementRetry(ctx context.Context, id string) (int, error)
	// ListByStatus returns all orders currently in the given status.
	ListByStatus(ctx context.Context, status schema.OrderStatus) ([]*schema.Order, error)
	// Close releases the store's resources.
	Close()
}

// StringPtr is a convenience helper for populating Fields.
func StringPtr(s string) *string { return &s }

// DecimalPtr is a convenience helper for populating Fields.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
