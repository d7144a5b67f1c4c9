// Package schema defines the canonical order, quote, and status-event types
// flowing through the execution pipeline.
package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderKind enumerates supported order kinds. Only immediate orders are
// executed by the pipeline; the remaining kinds participate in admission
// priority ranking.
type OrderKind string

const (
	// KindImmediate executes as soon as a worker slot is available.
	KindImmediate OrderKind = "immediate"
	// KindLimit rests until a target price is reached.
	KindLimit OrderKind = "limit"
	// KindTriggered activates on an external trigger condition.
	KindTriggered OrderKind = "triggered"
)

// PriorityRank orders kinds for admission tie-breaking; lower ranks dispatch
// first among waiting jobs.
func (k OrderKind) PriorityRank() int {
	switch k {
	case KindImmediate:
		return 0
	case KindLimit:
		return 1
	case KindTriggered:
		return 2
	default:
		return 3
	}
}

// Valid reports whether the kind belongs to the closed enumeration.
func (k OrderKind) Valid() bool {
	switch k {
	case KindImmediate, KindLimit, KindTriggered:
		return true
	default:
		return false
	}
}

// OrderStatus enumerates pipeline lifecycle states.
type OrderStatus string

const (
	// StatusPending is the initial state set at order creation.
	StatusPending OrderStatus = "PENDING"
	// StatusRouting indicates quote routing is in progress.
	StatusRouting OrderStatus = "ROUTING"
	// StatusBuilding indicates transaction construction is in progress.
	StatusBuilding OrderStatus = "BUILDING"
	// StatusSubmitting indicates the transaction was dispatched to settlement.
	StatusSubmitting OrderStatus = "SUBMITTING"
	// StatusConfirmed is the terminal success state.
	StatusConfirmed OrderStatus = "CONFIRMED"
	// StatusFailed is the terminal failure state.
	StatusFailed OrderStatus = "FAILED"
)

// Terminal reports whether no further transitions follow the status.
func (s OrderStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Valid reports whether the status belongs to the state machine.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRouting, StatusBuilding, StatusSubmitting, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

// validTransitions encodes the forward edges of the state machine. ROUTING is
// re-enterable from every non-terminal stage: a retry attempt restarts the
// pipeline there without re-admission.
var validTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:    {StatusRouting, StatusFailed},
	StatusRouting:    {StatusRouting, StatusBuilding, StatusFailed},
	StatusBuilding:   {StatusRouting, StatusSubmitting, StatusFailed},
	StatusSubmitting: {StatusRouting, StatusConfirmed, StatusFailed},
	StatusConfirmed:  {},
	StatusFailed:     {},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to OrderStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Order is the unit of execution work moving through the pipeline.
type Order struct {
	ID                string           `json:"id"`
	Kind              OrderKind        `json:"kind"`
	Status            OrderStatus      `json:"status"`
	SourceAsset       string           `json:"sourceAsset"`
	DestAsset         string           `json:"destAsset"`
	Quantity          decimal.Decimal  `json:"quantity"`
	SlippageTolerance decimal.Decimal  `json:"slippageTolerance"`
	SelectedVenue     string           `json:"selectedVenue,omitempty"`
	RaydiumPrice      *decimal.Decimal `json:"raydiumPrice,omitempty"`
	MeteoraPrice      *decimal.Decimal `json:"meteoraPrice,omitempty"`
	ExecutionPrice    *decimal.Decimal `json:"executionPrice,omitempty"`
	TxHash            string           `json:"txHash,omitempty"`
	RetryCount        int              `json:"retryCount"`
	FailureReason     string           `json:"failureReason,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
	CompletedAt       *time.Time       `json:"completedAt,omitempty"`
}

// NewOrder constructs a pending order with a fresh identifier.
func NewOrder(kind OrderKind, sourceAsset, destAsset string, quantity, tolerance decimal.Decimal) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:                uuid.NewString(),
		Kind:              kind,
		Status:            StatusPending,
		SourceAsset:       sourceAsset,
		DestAsset:         destAsset,
		Quantity:          quantity,
		SlippageTolerance: tolerance,
		RetryCount:        0,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.RaydiumPrice = cloneDecimal(o.RaydiumPrice)
	clone.MeteoraPrice = cloneDecimal(o.MeteoraPrice)
	clone.ExecutionPrice = cloneDecimal(o.ExecutionPrice)
	if o.CompletedAt != nil {
		completed := *o.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// Quote is a venue's priced offer for a swap. Quotes are created fresh per
// routing attempt and never persisted standalone.
type Quote struct {
	Venue       string          `json:"venue"`
	Price       decimal.Decimal `json:"price"`
	OutAmount   decimal.Decimal `json:"outAmount"`
	PriceImpact decimal.Decimal `json:"priceImpact"`
	QuotedAt    time.Time       `json:"quotedAt"`
}
