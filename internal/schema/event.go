package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventData carries the structured payload of a status event.
type EventData struct {
	SelectedDex    string           `json:"selectedDex,omitempty"`
	RaydiumPrice   *decimal.Decimal `json:"raydiumPrice,omitempty"`
	MeteoraPrice   *decimal.Decimal `json:"meteoraPrice,omitempty"`
	ExecutionPrice *decimal.Decimal `json:"executionPrice,omitempty"`
	TxHash         string           `json:"txHash,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// StatusEvent is an outbound lifecycle notification delivered to subscribers.
// Events are ephemeral: constructed, delivered, and discarded.
type StatusEvent struct {
	OrderID   string      `json:"orderId"`
	Status    OrderStatus `json:"status"`
	Message   string      `json:"message"`
	Data      *EventData  `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewStatusEvent stamps a status event with the current time in milliseconds.
func NewStatusEvent(orderID string, status OrderStatus, message string, data *EventData) StatusEvent {
	return StatusEvent{
		OrderID:   orderID,
		Status:    status,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}
