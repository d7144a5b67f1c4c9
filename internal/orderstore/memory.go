package orderstore

import (
	"context"
	"sync"
	"time"

	"github.com/openliquid/swapflow/errs"
	"github.com/openliquid/swapflow/internal/schema"
)

// Memory is an in-process Store used for tests and single-node boots without
// a configured database.
type Memory struct {
	mu     sync.RWMutex
	orders map[string]*schema.Order
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{orders: make(map[string]*schema.Order)}
}

// Create implements Store.
func (m *Memory) Create(_ context.Context, order *schema.Order) error {
	if order == nil || order.ID == "" {
		return errs.New("orderstore/memory", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.ID]; exists {
		return errs.New("orderstore/memory", errs.CodeConflict,
			errs.WithMessage("order already exists"), errs.WithOrderID(order.ID))
	}
	m.orders[order.ID] = order.Clone()
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, id string) (*schema.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, errs.New("orderstore/memory", errs.CodeNotFound,
			errs.WithMessage("order not found"), errs.WithOrderID(id))
	}
	return order.Clone(), nil
}

// UpdateStatus implements Store.
func (m *Memory) UpdateStatus(_ context.Context, id string, status schema.OrderStatus, fields *Fields) (*schema.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, errs.New("orderstore/memory", errs.CodeNotFound,
			errs.WithMessage("order not found"), errs.WithOrderID(id))
	}
	if !schema.CanTransition(order.Status, status) {
		return nil, errs.New("orderstore/memory", errs.CodeConflict,
			errs.WithMessage("illegal transition "+string(order.Status)+" -> "+string(status)),
			errs.WithOrderID(id))
	}

	order.Status = status
	applyFields(order, fields)
	now := time.Now().UTC()
	order.UpdatedAt = now
	if status.Terminal() {
		completed := now
		order.CompletedAt = &completed
	}
	return order.Clone(), nil
}

// IncrementRetry implements Store.
func (m *Memory) IncrementRetry(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return 0, errs.New("orderstore/memory", errs.CodeNotFound,
			errs.WithMessage("order not found"), errs.WithOrderID(id))
	}
	order.RetryCount++
	order.UpdatedAt = time.Now().UTC()
	return order.RetryCount, nil
}

// ListByStatus implements Store.
func (m *Memory) ListByStatus(_ context.Context, status schema.OrderStatus) ([]*schema.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.Order
	for _, order := range m.orders {
		if order.Status == status {
			out = append(out, order.Clone())
		}
	}
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() {}

func applyFields(order *schema.Order, fields *Fields) {
	if fields == nil {
		return
	}
	if fields.SelectedVenue != nil {
		order.SelectedVenue = *fields.SelectedVenue
	}
	if fields.RaydiumPrice != nil {
		v := *fields.RaydiumPrice
		order.RaydiumPrice = &v
	}
	if fields.MeteoraPrice != nil {
		v := *fields.MeteoraPrice
		order.MeteoraPrice = &v
	}
	if fields.ExecutionPrice != nil {
		v := *fields.ExecutionPrice
		order.ExecutionPrice = &v
	}
	if fields.TxHash != nil {
		order.TxHash = *fields.TxHash
	}
	if fields.FailureReason != nil {
		order.FailureReason = *fields.FailureReason
	}
}
