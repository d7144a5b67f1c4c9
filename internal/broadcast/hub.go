// Package broadcast fans order status events out to the live connections
// watching each order.
package broadcast

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"

	"github.com/openliquid/swapflow/internal/observability"
	"github.com/openliquid/swapflow/internal/schema"
)

// Conn is the transport handle for one subscriber. Send must be safe for
// concurrent use; Close must be idempotent.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

const (
	defaultTeardownDelay = 5 * time.Second
	sendTimeout          = 5 * time.Second
)

// Hub owns the order-to-subscribers registry. It is the sole owner of that
// state; callers interact only through its methods.
type Hub struct {
	teardownDelay time.Duration

	mu     sync.Mutex
	subs   map[string]map[Conn]struct{}
	timers map[string]*time.Timer
	closed bool
}

// NewHub constructs a hub. A non-positive teardown delay falls back to the
// 5 second default.
func NewHub(teardownDelay time.Duration) *Hub {
	if teardownDelay <= 0 {
		teardownDelay = defaultTeardownDelay
	}
	return &Hub{
		teardownDelay: teardownDelay,
		subs:          make(map[string]map[Conn]struct{}),
		timers:        make(map[string]*time.Timer),
	}
}

// Subscribe registers a connection for one order's events. The transport
// layer is responsible for calling Unsubscribe when the connection closes or
// errors.
func (h *Hub) Subscribe(orderID string, conn Conn) {
	if conn == nil || orderID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = conn.Close()
		return
	}
	set, ok := h.subs[orderID]
	if !ok {
		set = make(map[Conn]struct{})
		h.subs[orderID] = set
	}
	set[conn] = struct{}{}
	h.gauge()
}

// Unsubscribe removes a connection from an order's subscriber set. Redundant
// and concurrent calls are safe.
func (h *Hub) Unsubscribe(orderID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(orderID, conn)
}

func (h *Hub) removeLocked(orderID string, conn Conn) {
	set, ok := h.subs[orderID]
	if !ok {
		return
	}
	if _, member := set[conn]; !member {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.subs, orderID)
	}
	h.gauge()
}

// Publish delivers the event to every subscriber of its order. Publishing to
// an order with no subscribers is a silent no-op. A failed delivery drops
// that subscriber without affecting the others and never surfaces to the
// caller. Terminal events schedule forced closure of the remaining
// subscribers after the teardown delay.
func (h *Hub) Publish(ctx context.Context, event schema.StatusEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		observability.Log().Error("encode status event",
			observability.F("order_id", event.OrderID),
			observability.F("error", err.Error()))
		return
	}

	h.mu.Lock()
	targets := make([]Conn, 0, len(h.subs[event.OrderID]))
	for conn := range h.subs[event.OrderID] {
		targets = append(targets, conn)
	}
	h.mu.Unlock()

	if len(targets) > 0 {
		var failedMu sync.Mutex
		var failed []Conn

		p := pool.New().WithMaxGoroutines(len(targets))
		for _, conn := range targets {
			conn := conn
			p.Go(func() {
				sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
				defer cancel()
				if err := conn.Send(sendCtx, payload); err != nil {
					failedMu.Lock()
					failed = append(failed, conn)
					failedMu.Unlock()
				}
			})
		}
		p.Wait()

		if len(failed) > 0 {
			h.mu.Lock()
			for _, conn := range failed {
				h.removeLocked(event.OrderID, conn)
			}
			h.mu.Unlock()
			for _, conn := range failed {
				_ = conn.Close()
			}
			observability.Log().Debug("dropped unreachable subscribers",
				observability.F("order_id", event.OrderID),
				observability.F("dropped", len(failed)))
		}
		observability.Telemetry().IncCounter("broadcast_events_total", 1, map[string]string{
			"status": string(event.Status),
		})
	}

	if event.Status.Terminal() {
		h.scheduleTeardown(event.OrderID)
	}
}

// scheduleTeardown arms a one-shot timer that closes the order's remaining
// subscribers after the teardown delay, giving clients time to receive the
// terminal payload first.
func (h *Hub) scheduleTeardown(orderID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, armed := h.timers[orderID]; armed {
		return
	}
	h.timers[orderID] = time.AfterFunc(h.teardownDelay, func() {
		h.teardown(orderID)
	})
}

func (h *Hub) teardown(orderID string) {
	h.mu.Lock()
	set := h.subs[orderID]
	delete(h.subs, orderID)
	delete(h.timers, orderID)
	h.gauge()
	h.mu.Unlock()

	for conn := range set {
		_ = conn.Close()
	}
}

// Count reports the total number of open subscriptions across all orders.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, set := range h.subs {
		total += len(set)
	}
	return total
}

// CountFor reports the number of subscriptions for one order.
func (h *Hub) CountFor(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[orderID])
}

// Close stops all teardown timers and closes every subscriber connection.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for orderID, timer := range h.timers {
		timer.Stop()
		delete(h.timers, orderID)
	}
	sets := h.subs
	h.subs = make(map[string]map[Conn]struct{})
	h.gauge()
	h.mu.Unlock()

	for _, set := range sets {
		for conn := range set {
			_ = conn.Close()
		}
	}
}

// gauge reports the open-subscription count; callers hold h.mu.
func (h *Hub) gauge() {
	total := 0
	for _, set := range h.subs {
		total += len(set)
	}
	observability.Telemetry().SetGauge("broadcast_open_subscriptions", float64(total), nil)
}
