package broadcast_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/openliquid/swapflow/internal/broadcast"
	"github.com/openliquid/swapflow/internal/schema"
)

type fakeConn struct {
	mu       sync.Mutex
	payloads [][]byte
	sendErr  error
	closed   bool
}

func (c *fakeConn) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.payloads = append(c.payloads, buf)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) lastEvent(t *testing.T) schema.StatusEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.payloads)
	var ev schema.StatusEvent
	require.NoError(t, json.Unmarshal(c.payloads[len(c.payloads)-1], &ev))
	return ev
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	hub := broadcast.NewHub(time.Minute)
	defer hub.Close()

	a, b := &fakeConn{}, &fakeConn{}
	hub.Subscribe("order-1", a)
	hub.Subscribe("order-1", b)
	require.Equal(t, 2, hub.CountFor("order-1"))

	hub.Publish(context.Background(), schema.NewStatusEvent("order-1", schema.StatusRouting, "fetching quotes", nil))

	require.Equal(t, 1, a.received())
	require.Equal(t, 1, b.received())
	require.Equal(t, schema.StatusRouting, a.lastEvent(t).Status)
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	hub := broadcast.NewHub(time.Minute)
	defer hub.Close()

	require.NotPanics(t, func() {
		hub.Publish(context.Background(), schema.NewStatusEvent("ghost", schema.StatusRouting, "msg", nil))
	})
}

func TestPublishIsolatesFailingSubscriber(t *testing.T) {
	hub := broadcast.NewHub(time.Minute)
	defer hub.Close()

	healthy := &fakeConn{}
	broken := &fakeConn{sendErr: errors.New("transport gone")}
	hub.Subscribe("order-2", healthy)
	hub.Subscribe("order-2", broken)

	hub.Publish(context.Background(), schema.NewStatusEvent("order-2", schema.StatusBuilding, "building", nil))

	require.Equal(t, 1, healthy.received())
	require.Equal(t, 1, hub.CountFor("order-2"))
	require.True(t, broken.isClosed())
}

func TestTerminalEventSchedulesTeardown(t *testing.T) {
	hub := broadcast.NewHub(50 * time.Millisecond)
	defer hub.Close()

	conn := &fakeConn{}
	hub.Subscribe("order-3", conn)

	hub.Publish(context.Background(), schema.NewStatusEvent("order-3", schema.StatusConfirmed, "done", nil))

	// The terminal payload is delivered before teardown.
	require.Equal(t, 1, conn.received())
	require.Equal(t, 1, hub.CountFor("order-3"))

	require.Eventually(t, func() bool {
		return hub.CountFor("order-3") == 0 && conn.isClosed()
	}, time.Second, 10*time.Millisecond)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	hub := broadcast.NewHub(time.Minute)
	defer hub.Close()

	conn := &fakeConn{}
	hub.Subscribe("order-4", conn)
	hub.Unsubscribe("order-4", conn)
	hub.Unsubscribe("order-4", conn)
	hub.Unsubscribe("order-missing", conn)
	require.Zero(t, hub.Count())
}

func TestCountAcrossOrders(t *testing.T) {
	hub := broadcast.NewHub(time.Minute)
	defer hub.Close()

	hub.Subscribe("a", &fakeConn{})
	hub.Subscribe("a", &fakeConn{})
	hub.Subscribe("b", &fakeConn{})
	require.Equal(t, 3, hub.Count())
	require.Equal(t, 2, hub.CountFor("a"))
	require.Equal(t, 1, hub.CountFor("b"))
}

func TestCloseClosesEverything(t *testing.T) {
	hub := broadcast.NewHub(time.Minute)
	a, b := &fakeConn{}, &fakeConn{}
	hub.Subscribe("x", a)
	hub.Subscribe("y", b)

	hub.Close()
	require.True(t, a.isClosed())
	require.True(t, b.isClosed())
	require.Zero(t, hub.Count())

	// Subscribing after close refuses and closes the connection.
	late := &fakeConn{}
	hub.Subscribe("z", late)
	require.True(t, late.isClosed())
	require.Zero(t, hub.Count())
}
