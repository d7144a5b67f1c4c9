package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/openliquid/swapflow/errs"
	"github.com/openliquid/swapflow/internal/orderstore"
	"github.com/openliquid/swapflow/internal/router"
	"github.com/openliquid/swapflow/internal/schema"
	"github.com/openliquid/swapflow/internal/submit"
	"github.com/openliquid/swapflow/internal/venue"
)

type recordingSink struct {
	mu     sync.Mutex
	events []schema.StatusEvent
}

func (r *recordingSink) Publish(_ context.Context, event schema.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) statuses() []schema.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.OrderStatus, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Status)
	}
	return out
}

// flakySource fails the first failures requests, then delegates to a fixed
// quote.
type flakySource struct {
	name     string
	fixed    schema.Quote
	failures int
	mu       sync.Mutex
}

func (f *flakySource) Name() string { return f.name }

func (f *flakySource) Quote(_ context.Context, _, _ string, _ decimal.Decimal) (schema.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return schema.Quote{}, errs.New(f.name, errs.CodeVenue, errs.WithMessage("venue unavailable"))
	}
	q := f.fixed
	q.Venue = f.name
	q.QuotedAt = time.Now().UTC()
	return q, nil
}

type scriptedSubmitter struct {
	mu       sync.Mutex
	failures int
	receipt  submit.Receipt
	calls    int
}

func (s *scriptedSubmitter) Submit(_ context.Context, _ submit.TxDescriptor) (submit.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return submit.Receipt{}, errs.New("submitter", errs.CodeSubmission, errs.WithMessage("submission rejected"))
	}
	return s.receipt, nil
}

func staticQuote(name string, price, out, impact float64) *venue.Static {
	return &venue.Static{
		VenueName: name,
		Fixed: schema.Quote{
			Price:       decimal.NewFromFloat(price),
			OutAmount:   decimal.NewFromFloat(out),
			PriceImpact: decimal.NewFromFloat(impact),
		},
	}
}

func seedOrder(t *testing.T, store orderstore.Store, tolerance float64) *schema.Order {
	t.Helper()
	order := schema.NewOrder(schema.KindImmediate, "SOL", "USDC", decimal.NewFromInt(10), decimal.NewFromFloat(tolerance))
	require.NoError(t, store.Create(context.Background(), order))
	return order
}

func TestExecuteHappyPathSelectsBestVenue(t *testing.T) {
	store := orderstore.NewMemory()
	sink := &recordingSink{}
	raydium := staticQuote(venue.Raydium, 100, 1000, 0.005)
	meteora := staticQuote(venue.Meteora, 98, 980, 0.007)
	sub := &scriptedSubmitter{receipt: submit.Receipt{
		TxHash:         "abc123",
		ExecutionPrice: decimal.NewFromInt(100),
	}}
	exec := New(store, router.New(raydium, meteora), sub, sink, Config{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	})

	order := seedOrder(t, store, 0.01)
	require.NoError(t, exec.Execute(context.Background(), order.ID))

	require.Equal(t, []schema.OrderStatus{
		schema.StatusRouting,
		schema.StatusBuilding,
		schema.StatusSubmitting,
		schema.StatusConfirmed,
	}, sink.statuses())

	final, err := store.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusConfirmed, final.Status)
	require.Equal(t, venue.Raydium, final.SelectedVenue)
	require.NotNil(t, final.RaydiumPrice)
	require.True(t, final.RaydiumPrice.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, final.MeteoraPrice)
	require.True(t, final.MeteoraPrice.Equal(decimal.NewFromInt(98)))
	require.NotNil(t, final.ExecutionPrice)
	require.True(t, final.ExecutionPrice.Equal(decimal.NewFromInt(100)))
	require.Equal(t, "abc123", final.TxHash)
	require.NotNil(t, final.CompletedAt)
	require.Zero(t, final.RetryCount)

	routing := sink.events[0]
	require.NotNil(t, routing.Data)
	require.Equal(t, venue.Raydium, routing.Data.SelectedDex)
	require.NotNil(t, routing.Data.RaydiumPrice)
	require.NotNil(t, routing.Data.MeteoraPrice)
}

func TestExecuteSlippageViolationFailsImmediately(t *testing.T) {
	store := orderstore.NewMemory()
	sink := &recordingSink{}
	raydium := staticQuote(venue.Raydium, 100, 1000, 0.05)
	meteora := staticQuote(venue.Meteora, 100, 999, 0.05)
	sub := &scriptedSubmitter{}
	exec := New(store, router.New(raydium, meteora), sub, sink, Config{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	})

	order := seedOrder(t, store, 0.01)
	err := exec.Execute(context.Background(), order.ID)
	require.Error(t, err)
	require.Equal(t, errs.CodeSlippage, errs.CodeOf(err))

	final, gerr := store.Get(context.Background(), order.ID)
	require.NoError(t, gerr)
	require.Equal(t, schema.StatusFailed, final.Status)
	require.Contains(t, final.FailureReason, "slippage tolerance")
	require.Zero(t, final.RetryCount)
	require.Zero(t, sub.calls)

	last := sink.events[len(sink.events)-1]
	require.Equal(t, schema.StatusFailed, last.Status)
	require.NotNil(t, last.Data)
	require.Contains(t, last.Data.Error, "slippage tolerance")
}

func TestExecuteSlippageRetriedWhenConfigured(t *testing.T) {
	store := orderstore.NewMemory()
	sink := &recordingSink{}
	raydium := staticQuote(venue.Raydium, 100, 1000, 0.05)
	meteora := staticQuote(venue.Meteora, 100, 999, 0.05)
	exec := New(store, router.New(raydium, meteora), &scriptedSubmitter{}, sink, Config{
		MaxRetries:    3,
		BackoffBase:   time.Millisecond,
		RetrySlippage: true,
	})

	order := seedOrder(t, store, 0.01)
	err := exec.Execute(context.Background(), order.ID)
	require.Error(t, err)

	final, gerr := store.Get(context.Background(), order.ID)
	require.NoError(t, gerr)
	require.Equal(t, schema.StatusFailed, final.Status)
	require.Equal(t, 3, final.RetryCount)
	require.Contains(t, final.FailureReason, "slippage tolerance")
	// Four attempts reached BUILDING before the terminal event.
	require.Equal(t, 4, raydium.Calls())
}

func TestExecuteRetriesTransientQuoteFailure(t *testing.T) {
	store := orderstore.NewMemory()
	sink := &recordingSink{}
	raydium := &flakySource{
		name: venue.Raydium,
		fixed: schema.Quote{
			Price:       decimal.NewFromInt(100),
			OutAmount:   decimal.NewFromInt(1000),
			PriceImpact: decimal.NewFromFloat(0.005),
		},
		failures: 1,
	}
	meteora := staticQuote(venue.Meteora, 98, 980, 0.005)
	sub := &scriptedSubmitter{receipt: submit.Receipt{
		TxHash:         "def456",
		ExecutionPrice: decimal.NewFromInt(100),
	}}
	exec := New(store, router.New(raydium, meteora), sub, sink, Config{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	})

	order := seedOrder(t, store, 0.01)
	require.NoError(t, exec.Execute(context.Background(), order.ID))

	final, err := store.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusConfirmed, final.Status)
	require.Equal(t, 1, final.RetryCount)
	require.Equal(t, 1, sub.calls)
}

func TestExecuteExhaustsRetriesThenFails(t *testing.T) {
	store := orderstore.NewMemory()
	sink := &recordingSink{}
	raydium := &flakySource{name: venue.Raydium, failures: 10}
	meteora := staticQuote(venue.Meteora, 98, 980, 0.005)
	exec := New(store, router.New(raydium, meteora), &scriptedSubmitter{}, sink, Config{
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
	})

	order := seedOrder(t, store, 0.01)
	err := exec.Execute(context.Background(), order.ID)
	require.Error(t, err)

	final, gerr := store.Get(context.Background(), order.ID)
	require.NoError(t, gerr)
	require.Equal(t, schema.StatusFailed, final.Status)
	require.Equal(t, 2, final.RetryCount)
	require.True(t, strings.Contains(final.FailureReason, "unavailable") ||
		strings.Contains(final.FailureReason, "venue"))
}

func TestExecuteSubmissionFailureRetriesFromRouting(t *testing.T) {
	store := orderstore.NewMemory()
	sink := &recordingSink{}
	raydium := staticQuote(venue.Raydium, 100, 1000, 0.005)
	meteora := staticQuote(venue.Meteora, 98, 980, 0.005)
	sub := &scriptedSubmitter{
		failures: 1,
		receipt: submit.Receipt{
			TxHash:         "ghi789",
			ExecutionPrice: decimal.NewFromInt(100),
		},
	}
	exec := New(store, router.New(raydium, meteora), sub, sink, Config{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	})

	order := seedOrder(t, store, 0.01)
	require.NoError(t, exec.Execute(context.Background(), order.ID))

	final, err := store.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusConfirmed, final.Status)
	require.Equal(t, 1, final.RetryCount)
	require.Equal(t, 2, sub.calls)
	// The retry re-enters routing, so both venues are quoted twice.
	require.Equal(t, 2, raydium.Calls())
	require.Equal(t, 2, meteora.Calls())
}

func TestExecuteRejectsConcurrentRunForSameOrder(t *testing.T) {
	store := orderstore.NewMemory()
	sink := &recordingSink{}
	raydium := staticQuote(venue.Raydium, 100, 1000, 0.005)
	raydium.Delay = 50 * time.Millisecond
	meteora := staticQuote(venue.Meteora, 98, 980, 0.005)
	sub := &scriptedSubmitter{receipt: submit.Receipt{TxHash: "x", ExecutionPrice: decimal.NewFromInt(100)}}
	exec := New(store, router.New(raydium, meteora), sub, sink, Config{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	})

	order := seedOrder(t, store, 0.01)

	done := make(chan error, 1)
	go func() { done <- exec.Execute(context.Background(), order.ID) }()
	time.Sleep(10 * time.Millisecond)

	err := exec.Execute(context.Background(), order.ID)
	require.Error(t, err)
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))

	require.NoError(t, <-done)
}

func TestExecuteStopsOnContextCancel(t *testing.T) {
	store := orderstore.NewMemory()
	sink := &recordingSink{}
	raydium := staticQuote(venue.Raydium, 100, 1000, 0.005)
	raydium.Delay = time.Second
	meteora := staticQuote(venue.Meteora, 98, 980, 0.005)
	exec := New(store, router.New(raydium, meteora), &scriptedSubmitter{}, sink, Config{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	})

	order := seedOrder(t, store, 0.01)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := exec.Execute(ctx, order.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	final, gerr := store.Get(context.Background(), order.ID)
	require.NoError(t, gerr)
	require.False(t, final.Status.Terminal())
}

func TestExecuteTerminalOrderIsNoOp(t *testing.T) {
	store := orderstore.NewMemory()
	sink := &recordingSink{}
	raydium := staticQuote(venue.Raydium, 100, 1000, 0.005)
	meteora := staticQuote(venue.Meteora, 98, 980, 0.005)
	exec := New(store, router.New(raydium, meteora), &scriptedSubmitter{}, sink, Config{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	})

	order := seedOrder(t, store, 0.01)
	_, err := store.UpdateStatus(context.Background(), order.ID, schema.StatusFailed, nil)
	require.NoError(t, err)

	require.NoError(t, exec.Execute(context.Background(), order.ID))
	require.Zero(t, raydium.Calls())
	require.Empty(t, sink.statuses())
}
