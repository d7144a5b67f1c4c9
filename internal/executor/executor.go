// Package executor drives one order through the execution state machine:
// routing, building, submitting, confirmation, with retry and backoff.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/openliquid/swapflow/errs"
	"github.com/openliquid/swapflow/internal/observability"
	"github.com/openliquid/swapflow/internal/orderstore"
	"github.com/openliquid/swapflow/internal/router"
	"github.com/openliquid/swapflow/internal/schema"
	"github.com/openliquid/swapflow/internal/submit"
	"github.com/openliquid/swapflow/internal/venue"
)

// StatusSink receives every status transition for delivery to subscribers.
// The concrete broadcaster is injected at construction and never patched in
// afterwards.
type StatusSink interface {
	Publish(ctx context.Context, event schema.StatusEvent)
}

// Config tunes the retry policy.
type Config struct {
	// MaxRetries bounds in-process retries per order.
	MaxRetries int
	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration
	// RetrySlippage routes deterministic slippage violations through the
	// retry path instead of failing immediately.
	RetrySlippage bool
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	return c
}

// Executor owns the per-order pipeline. All order mutation after admission
// happens here, on the single worker goroutine running the order.
type Executor struct {
	store     orderstore.Store
	router    *router.Router
	submitter submit.Submitter
	sink      StatusSink
	cfg       Config

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New wires the executor with its collaborators.
func New(store orderstore.Store, rtr *router.Router, submitter submit.Submitter, sink StatusSink, cfg Config) *Executor {
	return &Executor{
		store:     store,
		router:    rtr,
		submitter: submitter,
		sink:      sink,
		cfg:       cfg.withDefaults(),
		inflight:  make(map[string]struct{}),
	}
}

// Execute runs the pipeline for one order until it reaches a terminal state.
// Retries are delayed continuations of this same call, never new concurrent
// tasks, so at most one execution attempt per order is active at any time.
// The returned error reports terminal failure to the caller's bookkeeping;
// the order itself always ends CONFIRMED or FAILED unless the context is
// cancelled first.
func (e *Executor) Execute(ctx context.Context, orderID string) error {
	if !e.begin(orderID) {
		return errs.New("executor", errs.CodeConflict,
			errs.WithMessage("order already executing"), errs.WithOrderID(orderID))
	}
	defer e.end(orderID)

	started := time.Now()
	pacer := backoff.NewExponentialBackOff()
	pacer.InitialInterval = e.cfg.BackoffBase
	pacer.RandomizationFactor = 0
	pacer.Multiplier = 2
	pacer.MaxInterval = e.cfg.BackoffBase << 16

	for {
		err := e.attempt(ctx, orderID)
		if err == nil {
			e.observe(started, "confirmed")
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("execute %s: %w", orderID, ctx.Err())
		}
		if errs.CodeOf(err) == errs.CodeSlippage && !e.cfg.RetrySlippage {
			e.observe(started, "failed")
			return e.fail(ctx, orderID, err)
		}

		order, gerr := e.store.Get(ctx, orderID)
		if gerr != nil {
			return fmt.Errorf("load order for retry decision: %w", gerr)
		}
		if order.RetryCount >= e.cfg.MaxRetries {
			e.observe(started, "failed")
			return e.fail(ctx, orderID, err)
		}

		attempt, ierr := e.store.IncrementRetry(ctx, orderID)
		if ierr != nil {
			return fmt.Errorf("increment retry: %w", ierr)
		}
		delay := pacer.NextBackOff()
		observability.Log().Info("retrying order",
			observability.F("order_id", orderID),
			observability.F("attempt", attempt),
			observability.F("delay", delay.String()),
			observability.F("error", err.Error()))
		observability.Telemetry().IncCounter("executor_retries_total", 1, nil)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("execute %s: %w", orderID, ctx.Err())
		case <-timer.C:
		}
	}
}

// attempt runs one full pass of the pipeline starting at ROUTING.
func (e *Executor) attempt(ctx context.Context, orderID string) error {
	order, err := e.store.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if order.Status.Terminal() {
		return nil
	}

	// ROUTING: fetch competing quotes, validate divergence, pick the winner.
	quotes, err := e.router.FetchQuotes(ctx, order.SourceAsset, order.DestAsset, order.Quantity)
	if err != nil {
		return fmt.Errorf("fetch quotes: %w", err)
	}
	router.Validate(quotes.First, quotes.Second)
	best := router.SelectBest(quotes.First, quotes.Second)
	raydiumPrice, meteoraPrice := venuePrices(quotes)

	order, err = e.transition(ctx, orderID, schema.StatusRouting,
		&orderstore.Fields{
			SelectedVenue: orderstore.StringPtr(best.Venue),
			RaydiumPrice:  orderstore.DecimalPtr(raydiumPrice),
			MeteoraPrice:  orderstore.DecimalPtr(meteoraPrice),
		},
		fmt.Sprintf("selected %s for best output", best.Venue),
		&schema.EventData{
			SelectedDex:  best.Venue,
			RaydiumPrice: &raydiumPrice,
			MeteoraPrice: &meteoraPrice,
		})
	if err != nil {
		return err
	}

	// BUILDING: construct the transaction and enforce the slippage bound.
	order, err = e.transition(ctx, orderID, schema.StatusBuilding, nil,
		"building transaction", nil)
	if err != nil {
		return err
	}
	if best.PriceImpact.GreaterThan(order.SlippageTolerance) {
		return errs.New("executor", errs.CodeSlippage,
			errs.WithMessage(fmt.Sprintf("price impact %s exceeds slippage tolerance %s",
				best.PriceImpact.String(), order.SlippageTolerance.String())),
			errs.WithVenue(best.Venue), errs.WithOrderID(orderID))
	}
	tx := submit.BuildDescriptor(order, best)

	// SUBMITTING: dispatch to the settlement layer.
	if _, err = e.transition(ctx, orderID, schema.StatusSubmitting, nil,
		"submitting transaction to "+best.Venue, nil); err != nil {
		return err
	}
	receipt, err := e.submitter.Submit(ctx, tx)
	if err != nil {
		return fmt.Errorf("submit transaction: %w", err)
	}

	// CONFIRMED: persist the settlement reference and realized price.
	_, err = e.transition(ctx, orderID, schema.StatusConfirmed,
		&orderstore.Fields{
			ExecutionPrice: orderstore.DecimalPtr(receipt.ExecutionPrice),
			TxHash:         orderstore.StringPtr(receipt.TxHash),
		},
		"order confirmed",
		&schema.EventData{
			ExecutionPrice: &receipt.ExecutionPrice,
			TxHash:         receipt.TxHash,
		})
	return err
}

// transition persists the status change, then publishes the matching event.
// Both effects happen in that order before the next stage runs.
func (e *Executor) transition(ctx context.Context, orderID string, status schema.OrderStatus, fields *orderstore.Fields, message string, data *schema.EventData) (*schema.Order, error) {
	order, err := e.store.UpdateStatus(ctx, orderID, status, fields)
	if err != nil {
		return nil, fmt.Errorf("persist %s: %w", status, err)
	}
	e.sink.Publish(ctx, schema.NewStatusEvent(orderID, status, message, data))
	return order, nil
}

// fail records the terminal failure and publishes the terminal event. The
// returned error carries the cause for the caller's bookkeeping.
func (e *Executor) fail(ctx context.Context, orderID string, cause error) error {
	reason := failureReason(cause)
	if _, err := e.store.UpdateStatus(ctx, orderID, schema.StatusFailed, &orderstore.Fields{
		FailureReason: orderstore.StringPtr(reason),
	}); err != nil {
		observability.Log().Error("persist terminal failure",
			observability.F("order_id", orderID),
			observability.F("error", err.Error()))
	}
	e.sink.Publish(ctx, schema.NewStatusEvent(orderID, schema.StatusFailed,
		"order failed: "+reason, &schema.EventData{Error: reason}))
	observability.Log().Warn("order failed",
		observability.F("order_id", orderID),
		observability.F("reason", reason))
	return fmt.Errorf("order %s failed: %w", orderID, cause)
}

func (e *Executor) begin(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[orderID]; busy {
		return false
	}
	e.inflight[orderID] = struct{}{}
	return true
}

func (e *Executor) end(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, orderID)
}

func (e *Executor) observe(started time.Time, outcome string) {
	observability.Telemetry().ObserveHistogram("executor_pipeline_seconds",
		time.Since(started).Seconds(), map[string]string{"outcome": outcome})
	observability.Telemetry().IncCounter("executor_orders_total", 1, map[string]string{"outcome": outcome})
}

// venuePrices maps the quote pair onto the per-venue price columns, falling
// back to listing order when the wired sources use other names.
func venuePrices(quotes router.Quotes) (decimal.Decimal, decimal.Decimal) {
	raydium := quotes.First.Price
	meteora := quotes.Second.Price
	if q, ok := quotes.ByVenue(venue.Raydium); ok {
		raydium = q.Price
	}
	if q, ok := quotes.ByVenue(venue.Meteora); ok {
		meteora = q.Price
	}
	return raydium, meteora
}

// failureReason extracts the human-readable description from the triggering
// error.
func failureReason(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
