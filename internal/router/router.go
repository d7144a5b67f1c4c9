// Package router fetches competing quotes from the configured venues and
// selects the best execution candidate.
package router

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/openliquid/swapflow/internal/observability"
	"github.com/openliquid/swapflow/internal/schema"
	"github.com/openliquid/swapflow/internal/venue"
)

// divergenceWarnPct is the relative price divergence between venues, in
// percent, above which a warning is signalled.
var divergenceWarnPct = decimal.NewFromInt(10)

// Quotes holds the result of one routing attempt against both venues.
type Quotes struct {
	First  schema.Quote
	Second schema.Quote
}

// ByVenue returns the quote issued by the named venue, if present.
func (q Quotes) ByVenue(name string) (schema.Quote, bool) {
	switch name {
	case q.First.Venue:
		return q.First, true
	case q.Second.Venue:
		return q.Second, true
	default:
		return schema.Quote{}, false
	}
}

// Router issues quote requests to two competing venues.
type Router struct {
	first  venue.Source
	second venue.Source
}

// New constructs a router over the two configured venues. Listing order
// matters: ties in quote selection resolve to the first venue.
func New(first, second venue.Source) *Router {
	return &Router{first: first, second: second}
}

// FetchQuotes requests quotes from both venues concurrently. The call fails
// when either venue's request fails; partial tolerance is the caller's
// concern.
func (r *Router) FetchQuotes(ctx context.Context, sourceAsset, destAsset string, quantity decimal.Decimal) (Quotes, error) {
	var quotes Quotes

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		q, err := r.first.Quote(ctx, sourceAsset, destAsset, quantity)
		if err != nil {
			return fmt.Errorf("venue %s: %w", r.first.Name(), err)
		}
		quotes.First = q
		return nil
	})
	p.Go(func(ctx context.Context) error {
		q, err := r.second.Quote(ctx, sourceAsset, destAsset, quantity)
		if err != nil {
			return fmt.Errorf("venue %s: %w", r.second.Name(), err)
		}
		quotes.Second = q
		return nil
	})
	if err := p.Wait(); err != nil {
		return Quotes{}, err
	}
	return quotes, nil
}

// SelectBest compares expected output quantity, not raw price, and returns
// the quote with the strictly greater output. Ties resolve to the
// first-listed venue.
func SelectBest(first, second schema.Quote) schema.Quote {
	if second.OutAmount.GreaterThan(first.OutAmount) {
		return second
	}
	return first
}

// Validate never blocks execution; it signals a warning when the relative
// price divergence between the two venues exceeds the threshold.
func Validate(first, second schema.Quote) bool {
	if pct, diverged := Divergence(first, second); diverged {
		observability.Log().Warn("venue price divergence",
			observability.F("first_venue", first.Venue),
			observability.F("second_venue", second.Venue),
			observability.F("first_price", first.Price.String()),
			observability.F("second_price", second.Price.String()),
			observability.F("divergence_pct", pct.StringFixed(2)),
		)
		observability.Telemetry().IncCounter("router_divergence_warnings_total", 1, map[string]string{
			"first_venue":  first.Venue,
			"second_venue": second.Venue,
		})
	}
	return true
}

// Divergence computes |p1-p2| / ((p1+p2)/2) * 100 and reports whether it
// exceeds the warning threshold.
func Divergence(first, second schema.Quote) (decimal.Decimal, bool) {
	mid := first.Price.Add(second.Price).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.Zero, false
	}
	pct := first.Price.Sub(second.Price).Abs().Div(mid).Mul(decimal.NewFromInt(100))
	return pct, pct.GreaterThan(divergenceWarnPct)
}
