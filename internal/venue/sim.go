package venue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openliquid/swapflow/errs"
	"github.com/openliquid/swapflow/internal/schema"
)

// SimConfig tunes the simulated quote source.
type SimConfig struct {
	// MinLatency/MaxLatency bound the simulated network round-trip.
	MinLatency time.Duration
	MaxLatency time.Duration
	// FailureRate is the probability a quote request fails outright.
	FailureRate float64
	// BasePrices maps "SRC/DST" pairs to a reference unit price.
	BasePrices map[string]decimal.Decimal
	// PriceJitter is the maximum relative deviation from the base price.
	PriceJitter float64
	// ImpactMin/ImpactMax bound the reported price-impact fraction.
	ImpactMin float64
	ImpactMax float64
	// Seed fixes the pseudo-random stream; zero seeds from the clock.
	Seed int64
}

func (c SimConfig) withDefaults() SimConfig {
	if c.MinLatency <= 0 {
		c.MinLatency = 2 * time.Second
	}
	if c.MaxLatency < c.MinLatency {
		c.MaxLatency = c.MinLatency + time.Second
	}
	if c.PriceJitter <= 0 {
		c.PriceJitter = 0.02
	}
	if c.ImpactMax <= 0 {
		c.ImpactMax = 0.01
	}
	if c.ImpactMin < 0 || c.ImpactMin > c.ImpactMax {
		c.ImpactMin = 0.001
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

var defaultBasePrice = decimal.NewFromInt(100)

// Simulated is a pseudo-random quote source standing in for a real venue
// integration. Prices wander around a per-pair base and every request pays a
// simulated network latency.
type Simulated struct {
	name string
	cfg  SimConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated constructs a simulated venue with the given name.
func NewSimulated(name string, cfg SimConfig) *Simulated {
	cfg = cfg.withDefaults()
	return &Simulated{
		name: name,
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Name implements Source.
func (s *Simulated) Name() string { return s.name }

// Quote implements Source. The call sleeps for the simulated latency and
// aborts early when the context is cancelled.
func (s *Simulated) Quote(ctx context.Context, sourceAsset, destAsset string, quantity decimal.Decimal) (schema.Quote, error) {
	latency, fail, price, impact := s.roll(sourceAsset, destAsset)

	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return schema.Quote{}, errs.New("venue/"+s.name, errs.CodeVenue,
			errs.WithMessage("quote request cancelled"), errs.WithVenue(s.name), errs.WithCause(ctx.Err()))
	case <-timer.C:
	}

	if fail {
		return schema.Quote{}, errs.New("venue/"+s.name, errs.CodeVenue,
			errs.WithMessage("simulated venue outage"), errs.WithVenue(s.name))
	}

	out := quantity.Mul(price).Mul(decimal.NewFromInt(1).Sub(impact))
	return schema.Quote{
		Venue:       s.name,
		Price:       price,
		OutAmount:   out,
		PriceImpact: impact,
		QuotedAt:    time.Now().UTC(),
	}, nil
}

// roll draws all random values under the lock so concurrent quote requests
// never share the rng unsynchronised.
func (s *Simulated) roll(sourceAsset, destAsset string) (time.Duration, bool, decimal.Decimal, decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	span := s.cfg.MaxLatency - s.cfg.MinLatency
	latency := s.cfg.MinLatency
	if span > 0 {
		latency += time.Duration(s.rng.Int63n(int64(span)))
	}

	fail := s.rng.Float64() < s.cfg.FailureRate

	base := defaultBasePrice
	if p, ok := s.cfg.BasePrices[sourceAsset+"/"+destAsset]; ok {
		base = p
	}
	jitter := 1 + (s.rng.Float64()*2-1)*s.cfg.PriceJitter
	price := base.Mul(decimal.NewFromFloat(jitter)).Round(6)

	impact := decimal.NewFromFloat(s.cfg.ImpactMin + s.rng.Float64()*(s.cfg.ImpactMax-s.cfg.ImpactMin)).Round(6)

	return latency, fail, price, impact
}

// Static is a fixed-response quote source used by tests and as a template for
// deterministic wiring.
type Static struct {
	VenueName string
	Fixed     schema.Quote
	Err       error
	Delay     time.Duration
	calls     int
	mu        sync.Mutex
}

// Name implements Source.
func (s *Static) Name() string { return s.VenueName }

// Quote implements Source.
func (s *Static) Quote(ctx context.Context, _, _ string, _ decimal.Decimal) (schema.Quote, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return schema.Quote{}, ctx.Err()
		case <-timer.C:
		}
	}
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.Err != nil {
		return schema.Quote{}, s.Err
	}
	q := s.Fixed
	q.Venue = s.VenueName
	if q.QuotedAt.IsZero() {
		q.QuotedAt = time.Now().UTC()
	}
	return q, nil
}

// Calls reports how many quote requests the source has served.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
