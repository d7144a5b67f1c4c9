// Package submit builds transaction descriptors and dispatches them to the
// settlement layer.
package submit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openliquid/swapflow/errs"
	"github.com/openliquid/swapflow/internal/schema"
)

// TxDescriptor is the settlement-layer input built from an order and its
// selected quote.
type TxDescriptor struct {
	OrderID     string          `json:"orderId"`
	Venue       string          `json:"venue"`
	SourceAsset string          `json:"sourceAsset"`
	DestAsset   string          `json:"destAsset"`
	InAmount    decimal.Decimal `json:"inAmount"`
	MinOut      decimal.Decimal `json:"minOut"`
	QuotePrice  decimal.Decimal `json:"quotePrice"`
}

// Receipt is the settlement layer's confirmation of a dispatched transaction.
type Receipt struct {
	TxHash         string
	ExecutionPrice decimal.Decimal
}

// Submitter dispatches a transaction descriptor to the settlement layer.
type Submitter interface {
	Submit(ctx context.Context, tx TxDescriptor) (Receipt, error)
}

// BuildDescriptor derives the settlement input from the order and the winning
// quote. MinOut encodes the slippage tolerance as a floor on received funds.
func BuildDescriptor(order *schema.Order, quote schema.Quote) TxDescriptor {
	minOut := quote.OutAmount.Mul(decimal.NewFromInt(1).Sub(order.SlippageTolerance))
	return TxDescriptor{
		OrderID:     order.ID,
		Venue:       quote.Venue,
		SourceAsset: order.SourceAsset,
		DestAsset:   order.DestAsset,
		InAmount:    order.Quantity,
		MinOut:      minOut,
		QuotePrice:  quote.Price,
	}
}

// SimConfig tunes the simulated settlement layer.
type SimConfig struct {
	// FailureRate is the probability of a transient dispatch failure,
	// exercising the retry path.
	FailureRate float64
	// Latency is the simulated settlement round-trip.
	Latency time.Duration
	// Seed fixes the pseudo-random stream; zero seeds from the clock.
	Seed int64
}

// Simulated stands in for a real settlement integration: it confirms at the
// quoted price after a short delay and fails transiently at the configured
// rate.
type Simulated struct {
	cfg SimConfig

	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSimulated constructs the simulated settlement layer.
func NewSimulated(cfg SimConfig) *Simulated {
	if cfg.FailureRate < 0 || math.IsNaN(cfg.FailureRate) {
		cfg.FailureRate = 0
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Simulated{cfg: cfg, rng: mrand.New(mrand.NewSource(cfg.Seed))}
}

// Submit implements Submitter.
func (s *Simulated) Submit(ctx context.Context, tx TxDescriptor) (Receipt, error) {
	if s.cfg.Latency > 0 {
		timer := time.NewTimer(s.cfg.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Receipt{}, errs.New("submit", errs.CodeSubmission,
				errs.WithMessage("submission cancelled"), errs.WithOrderID(tx.OrderID), errs.WithCause(ctx.Err()))
		case <-timer.C:
		}
	}

	s.mu.Lock()
	fail := s.rng.Float64() < s.cfg.FailureRate
	s.mu.Unlock()
	if fail {
		return Receipt{}, errs.New("submit", errs.CodeSubmission,
			errs.WithMessage("settlement layer rejected transaction"), errs.WithOrderID(tx.OrderID))
	}

	return Receipt{
		TxHash:         randomTxHash(),
		ExecutionPrice: tx.QuotePrice,
	}, nil
}

func randomTxHash() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
