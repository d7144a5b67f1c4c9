// Package venue defines liquidity-venue quote sources. The production
// contract is a single call: return a quote or fail within the caller's
// timeout. The bundled implementations simulate Raydium and Meteora.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/openliquid/swapflow/internal/schema"
)

// Venue identifiers carried on quotes and persisted on orders.
const (
	Raydium = "raydium"
	Meteora = "meteora"
)

// Source produces a priced offer for a swap of quantity sourceAsset into
// destAsset. Implementations must honour context cancellation.
type Source interface {
	Name() string
	Quote(ctx context.Context, sourceAsset, destAsset string, quantity decimal.Decimal) (schema.Quote, error)
}
