package submit_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/openliquid/swapflow/errs"
	"github.com/openliquid/swapflow/internal/schema"
	"github.com/openliquid/swapflow/internal/submit"
)

func TestBuildDescriptorAppliesTolerance(t *testing.T) {
	order := schema.NewOrder(schema.KindImmediate, "SOL", "USDC", decimal.NewFromInt(10), decimal.NewFromFloat(0.01))
	quote := schema.Quote{
		Venue:     "raydium",
		Price:     decimal.NewFromInt(100),
		OutAmount: decimal.NewFromInt(1000),
	}

	tx := submit.BuildDescriptor(order, quote)
	require.Equal(t, order.ID, tx.OrderID)
	require.Equal(t, "raydium", tx.Venue)
	require.True(t, tx.InAmount.Equal(decimal.NewFromInt(10)))
	require.True(t, tx.MinOut.Equal(decimal.NewFromInt(990)))
	require.True(t, tx.QuotePrice.Equal(decimal.NewFromInt(100)))
}

func TestSimulatedSubmitConfirmsAtQuotePrice(t *testing.T) {
	sub := submit.NewSimulated(submit.SimConfig{FailureRate: 0, Seed: 7})
	tx := submit.TxDescriptor{OrderID: "o-1", QuotePrice: decimal.NewFromInt(100)}

	receipt, err := sub.Submit(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, receipt.TxHash, 64)
	require.True(t, receipt.ExecutionPrice.Equal(decimal.NewFromInt(100)))
}

func TestSimulatedSubmitTransientFailure(t *testing.T) {
	sub := submit.NewSimulated(submit.SimConfig{FailureRate: 1, Seed: 7})

	_, err := sub.Submit(context.Background(), submit.TxDescriptor{OrderID: "o-2"})
	require.Error(t, err)
	require.Equal(t, errs.CodeSubmission, errs.CodeOf(err))
	require.True(t, errs.Transient(err))
}

func TestSimulatedSubmitHonoursContext(t *testing.T) {
	sub := submit.NewSimulated(submit.SimConfig{Latency: time.Second, Seed: 7})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sub.Submit(ctx, submit.TxDescriptor{OrderID: "o-3"})
	require.Error(t, err)
	require.Equal(t, errs.CodeSubmission, errs.CodeOf(err))
}
