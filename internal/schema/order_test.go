package schema_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/openliquid/swapflow/internal/schema"
)

func TestNewOrderStartsPending(t *testing.T) {
	order := schema.NewOrder(schema.KindImmediate, "SOL", "USDC", decimal.NewFromInt(10), decimal.NewFromFloat(0.01))
	require.NotEmpty(t, order.ID)
	require.Equal(t, schema.StatusPending, order.Status)
	require.Zero(t, order.RetryCount)
	require.Nil(t, order.CompletedAt)
	require.Empty(t, order.SelectedVenue)
}

func TestCanTransitionForwardOnly(t *testing.T) {
	require.True(t, schema.CanTransition(schema.StatusPending, schema.StatusRouting))
	require.True(t, schema.CanTransition(schema.StatusRouting, schema.StatusBuilding))
	require.True(t, schema.CanTransition(schema.StatusBuilding, schema.StatusSubmitting))
	require.True(t, schema.CanTransition(schema.StatusSubmitting, schema.StatusConfirmed))

	require.False(t, schema.CanTransition(schema.StatusBuilding, schema.StatusPending))
	require.False(t, schema.CanTransition(schema.StatusConfirmed, schema.StatusRouting))
	require.False(t, schema.CanTransition(schema.StatusFailed, schema.StatusRouting))
	require.False(t, schema.CanTransition(schema.StatusRouting, schema.StatusSubmitting))
}

func TestCanTransitionRetryReentry(t *testing.T) {
	// Retries restart the pipeline at ROUTING from any non-terminal stage.
	require.True(t, schema.CanTransition(schema.StatusRouting, schema.StatusRouting))
	require.True(t, schema.CanTransition(schema.StatusBuilding, schema.StatusRouting))
	require.True(t, schema.CanTransition(schema.StatusSubmitting, schema.StatusRouting))
}

func TestTerminalStates(t *testing.T) {
	require.True(t, schema.StatusConfirmed.Terminal())
	require.True(t, schema.StatusFailed.Terminal())
	require.False(t, schema.StatusPending.Terminal())
	require.False(t, schema.StatusSubmitting.Terminal())
}

func TestFailureReachableFromAnyNonTerminalState(t *testing.T) {
	for _, from := range []schema.OrderStatus{
		schema.StatusPending, schema.StatusRouting, schema.StatusBuilding, schema.StatusSubmitting,
	} {
		require.True(t, schema.CanTransition(from, schema.StatusFailed), "from %s", from)
	}
}

func TestPriorityRank(t *testing.T) {
	require.Less(t, schema.KindImmediate.PriorityRank(), schema.KindLimit.PriorityRank())
	require.Less(t, schema.KindLimit.PriorityRank(), schema.KindTriggered.PriorityRank())
	require.Less(t, schema.KindTriggered.PriorityRank(), schema.OrderKind("mystery").PriorityRank())
}

func TestOrderCloneIsDeep(t *testing.T) {
	order := schema.NewOrder(schema.KindImmediate, "SOL", "USDC", decimal.NewFromInt(10), decimal.NewFromFloat(0.01))
	price := decimal.NewFromInt(100)
	order.RaydiumPrice = &price

	clone := order.Clone()
	updated := decimal.NewFromInt(200)
	clone.RaydiumPrice = &updated

	require.True(t, order.RaydiumPrice.Equal(decimal.NewFromInt(100)))
}
