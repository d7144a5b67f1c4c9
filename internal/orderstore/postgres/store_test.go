package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openliquid/swapflow/errs"
	"github.com/openliquid/swapflow/internal/orderstore"
	pgstore "github.com/openliquid/swapflow/internal/orderstore/postgres"
	"github.com/openliquid/swapflow/internal/schema"
)

// The contract test needs a Docker daemon; set SWAPFLOW_PG_TESTS=1 to run it.
func newContainerStore(t *testing.T) *pgstore.Store {
	t.Helper()
	if os.Getenv("SWAPFLOW_PG_TESTS") == "" {
		t.Skip("set SWAPFLOW_PG_TESTS=1 to run postgres contract tests")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "swapflow"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/swapflow?sslmode=disable", host, port.Port())

	store, err := pgstore.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestPostgresOrderLifecycle(t *testing.T) {
	store := newContainerStore(t)
	ctx := context.Background()

	order := schema.NewOrder(schema.KindImmediate, "SOL", "USDC", decimal.NewFromInt(10), decimal.NewFromFloat(0.01))
	require.NoError(t, store.Create(ctx, order))

	// Duplicate insert conflicts.
	err := store.Create(ctx, order)
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))

	got, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, got.Status)
	require.True(t, got.Quantity.Equal(decimal.NewFromInt(10)))

	price := decimal.NewFromInt(100)
	other := decimal.NewFromInt(98)
	updated, err := store.UpdateStatus(ctx, order.ID, schema.StatusRouting, &orderstore.Fields{
		SelectedVenue: orderstore.StringPtr("raydium"),
		RaydiumPrice:  orderstore.DecimalPtr(price),
		MeteoraPrice:  orderstore.DecimalPtr(other),
	})
	require.NoError(t, err)
	require.Equal(t, "raydium", updated.SelectedVenue)
	require.True(t, updated.RaydiumPrice.Equal(price))

	// Illegal jumps conflict.
	_, err = store.UpdateStatus(ctx, order.ID, schema.StatusConfirmed, nil)
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))

	n, err := store.IncrementRetry(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = store.UpdateStatus(ctx, order.ID, schema.StatusBuilding, nil)
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, order.ID, schema.StatusSubmitting, nil)
	require.NoError(t, err)
	final, err := store.UpdateStatus(ctx, order.ID, schema.StatusConfirmed, &orderstore.Fields{
		ExecutionPrice: orderstore.DecimalPtr(price),
		TxHash:         orderstore.StringPtr("abcdef0123456789"),
	})
	require.NoError(t, err)
	require.NotNil(t, final.CompletedAt)
	require.Equal(t, "abcdef0123456789", final.TxHash)
	require.True(t, final.ExecutionPrice.Equal(price))

	confirmed, err := store.ListByStatus(ctx, schema.StatusConfirmed)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)

	_, err = store.Get(ctx, "00000000-0000-0000-0000-000000000000")
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}
