// Package postgres implements the order store contract on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openliquid/swapflow/errs"
	"github.com/openliquid/swapflow/internal/orderstore"
	"github.com/openliquid/swapflow/internal/schema"
)

// Store persists order lifecycle state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database, applies pending migrations, and returns the
// store.
func New(ctx context.Context, dsn string) (*Store, error) {
	if err := applyMigrations(dsn); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

const orderInsertSQL = `
INSERT INTO orders (
    id, kind, status, source_asset, dest_asset,
    quantity, slippage_tolerance, retry_count,
    created_at, updated_at
)
VALUES (
    @id, @kind, @status, @source_asset, @dest_asset,
    @quantity, @slippage_tolerance, @retry_count,
    @created_at, @updated_at
)
ON CONFLICT (id) DO NOTHING;
`

const orderSelectSQL = `
SELECT
    id::text,
    kind,
    status,
    source_asset,
    dest_asset,
    quantity::text,
    slippage_tolerance::text,
    selected_venue,
    raydium_price::text,
    meteora_price::text,
    execution_price::text,
    tx_hash,
    retry_count,
    failure_reason,
    created_at,
    updated_at,
    completed_at
FROM orders
`

// Create implements orderstore.Store.
func (s *Store) Create(ctx context.Context, order *schema.Order) error {
	if order == nil || order.ID == "" {
		return errs.New("orderstore/postgres", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	tag, err := s.pool.Exec(ctx, orderInsertSQL, pgx.NamedArgs{
		"id":                 order.ID,
		"kind":               string(order.Kind),
		"status":             string(order.Status),
		"source_asset":       order.SourceAsset,
		"dest_asset":         order.DestAsset,
		"quantity":           order.Quantity.String(),
		"slippage_tolerance": order.SlippageTolerance.String(),
		"retry_count":        order.RetryCount,
		"created_at":         order.CreatedAt,
		"updated_at":         order.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("orderstore/postgres", errs.CodeConflict,
			errs.WithMessage("order already exists"), errs.WithOrderID(order.ID))
	}
	return nil
}

// Get implements orderstore.Store.
func (s *Store) Get(ctx context.Context, id string) (*schema.Order, error) {
	row := s.pool.QueryRow(ctx, orderSelectSQL+" WHERE id = $1", id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.New("orderstore/postgres", errs.CodeNotFound,
				errs.WithMessage("order not found"), errs.WithOrderID(id))
		}
		return nil, fmt.Errorf("select order: %w", err)
	}
	return order, nil
}

// UpdateStatus implements orderstore.Store. The transition check runs inside
// a transaction holding a row lock so concurrent writers serialise.
func (s *Store) UpdateStatus(ctx context.Context, id string, status schema.OrderStatus, fields *orderstore.Fields) (*schema.Order, error) {
	var updated *schema.Order
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, orderSelectSQL+" WHERE id = $1 FOR UPDATE", id)
		current, err := scanOrder(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.New("orderstore/postgres", errs.CodeNotFound,
					errs.WithMessage("order not found"), errs.WithOrderID(id))
			}
			return fmt.Errorf("select order for update: %w", err)
		}
		if !schema.CanTransition(current.Status, status) {
			return errs.New("orderstore/postgres", errs.CodeConflict,
				errs.WithMessage("illegal transition "+string(current.Status)+" -> "+string(status)),
				errs.WithOrderID(id))
		}

		now := time.Now().UTC()
		args := pgx.NamedArgs{
			"id":              id,
			"status":          string(status),
			"updated_at":      now,
			"selected_venue":  fieldString(fields, func(f *orderstore.Fields) *string { return f.SelectedVenue }),
			"raydium_price":   fieldDecimal(fields, func(f *orderstore.Fields) *decimal.Decimal { return f.RaydiumPrice }),
			"meteora_price":   fieldDecimal(fields, func(f *orderstore.Fields) *decimal.Decimal { return f.MeteoraPrice }),
			"execution_price": fieldDecimal(fields, func(f *orderstore.Fields) *decimal.Decimal { return f.ExecutionPrice }),
			"tx_hash":         fieldString(fields, func(f *orderstore.Fields) *string { return f.TxHash }),
			"failure_reason":  fieldString(fields, func(f *orderstore.Fields) *string { return f.FailureReason }),
		}
		if status.Terminal() {
			args["completed_at"] = now
		} else {
			args["completed_at"] = nil
		}

		_, err = tx.Exec(ctx, `
UPDATE orders
SET status = @status,
    selected_venue = COALESCE(@selected_venue, selected_venue),
    raydium_price = COALESCE(@raydium_price::numeric, raydium_price),
    meteora_price = COALESCE(@meteora_price::numeric, meteora_price),
    execution_price = COALESCE(@execution_price::numeric, execution_price),
    tx_hash = COALESCE(@tx_hash, tx_hash),
    failure_reason = COALESCE(@failure_reason, failure_reason),
    completed_at = COALESCE(@completed_at, completed_at),
    updated_at = @updated_at
WHERE id = @id;`, args)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		row = tx.QueryRow(ctx, orderSelectSQL+" WHERE id = $1", id)
		updated, err = scanOrder(row)
		if err != nil {
			return fmt.Errorf("reload order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// IncrementRetry implements orderstore.Store.
func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
UPDATE orders
SET retry_count = retry_count + 1,
    updated_at = NOW()
WHERE id = $1
RETURNING retry_count;`, id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.New("orderstore/postgres", errs.CodeNotFound,
				errs.WithMessage("order not found"), errs.WithOrderID(id))
		}
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return count, nil
}

// ListByStatus implements orderstore.Store.
func (s *Store) ListByStatus(ctx context.Context, status schema.OrderStatus) ([]*schema.Order, error) {
	rows, err := s.pool.Query(ctx, orderSelectSQL+" WHERE status = $1 ORDER BY created_at", string(status))
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*schema.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return out, nil
}

// Close implements orderstore.Store.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*schema.Order, error) {
	var (
		order          schema.Order
		quantity       string
		tolerance      string
		selectedVenue  sql.NullString
		raydiumPrice   sql.NullString
		meteoraPrice   sql.NullString
		executionPrice sql.NullString
		txHash         sql.NullString
		failureReason  sql.NullString
		completedAt    sql.NullTime
	)
	err := row.Scan(
		&order.ID,
		&order.Kind,
		&order.Status,
		&order.SourceAsset,
		&order.DestAsset,
		&quantity,
		&tolerance,
		&selectedVenue,
		&raydiumPrice,
		&meteoraPrice,
		&executionPrice,
		&txHash,
		&order.RetryCount,
		&failureReason,
		&order.CreatedAt,
		&order.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if order.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	if order.SlippageTolerance, err = decimal.NewFromString(tolerance); err != nil {
		return nil, fmt.Errorf("parse slippage tolerance: %w", err)
	}
	order.SelectedVenue = selectedVenue.String
	order.TxHash = txHash.String
	order.FailureReason = failureReason.String
	if order.RaydiumPrice, err = parseNullDecimal(raydiumPrice); err != nil {
		return nil, err
	}
	if order.MeteoraPrice, err = parseNullDecimal(meteoraPrice); err != nil {
		return nil, err
	}
	if order.ExecutionPrice, err = parseNullDecimal(executionPrice); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		order.CompletedAt = &t
	}
	return &order, nil
}

func parseNullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, fmt.Errorf("parse decimal column: %w", err)
	}
	return &d, nil
}

func fieldString(fields *orderstore.Fields, pick func(*orderstore.Fields) *string) any {
	if fields == nil {
		return nil
	}
	if p := pick(fields); p != nil {
		return *p
	}
	return nil
}

func fieldDecimal(fields *orderstore.Fields, pick func(*orderstore.Fields) *decimal.Decimal) any {
	if fields == nil {
		return nil
	}
	if p := pick(fields); p != nil {
		return p.String()
	}
	return nil
}
