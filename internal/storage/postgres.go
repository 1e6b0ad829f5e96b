// Package storage persists orders to PostgreSQL.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drblury/orderflow/internal/domain"
	"github.com/drblury/orderflow/internal/jsoncodec"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS orders (
  id           text PRIMARY KEY,
  customer_id  text NOT NULL,
  order_date   text NOT NULL,
  items        jsonb NOT NULL,
  total_amount double precision NOT NULL,
  status       text NOT NULL DEFAULT 'PENDING',
  created_at   timestamptz NOT NULL DEFAULT now(),
  updated_at   timestamptz NOT NULL DEFAULT now()
);
`

// Store is the pgx-backed order repository.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool, verifies the connection, and ensures the orders
// table exists. A failure here is fatal at startup: the caller is expected
// to exit rather than retry.
func Connect(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("orderflow: open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("orderflow: postgres authentication: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("orderflow: init orders schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Upsert writes the order keyed by its identity, replacing any previous row.
func (s *Store) Upsert(ctx context.Context, order domain.Order) error {
	items, err := jsoncodec.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("orderflow: marshal order items: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO orders (id, customer_id, order_date, items, total_amount, status)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
  customer_id  = EXCLUDED.customer_id,
  order_date   = EXCLUDED.order_date,
  items        = EXCLUDED.items,
  total_amount = EXCLUDED.total_amount,
  status       = EXCLUDED.status,
  updated_at   = now()`,
		order.ID, order.CustomerID, order.OrderDate, items, order.TotalAmount, string(order.Status))
	if err != nil {
		return fmt.Errorf("orderflow: upsert order %s: %w", order.ID, err)
	}
	return nil
}

// FindAll returns every persisted order, newest first.
func (s *Store) FindAll(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, customer_id, order_date, items, total_amount, status
FROM orders
ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("orderflow: query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		var (
			order  domain.Order
			items  []byte
			status string
		)
		if err := rows.Scan(&order.ID, &order.CustomerID, &order.OrderDate, &items, &order.TotalAmount, &status); err != nil {
			return nil, fmt.Errorf("orderflow: scan order row: %w", err)
		}
		if err := jsoncodec.Unmarshal(items, &order.Items); err != nil {
			return nil, fmt.Errorf("orderflow: unmarshal items for order %s: %w", order.ID, err)
		}
		order.Status = domain.OrderStatus(status)
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orderflow: iterate order rows: %w", err)
	}
	return orders, nil
}
