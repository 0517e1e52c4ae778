package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// querier is what *pgxpool.Pool and pgx.Tx have in common.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the pgx-backed Store. Reads outside a unit of work go
// straight to the pool; WithinTx binds both repos to one transaction.
type PostgresStore struct{ DB *pgxpool.Pool }

func (s *PostgresStore) Stores() Stores {
	return Stores{Inventory: &InventoryRepo{q: s.DB}, Ledger: &Repo{q: s.DB}}
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, st Stores) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return persistence("begin tx", err)
	}
	// no-op setelah commit; selalu kembalikan koneksi ke pool
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, Stores{Inventory: &InventoryRepo{q: tx}, Ledger: &Repo{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return persistence("commit", err)
	}
	return nil
}

// Repo is the order ledger: order headers and their line items.
type Repo struct{ q querier }

const orderColumns = `id, buyer_id, total::text, status, created_at, updated_at`

func (r *Repo) CreateOrder(ctx context.Context, buyerID int64, total decimal.Decimal) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `
		INSERT INTO orders(buyer_id, total, status)
		VALUES ($1, $2, $3)
		RETURNING id`, buyerID, total.String(), string(StatusPending)).Scan(&id)
	if err != nil {
		return 0, persistence("insert order", err)
	}
	return id, nil
}

func (r *Repo) AddLineItem(ctx context.Context, orderID, productID int64, qty int, unitPrice decimal.Decimal) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO order_items(order_id, product_id, quantity, price)
		VALUES ($1, $2, $3, $4)`, orderID, productID, qty, unitPrice.String())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" && pgErr.ConstraintName == "order_items_product_id_fkey" {
			return fmt.Errorf("product %d: %w", productID, ErrNotFound)
		}
		return persistence("insert order item", err)
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, orderID int64) (Order, error) {
	o, err := scanOrder(r.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return Order{}, persistence("get order", err)
	}
	return o, nil
}

func (r *Repo) Items(ctx context.Context, orderID int64) ([]LineItem, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, order_id, product_id, quantity, price::text
		FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, persistence("list order items", err)
	}
	defer rows.Close()

	var out []LineItem
	for rows.Next() {
		var (
			li    LineItem
			price string
		)
		if err := rows.Scan(&li.ID, &li.OrderID, &li.ProductID, &li.Quantity, &price); err != nil {
			return nil, persistence("scan order item", err)
		}
		if li.Price, err = decimal.NewFromString(price); err != nil {
			return nil, persistence("scan order item", err)
		}
		out = append(out, li)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list order items", err)
	}
	return out, nil
}

func (r *Repo) ListByBuyer(ctx context.Context, buyerID int64) ([]Order, error) {
	return r.list(ctx, "list orders by buyer", `
		SELECT `+orderColumns+` FROM orders
		WHERE buyer_id=$1
		ORDER BY created_at DESC, id DESC`, buyerID)
}

// ListBySeller dedups through EXISTS instead of joining line items into the result.
func (r *Repo) ListBySeller(ctx context.Context, sellerID int64) ([]Order, error) {
	return r.list(ctx, "list orders by seller", `
		SELECT `+orderColumns+` FROM orders o
		WHERE EXISTS (
			SELECT 1 FROM order_items oi
			JOIN products p ON p.id = oi.product_id
			WHERE oi.order_id = o.id AND p.seller_id = $1
		)
		ORDER BY o.created_at DESC, o.id DESC`, sellerID)
}

func (r *Repo) ListRecent(ctx context.Context, limit int) ([]Order, error) {
	return r.list(ctx, "list recent orders", `
		SELECT `+orderColumns+` FROM orders
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
}

func (r *Repo) SetStatus(ctx context.Context, orderID int64, to Status, from ...Status) error {
	var (
		ct  pgconn.CommandTag
		err error
	)
	if len(from) == 0 {
		ct, err = r.q.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, orderID, string(to))
	} else {
		allowed := make([]string, 0, len(from))
		for _, s := range from {
			allowed = append(allowed, string(s))
		}
		ct, err = r.q.Exec(ctx, `
			UPDATE orders SET status=$2, updated_at=now()
			WHERE id=$1 AND status = ANY($3)`, orderID, string(to), allowed)
	}
	if err != nil {
		return persistence("update order status", err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	// bedakan order tidak ada vs transisi ditolak
	cur, err := r.Get(ctx, orderID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
}

func (r *Repo) list(ctx context.Context, op, sql string, args ...any) ([]Order, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, persistence(op, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o      Order
		total  string
		status string
	)
	if err := row.Scan(&o.ID, &o.BuyerID, &total, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	t, err := decimal.NewFromString(total)
	if err != nil {
		return Order{}, err
	}
	o.Total = t
	o.Status = Status(status)
	return o, nil
}
