package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type InventoryRepo struct{ q querier }

// TryDecrement is a single conditional UPDATE. Postgres takes the row lock and
// re-checks `stock >= $2` against the latest committed version, so two callers
// racing for the last unit cannot both match.
func (r *InventoryRepo) TryDecrement(ctx context.Context, productID int64, qty int) (bool, error) {
	if qty <= 0 {
		return false, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	ct, err := r.q.Exec(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id=$1 AND stock >= $2`, productID, qty)
	if err != nil {
		return false, persistence("decrement stock", err)
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id=$1)`, productID).Scan(&exists); err != nil {
		return false, persistence("check product", err)
	}
	if !exists {
		return false, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	return false, nil
}

func (r *InventoryRepo) Read(ctx context.Context, productID int64) (Product, error) {
	var (
		p     Product
		price string
	)
	err := r.q.QueryRow(ctx, `
		SELECT id, seller_id, name, price::text, stock, created_at, updated_at
		FROM products WHERE id=$1`, productID).
		Scan(&p.ID, &p.SellerID, &p.Name, &price, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	if err != nil {
		return Product{}, persistence("read product", err)
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return Product{}, persistence("read product", err)
	}
	return p, nil
}
