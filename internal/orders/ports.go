package orders

import (
	"context"

	"github.com/shopspring/decimal"
)

// Inventory is the quantity-on-hand side of the catalog.
type Inventory interface {
	// TryDecrement subtracts qty only if stock >= qty, as one isolated step.
	// It reports false (and changes nothing) when stock is short.
	TryDecrement(ctx context.Context, productID int64, qty int) (bool, error)
	Read(ctx context.Context, productID int64) (Product, error)
}

type Ledger interface {
	CreateOrder(ctx context.Context, buyerID int64, total decimal.Decimal) (int64, error)
	AddLineItem(ctx context.Context, orderID, productID int64, qty int, unitPrice decimal.Decimal) error
	Get(ctx context.Context, orderID int64) (Order, error)
	Items(ctx context.Context, orderID int64) ([]LineItem, error)
	ListByBuyer(ctx context.Context, buyerID int64) ([]Order, error)
	ListBySeller(ctx context.Context, sellerID int64) ([]Order, error)
	ListRecent(ctx context.Context, limit int) ([]Order, error)
	// SetStatus overwrites the status. With a non-empty from, the row is only
	// updated when its current status is one of them (ErrInvalidTransition otherwise).
	SetStatus(ctx context.Context, orderID int64, to Status, from ...Status) error
}

type Stores struct {
	Inventory Inventory
	Ledger    Ledger
}

// Store hands out the two stores, either directly or bound to one unit of work.
type Store interface {
	Stores() Stores
	// WithinTx runs fn against stores that share one transaction. A nil return
	// commits; any error rolls everything back and is returned unchanged.
	WithinTx(ctx context.Context, fn func(ctx context.Context, st Stores) error) error
}
