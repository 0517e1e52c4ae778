package orders

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type PriceSource string

const (
	// PriceFromClient trusts the price sent with each item.
	PriceFromClient PriceSource = "client"
	// PriceFromCatalog ignores the caller's price and reads it from the product row.
	PriceFromCatalog PriceSource = "catalog"
)

// ParsePriceSource accepts "client", "catalog" or an empty string (client).
func ParsePriceSource(s string) (PriceSource, error) {
	switch PriceSource(s) {
	case "", PriceFromClient:
		return PriceFromClient, nil
	case PriceFromCatalog:
		return PriceFromCatalog, nil
	default:
		return "", fmt.Errorf("unknown price source %q", s)
	}
}

const DefaultRecentLimit = 50

// MaxQuantity matches the INTEGER quantity and stock columns.
const MaxQuantity = math.MaxInt32

type Options struct {
	PriceSource       PriceSource
	StrictTransitions bool
	RecentLimit       int
}

// Service places orders and moves them through their statuses.
type Service struct {
	store Store
	log   *zap.Logger
	opts  Options
}

func NewService(store Store, log *zap.Logger, opts Options) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.PriceSource != PriceFromCatalog {
		opts.PriceSource = PriceFromClient
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = DefaultRecentLimit
	}
	return &Service{store: store, log: log, opts: opts}
}

// PlaceOrder writes the order header, its line items and the stock decrements
// as one unit of work. Items are processed in the order given, so when several
// are short the first one is reported.
func (s *Service) PlaceOrder(ctx context.Context, buyerID int64, items []ItemInput) (Placement, error) {
	if err := validatePlacement(buyerID, items, s.opts.PriceSource); err != nil {
		return Placement{}, err
	}

	priced := make([]ItemInput, len(items))
	copy(priced, items)

	var (
		orderID int64
		total   decimal.Decimal
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, st Stores) error {
		if s.opts.PriceSource == PriceFromCatalog {
			for i := range priced {
				p, err := st.Inventory.Read(ctx, priced[i].ProductID)
				if err != nil {
					return err
				}
				priced[i].Price = p.Price
			}
		}

		total = Total(priced)
		id, err := st.Ledger.CreateOrder(ctx, buyerID, total)
		if err != nil {
			return err
		}

		for _, it := range priced {
			if err := st.Ledger.AddLineItem(ctx, id, it.ProductID, it.Quantity, it.Price); err != nil {
				return err
			}
			ok, err := st.Inventory.TryDecrement(ctx, it.ProductID, it.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return &InsufficientStockError{ProductID: it.ProductID, Requested: it.Quantity}
			}
		}
		orderID = id
		return nil
	})
	if err != nil {
		err = classify("place order", err)
		s.logFailure("order placement failed", err, zap.Int64("buyer_id", buyerID), zap.Int("items", len(items)))
		return Placement{}, err
	}

	s.log.Info("order placed",
		zap.Int64("order_id", orderID),
		zap.Int64("buyer_id", buyerID),
		zap.Int("items", len(priced)),
		zap.String("total", total.StringFixed(2)),
	)
	return Placement{OrderID: orderID, Total: total, Items: priced}, nil
}

// SetStatus applies a new status. By default any recognised status may replace
// any other; with StrictTransitions only the edges in validNext are accepted.
func (s *Service) SetStatus(ctx context.Context, orderID int64, raw string) (Status, error) {
	if orderID <= 0 {
		return "", &ValidationError{Field: "orderId", Reason: "must be a positive id"}
	}
	to, err := ParseStatus(raw)
	if err != nil {
		return "", err
	}

	var from []Status
	if s.opts.StrictTransitions {
		from = predecessors(to)
		if len(from) == 0 {
			// nothing leads here (e.g. back to pending); still report a missing order as such
			if _, err := s.store.Stores().Ledger.Get(ctx, orderID); err != nil {
				return "", classify("set status", err)
			}
			return "", fmt.Errorf("%w: -> %s", ErrInvalidTransition, to)
		}
	}

	if err := s.store.Stores().Ledger.SetStatus(ctx, orderID, to, from...); err != nil {
		err = classify("set status", err)
		s.logFailure("status update failed", err, zap.Int64("order_id", orderID), zap.String("status", string(to)))
		return "", err
	}
	s.log.Info("order status updated", zap.Int64("order_id", orderID), zap.String("status", string(to)))
	return to, nil
}

type OrderDetail struct {
	Order
	Items []LineItem `json:"items"`
}

func (s *Service) Get(ctx context.Context, orderID int64) (OrderDetail, error) {
	st := s.store.Stores()
	o, err := st.Ledger.Get(ctx, orderID)
	if err != nil {
		return OrderDetail{}, classify("get order", err)
	}
	items, err := st.Ledger.Items(ctx, orderID)
	if err != nil {
		return OrderDetail{}, classify("get order items", err)
	}
	return OrderDetail{Order: o, Items: items}, nil
}

// Status reads only the order header.
func (s *Service) Status(ctx context.Context, orderID int64) (Order, error) {
	o, err := s.store.Stores().Ledger.Get(ctx, orderID)
	if err != nil {
		return Order{}, classify("get order", err)
	}
	return o, nil
}

type ListFilter struct {
	BuyerID  int64
	SellerID int64
}

// List picks the buyer view, then the seller view, then the recent-orders fallback.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Order, error) {
	ledger := s.store.Stores().Ledger
	var (
		out []Order
		err error
	)
	switch {
	case f.BuyerID > 0:
		out, err = ledger.ListByBuyer(ctx, f.BuyerID)
	case f.SellerID > 0:
		out, err = ledger.ListBySeller(ctx, f.SellerID)
	default:
		out, err = ledger.ListRecent(ctx, s.opts.RecentLimit)
	}
	if err != nil {
		return nil, classify("list orders", err)
	}
	if out == nil {
		out = []Order{}
	}
	return out, nil
}

func (s *Service) Product(ctx context.Context, productID int64) (Product, error) {
	p, err := s.store.Stores().Inventory.Read(ctx, productID)
	if err != nil {
		return Product{}, classify("read product", err)
	}
	return p, nil
}

func validatePlacement(buyerID int64, items []ItemInput, src PriceSource) error {
	if buyerID <= 0 {
		return &ValidationError{Field: "buyerId", Reason: "must be a positive id"}
	}
	if len(items) == 0 {
		return &ValidationError{Field: "items", Reason: "must not be empty"}
	}
	for i, it := range items {
		if it.ProductID <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].productId", i), Reason: "must be a positive id"}
		}
		if it.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be positive"}
		}
		if it.Quantity > MaxQuantity {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "too large"}
		}
		if src != PriceFromCatalog {
			if it.Price.IsNegative() {
				return &ValidationError{Field: fmt.Sprintf("items[%d].price", i), Reason: "must not be negative"}
			}
			if !it.Price.Equal(it.Price.Round(2)) {
				return &ValidationError{Field: fmt.Sprintf("items[%d].price", i), Reason: "at most 2 decimal places"}
			}
		}
	}
	return nil
}

// classify keeps domain errors as they are and turns anything else into a PersistenceError.
func classify(op string, err error) error {
	for _, known := range []error{ErrValidation, ErrInsufficientStock, ErrNotFound, ErrInvalidStatus, ErrInvalidTransition, ErrPersistence} {
		if errors.Is(err, known) {
			return err
		}
	}
	return persistence(op, err)
}

func (s *Service) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	switch {
	case errors.Is(err, ErrPersistence):
		s.log.Error(msg, fields...)
	default:
		s.log.Warn(msg, fields...)
	}
}
