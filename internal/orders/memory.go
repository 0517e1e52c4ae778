package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in maps behind one mutex. A unit of work holds
// the mutex for its whole run and records an undo entry for every write, so
// units are serializable and a failed one leaves no trace.
type MemoryStore struct {
	mu       sync.Mutex
	products map[int64]Product
	orders   map[int64]Order
	items    map[int64][]LineItem // by order id
	nextPID  int64
	nextOID  int64
	nextLID  int64
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: map[int64]Product{},
		orders:   map[int64]Order{},
		items:    map[int64][]LineItem{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddProduct seeds a product. A zero ID gets the next free one.
func (m *MemoryStore) AddProduct(p Product) Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		m.nextPID++
		p.ID = m.nextPID
	} else if p.ID > m.nextPID {
		m.nextPID = p.ID
	}
	now := m.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.products[p.ID] = p
	return p
}

func (m *MemoryStore) Stores() Stores {
	v := &memView{m: m, locked: false}
	return Stores{Inventory: v, Ledger: v}
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, st Stores) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := &memView{m: m, locked: true}
	defer func() {
		if r := recover(); r != nil {
			v.rollback()
			panic(r)
		}
		if err != nil {
			v.rollback()
		}
	}()
	if err := ctx.Err(); err != nil {
		return persistence("begin tx", err)
	}
	return fn(ctx, Stores{Inventory: v, Ledger: v})
}

// memView is either a per-call view (takes the lock itself) or a view bound
// to a running unit of work (lock already held, writes journaled).
type memView struct {
	m      *MemoryStore
	locked bool
	undo   []func()
}

func (v *memView) enter() func() {
	if v.locked {
		return func() {}
	}
	v.m.mu.Lock()
	return v.m.mu.Unlock
}

func (v *memView) journal(f func()) {
	if v.locked {
		v.undo = append(v.undo, f)
	}
}

func (v *memView) rollback() {
	for i := len(v.undo) - 1; i >= 0; i-- {
		v.undo[i]()
	}
	v.undo = nil
}

func (v *memView) TryDecrement(ctx context.Context, productID int64, qty int) (bool, error) {
	if qty <= 0 {
		return false, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	defer v.enter()()
	p, ok := v.m.products[productID]
	if !ok {
		return false, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	if p.Stock < qty {
		return false, nil
	}
	prev := p
	p.Stock -= qty
	p.UpdatedAt = v.m.now()
	v.m.products[productID] = p
	v.journal(func() { v.m.products[productID] = prev })
	return true, nil
}

func (v *memView) Read(ctx context.Context, productID int64) (Product, error) {
	defer v.enter()()
	p, ok := v.m.products[productID]
	if !ok {
		return Product{}, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	return p, nil
}

func (v *memView) CreateOrder(ctx context.Context, buyerID int64, total decimal.Decimal) (int64, error) {
	defer v.enter()()
	prevID := v.m.nextOID
	v.m.nextOID++
	id := v.m.nextOID
	now := v.m.now()
	v.m.orders[id] = Order{ID: id, BuyerID: buyerID, Total: total, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	v.journal(func() {
		delete(v.m.orders, id)
		v.m.nextOID = prevID
	})
	return id, nil
}

func (v *memView) AddLineItem(ctx context.Context, orderID, productID int64, qty int, unitPrice decimal.Decimal) error {
	defer v.enter()()
	if _, ok := v.m.orders[orderID]; !ok {
		return fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	if _, ok := v.m.products[productID]; !ok {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	prevID := v.m.nextLID
	prev := v.m.items[orderID]
	v.m.nextLID++
	li := LineItem{ID: v.m.nextLID, OrderID: orderID, ProductID: productID, Quantity: qty, Price: unitPrice}
	v.m.items[orderID] = append(prev[:len(prev):len(prev)], li)
	v.journal(func() {
		if prev == nil {
			delete(v.m.items, orderID)
		} else {
			v.m.items[orderID] = prev
		}
		v.m.nextLID = prevID
	})
	return nil
}

func (v *memView) Get(ctx context.Context, orderID int64) (Order, error) {
	defer v.enter()()
	o, ok := v.m.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	return o, nil
}

func (v *memView) Items(ctx context.Context, orderID int64) ([]LineItem, error) {
	defer v.enter()()
	items := v.m.items[orderID]
	out := make([]LineItem, len(items))
	copy(out, items)
	return out, nil
}

func (v *memView) ListByBuyer(ctx context.Context, buyerID int64) ([]Order, error) {
	defer v.enter()()
	return v.collect(func(o Order) bool { return o.BuyerID == buyerID }, 0), nil
}

func (v *memView) ListBySeller(ctx context.Context, sellerID int64) ([]Order, error) {
	defer v.enter()()
	return v.collect(func(o Order) bool {
		for _, li := range v.m.items[o.ID] {
			if v.m.products[li.ProductID].SellerID == sellerID {
				return true
			}
		}
		return false
	}, 0), nil
}

func (v *memView) ListRecent(ctx context.Context, limit int) ([]Order, error) {
	defer v.enter()()
	return v.collect(func(Order) bool { return true }, limit), nil
}

func (v *memView) SetStatus(ctx context.Context, orderID int64, to Status, from ...Status) error {
	defer v.enter()()
	o, ok := v.m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	if len(from) > 0 && !containsStatus(from, o.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	prev := o
	o.Status = to
	o.UpdatedAt = v.m.now()
	v.m.orders[orderID] = o
	v.journal(func() { v.m.orders[orderID] = prev })
	return nil
}

// collect returns matching orders newest first; caller holds the lock.
func (v *memView) collect(match func(Order) bool, limit int) []Order {
	var out []Order
	for _, o := range v.m.orders {
		if match(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
