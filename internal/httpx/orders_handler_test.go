package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	key, value []byte
	headers    []kafka.Header
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) Publish(key, value []byte, headers ...kafka.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{key: key, value: value, headers: headers})
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

type fakeCache struct {
	mu          sync.Mutex
	docs        map[int64][]byte
	invalidated []int64
	getErr      error
	beforeFill  func() // dipanggil sekali, sebelum Fill memegang lock
}

func newFakeCache() *fakeCache { return &fakeCache{docs: map[int64][]byte{}} }

func (c *fakeCache) Get(_ context.Context, id int64) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	b, ok := c.docs[id]
	return b, ok, nil
}

func (c *fakeCache) Set(_ context.Context, id int64, doc []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[id] = doc
	return nil
}

func (c *fakeCache) Fill(_ context.Context, id int64, doc []byte) (bool, error) {
	c.mu.Lock()
	hook := c.beforeFill
	c.beforeFill = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; ok {
		return false, nil
	}
	c.docs[id] = doc
	return true, nil
}

func (c *fakeCache) view(t *testing.T, id int64) orders.StatusView {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var v orders.StatusView
	require.NoError(t, json.Unmarshal(c.docs[id], &v))
	return v
}

func (c *fakeCache) Invalidate(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, id)
	c.invalidated = append(c.invalidated, id)
	return nil
}

type fixture struct {
	srv     http.Handler
	store   *orders.MemoryStore
	placed  *fakePublisher
	changed *fakePublisher
	cache   *fakeCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := orders.NewMemoryStore()
	store.AddProduct(orders.Product{ID: 1, SellerID: 7, Name: "kopi", Price: decimal.RequireFromString("9.99"), Stock: 5})
	store.AddProduct(orders.Product{ID: 2, SellerID: 8, Name: "teh", Price: decimal.RequireFromString("4.50"), Stock: 3})

	f := &fixture{store: store, placed: &fakePublisher{}, changed: &fakePublisher{}, cache: newFakeCache()}
	h := &OrdersHandler{
		Service:       orders.NewService(store, nil, orders.Options{}),
		Placed:        f.placed,
		StatusChanged: f.changed,
		Cache:         f.cache,
		Name:          "order-api",
	}
	r := NewRouter()
	h.Register(r)
	f.srv = r
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const scenarioBody = `{"buyerId":42,"items":[{"productId":1,"quantity":2,"price":"9.99"},{"productId":2,"quantity":1,"price":"4.50"}]}`

func TestCreateOrder_Created(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/orders", scenarioBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[CreateOrderResp](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(1), resp.OrderID)
	assert.Equal(t, "24.48", resp.Total)

	msgs := f.placed.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("1"), msgs[0].key)

	var env orders.Envelope
	require.NoError(t, json.Unmarshal(msgs[0].value, &env))
	assert.Equal(t, orders.EventOrderPlaced, env.EventType)
	assert.Equal(t, "order-api", env.Producer)
	assert.Equal(t, "1", env.CorrelationID)
	assert.NotEmpty(t, env.TraceID)

	p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.BuyerID)
	assert.Equal(t, "24.48", p.Total)
	assert.Len(t, p.Items, 2)

	_, cached, _ := f.cache.Get(context.Background(), 1)
	assert.True(t, cached)
	assert.Empty(t, f.changed.all())
}

func TestCreateOrder_NumericPriceAccepted(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/orders", `{"buyerId":1,"items":[{"productId":1,"quantity":1,"price":9.99}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "9.99", decode[CreateOrderResp](t, rec).Total)
}

func TestCreateOrder_BadPayload(t *testing.T) {
	f := newFixture(t)

	cases := map[string]string{
		"not json":       `{`,
		"no buyer":       `{"items":[{"productId":1,"quantity":1,"price":"1.00"}]}`,
		"no items":       `{"buyerId":1,"items":[]}`,
		"zero quantity":  `{"buyerId":1,"items":[{"productId":1,"quantity":0,"price":"1.00"}]}`,
		"negative price": `{"buyerId":1,"items":[{"productId":1,"quantity":1,"price":"-1"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/orders", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[ErrorResp](t, rec)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Message)
		})
	}
	assert.Empty(t, f.placed.all())
}

func TestCreateOrder_InsufficientStock(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/orders", `{"buyerId":1,"items":[{"productId":1,"quantity":1,"price":"9.99"},{"productId":2,"quantity":4,"price":"4.50"}]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	resp := decode[ErrorResp](t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "insufficient_stock", resp.Code)
	assert.Equal(t, int64(2), resp.ProductID)
	assert.NotEmpty(t, resp.Error)

	p, err := f.store.Stores().Inventory.Read(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Stock)
	assert.Empty(t, f.placed.all())
}

func TestCreateOrder_UnknownProduct(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/orders", `{"buyerId":1,"items":[{"productId":99,"quantity":1,"price":"1.00"}]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResp](t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "not_found", resp.Code)
	assert.NotEmpty(t, resp.Error)
}

func TestListOrders(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/orders", scenarioBody).Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/orders", `{"buyerId":43,"items":[{"productId":2,"quantity":1,"price":"4.50"}]}`).Code)

	t.Run("by buyer", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/orders?buyerId=42", "")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[ListOrdersResp](t, rec)
		require.Len(t, resp.Orders, 1)
		assert.Equal(t, int64(42), resp.Orders[0].BuyerID)
	})
	t.Run("by seller", func(t *testing.T) {
		resp := decode[ListOrdersResp](t, f.do(t, http.MethodGet, "/orders?sellerId=8", ""))
		assert.Len(t, resp.Orders, 2)
		resp = decode[ListOrdersResp](t, f.do(t, http.MethodGet, "/orders?sellerId=7", ""))
		assert.Len(t, resp.Orders, 1)
	})
	t.Run("buyer wins over seller", func(t *testing.T) {
		resp := decode[ListOrdersResp](t, f.do(t, http.MethodGet, "/orders?buyerId=43&sellerId=7", ""))
		require.Len(t, resp.Orders, 1)
		assert.Equal(t, int64(43), resp.Orders[0].BuyerID)
	})
	t.Run("recent", func(t *testing.T) {
		resp := decode[ListOrdersResp](t, f.do(t, http.MethodGet, "/orders", ""))
		require.Len(t, resp.Orders, 2)
		assert.Equal(t, int64(2), resp.Orders[0].ID)
	})
	t.Run("empty is an array", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/orders?buyerId=1000", "")
		assert.Contains(t, rec.Body.String(), `"orders":[]`)
	})
	t.Run("bad id", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/orders?buyerId=abc", "").Code)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/orders?sellerId=-1", "").Code)
	})
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/orders", scenarioBody).Code)

	rec := f.do(t, http.MethodPut, "/orders/status", `{"orderId":1,"status":"shipped"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[UpdateStatusResp](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, orders.StatusShipped, resp.Status)

	assert.Equal(t, orders.StatusShipped, f.cache.view(t, 1).Status)
	assert.Empty(t, f.cache.invalidated)
	msgs := f.changed.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, orders.EventOrderStatusChanged, kafkax.Header(kafka.Message{Headers: msgs[0].headers}, "x-event-type"))

	detail := decode[OrderResp](t, f.do(t, http.MethodGet, "/orders/1", ""))
	assert.Equal(t, orders.StatusShipped, detail.Order.Status)
}

func TestUpdateStatus_Failures(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/orders", scenarioBody).Code)

	cases := []struct {
		name, body string
		code       int
		errCode    string
	}{
		{"bogus status", `{"orderId":1,"status":"bogus"}`, http.StatusBadRequest, "invalid_status"},
		{"missing status", `{"orderId":1}`, http.StatusBadRequest, "bad_request"},
		{"missing order", `{"status":"shipped"}`, http.StatusBadRequest, "bad_request"},
		{"unknown order", `{"orderId":99,"status":"shipped"}`, http.StatusNotFound, "not_found"},
		{"malformed", `[]`, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, "/orders/status", tc.body)
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.errCode, decode[ErrorResp](t, rec).Code)
		})
	}

	o, err := f.store.Stores().Ledger.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Empty(t, f.changed.all())
}

func TestOrderStatus_CacheAside(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/orders", scenarioBody).Code)
	require.NoError(t, f.cache.Invalidate(context.Background(), 1))

	// miss -> ledger -> cache filled
	rec := f.do(t, http.MethodGet, "/orders/1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orders.StatusPending, decode[orders.StatusView](t, rec).Status)
	assert.Equal(t, orders.StatusPending, f.cache.view(t, 1).Status)

	// status change overwrites the entry
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/orders/status", `{"orderId":1,"status":"cancelled"}`).Code)
	view := decode[orders.StatusView](t, f.do(t, http.MethodGet, "/orders/1/status", ""))
	assert.Equal(t, orders.StatusCancelled, view.Status)

	// hit is served verbatim
	require.NoError(t, f.cache.Set(context.Background(), 1, []byte(`{"orderId":1,"status":"completed"}`)))
	view = decode[orders.StatusView](t, f.do(t, http.MethodGet, "/orders/1/status", ""))
	assert.Equal(t, orders.StatusCompleted, view.Status)
}

func TestOrderStatus_StaleReadDoesNotOverwriteUpdate(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/orders", scenarioBody).Code)
	require.NoError(t, f.cache.Invalidate(context.Background(), 1))

	// status berubah di antara baca ledger dan tulis cache
	f.cache.beforeFill = func() {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/orders/status", `{"orderId":1,"status":"shipped"}`).Code)
	}
	rec := f.do(t, http.MethodGet, "/orders/1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orders.StatusPending, decode[orders.StatusView](t, rec).Status)

	assert.Equal(t, orders.StatusShipped, f.cache.view(t, 1).Status)
	view := decode[orders.StatusView](t, f.do(t, http.MethodGet, "/orders/1/status", ""))
	assert.Equal(t, orders.StatusShipped, view.Status)
}

func TestOrderStatus_CacheErrorFallsBack(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/orders", scenarioBody).Code)
	f.cache.getErr = errors.New("redis down")

	rec := f.do(t, http.MethodGet, "/orders/1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orders.StatusPending, decode[orders.StatusView](t, rec).Status)
}

func TestGetOrderAndProduct(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/orders", scenarioBody).Code)

	detail := decode[OrderResp](t, f.do(t, http.MethodGet, "/orders/1", ""))
	assert.True(t, detail.Success)
	assert.Len(t, detail.Order.Items, 2)
	assert.True(t, decimal.RequireFromString("24.48").Equal(detail.Order.Total))

	prod := decode[ProductResp](t, f.do(t, http.MethodGet, "/products/1", ""))
	assert.Equal(t, 3, prod.Product.Stock)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/orders/99", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/orders/99/status", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/products/99", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/orders/abc", "").Code)
}

func TestRouter_Fallbacks(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	rec := f.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResp](t, rec).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodDelete, "/orders", "").Code)
}
