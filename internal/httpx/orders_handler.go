package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// StatusCache is satisfied by *redisx.StatusCache.
type StatusCache interface {
	Get(ctx context.Context, orderID int64) ([]byte, bool, error)
	Set(ctx context.Context, orderID int64, doc []byte) error
	Fill(ctx context.Context, orderID int64, doc []byte) (bool, error)
	Invalidate(ctx context.Context, orderID int64) error
}

type OrdersHandler struct {
	Service       *orders.Service
	Placed        kafkax.Publisher // order.placed
	StatusChanged kafkax.Publisher // order.status_changed
	Cache         StatusCache
	Log           *zap.Logger
	Name          string        // producer name in event envelopes
	Timeout       time.Duration // per-request store deadline
}

type CreateOrderReq struct {
	BuyerID int64              `json:"buyerId"`
	Items   []orders.ItemInput `json:"items"`
}

type CreateOrderResp struct {
	Success bool   `json:"success"`
	OrderID int64  `json:"orderId"`
	Total   string `json:"total"`
}

type UpdateStatusReq struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
}

type UpdateStatusResp struct {
	Success bool          `json:"success"`
	OrderID int64         `json:"orderId"`
	Status  orders.Status `json:"status"`
}

type ListOrdersResp struct {
	Success bool           `json:"success"`
	Orders  []orders.Order `json:"orders"`
}

type OrderResp struct {
	Success bool               `json:"success"`
	Order   orders.OrderDetail `json:"order"`
}

type ProductResp struct {
	Success bool           `json:"success"`
	Product orders.Product `json:"product"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders", h.listOrders)
	r.Put("/orders/status", h.updateStatus)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Get("/products/{id}", h.getProduct)
}

func (h *OrdersHandler) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	t := h.Timeout
	if t <= 0 {
		t = 5 * time.Second
	}
	return context.WithTimeout(r.Context(), t)
}

func (h *OrdersHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid payload")
		return
	}
	if req.BuyerID == 0 || len(req.Items) == 0 {
		badRequest(w, "Invalid payload")
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()

	pl, err := h.Service.PlaceOrder(ctx, req.BuyerID, req.Items)
	if err != nil {
		writePlacementError(w, err)
		return
	}

	// Cache status (pending) agar GET status cepat
	h.fillStatus(ctx, orders.StatusView{OrderID: pl.OrderID, Status: orders.StatusPending, UpdatedAt: time.Now().UTC()})

	h.publish(r, h.Placed, orders.TopicOrderPlaced, orders.EventOrderPlaced, pl.OrderID, orders.OrderPlacedPayload{
		OrderID: pl.OrderID,
		BuyerID: req.BuyerID,
		Items:   pl.Items,
		Total:   pl.Total.StringFixed(2),
		Status:  orders.StatusPending,
	})

	writeJSON(w, http.StatusCreated, CreateOrderResp{Success: true, OrderID: pl.OrderID, Total: pl.Total.StringFixed(2)})
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	var f orders.ListFilter
	q := r.URL.Query()
	var ok bool
	if f.BuyerID, ok = optionalID(q.Get("buyerId")); !ok {
		badRequest(w, "Invalid buyerId")
		return
	}
	if f.SellerID, ok = optionalID(q.Get("sellerId")); !ok {
		badRequest(w, "Invalid sellerId")
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()

	list, err := h.Service.List(ctx, f)
	if err != nil {
		writeError(w, err, "Query failed")
		return
	}
	writeJSON(w, http.StatusOK, ListOrdersResp{Success: true, Orders: list})
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid payload")
		return
	}
	if req.OrderID == 0 || req.Status == "" {
		badRequest(w, "Missing fields")
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()

	st, err := h.Service.SetStatus(ctx, req.OrderID, req.Status)
	if err != nil {
		writeError(w, err, "Update failed")
		return
	}

	changedAt := time.Now().UTC()
	h.storeStatus(ctx, orders.StatusView{OrderID: req.OrderID, Status: st, UpdatedAt: changedAt})
	h.publish(r, h.StatusChanged, orders.TopicOrderStatusChanged, orders.EventOrderStatusChanged, req.OrderID, orders.OrderStatusChangedPayload{
		OrderID:   req.OrderID,
		Status:    st,
		ChangedAt: changedAt,
	})

	writeJSON(w, http.StatusOK, UpdateStatusResp{Success: true, OrderID: req.OrderID, Status: st})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "Invalid id")
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()

	detail, err := h.Service.Get(ctx, id)
	if err != nil {
		writeError(w, err, "Query failed")
		return
	}
	writeJSON(w, http.StatusOK, OrderResp{Success: true, Order: detail})
}

func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "Invalid id")
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()

	// 1) coba cache
	if h.Cache != nil {
		b, hit, err := h.Cache.Get(ctx, id)
		if err != nil {
			h.logger().Warn("status cache read", zap.Int64("order_id", id), zap.Error(err))
		}
		if hit {
			writeJSON(w, http.StatusOK, json.RawMessage(b))
			return
		}
	}

	// 2) fallback DB
	o, err := h.Service.Status(ctx, id)
	if err != nil {
		writeError(w, err, "Query failed")
		return
	}
	view := orders.StatusView{OrderID: o.ID, Status: o.Status, UpdatedAt: o.UpdatedAt}
	h.fillStatus(ctx, view)
	writeJSON(w, http.StatusOK, view)
}

func (h *OrdersHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "Invalid id")
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()

	p, err := h.Service.Product(ctx, id)
	if err != nil {
		writeError(w, err, "Query failed")
		return
	}
	writeJSON(w, http.StatusOK, ProductResp{Success: true, Product: p})
}

// storeStatus overwrites the cached view after a status change. If the write
// fails the entry is dropped so the next read goes to the ledger.
func (h *OrdersHandler) storeStatus(ctx context.Context, v orders.StatusView) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Set(ctx, v.OrderID, kafkax.MustMarshal(v)); err != nil {
		h.logger().Warn("status cache write", zap.Int64("order_id", v.OrderID), zap.Error(err))
		if err := h.Cache.Invalidate(ctx, v.OrderID); err != nil {
			h.logger().Warn("status cache invalidate", zap.Int64("order_id", v.OrderID), zap.Error(err))
		}
	}
}

// fillStatus only populates an empty entry; a concurrent status change wins.
func (h *OrdersHandler) fillStatus(ctx context.Context, v orders.StatusView) {
	if h.Cache == nil {
		return
	}
	if _, err := h.Cache.Fill(ctx, v.OrderID, kafkax.MustMarshal(v)); err != nil {
		h.logger().Warn("status cache fill", zap.Int64("order_id", v.OrderID), zap.Error(err))
	}
}

// publish is best effort; the order is already committed by the time it runs.
func (h *OrdersHandler) publish(r *http.Request, p kafkax.Publisher, topic, eventType string, orderID int64, payload any) {
	if p == nil {
		return
	}
	ev := orders.NewEnvelope(eventType, h.Name, middleware.GetReqID(r.Context()),
		strconv.FormatInt(orderID, 10), kafkax.MustMarshal(payload))
	p.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev), kafkax.EventHeaders(eventType, ev.EventVersion)...)
	h.logger().Debug("event queued", zap.String("topic", topic), zap.String("event_id", ev.EventID), zap.Int64("order_id", orderID))
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// optionalID treats an absent parameter as "no filter".
func optionalID(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil && id > 0
}
