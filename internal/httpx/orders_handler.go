package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ariefcatur/go-cart-orders/internal/orders"
	"github.com/ariefcatur/go-cart-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Workflow is the mutating side, implemented by *orders.Engine.
type Workflow interface {
	PlaceOrderFromCart(ctx context.Context, in orders.PlaceOrderInput) (orders.OrderDetails, error)
	AddOrderItem(ctx context.Context, in orders.AddItemInput) (orders.OrderDetails, error)
	UpdateOrderItemQuantity(ctx context.Context, in orders.UpdateItemInput) (orders.OrderDetails, error)
	RemoveOrderItem(ctx context.Context, orderID, itemID string) (orders.OrderDetails, error)
	RecalcTotal(ctx context.Context, orderID string) (orders.OrderDetails, error)
	AddCartLine(ctx context.Context, userID, productID, variantID string, qty int) (orders.CartLine, error)
	UpdateCartLine(ctx context.Context, userID, lineID string, qty int) (orders.CartLine, error)
	RemoveCartLine(ctx context.Context, userID, lineID string) error
	ClearCart(ctx context.Context, userID string) error
}

// Reader is the read side, implemented by *orders.Query.
type Reader interface {
	GetOrder(ctx context.Context, orderID string) (orders.OrderDetails, error)
	ListUserOrders(ctx context.Context, userID string) ([]orders.OrderDetails, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
	CartView(ctx context.Context, userID string) ([]orders.CartLineView, error)
}

type OrdersHandler struct {
	Workflow Workflow
	Reader   Reader
	Redis    redis.Cmdable // optional: idempotency keys
	Cache    *redisx.Cache // optional: order views
	Log      *zap.Logger
}

type PlaceOrderReq struct {
	UserID    string `json:"user_id"`
	AddressID string `json:"address_id"`
}

type AddItemReq struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	VariantID string `json:"variant_id"`
}

type UpdateItemReq struct {
	Quantity int `json:"quantity"`
}

type AddCartLineReq struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	VariantID string `json:"variant_id"`
}

type UpdateCartLineReq struct {
	Quantity int `json:"quantity"`
}

type ErrorResp struct {
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	ProductID string `json:"product_id,omitempty"`
	Shortfall int    `json:"shortfall,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

const HeaderIdempotencyKey = "Idempotency-Key"

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders/from-cart", h.placeOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/items", h.addItem)
	r.Patch("/orders/{id}/items/{itemId}", h.updateItem)
	r.Delete("/orders/{id}/items/{itemId}", h.removeItem)
	r.Post("/orders/{id}/recalculate", h.recalculate)
	r.Get("/users/{id}/orders", h.listUserOrders)
	r.Get("/users/{id}/cart", h.getCart)
	r.Delete("/users/{id}/cart", h.clearCart)
	r.Post("/users/{id}/cart/lines", h.addCartLine)
	r.Patch("/users/{id}/cart/lines/{lineId}", h.updateCartLine)
	r.Delete("/users/{id}/cart/lines/{lineId}", h.removeCartLine)
	r.Get("/products", h.listProducts)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(k orders.Kind) int {
	switch k {
	case orders.KindNotFound:
		return http.StatusNotFound
	case orders.KindUnauthorized:
		return http.StatusForbidden
	case orders.KindEmptyCart, orders.KindInvalidQuantity:
		return http.StatusBadRequest
	case orders.KindInsufficientStock, orders.KindConflictAbort:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *OrdersHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var we *orders.Error
	if !errors.As(err, &we) {
		h.log().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Kind: "INTERNAL", Detail: "internal error"})
		return
	}
	writeJSON(w, statusFor(we.Kind), ErrorResp{
		Kind:      string(we.Kind),
		Detail:    we.Detail,
		ProductID: we.ProductID,
		Shortfall: we.Shortfall(),
		Retryable: orders.Retryable(err),
	})
}

func badRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, ErrorResp{Kind: "BAD_REQUEST", Detail: detail})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *OrdersHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.UserID == "" || req.AddressID == "" {
		badRequest(w, "user_id and address_id are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	// Replay: same user + Idempotency-Key returns the order placed the first time.
	var idemKey string
	if k := r.Header.Get(HeaderIdempotencyKey); k != "" && h.Redis != nil {
		idemKey = fmt.Sprintf(redisx.KeyIdemPlaceOrder, req.UserID, k)
		if orderID, err := h.Redis.Get(ctx, idemKey).Result(); err == nil && orderID != "" {
			d, err := h.Reader.GetOrder(ctx, orderID)
			if err == nil {
				w.Header().Set("Idempotent-Replay", "true")
				writeJSON(w, http.StatusOK, d)
				return
			}
			h.log().Warn("idempotent replay lookup failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}

	d, err := h.Workflow.PlaceOrderFromCart(ctx, orders.PlaceOrderInput{UserID: req.UserID, AddressID: req.AddressID})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if idemKey != "" {
		_ = h.Redis.Set(ctx, idemKey, d.Order.ID, redisx.TTLIdempotency).Err()
	}
	h.refresh(ctx, d)
	writeJSON(w, http.StatusCreated, d)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) cache
	key := redisx.OrderViewKey(orderID)
	if h.Cache != nil {
		var d orders.OrderDetails
		if ok, err := h.Cache.Get(ctx, key, &d); err == nil && ok {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}

	// 2) fallback DB
	d, err := h.Reader.GetOrder(ctx, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.Cache != nil {
		// a mutation that committed after our read has already stored a newer version
		if _, err := h.Cache.Store(ctx, key, d.Order.Version, d); err != nil {
			h.log().Warn("cache fill failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *OrdersHandler) listUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	list, err := h.Reader.ListUserOrders(ctx, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) addItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	d, err := h.Workflow.AddOrderItem(ctx, orders.AddItemInput{
		OrderID:   chi.URLParam(r, "id"),
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		VariantID: req.VariantID,
	})
	h.respondOrder(ctx, w, r, d, err)
}

func (h *OrdersHandler) updateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	d, err := h.Workflow.UpdateOrderItemQuantity(ctx, orders.UpdateItemInput{
		OrderID:  chi.URLParam(r, "id"),
		ItemID:   chi.URLParam(r, "itemId"),
		Quantity: req.Quantity,
	})
	h.respondOrder(ctx, w, r, d, err)
}

func (h *OrdersHandler) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	d, err := h.Workflow.RemoveOrderItem(ctx, chi.URLParam(r, "id"), chi.URLParam(r, "itemId"))
	h.respondOrder(ctx, w, r, d, err)
}

func (h *OrdersHandler) recalculate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	d, err := h.Workflow.RecalcTotal(ctx, chi.URLParam(r, "id"))
	h.respondOrder(ctx, w, r, d, err)
}

func (h *OrdersHandler) respondOrder(ctx context.Context, w http.ResponseWriter, r *http.Request, d orders.OrderDetails, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.refresh(ctx, d)
	writeJSON(w, http.StatusOK, d)
}

// refresh stores the committed view so the caller reads its own write before the
// event consumer catches up. A request that finishes late never overwrites the
// view of a mutation that committed after it.
func (h *OrdersHandler) refresh(ctx context.Context, d orders.OrderDetails) {
	if h.Cache == nil {
		return
	}
	stored, err := h.Cache.Store(ctx, redisx.OrderViewKey(d.Order.ID), d.Order.Version, d)
	if err != nil {
		h.log().Warn("cache refresh failed", zap.String("order_id", d.Order.ID), zap.Error(err))
		return
	}
	if !stored {
		h.log().Debug("newer order view already cached", zap.String("order_id", d.Order.ID), zap.Int64("version", d.Order.Version))
	}
}

func (h *OrdersHandler) getCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	lines, err := h.Reader.CartView(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (h *OrdersHandler) addCartLine(w http.ResponseWriter, r *http.Request) {
	var req AddCartLineReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	line, err := h.Workflow.AddCartLine(ctx, chi.URLParam(r, "id"), req.ProductID, req.VariantID, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, line)
}

func (h *OrdersHandler) updateCartLine(w http.ResponseWriter, r *http.Request) {
	var req UpdateCartLineReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	line, err := h.Workflow.UpdateCartLine(ctx, chi.URLParam(r, "id"), chi.URLParam(r, "lineId"), req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (h *OrdersHandler) removeCartLine(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Workflow.RemoveCartLine(ctx, chi.URLParam(r, "id"), chi.URLParam(r, "lineId")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrdersHandler) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Workflow.ClearCart(ctx, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Reader.ListProducts(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}
