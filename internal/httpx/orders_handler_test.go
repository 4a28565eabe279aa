package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-cart-orders/internal/metrics"
	"github.com/ariefcatur/go-cart-orders/internal/orders"
	"github.com/ariefcatur/go-cart-orders/internal/redisx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWorkflow struct {
	placed   int
	lastAdd  orders.AddItemInput
	lastCart []string
	err      error

	// beforeUpdate runs inside UpdateOrderItemQuantity after the write "committed"
	beforeUpdate func(qty int)
}

func (f *fakeWorkflow) order(id string) orders.OrderDetails {
	return orders.OrderDetails{
		Order: orders.Order{ID: id, UserID: "u-1", Status: orders.StatusPlaced, Total: decimal.RequireFromString("25.00")},
		Items: []orders.ItemView{},
	}
}

func (f *fakeWorkflow) PlaceOrderFromCart(_ context.Context, in orders.PlaceOrderInput) (orders.OrderDetails, error) {
	if f.err != nil {
		return orders.OrderDetails{}, f.err
	}
	f.placed++
	return f.order(fmt.Sprintf("o-%d", f.placed)), nil
}

func (f *fakeWorkflow) AddOrderItem(_ context.Context, in orders.AddItemInput) (orders.OrderDetails, error) {
	f.lastAdd = in
	if f.err != nil {
		return orders.OrderDetails{}, f.err
	}
	return f.order(in.OrderID), nil
}

// UpdateOrderItemQuantity commits version qty with a total of qty*10.
func (f *fakeWorkflow) UpdateOrderItemQuantity(_ context.Context, in orders.UpdateItemInput) (orders.OrderDetails, error) {
	if f.err != nil {
		return orders.OrderDetails{}, f.err
	}
	d := f.order(in.OrderID)
	d.Order.Version = int64(in.Quantity)
	d.Order.Total = decimal.NewFromInt(int64(in.Quantity) * 10)
	if f.beforeUpdate != nil {
		f.beforeUpdate(in.Quantity)
	}
	return d, nil
}

func (f *fakeWorkflow) RemoveOrderItem(_ context.Context, orderID, _ string) (orders.OrderDetails, error) {
	if f.err != nil {
		return orders.OrderDetails{}, f.err
	}
	return f.order(orderID), nil
}

func (f *fakeWorkflow) RecalcTotal(_ context.Context, orderID string) (orders.OrderDetails, error) {
	return f.order(orderID), f.err
}

func (f *fakeWorkflow) AddCartLine(_ context.Context, userID, productID, variantID string, qty int) (orders.CartLine, error) {
	if f.err != nil {
		return orders.CartLine{}, f.err
	}
	return orders.CartLine{ID: "l-1", CartID: "c-1", ProductID: productID, VariantID: variantID, Quantity: qty}, nil
}

func (f *fakeWorkflow) UpdateCartLine(_ context.Context, userID, lineID string, qty int) (orders.CartLine, error) {
	f.lastCart = []string{"update", userID, lineID}
	if f.err != nil {
		return orders.CartLine{}, f.err
	}
	return orders.CartLine{ID: lineID, CartID: "c-1", ProductID: "p-1", Quantity: qty}, nil
}

func (f *fakeWorkflow) RemoveCartLine(_ context.Context, userID, lineID string) error {
	f.lastCart = []string{"remove", userID, lineID}
	return f.err
}

func (f *fakeWorkflow) ClearCart(_ context.Context, userID string) error {
	f.lastCart = []string{"clear", userID}
	return f.err
}

type fakeReader struct {
	gets int
}

func (f *fakeReader) GetOrder(_ context.Context, orderID string) (orders.OrderDetails, error) {
	f.gets++
	if orderID == "missing" {
		return orders.OrderDetails{}, &orders.Error{Kind: orders.KindNotFound, Detail: "order missing not found"}
	}
	return orders.OrderDetails{Order: orders.Order{ID: orderID, UserID: "u-1"}, Items: []orders.ItemView{}}, nil
}

func (f *fakeReader) ListUserOrders(context.Context, string) ([]orders.OrderDetails, error) {
	return []orders.OrderDetails{}, nil
}

func (f *fakeReader) ListProducts(context.Context) ([]orders.Product, error) {
	return []orders.Product{{ID: "p-1", SKU: "TSHIRT-01", Price: decimal.NewFromInt(10), Stock: 5}}, nil
}

func (f *fakeReader) CartView(context.Context, string) ([]orders.CartLineView, error) {
	return []orders.CartLineView{}, nil
}

type testServer struct {
	srv *httptest.Server
	wf  *fakeWorkflow
	rd  *fakeReader
	mr  *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := prometheus.NewRegistry()
	r := NewRouter(zap.NewNop(), metrics.NewServer(reg, "test"), reg)
	ts := &testServer{wf: &fakeWorkflow{}, rd: &fakeReader{}, mr: mr}
	h := &OrdersHandler{Workflow: ts.wf, Reader: ts.rd, Redis: rdb, Cache: &redisx.Cache{RDB: rdb}, Log: zap.NewNop()}
	h.Register(r)
	ts.srv = httptest.NewServer(r)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestPlaceOrderIdempotencyKey(t *testing.T) {
	ts := newTestServer(t)
	body := `{"user_id":"u-1","address_id":"a-1"}`
	hdr := map[string]string{HeaderIdempotencyKey: "checkout-1"}

	first := ts.do(t, http.MethodPost, "/orders/from-cart", body, hdr)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	d := decodeBody[orders.OrderDetails](t, first)
	assert.Equal(t, "o-1", d.Order.ID)
	assert.True(t, decimal.RequireFromString("25").Equal(d.Order.Total))

	again := ts.do(t, http.MethodPost, "/orders/from-cart", body, hdr)
	require.Equal(t, http.StatusOK, again.StatusCode)
	assert.Equal(t, "true", again.Header.Get("Idempotent-Replay"))
	assert.Equal(t, "o-1", decodeBody[orders.OrderDetails](t, again).Order.ID)
	assert.Equal(t, 1, ts.wf.placed)

	got, err := ts.mr.Get(fmt.Sprintf(redisx.KeyIdemPlaceOrder, "u-1", "checkout-1"))
	require.NoError(t, err)
	assert.Equal(t, "o-1", got)
}

func TestPlaceOrderValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/orders/from-cart", `{"user_id":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/orders/from-cart", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", decodeBody[ErrorResp](t, resp).Kind)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{&orders.Error{Kind: orders.KindNotFound, Detail: "order x not found"}, http.StatusNotFound, "NOT_FOUND"},
		{&orders.Error{Kind: orders.KindUnauthorized, Detail: "not yours"}, http.StatusForbidden, "UNAUTHORIZED"},
		{&orders.Error{Kind: orders.KindEmptyCart, Detail: "cart is empty"}, http.StatusBadRequest, "EMPTY_CART"},
		{&orders.Error{Kind: orders.KindInvalidQuantity, Detail: "quantity must be > 0, got 0"}, http.StatusBadRequest, "INVALID_QUANTITY"},
		{&orders.Error{Kind: orders.KindInsufficientStock, Detail: "short", ProductID: "p-1", Requested: 5, Available: 1}, http.StatusConflict, "INSUFFICIENT_STOCK"},
		{&orders.Error{Kind: orders.KindConflictAbort, Detail: "retry"}, http.StatusConflict, "CONFLICT_ABORT"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			ts := newTestServer(t)
			ts.wf.err = tc.err
			resp := ts.do(t, http.MethodPost, "/orders/o-1/items", `{"product_id":"p-1","quantity":5}`, nil)
			require.Equal(t, tc.status, resp.StatusCode)
			e := decodeBody[ErrorResp](t, resp)
			assert.Equal(t, tc.kind, e.Kind)
			switch tc.kind {
			case "INSUFFICIENT_STOCK":
				assert.Equal(t, "p-1", e.ProductID)
				assert.Equal(t, 4, e.Shortfall)
				assert.False(t, e.Retryable)
			case "CONFLICT_ABORT":
				assert.True(t, e.Retryable)
			case "INTERNAL":
				assert.Equal(t, "internal error", e.Detail)
			}
		})
	}
}

func TestAddItemPassesPathAndBody(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/orders/o-9/items", `{"product_id":"p-2","quantity":3,"variant_id":"XL"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, orders.AddItemInput{OrderID: "o-9", ProductID: "p-2", Quantity: 3, VariantID: "XL"}, ts.wf.lastAdd)

	// the mutation leaves a fresh cached view behind
	assert.True(t, ts.mr.Exists(fmt.Sprintf(redisx.KeyOrderView, "o-9")))
}

func TestLateMutationResponseKeepsNewerCachedView(t *testing.T) {
	ts := newTestServer(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	ts.wf.beforeUpdate = func(qty int) {
		if qty == 2 {
			close(entered)
			<-release
		}
	}

	// A sets quantity 2 (total 20) and stalls before refreshing the cache.
	doneA := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPatch, ts.srv.URL+"/orders/o-7/items/i-1", strings.NewReader(`{"quantity":2}`))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			doneA <- 0
			return
		}
		_ = resp.Body.Close()
		doneA <- resp.StatusCode
	}()
	<-entered

	// B sets quantity 3 (total 30) and finishes first.
	resp := ts.do(t, http.MethodPatch, "/orders/o-7/items/i-1", `{"quantity":3}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	close(release)
	require.Equal(t, http.StatusOK, <-doneA)

	resp = ts.do(t, http.MethodGet, "/orders/o-7", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decodeBody[orders.OrderDetails](t, resp)
	assert.True(t, decimal.NewFromInt(30).Equal(d.Order.Total), "got total %s", d.Order.Total)
	assert.Equal(t, int64(3), d.Order.Version)
	assert.Zero(t, ts.rd.gets, "served from cache")
}

func TestGetOrderFillDoesNotOverwriteNewerView(t *testing.T) {
	ts := newTestServer(t)

	key := fmt.Sprintf(redisx.KeyOrderView, "o-8")
	// version 3 is known to the cache without a body; the reader still serves version 0
	resp := ts.do(t, http.MethodPatch, "/orders/o-8/items/i-1", `{"quantity":3}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ts.mr.HDel(key, "d")

	resp = ts.do(t, http.MethodGet, "/orders/o-8", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, ts.rd.gets)
	assert.Equal(t, "3", ts.mr.HGet(key, "v"))
	assert.Empty(t, ts.mr.HGet(key, "d"))
}

func TestCartLineRoutes(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPatch, "/users/u-1/cart/lines/l-4", `{"quantity":5}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, decodeBody[orders.CartLine](t, resp).Quantity)
	assert.Equal(t, []string{"update", "u-1", "l-4"}, ts.wf.lastCart)

	resp = ts.do(t, http.MethodDelete, "/users/u-1/cart/lines/l-4", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"remove", "u-1", "l-4"}, ts.wf.lastCart)

	resp = ts.do(t, http.MethodDelete, "/users/u-1/cart", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"clear", "u-1"}, ts.wf.lastCart)

	resp = ts.do(t, http.MethodPatch, "/users/u-1/cart/lines/l-4", `{"qty":5}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ts.wf.err = &orders.Error{Kind: orders.KindNotFound, Detail: "cart line l-4 not found"}
	resp = ts.do(t, http.MethodDelete, "/users/u-1/cart/lines/l-4", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ts.wf.err = &orders.Error{Kind: orders.KindInvalidQuantity, Detail: "quantity must be > 0, got 0"}
	resp = ts.do(t, http.MethodPatch, "/users/u-1/cart/lines/l-4", `{"quantity":0}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_QUANTITY", decodeBody[ErrorResp](t, resp).Kind)
}

func TestGetOrderUsesCache(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/orders/o-5", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/orders/o-5", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "o-5", decodeBody[orders.OrderDetails](t, resp).Order.ID)
	assert.Equal(t, 1, ts.rd.gets)

	resp = ts.do(t, http.MethodGet, "/orders/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOtherRoutes(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPatch, "/orders/o-1/items/i-1", `{"quantity":2}`, nil).StatusCode)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/orders/o-1/items/i-1", "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/orders/o-1/recalculate", "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/users/u-1/orders", "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/users/u-1/cart", "", nil).StatusCode)

	resp := ts.do(t, http.MethodPost, "/users/u-1/cart/lines", `{"product_id":"p-1","quantity":2}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 2, decodeBody[orders.CartLine](t, resp).Quantity)

	resp = ts.do(t, http.MethodGet, "/products", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]orders.Product](t, resp), 1)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", nil).StatusCode)
	metricsResp := ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)
}
