package cachesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	kafkax "github.com/ariefcatur/go-cart-orders/internal/kafka"
	"github.com/ariefcatur/go-cart-orders/internal/orders"
	"github.com/ariefcatur/go-cart-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubLoader serves whatever version of the order is current.
type stubLoader struct {
	mu      sync.Mutex
	calls   int
	version int64
	err     error
}

func (l *stubLoader) GetOrder(_ context.Context, orderID string) (orders.OrderDetails, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return orders.OrderDetails{}, l.err
	}
	return orders.OrderDetails{Order: orders.Order{
		ID:      orderID,
		Version: l.version,
		Total:   decimal.NewFromInt(10 * l.version),
	}}, nil
}

func newService(t *testing.T, loader OrderLoader) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := &Service{
		Redis:       rdb,
		Cache:       &redisx.Cache{RDB: rdb},
		Log:         zap.NewNop(),
		ServiceName: "cachesync",
	}
	if loader != nil {
		s.Loader = loader
	}
	return s, mr
}

func message(t *testing.T, eventID, eventType string, ref orders.OrderRef) kafkago.Message {
	t.Helper()
	payload, err := json.Marshal(ref)
	require.NoError(t, err)
	env := orders.Envelope{EventID: eventID, EventType: eventType, EventVersion: 1, Payload: payload}
	return kafkago.Message{
		Value:   kafkax.MustMarshal(env),
		Headers: kafkax.EventHeaders(eventType, 1),
	}
}

func cachedTotal(t *testing.T, s *Service, orderID string) (decimal.Decimal, bool) {
	t.Helper()
	var d orders.OrderDetails
	ok, err := s.Cache.Get(context.Background(), redisx.OrderViewKey(orderID), &d)
	require.NoError(t, err)
	return d.Order.Total, ok
}

func TestHandleOrderEventRefreshesViewOnce(t *testing.T) {
	loader := &stubLoader{version: 2}
	s, _ := newService(t, loader)
	ctx := context.Background()

	m := message(t, "ev-1", orders.EventOrderItemAdded, orders.OrderRef{OrderID: "o-1", UserID: "u-1", Version: 2})
	require.NoError(t, s.HandleOrderEvent(ctx, m))
	require.NoError(t, s.HandleOrderEvent(ctx, m))

	assert.Equal(t, 1, loader.calls)
	total, ok := cachedTotal(t, s, "o-1")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(20).Equal(total))
}

func TestHandleOrderEventOutOfOrderKeepsNewestView(t *testing.T) {
	s, _ := newService(t, nil)
	ctx := context.Background()

	// version 3 already cached by the API, then the worker for version 2 runs
	_, err := s.Cache.Store(ctx, redisx.OrderViewKey("o-5"), 3, orders.OrderDetails{
		Order: orders.Order{ID: "o-5", Version: 3, Total: decimal.NewFromInt(30)},
	})
	require.NoError(t, err)

	m := message(t, "ev-5", orders.EventOrderItemUpdated, orders.OrderRef{OrderID: "o-5", Version: 2})
	require.NoError(t, s.HandleOrderEvent(ctx, m))

	total, ok := cachedTotal(t, s, "o-5")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(30).Equal(total))
}

func TestHandleOrderEventWithoutLoaderInvalidates(t *testing.T) {
	s, _ := newService(t, nil)
	ctx := context.Background()
	key := redisx.OrderViewKey("o-6")
	_, err := s.Cache.Store(ctx, key, 1, orders.OrderDetails{Order: orders.Order{ID: "o-6", Version: 1}})
	require.NoError(t, err)

	require.NoError(t, s.HandleOrderEvent(ctx, message(t, "ev-6", orders.EventOrderItemRemoved, orders.OrderRef{OrderID: "o-6", Version: 2})))
	_, ok := cachedTotal(t, s, "o-6")
	assert.False(t, ok)

	stored, err := s.Cache.Store(ctx, key, 1, orders.OrderDetails{Order: orders.Order{ID: "o-6", Version: 1}})
	require.NoError(t, err)
	assert.False(t, stored)
}

func TestHandleOrderEventReleasesDedupOnFailure(t *testing.T) {
	loader := &stubLoader{version: 1, err: errors.New("db down")}
	s, mr := newService(t, loader)
	ctx := context.Background()

	m := message(t, "ev-2", orders.EventOrderPlaced, orders.OrderRef{OrderID: "o-2", UserID: "u-2", Version: 1})
	require.Error(t, s.HandleOrderEvent(ctx, m))
	assert.False(t, mr.Exists(fmt.Sprintf(redisx.KeyDedup, "cachesync", "ev-2")))

	loader.err = nil
	require.NoError(t, s.HandleOrderEvent(ctx, m))
	assert.Equal(t, 2, loader.calls)
	assert.True(t, mr.Exists(fmt.Sprintf(redisx.KeyDedup, "cachesync", "ev-2")))
}

func TestHandleOrderEventIgnoresOtherEvents(t *testing.T) {
	loader := &stubLoader{}
	s, _ := newService(t, loader)
	ctx := context.Background()

	require.NoError(t, s.HandleOrderEvent(ctx, message(t, "ev-3", "PaymentCaptured", orders.OrderRef{OrderID: "o-3"})))
	require.NoError(t, s.HandleOrderEvent(ctx, kafkago.Message{Value: []byte("garbage")}))
	assert.Zero(t, loader.calls)
}

func TestHandleOrderEventMissingOrderIsNotAnError(t *testing.T) {
	loader := &stubLoader{err: orders.ErrNotFound}
	s, _ := newService(t, loader)
	m := message(t, "ev-4", orders.EventOrderItemRemoved, orders.OrderRef{OrderID: "o-4", UserID: "u-4", Version: 4})
	assert.NoError(t, s.HandleOrderEvent(context.Background(), m))
}
