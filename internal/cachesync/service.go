package cachesync

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-cart-orders/internal/kafka"
	"github.com/ariefcatur/go-cart-orders/internal/orders"
	"github.com/ariefcatur/go-cart-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// OrderLoader re-reads a committed order. *orders.Query satisfies it.
type OrderLoader interface {
	GetOrder(ctx context.Context, orderID string) (orders.OrderDetails, error)
}

// Service keeps the Redis order views in step with committed order events.
type Service struct {
	Redis       redis.Cmdable
	Cache       *redisx.Cache
	Loader      OrderLoader // optional; without it views are only invalidated
	Log         *zap.Logger
	ServiceName string
}

var handled = map[string]bool{
	orders.EventOrderPlaced:      true,
	orders.EventOrderItemAdded:   true,
	orders.EventOrderItemUpdated: true,
	orders.EventOrderItemRemoved: true,
}

// HandleOrderEvent is installed as the consumer handler.
func (s *Service) HandleOrderEvent(ctx context.Context, m kafkago.Message) error {
	if t := kafkax.Header(m, kafkax.HeaderEventType); t != "" && !handled[t] {
		return nil
	}
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		// poison message: nothing to retry
		s.Log.Warn("dropping undecodable event", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if !handled[env.EventType] {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	fresh, err := redisx.Claim(ctx, s.Redis, dkey, "1", redisx.TTLDedup)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if !fresh {
		return nil
	}

	if err := s.apply(ctx, env); err != nil {
		// let the redelivery run again
		_ = s.Redis.Del(ctx, dkey).Err()
		return err
	}
	return nil
}

// apply refreshes the order view at the event's version or, when the order cannot
// be reloaded, leaves a tombstone at that version. Both are version-guarded, so
// workers handling events of one order in any order converge on the newest view.
func (s *Service) apply(ctx context.Context, env orders.Envelope) error {
	ref, err := kafkax.UnwrapPayload[orders.OrderRef](env.Payload)
	if err != nil {
		return err
	}
	key := redisx.OrderViewKey(ref.OrderID)
	log := s.Log.With(
		zap.String("event_type", env.EventType),
		zap.String("event_id", env.EventID),
		zap.String("order_id", ref.OrderID),
		zap.Int64("version", ref.Version))

	if s.Loader != nil {
		d, err := s.Loader.GetOrder(ctx, ref.OrderID)
		switch {
		case err == nil && d.Order.Version >= ref.Version:
			stored, err := s.Cache.Store(ctx, key, d.Order.Version, d)
			if err != nil {
				return err
			}
			log.Debug("order view refreshed", zap.Bool("stored", stored))
			return nil
		case err != nil && orders.KindOf(err) != orders.KindNotFound:
			return fmt.Errorf("reload %s: %w", ref.OrderID, err)
		}
	}
	if _, err := s.Cache.Invalidate(ctx, key, ref.Version); err != nil {
		return err
	}
	log.Debug("order view invalidated")
	return nil
}
