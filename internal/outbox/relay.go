package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-cart-orders/internal/metrics"
	"github.com/ariefcatur/go-cart-orders/internal/postgres"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type PublishFunc func(ctx context.Context, rec Record) error

// Relay moves committed outbox rows to the broker. Delivery is at-least-once:
// a failed publish rolls back the whole batch, consumers dedup on event_id.
type Relay struct {
	Tx       *postgres.TxRunner
	Publish  PublishFunc
	Log      *zap.Logger
	Metrics  *metrics.Outbox // optional backlog gauge
	Interval time.Duration
	Batch    int
}

func (r *Relay) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := r.Flush(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.Log.Warn("outbox relay failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.Log.Debug("outbox relayed", zap.Int("events", n))
			}
			r.observeBacklog(ctx)
		}
	}
}

// Flush publishes one batch and returns how many events were marked sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	sent := 0
	err := r.Tx.InTx(ctx, func(tx pgx.Tx) error {
		recs, err := FetchPending(ctx, tx, r.Batch)
		if err != nil {
			return fmt.Errorf("fetch pending: %w", err)
		}
		for _, rec := range recs {
			if err := r.Publish(ctx, rec); err != nil {
				return fmt.Errorf("publish %s: %w", rec.EventID, err)
			}
			if err := MarkSent(ctx, tx, rec.ID); err != nil {
				return fmt.Errorf("mark sent %d: %w", rec.ID, err)
			}
			sent++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sent, nil
}

// observeBacklog publishes the number of rows still waiting after a flush.
func (r *Relay) observeBacklog(ctx context.Context) {
	if r.Metrics == nil {
		return
	}
	n, err := CountPending(ctx, r.Tx.Pool)
	if err != nil {
		r.Log.Warn("outbox backlog count failed", zap.Error(err))
		return
	}
	r.Metrics.SetPending(n)
}
