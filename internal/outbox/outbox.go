package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-cart-orders/internal/postgres"
)

// Record is one event waiting in (or already relayed from) the outbox table.
type Record struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

// Insert must be called with the transaction that performs the change the event describes.
func Insert(ctx context.Context, q postgres.Querier, eventID, eventType, topic, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = q.Exec(ctx, `INSERT INTO outbox(event_id, event_type, topic, key, payload) VALUES ($1, $2, $3, $4, $5)`,
		eventID, eventType, topic, key, data)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func MarkSent(ctx context.Context, q postgres.Querier, id int64) error {
	_, err := q.Exec(ctx, `UPDATE outbox SET sent_at=now() WHERE id=$1`, id)
	return err
}

// FetchPending locks up to limit unsent rows; concurrent relays skip each other's rows.
func FetchPending(ctx context.Context, q postgres.Querier, limit int) ([]Record, error) {
	rows, err := q.Query(ctx, `
		SELECT id, event_id, event_type, topic, key, payload, created_at, sent_at
		FROM outbox WHERE sent_at IS NULL
		ORDER BY id LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.EventType, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func CountPending(ctx context.Context, q postgres.Querier) (int, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE sent_at IS NULL`).Scan(&n)
	return n, err
}
