package redisx

import "time"

const (
	// Idempotent placement: idem:order:place:{user_id}:{idempotency_key} -> order_id
	KeyIdemPlaceOrder = "idem:order:place:%s:%s"

	// Cached order view: hash order_view:{order_id} -> {v: order version, d: OrderDetails JSON}
	KeyOrderView = "order_view:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLOrderView   = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
