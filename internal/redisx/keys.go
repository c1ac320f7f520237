package redisx

import "time"

const (
	// Idempotency fast-path for checkout: idem:checkout:{user_id}:{key} -> order_id.
	// The DB unique index is the source of truth; this only short-circuits retries.
	KeyIdemCheckout = "idem:checkout:%s:%s"

	// Cache order status: order_status:{order_id} -> {"status":"...","payment_status":"..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing for the audit consumer: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
