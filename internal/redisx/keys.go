package redisx

import "time"

const (
	// Cache status order: order_status:{order_id} -> {"status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Saga state per order: hash saga:{order_id}
	KeySaga = "saga:%s"

	// Compensation acks per attempt: set saga:comp:{order_id}:{attempt} of handler names
	KeySagaCompensation = "saga:comp:%s:%s"

	// Lease: lock:{name} -> owner token
	KeyLock = "lock:%s"

	// Pub/sub channel announcing a released lease: lock:release:{name}
	KeyLockRelease = "lock:release:%s"

	// Coupon counters: coupon:{coupon_id}:issued (int), coupon:{coupon_id}:holders (hash user -> "order|attempt" atau "")
	KeyCouponIssued  = "coupon:%s:issued"
	KeyCouponHolders = "coupon:%s:holders"
	// User yang klaim lewat Issue: coupon:{coupon_id}:preissued (set)
	KeyCouponPreissued = "coupon:%s:preissued"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLSaga        = 48 * time.Hour
)
