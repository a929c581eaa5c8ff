package orders

const (
	TopicProcessingRequested = "order.processing.requested"
	TopicStockSucceeded      = "order.stock.succeeded"
	TopicCouponSucceeded     = "order.coupon.succeeded"
	TopicProcessingSucceeded = "order.processing.succeeded"
	TopicPaymentRequested    = "order.payment.requested"
	TopicPaymentSucceeded    = "order.payment.succeeded"
	TopicPaymentFailed       = "order.payment.failed"
	TopicProcessingFailed    = "order.processing.failed"
	TopicCompensationDone    = "order.compensation.done"
)

var eventTopics = map[string]string{
	EventProcessingRequested: TopicProcessingRequested,
	EventStockSucceeded:      TopicStockSucceeded,
	EventCouponSucceeded:     TopicCouponSucceeded,
	EventProcessingSucceeded: TopicProcessingSucceeded,
	EventPaymentRequested:    TopicPaymentRequested,
	EventPaymentSucceeded:    TopicPaymentSucceeded,
	EventPaymentFailed:       TopicPaymentFailed,
	EventProcessingFailed:    TopicProcessingFailed,
	EventCompensationDone:    TopicCompensationDone,
}

func TopicFor(eventType string) (string, bool) {
	t, ok := eventTopics[eventType]
	return t, ok
}

// Partition key = order_id, supaya semua event 1 order maintain urutan.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
