package orders

const (
	TopicOrderCreated   = "checkout.order.created"
	TopicOrderCancelled = "checkout.order.cancelled"
	TopicOrderExpired   = "checkout.order.expired"
	TopicOrderPaid      = "checkout.order.paid"
)

// Topics lists every checkout topic, for consumers that want them all.
func Topics() []string {
	return []string{TopicOrderCreated, TopicOrderCancelled, TopicOrderExpired, TopicOrderPaid}
}

// Partition key = order_id so all events of one order stay ordered.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
