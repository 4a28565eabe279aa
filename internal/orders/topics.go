package orders

// DefaultTopicOrderEvents carries every order event; ORDER_EVENTS_TOPIC overrides it.
const DefaultTopicOrderEvents = "orders.events"

// Partition key = order_id, so all events of one order keep their order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
