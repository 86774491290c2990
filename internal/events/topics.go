package events

// Topic constants for domain events emitted by the storefront.
const (
	TopicOrderCreated   = "order.created"
	TopicOrderPaid      = "order.paid"
	TopicOrderCanceled  = "order.canceled"
	TopicPaymentFailed  = "payment.failed"
	TopicPaymentExpired = "payment.expired"
	TopicRuleChanged    = "rule.changed"
)

// DefaultTopics returns the canonical list of topics that webhook endpoints
// may subscribe to.
func DefaultTopics() []string {
	return []string{
		TopicOrderCreated,
		TopicOrderPaid,
		TopicOrderCanceled,
		TopicPaymentFailed,
		TopicPaymentExpired,
		TopicRuleChanged,
	}
}

// ValidTopic reports whether the topic is one this service emits.
func ValidTopic(topic string) bool {
	for _, t := range DefaultTopics() {
		if t == topic {
			return true
		}
	}
	return false
}
