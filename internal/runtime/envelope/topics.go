package envelope

import "strings"

// Broker topics consumed or produced by the pipeline.
const (
	TopicCustomerCreated    = "customer.created"
	TopicSubscriptionAccept = "subscription.accept"
	TopicTransactionCreated = "transaction.created"
	TopicUserNotification   = "user.notification"
)

const dlqSuffix = ".dlq"

// DLQTopic returns the dead-letter companion of topic.
func DLQTopic(topic string) string {
	if IsDLQTopic(topic) {
		return topic
	}
	return topic + dlqSuffix
}

// IsDLQTopic reports whether topic is a dead-letter companion.
func IsDLQTopic(topic string) bool {
	return strings.HasSuffix(topic, dlqSuffix)
}

// BaseTopic strips a dead-letter suffix.
func BaseTopic(topic string) string {
	return strings.TrimSuffix(topic, dlqSuffix)
}

// Category is the operator-facing grouping used by alerts.
func Category(topic string) string {
	switch BaseTopic(topic) {
	case TopicSubscriptionAccept:
		return "subscription"
	case TopicTransactionCreated:
		return "transaction"
	case TopicCustomerCreated:
		return "account"
	case TopicUserNotification:
		return "notification"
	default:
		return "unknown"
	}
}
