package events

// Topic constants for domain events emitted by checkout and refunds.
const (
	TopicOrderCreated  = "order.created"
	TopicOrderPaid     = "order.paid"
	TopicOrderFailed   = "order.failed"
	TopicOrderRefunded = "order.refunded"
)

// DefaultTopics returns the topics that produce user notifications.
func DefaultTopics() []string {
	return []string{
		TopicOrderCreated,
		TopicOrderPaid,
		TopicOrderFailed,
		TopicOrderRefunded,
	}
}

// OrderPayload is the body of every order.* event.
type OrderPayload struct {
	OrderID       string   `json:"order_id"`
	UserID        string   `json:"user_id"`
	Email         string   `json:"email,omitempty"`
	Status        string   `json:"status"`
	PaymentMethod string   `json:"payment_method"`
	Currency      string   `json:"currency"`
	Total         string   `json:"total"`
	RefundAmount  string   `json:"refund_amount,omitempty"`
	LineIDs       []string `json:"line_ids,omitempty"`
	Courses       []string `json:"courses,omitempty"`
}
