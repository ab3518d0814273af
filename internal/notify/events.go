package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/noah-isme/backend-lms/internal/events"
)

// TokenLookup resolves the push tokens of a user.
type TokenLookup interface {
	DeviceTokens(ctx context.Context, userID string) ([]string, error)
}

// Sender is implemented by Dispatcher.
type Sender interface {
	Send(ctx context.Context, n Notification) ([]DeliveryResult, error)
}

// EventNotifier turns order events into user notifications.
type EventNotifier struct {
	Dispatcher Sender
	Tokens     TokenLookup
	// Topics limits the handled topics. Empty means events.DefaultTopics.
	Topics map[string]bool
}

// Notify implements events.Notifier.
func (n EventNotifier) Notify(ctx context.Context, event events.Event) error {
	if n.Dispatcher == nil || !n.handles(event.Topic) {
		return nil
	}
	var payload events.OrderPayload
	if len(event.Payload) > 0 {
		if err := event.Decode(&payload); err != nil {
			return fmt.Errorf("notify: decode %s payload: %w", event.Topic, err)
		}
	}
	if payload.UserID == "" {
		return nil
	}
	msg := FromOrderEvent(event, payload)
	if n.Tokens != nil {
		tokens, err := n.Tokens.DeviceTokens(ctx, payload.UserID)
		if err != nil {
			return fmt.Errorf("notify: device tokens: %w", err)
		}
		msg.DeviceTokens = tokens
	}
	_, err := n.Dispatcher.Send(ctx, msg)
	return err
}

func (n EventNotifier) handles(topic string) bool {
	if len(n.Topics) > 0 {
		return n.Topics[topic]
	}
	for _, t := range events.DefaultTopics() {
		if t == topic {
			return true
		}
	}
	return false
}

// FromOrderEvent builds the notification shown to the buyer for an order event.
func FromOrderEvent(event events.Event, p events.OrderPayload) Notification {
	amount := strings.TrimSpace(p.Total + " " + p.Currency)
	n := Notification{
		UserID:  p.UserID,
		Type:    event.Topic,
		Email:   p.Email,
		Title:   titleFor(event.Topic),
		Message: messageFor(event.Topic, p, amount),
		Data: map[string]string{
			"event_id": event.ID.String(),
			"order_id": p.OrderID,
			"status":   p.Status,
		},
	}
	if p.RefundAmount != "" {
		n.Data["refund_amount"] = p.RefundAmount
	}
	return n
}

func titleFor(topic string) string {
	switch topic {
	case events.TopicOrderCreated:
		return "Order received"
	case events.TopicOrderPaid:
		return "Payment successful"
	case events.TopicOrderFailed:
		return "Payment failed"
	case events.TopicOrderRefunded:
		return "Refund processed"
	default:
		return fmt.Sprintf("Notification %s", topic)
	}
}

func messageFor(topic string, p events.OrderPayload, amount string) string {
	courses := strings.Join(p.Courses, ", ")
	switch topic {
	case events.TopicOrderCreated:
		return fmt.Sprintf("Your order %s for %s is awaiting payment.", p.OrderID, amount)
	case events.TopicOrderPaid:
		if courses != "" {
			return fmt.Sprintf("Payment of %s received. You now have access to %s.", amount, courses)
		}
		return fmt.Sprintf("Payment of %s received for order %s.", amount, p.OrderID)
	case events.TopicOrderFailed:
		return fmt.Sprintf("We could not complete payment for order %s. Your cart is still available.", p.OrderID)
	case events.TopicOrderRefunded:
		return fmt.Sprintf("A refund of %s %s was issued for order %s.", p.RefundAmount, p.Currency, p.OrderID)
	default:
		return fmt.Sprintf("Order %s changed to %s.", p.OrderID, p.Status)
	}
}
