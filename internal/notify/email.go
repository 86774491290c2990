package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kamau-dev/backend-duka/internal/events"
)

// Sender delivers a rendered message to a recipient.
type Sender interface {
	Send(to, subject, body string) error
}

// LogSender writes outgoing mail to the log instead of a mail relay. Used in
// development and as the default until an SMTP sender is wired in.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(to, subject, body string) error {
	s.Log.Info().Str("to", to).Str("subject", subject).Str("body", body).Msg("email notification")
	return nil
}

// EmailNotifier sends transactional emails for selected topics. It implements
// events.Notifier.
type EmailNotifier struct {
	Mail         Sender
	Enabled      bool
	TopicToggles map[string]bool
}

// Notify renders and sends an email when the event payload names a recipient.
func (n EmailNotifier) Notify(_ context.Context, event events.Event) error {
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	if n.TopicToggles != nil {
		if enabled, ok := n.TopicToggles[event.Topic]; ok && !enabled {
			return nil
		}
	}
	payload := map[string]any{}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("email notify: decode payload: %w", err)
		}
	}
	to := extractRecipient(payload)
	if to == "" {
		return nil
	}
	return n.Mail.Send(to, subjectFor(event.Topic), bodyFor(event.Topic, payload, event.OccurredAt))
}

func extractRecipient(payload map[string]any) string {
	for _, key := range []string{"email", "recipient", "customerEmail"} {
		if val, ok := payload[key].(string); ok {
			if trimmed := strings.TrimSpace(val); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func subjectFor(topic string) string {
	switch topic {
	case events.TopicOrderCreated:
		return "Order received"
	case events.TopicOrderPaid:
		return "Payment confirmed"
	case events.TopicOrderCanceled:
		return "Order canceled"
	case events.TopicPaymentFailed:
		return "Payment failed"
	case events.TopicPaymentExpired:
		return "Payment expired"
	default:
		return fmt.Sprintf("Notification %s", topic)
	}
}

func bodyFor(topic string, payload map[string]any, occurred time.Time) string {
	summary := fmt.Sprintf("Event %s occurred at %s.", topic, occurred.Format(time.RFC3339))
	if orderID, ok := payload["orderId"].(string); ok && orderID != "" {
		summary += fmt.Sprintf("\nOrder ID: %s", orderID)
	}
	if note, ok := payload["message"].(string); ok && note != "" {
		summary += "\n" + note
	}
	return summary
}
