package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kamau-dev/backend-duka/internal/events"
	"github.com/kamau-dev/backend-duka/internal/notify"
)

type capturingSender struct {
	to, subject, body string
	sent              int
}

func (c *capturingSender) Send(to, subject, body string) error {
	c.to, c.subject, c.body = to, subject, body
	c.sent++
	return nil
}

func paidEvent(payload string) events.Event {
	return events.Event{
		ID:          uuid.New(),
		Topic:       events.TopicOrderPaid,
		AggregateID: uuid.New(),
		Payload:     []byte(payload),
		OccurredAt:  time.Now(),
	}
}

func TestEmailNotifierSendsWhenRecipientPresent(t *testing.T) {
	sender := &capturingSender{}
	n := notify.EmailNotifier{Mail: sender, Enabled: true}

	err := n.Notify(context.Background(), paidEvent(`{"email":"jane@example.com","orderId":"abc"}`))
	require.NoError(t, err)
	require.Equal(t, 1, sender.sent)
	require.Equal(t, "jane@example.com", sender.to)
	require.Equal(t, "Payment confirmed", sender.subject)
	require.Contains(t, sender.body, "Order ID: abc")
}

func TestEmailNotifierSkipsWithoutRecipient(t *testing.T) {
	sender := &capturingSender{}
	n := notify.EmailNotifier{Mail: sender, Enabled: true}

	require.NoError(t, n.Notify(context.Background(), paidEvent(`{"orderId":"abc"}`)))
	require.Zero(t, sender.sent)
}

func TestEmailNotifierHonorsToggles(t *testing.T) {
	sender := &capturingSender{}
	n := notify.EmailNotifier{
		Mail:         sender,
		Enabled:      true,
		TopicToggles: map[string]bool{events.TopicOrderPaid: false},
	}

	require.NoError(t, n.Notify(context.Background(), paidEvent(`{"email":"jane@example.com"}`)))
	require.Zero(t, sender.sent)
}

func TestEmailNotifierRejectsBrokenPayload(t *testing.T) {
	n := notify.EmailNotifier{Mail: &capturingSender{}, Enabled: true}
	require.Error(t, n.Notify(context.Background(), paidEvent(`{broken`)))
}
