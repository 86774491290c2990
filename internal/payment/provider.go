package payment

import (
	"context"
	"net/http"
	"time"
)

// IntentRequest captures the information a provider needs to open a payment
// intent for an order.
type IntentRequest struct {
	OrderID         string
	Amount          int64
	Currency        string
	ExpiresIn       time.Duration
	CallbackBaseURL string
}

// IntentResponse is the minimal provider answer to an intent request.
type IntentResponse struct {
	Provider    string
	Reference   string
	RedirectURL string
	ExpiresAt   time.Time
}

// WebhookResult holds the normalised payload of a provider callback after
// signature verification.
type WebhookResult struct {
	Valid   bool
	OrderID string
	Amount  int64
	Status  string
	Payload []byte
	Err     error
}

// Provider abstracts an upstream payment gateway.
type Provider interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (IntentResponse, error)
	VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error)
}
