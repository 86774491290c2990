package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CardGateSignatureHeader carries the hex HMAC-SHA512 of the raw callback body.
const CardGateSignatureHeader = "X-Cardgate-Signature"

// CardGate implements Provider for a hosted card checkout. Intents return a
// redirect URL the storefront sends the customer to.
type CardGate struct {
	WebhookSecret string
	BaseURL       string
}

func (c CardGate) Name() string { return "cardgate" }

// CreateIntent builds a deterministic checkout reference and redirect URL.
func (c CardGate) CreateIntent(_ context.Context, req IntentRequest) (IntentResponse, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return IntentResponse{}, errors.New("order id is required")
	}
	ttl := req.ExpiresIn
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	ref := "cg_" + req.OrderID
	return IntentResponse{
		Provider:    c.Name(),
		Reference:   ref,
		RedirectURL: fmt.Sprintf("%s/checkout/%s", c.checkoutHost(), ref),
		ExpiresAt:   time.Now().Add(ttl),
	}, nil
}

func (c CardGate) checkoutHost() string {
	host := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if host == "" {
		return "https://pay.cardgate.africa"
	}
	return host
}

// VerifyWebhook validates the callback signature and normalises the payload.
func (c CardGate) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	expected := c.computeSignature(body)
	provided := strings.TrimSpace(r.Header.Get(CardGateSignatureHeader))
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return WebhookResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}

	var payload struct {
		Reference string      `json:"reference"`
		OrderID   string      `json:"orderId"`
		Status    string      `json:"status"`
		Amount    json.Number `json:"amount"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}
	if strings.TrimSpace(payload.OrderID) == "" {
		return WebhookResult{Valid: false, Err: errors.New("missing order id")}, nil
	}
	amount, err := payload.Amount.Int64()
	if err != nil && payload.Amount.String() != "" {
		return WebhookResult{Valid: false, Err: fmt.Errorf("invalid amount: %w", err)}, nil
	}

	return WebhookResult{
		Valid:   true,
		OrderID: payload.OrderID,
		Amount:  amount,
		Status:  NormalizeStatus(payload.Status),
		Payload: body,
	}, nil
}

func (c CardGate) computeSignature(body []byte) string {
	secret := strings.TrimSpace(c.WebhookSecret)
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
