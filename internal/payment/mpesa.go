package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// MpesaSignatureHeader carries the hex HMAC-SHA256 of the raw callback body.
const MpesaSignatureHeader = "X-Mpesa-Signature"

// Mpesa implements Provider for an M-Pesa STK push style integration. There
// is no hosted checkout page: the customer approves the push on their phone,
// so intents carry a CheckoutRequestID and no redirect URL.
type Mpesa struct {
	ShortCode     string
	WebhookSecret string
}

func (m Mpesa) Name() string { return "mpesa" }

// CreateIntent synthesises a deterministic CheckoutRequestID without a
// network call. The real implementation would hit the Daraja STK endpoint;
// a deterministic token keeps the rest of the flow drivable in tests.
func (m Mpesa) CreateIntent(_ context.Context, req IntentRequest) (IntentResponse, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return IntentResponse{}, errors.New("order id is required")
	}
	ttl := req.ExpiresIn
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return IntentResponse{
		Provider:  m.Name(),
		Reference: "ws_CO_" + strings.TrimSpace(m.ShortCode) + "_" + req.OrderID,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// VerifyWebhook checks the body signature and maps Daraja result codes onto
// payment statuses. Result code 0 is success; 1032 is a customer cancel and
// 1037 a push timeout.
func (m Mpesa) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	expected := m.computeSignature(body)
	provided := strings.TrimSpace(r.Header.Get(MpesaSignatureHeader))
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return WebhookResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}

	var payload struct {
		CheckoutRequestID string `json:"checkoutRequestId"`
		OrderID           string `json:"orderId"`
		ResultCode        int    `json:"resultCode"`
		ResultDesc        string `json:"resultDesc"`
		Amount            int64  `json:"amount"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}
	if strings.TrimSpace(payload.OrderID) == "" {
		return WebhookResult{Valid: false, Err: errors.New("missing order id")}, nil
	}

	status := StatusFailed
	switch payload.ResultCode {
	case 0:
		status = StatusPaid
	case 1037:
		status = StatusExpired
	}

	return WebhookResult{
		Valid:   true,
		OrderID: payload.OrderID,
		Amount:  payload.Amount,
		Status:  status,
		Payload: body,
	}, nil
}

func (m Mpesa) computeSignature(body []byte) string {
	secret := strings.TrimSpace(m.WebhookSecret)
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
