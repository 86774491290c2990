package payment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payment statuses.
const (
	StatusPending  = "PENDING"
	StatusPaid     = "PAID"
	StatusFailed   = "FAILED"
	StatusExpired  = "EXPIRED"
	StatusRefunded = "REFUNDED"
)

// Payment is one intent opened against an order. An order can accumulate
// several payments (expired intent, retry) but at most one of them is PAID.
type Payment struct {
	ID          uuid.UUID       `json:"id"`
	OrderID     uuid.UUID       `json:"orderId"`
	Provider    string          `json:"provider"`
	Status      string          `json:"status"`
	IntentRef   *string         `json:"intentRef,omitempty"`
	RedirectURL *string         `json:"redirectUrl,omitempty"`
	Amount      int64           `json:"amount"`
	Payload     json.RawMessage `json:"-"`
	ExpiresAt   *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// NormalizeStatus maps the loose status vocabulary providers send into the
// fixed payment status set. Unknown values come back as FAILED so a garbled
// callback can never mark an order paid.
func NormalizeStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PAID", "SUCCESS", "SETTLED", "COMPLETED":
		return StatusPaid
	case "PENDING", "OPEN":
		return StatusPending
	case "EXPIRED", "TIMEOUT":
		return StatusExpired
	case "REFUNDED":
		return StatusRefunded
	default:
		return StatusFailed
	}
}
