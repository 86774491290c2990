package order

import (
	"time"

	"github.com/google/uuid"
)

// Order statuses.
const (
	StatusPendingPayment = "PENDING_PAYMENT"
	StatusPaid           = "PAID"
	StatusCanceled       = "CANCELED"
	StatusFulfilled      = "FULFILLED"
	StatusRefunded       = "REFUNDED"
)

// AppliedRule captures which discount rule touched an order line. The set is
// frozen at checkout so later rule edits never change what an order shows.
type AppliedRule struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

// Item is one frozen order line.
type Item struct {
	ID           uuid.UUID     `json:"id"`
	OrderID      uuid.UUID     `json:"-"`
	ProductID    uuid.UUID     `json:"productId"`
	Slug         string        `json:"slug"`
	Title        string        `json:"title"`
	Qty          int32         `json:"qty"`
	UnitBase     int64         `json:"unitBase"`
	UnitFinal    int64         `json:"unitFinal"`
	LineTotal    int64         `json:"lineTotal"`
	AppliedRules []AppliedRule `json:"appliedRules"`
}

// Order is a settled purchase with its pricing breakdown frozen at checkout.
type Order struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"userId"`
	Status     string    `json:"status"`
	Currency   string    `json:"currency"`
	Region     *string   `json:"region,omitempty"`
	Subtotal   int64     `json:"subtotal"`
	Discount   int64     `json:"discount"`
	Adjustment int64     `json:"adjustment"`
	Total      int64     `json:"total"`
	Notes      *string   `json:"notes,omitempty"`
	Items      []Item    `json:"items,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ValidStatus reports whether s is a known order status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPendingPayment, StatusPaid, StatusCanceled, StatusFulfilled, StatusRefunded:
		return true
	}
	return false
}

// transitions lists the allowed admin status moves.
var transitions = map[string][]string{
	StatusPendingPayment: {StatusPaid, StatusCanceled},
	StatusPaid:           {StatusFulfilled, StatusRefunded},
	StatusFulfilled:      {StatusRefunded},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
