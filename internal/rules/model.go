package rules

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kamau-dev/backend-duka/internal/pricing"
)

// Record is the stored representation of a discount rule. A nil ProductID
// marks a catalog-wide rule; otherwise the rule is scoped to one product.
type Record struct {
	ID        uuid.UUID  `json:"id"`
	ProductID *uuid.UUID `json:"productId,omitempty"`
	Label     string     `json:"label"`
	Type      string     `json:"type"`
	Mode      string     `json:"mode"`
	Value     int64      `json:"value"`
	StartsAt  *time.Time `json:"startsAt,omitempty"`
	EndsAt    *time.Time `json:"endsAt,omitempty"`
	MinQty    int32      `json:"minQty,omitempty"`
	Regions   []string   `json:"regions,omitempty"`
	Position  int32      `json:"position"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// ToPricing converts the stored record into the engine's rule shape.
func (r Record) ToPricing() pricing.Rule {
	return pricing.Rule{
		ID:       r.ID,
		Label:    r.Label,
		Type:     pricing.RuleType(r.Type),
		Mode:     pricing.Mode(r.Mode),
		Value:    r.Value,
		StartsAt: r.StartsAt,
		EndsAt:   r.EndsAt,
		MinQty:   int(r.MinQty),
		Regions:  r.Regions,
		Enabled:  r.Enabled,
	}
}

// ToPricingRules converts an ordered record list preserving input order.
func ToPricingRules(records []Record) []pricing.Rule {
	out := make([]pricing.Rule, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ToPricing())
	}
	return out
}

// Input is the admin-facing payload for creating or updating a rule. Percent
// values arrive as decimal percentages (10.5 = 10.5%) and are stored as basis
// points; fixed values arrive directly in minor units.
type Input struct {
	Label     string     `json:"label" validate:"required,max=120"`
	Type      string     `json:"type" validate:"required,oneof=sale bulk location"`
	Mode      string     `json:"mode" validate:"required,oneof=percent fixed"`
	Percent   *float64   `json:"percent" validate:"omitempty"`
	Amount    *int64     `json:"amount" validate:"omitempty"`
	StartsAt  *time.Time `json:"startsAt"`
	EndsAt    *time.Time `json:"endsAt"`
	MinQty    int        `json:"minQty" validate:"omitempty,gte=1"`
	Regions   []string   `json:"regions" validate:"omitempty,dive,min=2,max=8"`
	ProductID *string    `json:"productId" validate:"omitempty,uuid"`
	Position  int        `json:"position" validate:"omitempty,gte=0"`
	Enabled   *bool      `json:"enabled"`
}

// StoredValue resolves the engine value from the payload: basis points for
// percent mode, minor units for fixed mode.
func (in Input) StoredValue() int64 {
	if in.Mode == string(pricing.ModePercent) {
		if in.Percent == nil {
			return 0
		}
		return int64(math.Round(*in.Percent * 100))
	}
	if in.Amount == nil {
		return 0
	}
	return *in.Amount
}
