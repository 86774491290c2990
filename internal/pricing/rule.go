package pricing

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Money represents a monetary value stored in minor units.
type Money = int64

// RuleType discriminates the supported rule variants.
type RuleType string

const (
	// TypeSale is a time-windowed price reduction.
	TypeSale RuleType = "sale"
	// TypeBulk is a reduction unlocked by a minimum purchase quantity.
	TypeBulk RuleType = "bulk"
	// TypeLocation is a signed adjustment keyed by buyer region membership.
	TypeLocation RuleType = "location"
)

// Mode selects how a rule value is interpreted.
type Mode string

const (
	// ModePercent interprets Value as basis points of the running price.
	ModePercent Mode = "percent"
	// ModeFixed interprets Value as an absolute amount in minor units.
	ModeFixed Mode = "fixed"
)

// Rule is a single configured discount or adjustment policy. Fields that do
// not apply to a variant are zero-valued and ignored during evaluation.
type Rule struct {
	ID       uuid.UUID
	Label    string
	Type     RuleType
	Mode     Mode
	Value    int64
	StartsAt *time.Time
	EndsAt   *time.Time
	MinQty   int
	Regions  []string
	Enabled  bool
}

// ActiveAt reports whether a sale rule's window contains the instant. Unset
// boundaries impose no constraint.
func (r Rule) ActiveAt(now time.Time) bool {
	if r.StartsAt != nil && now.Before(*r.StartsAt) {
		return false
	}
	if r.EndsAt != nil && now.After(*r.EndsAt) {
		return false
	}
	return true
}

// MatchesRegion reports whether the buyer region belongs to the rule's region
// set. A nil region never matches.
func (r Rule) MatchesRegion(region *string) bool {
	if region == nil {
		return false
	}
	candidate := strings.TrimSpace(*region)
	if candidate == "" {
		return false
	}
	for _, code := range r.Regions {
		if strings.EqualFold(strings.TrimSpace(code), candidate) {
			return true
		}
	}
	return false
}
