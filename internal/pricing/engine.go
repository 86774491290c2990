package pricing

import (
	"time"

	"github.com/google/uuid"
)

// PercentScale is the basis-point denominator for percent rules (1000 = 10%).
const PercentScale = 10000

// Context carries the inputs for a single evaluation. Rules are evaluated in
// the order supplied; the engine never re-sorts them.
type Context struct {
	BasePrice Money
	Qty       int
	Now       time.Time
	Region    *string
	Rules     []Rule
}

// Anomaly flags a configuration oddity observed during evaluation. Anomalies
// never abort the computation; callers decide whether to log or count them.
type Anomaly struct {
	RuleID uuid.UUID
	Code   string
}

// Anomaly codes surfaced by Evaluate.
const (
	AnomalyPercentOutOfRange = "percent_out_of_range"
	AnomalyLocationOverlap   = "location_overlap"
)

// Result is the outcome of one evaluation.
//
// DiscountTotal is the reduction contributed by the sale and bulk passes
// measured against the base price, captured before any location adjustment so
// callers can present "discount" and "regional adjustment" separately.
// Adjustment is the signed delta contributed by the location pass.
type Result struct {
	FinalPrice    Money
	Applied       []Rule
	DiscountTotal Money
	Adjustment    Money
	Anomalies     []Anomaly
}

// Evaluate computes the final unit price for the context. It is a pure
// function: no I/O, no mutation of inputs, deterministic for identical inputs
// including Now.
//
// Passes run in a fixed order: sale, then bulk, then location. Within a pass
// rules apply in input order and compound sequentially, each seeing the
// running price left by the previous rule. The running price is clamped to
// zero after every step, so the result is total over any input, including
// percent values beyond 100% and fixed discounts larger than the price.
func Evaluate(ctx Context) Result {
	running := ctx.BasePrice
	if running < 0 {
		running = 0
	}
	base := running
	qty := ctx.Qty
	if qty < 1 {
		qty = 1
	}

	var applied []Rule
	var anomalies []Anomaly

	for _, r := range ctx.Rules {
		if r.Type != TypeSale || !r.Enabled || !r.ActiveAt(ctx.Now) {
			continue
		}
		running = clampMoney(running - reduction(running, r, &anomalies))
		applied = append(applied, r)
	}

	for _, r := range ctx.Rules {
		if r.Type != TypeBulk || !r.Enabled || qty < r.MinQty {
			continue
		}
		running = clampMoney(running - reduction(running, r, &anomalies))
		applied = append(applied, r)
	}

	preLocation := running
	locationMatches := 0
	for _, r := range ctx.Rules {
		if r.Type != TypeLocation || !r.Enabled || !r.MatchesRegion(ctx.Region) {
			continue
		}
		locationMatches++
		if locationMatches == 2 {
			anomalies = append(anomalies, Anomaly{RuleID: r.ID, Code: AnomalyLocationOverlap})
		}
		running = clampMoney(running + adjustment(running, r, &anomalies))
		applied = append(applied, r)
	}

	return Result{
		FinalPrice:    running,
		Applied:       applied,
		DiscountTotal: base - preLocation,
		Adjustment:    running - preLocation,
		Anomalies:     anomalies,
	}
}

// reduction computes the amount removed by a sale or bulk rule against the
// running price. Negative values never increase the price for these variants.
func reduction(running Money, r Rule, anomalies *[]Anomaly) Money {
	amount := r.Value
	if r.Mode == ModePercent {
		if r.Value > PercentScale {
			*anomalies = append(*anomalies, Anomaly{RuleID: r.ID, Code: AnomalyPercentOutOfRange})
		}
		amount = (running * r.Value) / PercentScale
	}
	if amount < 0 {
		return 0
	}
	return amount
}

// adjustment computes the signed delta applied by a location rule.
func adjustment(running Money, r Rule, anomalies *[]Anomaly) Money {
	if r.Mode == ModePercent {
		if r.Value > PercentScale || r.Value < -PercentScale {
			*anomalies = append(*anomalies, Anomaly{RuleID: r.ID, Code: AnomalyPercentOutOfRange})
		}
		return (running * r.Value) / PercentScale
	}
	return r.Value
}

func clampMoney(v Money) Money {
	if v < 0 {
		return 0
	}
	return v
}
