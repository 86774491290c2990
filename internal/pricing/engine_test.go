package pricing

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

var evalNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func saleRule(mode Mode, value int64) Rule {
	return Rule{ID: uuid.New(), Type: TypeSale, Mode: mode, Value: value, Enabled: true}
}

func bulkRule(mode Mode, value int64, minQty int) Rule {
	return Rule{ID: uuid.New(), Type: TypeBulk, Mode: mode, Value: value, MinQty: minQty, Enabled: true}
}

func locationRule(mode Mode, value int64, regions ...string) Rule {
	return Rule{ID: uuid.New(), Type: TypeLocation, Mode: mode, Value: value, Regions: regions, Enabled: true}
}

func region(code string) *string { return &code }

func TestEvaluateNoRules(t *testing.T) {
	res := Evaluate(Context{BasePrice: 12_345, Qty: 1, Now: evalNow})
	if res.FinalPrice != 12_345 {
		t.Fatalf("expected base price, got %d", res.FinalPrice)
	}
	if len(res.Applied) != 0 {
		t.Fatalf("expected no applied rules, got %d", len(res.Applied))
	}
	if res.DiscountTotal != 0 || res.Adjustment != 0 {
		t.Fatalf("expected zero discount and adjustment, got %d/%d", res.DiscountTotal, res.Adjustment)
	}
}

func TestEvaluateSequentialCompounding(t *testing.T) {
	// 100.00 -> sale 10% -> 90.00 -> bulk 10% -> 81.00
	sale := saleRule(ModePercent, 1000)
	bulk := bulkRule(ModePercent, 1000, 1)
	res := Evaluate(Context{
		BasePrice: 10_000,
		Qty:       1,
		Now:       evalNow,
		Rules:     []Rule{sale, bulk},
	})
	if res.FinalPrice != 8_100 {
		t.Fatalf("expected 8100, got %d", res.FinalPrice)
	}
	if res.DiscountTotal != 1_900 {
		t.Fatalf("expected discount 1900, got %d", res.DiscountTotal)
	}
	if len(res.Applied) != 2 || res.Applied[0].ID != sale.ID || res.Applied[1].ID != bulk.ID {
		t.Fatalf("expected applied order [sale, bulk], got %+v", res.Applied)
	}
}

func TestEvaluateDisabledRuleIsNoOp(t *testing.T) {
	disabled := saleRule(ModePercent, 5000)
	disabled.Enabled = false
	withRule := Evaluate(Context{BasePrice: 10_000, Qty: 1, Now: evalNow, Rules: []Rule{disabled}})
	without := Evaluate(Context{BasePrice: 10_000, Qty: 1, Now: evalNow})
	if withRule.FinalPrice != without.FinalPrice {
		t.Fatalf("disabled rule changed price: %d vs %d", withRule.FinalPrice, without.FinalPrice)
	}
	if len(withRule.Applied) != 0 {
		t.Fatalf("disabled rule reported as applied")
	}
}

func TestEvaluateSaleWindow(t *testing.T) {
	start := evalNow.Add(-time.Hour)
	end := evalNow.Add(time.Hour)
	past := evalNow.Add(-2 * time.Hour)

	cases := []struct {
		name     string
		startsAt *time.Time
		endsAt   *time.Time
		applies  bool
	}{
		{"open window", nil, nil, true},
		{"inside window", &start, &end, true},
		{"before start", &end, nil, false},
		{"after end", nil, &past, false},
		{"start boundary inclusive", &evalNow, nil, true},
		{"end boundary inclusive", nil, &evalNow, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := saleRule(ModePercent, 1000)
			rule.StartsAt = tc.startsAt
			rule.EndsAt = tc.endsAt
			res := Evaluate(Context{BasePrice: 10_000, Qty: 1, Now: evalNow, Rules: []Rule{rule}})
			applied := len(res.Applied) == 1
			if applied != tc.applies {
				t.Fatalf("applies=%v, expected %v", applied, tc.applies)
			}
			want := Money(10_000)
			if tc.applies {
				want = 9_000
			}
			if res.FinalPrice != want {
				t.Fatalf("expected %d, got %d", want, res.FinalPrice)
			}
		})
	}
}

func TestEvaluateBulkThresholdBoundary(t *testing.T) {
	rule := bulkRule(ModePercent, 1000, 5)
	below := Evaluate(Context{BasePrice: 10_000, Qty: 4, Now: evalNow, Rules: []Rule{rule}})
	if below.FinalPrice != 10_000 || len(below.Applied) != 0 {
		t.Fatalf("qty below threshold should not apply, got %d", below.FinalPrice)
	}
	at := Evaluate(Context{BasePrice: 10_000, Qty: 5, Now: evalNow, Rules: []Rule{rule}})
	if at.FinalPrice != 9_000 || len(at.Applied) != 1 {
		t.Fatalf("qty at threshold should apply, got %d", at.FinalPrice)
	}
}

func TestEvaluateLocationAdjustment(t *testing.T) {
	rule := locationRule(ModePercent, 2000, "CA")
	matched := Evaluate(Context{BasePrice: 5_000, Qty: 1, Now: evalNow, Region: region("CA"), Rules: []Rule{rule}})
	if matched.FinalPrice != 6_000 {
		t.Fatalf("expected 6000, got %d", matched.FinalPrice)
	}
	if matched.Adjustment != 1_000 || matched.DiscountTotal != 0 {
		t.Fatalf("expected adjustment 1000 / discount 0, got %d/%d", matched.Adjustment, matched.DiscountTotal)
	}
	if len(matched.Applied) != 1 {
		t.Fatalf("expected location rule applied")
	}

	other := Evaluate(Context{BasePrice: 5_000, Qty: 1, Now: evalNow, Region: region("NY"), Rules: []Rule{rule}})
	if other.FinalPrice != 5_000 || len(other.Applied) != 0 {
		t.Fatalf("non-matching region should not apply, got %d", other.FinalPrice)
	}

	missing := Evaluate(Context{BasePrice: 5_000, Qty: 1, Now: evalNow, Rules: []Rule{rule}})
	if missing.FinalPrice != 5_000 || len(missing.Applied) != 0 {
		t.Fatalf("absent region should not apply, got %d", missing.FinalPrice)
	}
}

func TestEvaluateLocationRegionCaseInsensitive(t *testing.T) {
	rule := locationRule(ModeFixed, -500, "ke")
	res := Evaluate(Context{BasePrice: 5_000, Qty: 1, Now: evalNow, Region: region("KE"), Rules: []Rule{rule}})
	if res.FinalPrice != 4_500 {
		t.Fatalf("expected 4500, got %d", res.FinalPrice)
	}
}

func TestEvaluateFixedDiscountClampsToZero(t *testing.T) {
	rule := saleRule(ModeFixed, 1_500)
	res := Evaluate(Context{BasePrice: 1_000, Qty: 1, Now: evalNow, Rules: []Rule{rule}})
	if res.FinalPrice != 0 {
		t.Fatalf("expected clamp to 0, got %d", res.FinalPrice)
	}
	if res.DiscountTotal != 1_000 {
		t.Fatalf("expected discount equal to base, got %d", res.DiscountTotal)
	}
}

func TestEvaluatePercentOverHundredFlagsAnomaly(t *testing.T) {
	rule := saleRule(ModePercent, 15_000)
	res := Evaluate(Context{BasePrice: 10_000, Qty: 1, Now: evalNow, Rules: []Rule{rule}})
	if res.FinalPrice != 0 {
		t.Fatalf("expected clamp to 0, got %d", res.FinalPrice)
	}
	if len(res.Anomalies) != 1 || res.Anomalies[0].Code != AnomalyPercentOutOfRange {
		t.Fatalf("expected percent anomaly, got %+v", res.Anomalies)
	}
}

func TestEvaluateOverlappingLocationRulesCompoundAndFlag(t *testing.T) {
	first := locationRule(ModePercent, 1000, "KE")
	second := locationRule(ModePercent, 1000, "KE")
	res := Evaluate(Context{BasePrice: 10_000, Qty: 1, Now: evalNow, Region: region("KE"), Rules: []Rule{first, second}})
	// 10000 -> +10% -> 11000 -> +10% -> 12100, both applied in order.
	if res.FinalPrice != 12_100 {
		t.Fatalf("expected 12100, got %d", res.FinalPrice)
	}
	if len(res.Applied) != 2 {
		t.Fatalf("expected both location rules applied")
	}
	if len(res.Anomalies) != 1 || res.Anomalies[0].Code != AnomalyLocationOverlap {
		t.Fatalf("expected overlap anomaly, got %+v", res.Anomalies)
	}
}

func TestEvaluateNegativeLocationAdjustmentClamps(t *testing.T) {
	rule := locationRule(ModeFixed, -2_000, "KE")
	res := Evaluate(Context{BasePrice: 1_000, Qty: 1, Now: evalNow, Region: region("KE"), Rules: []Rule{rule}})
	if res.FinalPrice != 0 {
		t.Fatalf("expected clamp to 0, got %d", res.FinalPrice)
	}
	if res.Adjustment != -1_000 {
		t.Fatalf("expected adjustment -1000 after clamp, got %d", res.Adjustment)
	}
}

func TestEvaluateUnknownRuleTypeIgnored(t *testing.T) {
	rule := Rule{ID: uuid.New(), Type: RuleType("flash"), Mode: ModePercent, Value: 5000, Enabled: true}
	res := Evaluate(Context{BasePrice: 10_000, Qty: 1, Now: evalNow, Rules: []Rule{rule}})
	if res.FinalPrice != 10_000 || len(res.Applied) != 0 {
		t.Fatalf("unknown rule type must be ignored, got %d", res.FinalPrice)
	}
}

func TestEvaluatePassOrderFixedRegardlessOfInput(t *testing.T) {
	// A bulk rule listed before a sale rule still applies after it.
	bulk := bulkRule(ModeFixed, 1_000, 1)
	sale := saleRule(ModePercent, 5000)
	res := Evaluate(Context{BasePrice: 10_000, Qty: 2, Now: evalNow, Rules: []Rule{bulk, sale}})
	// sale pass first: 10000 -> 5000; bulk pass: 5000 - 1000 = 4000.
	if res.FinalPrice != 4_000 {
		t.Fatalf("expected 4000, got %d", res.FinalPrice)
	}
	if res.Applied[0].ID != sale.ID || res.Applied[1].ID != bulk.ID {
		t.Fatalf("applied order must follow pass order, got %+v", res.Applied)
	}
}

func TestEvaluateSaleRulesApplyInInputOrder(t *testing.T) {
	fixed := saleRule(ModeFixed, 2_000)
	percent := saleRule(ModePercent, 5000)
	res := Evaluate(Context{BasePrice: 10_000, Qty: 1, Now: evalNow, Rules: []Rule{fixed, percent}})
	// 10000 - 2000 = 8000; 8000 - 50% = 4000.
	if res.FinalPrice != 4_000 {
		t.Fatalf("expected 4000, got %d", res.FinalPrice)
	}
	reordered := Evaluate(Context{BasePrice: 10_000, Qty: 1, Now: evalNow, Rules: []Rule{percent, fixed}})
	// 10000 - 50% = 5000; 5000 - 2000 = 3000.
	if reordered.FinalPrice != 3_000 {
		t.Fatalf("expected 3000, got %d", reordered.FinalPrice)
	}
}

func TestEvaluateDoesNotMutateInputRules(t *testing.T) {
	rules := []Rule{saleRule(ModePercent, 1000), locationRule(ModePercent, 2000, "KE")}
	snapshot := make([]Rule, len(rules))
	copy(snapshot, rules)
	_ = Evaluate(Context{BasePrice: 10_000, Qty: 1, Now: evalNow, Region: region("KE"), Rules: rules})
	for i := range rules {
		if rules[i].ID != snapshot[i].ID || rules[i].Value != snapshot[i].Value || rules[i].Enabled != snapshot[i].Enabled {
			t.Fatalf("input rules mutated at %d", i)
		}
	}
}

func TestEvaluateNegativeBasePriceTreatedAsZero(t *testing.T) {
	res := Evaluate(Context{BasePrice: -500, Qty: 1, Now: evalNow})
	if res.FinalPrice != 0 {
		t.Fatalf("expected 0, got %d", res.FinalPrice)
	}
}

func TestEvaluateNegativeSaleValueNeverIncreasesPrice(t *testing.T) {
	rule := saleRule(ModeFixed, -1_000)
	res := Evaluate(Context{BasePrice: 5_000, Qty: 1, Now: evalNow, Rules: []Rule{rule}})
	if res.FinalPrice != 5_000 {
		t.Fatalf("sale rule must not raise price, got %d", res.FinalPrice)
	}
}
