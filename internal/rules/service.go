package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kamau-dev/backend-duka/internal/events"
	"github.com/kamau-dev/backend-duka/internal/pricing"
)

// Repo captures the persistence methods required by the rules service.
type Repo interface {
	ListAll(ctx context.Context) ([]Record, error)
	ListEffective(ctx context.Context, productID uuid.UUID) ([]Record, error)
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	Create(ctx context.Context, rec Record) (Record, error)
	Update(ctx context.Context, rec Record) (Record, error)
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Invalidator drops cached rule sets after a write. The rule source
// implements it; tests can plug a fake.
type Invalidator interface {
	Invalidate(ctx context.Context, productID *uuid.UUID)
}

// Warning flags a suspicious but legal rule configuration. Warnings never
// block a write; the engine keeps evaluating and reports the same conditions
// as anomalies at runtime.
type Warning struct {
	RuleID  uuid.UUID `json:"ruleId"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Warning codes mirror the engine's anomaly codes so dashboards can join them.
const (
	WarnPercentOutOfRange = "percent_out_of_range"
	WarnLocationOverlap   = "location_overlap"
)

// ErrValidation wraps payload validation failures so handlers can map them to 400s.
var ErrValidation = errors.New("rules: invalid payload")

// Service owns discount rule administration: validation, persistence and
// cache invalidation.
type Service struct {
	Repo     Repo
	Validate *validator.Validate
	Source   Invalidator
	Events   *events.Bus
	Log      zerolog.Logger
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) validate(in Input) error {
	if s.Validate != nil {
		if err := s.Validate.Struct(in); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	switch in.Mode {
	case string(pricing.ModePercent):
		if in.Percent == nil {
			return fmt.Errorf("%w: percent is required for percent mode", ErrValidation)
		}
		if *in.Percent < 0 {
			return fmt.Errorf("%w: percent must not be negative", ErrValidation)
		}
	case string(pricing.ModeFixed):
		if in.Amount == nil {
			return fmt.Errorf("%w: amount is required for fixed mode", ErrValidation)
		}
		if *in.Amount < 0 {
			return fmt.Errorf("%w: amount must not be negative", ErrValidation)
		}
	}
	switch in.Type {
	case string(pricing.TypeBulk):
		if in.MinQty < 1 {
			return fmt.Errorf("%w: bulk rules require minQty of at least 1", ErrValidation)
		}
	case string(pricing.TypeLocation):
		if len(in.Regions) == 0 {
			return fmt.Errorf("%w: location rules require at least one region", ErrValidation)
		}
	}
	if in.StartsAt != nil && in.EndsAt != nil && in.EndsAt.Before(*in.StartsAt) {
		return fmt.Errorf("%w: endsAt must not precede startsAt", ErrValidation)
	}
	return nil
}

func (s *Service) toRecord(in Input) (Record, error) {
	if err := s.validate(in); err != nil {
		return Record{}, err
	}
	rec := Record{
		Label:    strings.TrimSpace(in.Label),
		Type:     in.Type,
		Mode:     in.Mode,
		Value:    in.StoredValue(),
		StartsAt: in.StartsAt,
		EndsAt:   in.EndsAt,
		MinQty:   int32(in.MinQty),
		Regions:  in.Regions,
		Position: int32(in.Position),
		Enabled:  true,
	}
	if in.Enabled != nil {
		rec.Enabled = *in.Enabled
	}
	if in.ProductID != nil && strings.TrimSpace(*in.ProductID) != "" {
		parsed, err := uuid.Parse(strings.TrimSpace(*in.ProductID))
		if err != nil {
			return Record{}, fmt.Errorf("%w: invalid productId", ErrValidation)
		}
		rec.ProductID = &parsed
	}
	return rec, nil
}

func (s *Service) invalidate(ctx context.Context, productID *uuid.UUID) {
	if s.Source != nil {
		s.Source.Invalidate(ctx, productID)
	}
}

// emitChanged announces a rule mutation so subscribers can refresh whatever
// they derived from the rule set.
func (s *Service) emitChanged(ctx context.Context, id uuid.UUID, action, ruleType string) {
	if s.Events == nil {
		return
	}
	payload := map[string]string{"ruleId": id.String(), "action": action, "type": ruleType}
	if _, err := s.Events.Emit(ctx, events.TopicRuleChanged, id, payload); err != nil {
		s.Log.Warn().Err(err).Str("rule_id", id.String()).Msg("rule changed event emit failed")
	}
}

// List returns every configured rule together with lint warnings for the set.
func (s *Service) List(ctx context.Context) ([]Record, []Warning, error) {
	records, err := s.Repo.ListAll(ctx)
	if err != nil {
		return nil, nil, err
	}
	return records, Lint(records, s.now()), nil
}

// Get fetches a single rule.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	return s.Repo.Get(ctx, id)
}

// Create validates the payload, stores the rule and invalidates affected caches.
func (s *Service) Create(ctx context.Context, in Input) (Record, error) {
	rec, err := s.toRecord(in)
	if err != nil {
		return Record{}, err
	}
	created, err := s.Repo.Create(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	s.invalidate(ctx, created.ProductID)
	s.emitChanged(ctx, created.ID, "created", created.Type)
	return created, nil
}

// Update replaces an existing rule. Caches for both the old and new product
// scope are dropped in case the scope moved.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in Input) (Record, error) {
	existing, err := s.Repo.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	rec, err := s.toRecord(in)
	if err != nil {
		return Record{}, err
	}
	rec.ID = id
	updated, err := s.Repo.Update(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	s.invalidate(ctx, existing.ProductID)
	if !sameScope(existing.ProductID, updated.ProductID) {
		s.invalidate(ctx, updated.ProductID)
	}
	s.emitChanged(ctx, updated.ID, "updated", updated.Type)
	return updated, nil
}

// SetEnabled toggles a rule and invalidates its scope.
func (s *Service) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	existing, err := s.Repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Repo.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	s.invalidate(ctx, existing.ProductID)
	action := "disabled"
	if enabled {
		action = "enabled"
	}
	s.emitChanged(ctx, id, action, existing.Type)
	return nil
}

// Delete removes a rule and invalidates its scope.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	existing, err := s.Repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Repo.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, existing.ProductID)
	s.emitChanged(ctx, id, "deleted", existing.Type)
	return nil
}

// PreviewRequest describes a hypothetical pricing evaluation for the admin UI.
type PreviewRequest struct {
	ProductID string  `json:"productId" validate:"required,uuid"`
	BasePrice int64   `json:"basePrice" validate:"gte=0"`
	Qty       int     `json:"qty" validate:"omitempty,gte=1"`
	Region    *string `json:"region"`
}

// Preview evaluates the effective rule set for a product against a
// hypothetical price, quantity and region without persisting anything.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (pricing.Result, error) {
	if s.Validate != nil {
		if err := s.Validate.Struct(req); err != nil {
			return pricing.Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	productID, err := uuid.Parse(req.ProductID)
	if err != nil {
		return pricing.Result{}, fmt.Errorf("%w: invalid productId", ErrValidation)
	}
	records, err := s.Repo.ListEffective(ctx, productID)
	if err != nil {
		return pricing.Result{}, err
	}
	return pricing.Evaluate(pricing.Context{
		BasePrice: req.BasePrice,
		Qty:       req.Qty,
		Now:       s.now(),
		Region:    req.Region,
		Rules:     ToPricingRules(records),
	}), nil
}

// Lint inspects a rule set for configurations that are legal but probably
// mistakes: percent discounts beyond 100% and enabled location rules whose
// active windows and regions overlap.
func Lint(records []Record, now time.Time) []Warning {
	var warnings []Warning
	for _, rec := range records {
		if rec.Mode == string(pricing.ModePercent) && rec.Value > pricing.PercentScale {
			warnings = append(warnings, Warning{
				RuleID:  rec.ID,
				Code:    WarnPercentOutOfRange,
				Message: fmt.Sprintf("%q discounts more than 100%%", rec.Label),
			})
		}
	}
	locations := make([]Record, 0, len(records))
	for _, rec := range records {
		if rec.Type == string(pricing.TypeLocation) && rec.Enabled {
			locations = append(locations, rec)
		}
	}
	for i := 0; i < len(locations); i++ {
		for j := i + 1; j < len(locations); j++ {
			if !windowsOverlap(locations[i], locations[j]) {
				continue
			}
			if region, ok := sharedRegion(locations[i].Regions, locations[j].Regions); ok {
				warnings = append(warnings, Warning{
					RuleID:  locations[j].ID,
					Code:    WarnLocationOverlap,
					Message: fmt.Sprintf("%q and %q both adjust region %s", locations[i].Label, locations[j].Label, region),
				})
			}
		}
	}
	return warnings
}

func windowsOverlap(a, b Record) bool {
	if a.StartsAt != nil && b.EndsAt != nil && b.EndsAt.Before(*a.StartsAt) {
		return false
	}
	if b.StartsAt != nil && a.EndsAt != nil && a.EndsAt.Before(*b.StartsAt) {
		return false
	}
	return true
}

func sharedRegion(a, b []string) (string, bool) {
	for _, ra := range a {
		for _, rb := range b {
			if strings.EqualFold(strings.TrimSpace(ra), strings.TrimSpace(rb)) {
				return strings.ToUpper(strings.TrimSpace(ra)), true
			}
		}
	}
	return "", false
}

func sameScope(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
