package rules

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kamau-dev/backend-duka/internal/cache"
	"github.com/kamau-dev/backend-duka/internal/pricing"
)

const ruleKeyPrefix = "rules:effective:"

// Source serves effective rule sets to the pricing call sites. Lookups hit
// Redis first and fall back to Postgres; writes through the admin service
// invalidate the affected keys.
type Source struct {
	Repo  Repo
	Cache *cache.Cache
	Log   zerolog.Logger
}

func ruleKey(productID uuid.UUID) string {
	return ruleKeyPrefix + productID.String()
}

// Effective returns the ordered engine rules governing one product.
func (s *Source) Effective(ctx context.Context, productID uuid.UUID) ([]pricing.Rule, error) {
	key := ruleKey(productID)
	var cached []Record
	hit, err := s.Cache.GetJSON(ctx, key, &cached)
	if err != nil {
		s.Log.Warn().Err(err).Str("key", key).Msg("rule cache read failed")
	}
	if hit {
		return ToPricingRules(cached), nil
	}
	records, err := s.Repo.ListEffective(ctx, productID)
	if err != nil {
		return nil, err
	}
	if err := s.Cache.SetJSON(ctx, key, records); err != nil {
		s.Log.Warn().Err(err).Str("key", key).Msg("rule cache write failed")
	}
	return ToPricingRules(records), nil
}

// Invalidate drops cached rule sets after a write. Product-scoped changes
// only touch that product's key; catalog-wide changes are folded into every
// product's effective set, so those flush the whole prefix.
func (s *Source) Invalidate(ctx context.Context, productID *uuid.UUID) {
	var err error
	if productID != nil {
		err = s.Cache.Delete(ctx, ruleKey(*productID))
	} else {
		err = s.Cache.DeleteByPrefix(ctx, ruleKeyPrefix)
	}
	if err != nil {
		s.Log.Warn().Err(err).Msg("rule cache invalidation failed")
	}
}
