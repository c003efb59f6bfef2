package keypool

import (
	"slices"

	"github.com/leozw/voice-keypool/internal/core"
	"github.com/samber/lo"
)

// EligibleForTier reports whether c may serve a caller of the given tier.
// Unknown tiers match nothing and fall back to the full selectable set.
func EligibleForTier(c core.Credential, tier core.Tier) bool {
	switch tier {
	case core.TierFree:
		return c.Priority >= 5 || c.PromoExpiresAt != nil
	case core.TierSupporter:
		return c.Priority <= 7 && c.Score >= 80
	case core.TierPremium:
		return c.Priority <= 3 && c.Score >= 90
	}
	return false
}

// compareCandidates orders by priority ascending, cost ascending, then
// health descending.
func compareCandidates(a, b core.Credential) int {
	if a.Priority != b.Priority {
		return a.Priority - b.Priority
	}
	if c := a.CostPerUnit.Cmp(b.CostPerUnit); c != 0 {
		return c
	}
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	return 0
}

// Rank filters selectable by tier, falling back to the whole set when no
// credential is eligible, and sorts the result.
func Rank(selectable []core.Credential, tier core.Tier) []core.Credential {
	candidates := lo.Filter(selectable, func(c core.Credential, _ int) bool {
		return EligibleForTier(c, tier)
	})
	if len(candidates) == 0 {
		candidates = slices.Clone(selectable)
	}
	slices.SortStableFunc(candidates, compareCandidates)
	return candidates
}

// Select picks a credential for tier. intn must return a uniform value in
// [0, n); the pick is uniform among the candidates sharing the best
// priority.
func Select(selectable []core.Credential, tier core.Tier, intn func(int) int) (core.Credential, error) {
	if len(selectable) == 0 {
		return core.Credential{}, ErrNoHealthyCredential
	}
	ranked := Rank(selectable, tier)
	best := ranked[0].Priority
	top := lo.Filter(ranked, func(c core.Credential, _ int) bool {
		return c.Priority == best
	})
	return top[intn(len(top))], nil
}
