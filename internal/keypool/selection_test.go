package keypool

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/health"
	"github.com/leozw/voice-keypool/internal/pool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cred(name string, priority int, cost string, score float64) core.Credential {
	return core.Credential{
		ID:           uuid.New(),
		Name:         name,
		Priority:     priority,
		CostPerUnit:  decimal.RequireFromString(cost),
		MonthlyQuota: 1000,
		State:        health.State{Status: health.StatusActive, Score: score},
	}
}

func first(int) int { return 0 }

func TestEligibleForTier(t *testing.T) {
	promo := time.Now().Add(48 * time.Hour)
	tests := []struct {
		name     string
		priority int
		score    float64
		promo    bool
		tier     core.Tier
		want     bool
	}{
		{"free low priority number", 3, 100, false, core.TierFree, false},
		{"free priority five", 5, 100, false, core.TierFree, true},
		{"free promo overrides priority", 1, 100, true, core.TierFree, true},
		{"supporter priority seven", 7, 80, false, core.TierSupporter, true},
		{"supporter priority eight", 8, 100, false, core.TierSupporter, false},
		{"premium priority three", 3, 90, false, core.TierPremium, true},
		{"premium too unhealthy", 3, 89, false, core.TierPremium, false},
		{"premium priority four", 4, 100, false, core.TierPremium, false},
		{"unknown tier", 1, 100, false, core.Tier("gold"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cred("c", tt.priority, "0.0001", tt.score)
			if tt.promo {
				c.PromoExpiresAt = &promo
			}
			assert.Equal(t, tt.want, EligibleForTier(c, tt.tier))
		})
	}
}

func TestSelectEmptySet(t *testing.T) {
	_, err := Select(nil, core.TierFree, first)
	assert.ErrorIs(t, err, ErrNoHealthyCredential)
	assert.ErrorIs(t, err, pool.ErrExhausted)
}

func TestSelectOrdering(t *testing.T) {
	a := cred("a", 5, "0.0002", 100)
	b := cred("b", 5, "0.0001", 85)
	c := cred("c", 6, "0.00001", 100)
	d := cred("d", 5, "0.0001", 95)

	ranked := Rank([]core.Credential{a, b, c, d}, core.TierFree)
	names := make([]string, len(ranked))
	for i, r := range ranked {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"d", "b", "a", "c"}, names)

	got, err := Select([]core.Credential{a, b, c, d}, core.TierFree, first)
	require.NoError(t, err)
	assert.Equal(t, "d", got.Name)
}

func TestSelectFallsBackWhenTierHasNoCandidates(t *testing.T) {
	// premium needs priority <= 3
	only := cred("only", 8, "0.0001", 100)
	got, err := Select([]core.Credential{only}, core.TierPremium, first)
	require.NoError(t, err)
	assert.Equal(t, "only", got.Name)

	got, err = Select([]core.Credential{only}, core.Tier("unknown"), first)
	require.NoError(t, err)
	assert.Equal(t, "only", got.Name)
}

func TestSelectRespectsTierFilter(t *testing.T) {
	premium := cred("premium", 1, "0.0005", 100)
	free := cred("free", 6, "0.0001", 100)

	got, err := Select([]core.Credential{premium, free}, core.TierFree, first)
	require.NoError(t, err)
	assert.Equal(t, "free", got.Name)

	got, err = Select([]core.Credential{premium, free}, core.TierPremium, first)
	require.NoError(t, err)
	assert.Equal(t, "premium", got.Name)
}

func TestSelectIsUniformAmongBestPriority(t *testing.T) {
	a := cred("a", 5, "0.0001", 100)
	b := cred("b", 5, "0.0009", 81)
	worse := cred("worse", 6, "0.00001", 100)

	r := rand.New(rand.NewPCG(7, 11))
	counts := map[string]int{}
	const n = 20000
	for i := 0; i < n; i++ {
		got, err := Select([]core.Credential{a, b, worse}, core.TierFree, r.IntN)
		require.NoError(t, err)
		counts[got.Name]++
	}
	assert.Zero(t, counts["worse"])
	assert.InDelta(t, n/2, counts["a"], n*0.05)
	assert.InDelta(t, n/2, counts["b"], n*0.05)
}
