package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/health"
	"github.com/leozw/voice-keypool/internal/pool"
)

type CredentialStore struct {
	*table[core.Credential]
}

func NewCredentialStore(now func() time.Time) *CredentialStore {
	return &CredentialStore{table: &table[core.Credential]{
		items: make(map[uuid.UUID]core.Credential),
		now:   now,
		state: func(c *core.Credential) *health.State { return &c.State },
		notes: func(c *core.Credential) *string { return &c.Notes },
		touch: func(c *core.Credential, now time.Time) { c.UpdatedAt = now },
		use: func(c *core.Credential, units int64, success bool) {
			c.TotalRequests++
			if success {
				c.SuccessfulRequests++
				c.QuotaUsed += units
			}
		},
		conflict: func(a, b core.Credential) bool {
			return a.Name == b.Name || a.Secret == b.Secret
		},
	}}
}

func (s *CredentialStore) Insert(_ context.Context, c core.Credential) (core.Credential, error) {
	return s.insert(c)
}

func (s *CredentialStore) Get(_ context.Context, id uuid.UUID) (core.Credential, error) {
	return s.get(id)
}

func (s *CredentialStore) List(_ context.Context) ([]core.Credential, error) {
	return s.filter(nil), nil
}

func (s *CredentialStore) Delete(_ context.Context, id uuid.UUID) error {
	return s.delete(id)
}

func (s *CredentialStore) DueForReset(_ context.Context, today time.Time) ([]core.Credential, error) {
	today = health.Date(today)
	return s.filter(func(c core.Credential) bool {
		return !c.QuotaResetAt.After(today)
	}), nil
}

// ApplyQuotaReset zeroes usage and moves the reset date, but only when the
// stored reset date still equals expected.
func (s *CredentialStore) ApplyQuotaReset(_ context.Context, id uuid.UUID, expected, next time.Time) (core.Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.items[id]
	if !ok {
		return c, false, pool.ErrNotFound
	}
	if !c.QuotaResetAt.Equal(health.Date(expected)) {
		return c, false, nil
	}
	c.QuotaUsed = 0
	c.QuotaResetAt = health.Date(next)
	if !c.Active() && health.AutoResumable(c.PauseCause) {
		c.State = health.Resume(c.State)
	}
	c.UpdatedAt = s.timeNow()
	s.items[id] = c
	return c, true, nil
}

func (s *CredentialStore) Stats(_ context.Context) (core.PoolStats, error) {
	var stats core.PoolStats
	var healthSum float64
	for _, c := range s.filter(nil) {
		stats.Total++
		healthSum += c.Score
		if c.Active() {
			stats.Active++
		} else {
			stats.Paused++
		}
		stats.QuotaUsed += c.QuotaUsed
		if c.Unlimited() {
			stats.Unlimited++
		} else {
			stats.QuotaAvailable += c.QuotaRemaining()
		}
	}
	if stats.Total > 0 {
		stats.AvgHealth = healthSum / float64(stats.Total)
	}
	return stats, nil
}

func (s *CredentialStore) ExpiringPromos(_ context.Context, from, until time.Time) ([]core.Credential, error) {
	return s.filter(func(c core.Credential) bool {
		if c.PromoExpiresAt == nil || !c.Active() {
			return false
		}
		return !c.PromoExpiresAt.Before(from) && !c.PromoExpiresAt.After(until)
	}), nil
}
