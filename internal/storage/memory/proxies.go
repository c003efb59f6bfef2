package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/health"
)

type ProxyStore struct {
	*table[core.Proxy]
}

func NewProxyStore(now func() time.Time) *ProxyStore {
	return &ProxyStore{table: &table[core.Proxy]{
		items: make(map[uuid.UUID]core.Proxy),
		now:   now,
		state: func(p *core.Proxy) *health.State { return &p.State },
		notes: func(p *core.Proxy) *string { return &p.Notes },
		touch: func(p *core.Proxy, now time.Time) { p.UpdatedAt = now },
		use: func(p *core.Proxy, _ int64, success bool) {
			p.TotalRequests++
			if success {
				p.SuccessfulRequests++
			}
		},
		conflict: func(a, b core.Proxy) bool { return a.Name == b.Name },
	}}
}

func (s *ProxyStore) Insert(_ context.Context, p core.Proxy) (core.Proxy, error) {
	return s.insert(p)
}

func (s *ProxyStore) Get(_ context.Context, id uuid.UUID) (core.Proxy, error) {
	return s.get(id)
}

func (s *ProxyStore) List(_ context.Context) ([]core.Proxy, error) {
	return s.filter(nil), nil
}

func (s *ProxyStore) Delete(_ context.Context, id uuid.UUID) error {
	return s.delete(id)
}

func (s *ProxyStore) Stats(_ context.Context) (core.PoolStats, error) {
	var stats core.PoolStats
	var healthSum float64
	for _, p := range s.filter(nil) {
		stats.Total++
		healthSum += p.Score
		if p.Active() {
			stats.Active++
		} else {
			stats.Paused++
		}
	}
	if stats.Total > 0 {
		stats.AvgHealth = healthSum / float64(stats.Total)
	}
	return stats, nil
}
