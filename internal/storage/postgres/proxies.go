package postgres

import (
	"context"

	"github.com/leozw/voice-keypool/internal/core"
)

const proxyColumns = `id, name, url, proxy_type, priority, ` + healthColumns + `,
    notes, created_at, updated_at`

type ProxyStore struct {
	scored[core.Proxy]
}

func NewProxyStore(db *DB) *ProxyStore {
	return &ProxyStore{scored[core.Proxy]{
		db:      db.DB,
		table:   "proxies",
		columns: proxyColumns,
	}}
}

func (s *ProxyStore) Insert(ctx context.Context, p core.Proxy) (core.Proxy, error) {
	query := `
        INSERT INTO proxies (
            id, name, url, proxy_type, priority, status, pause_cause, pause_reason,
            health_score, consecutive_failures, last_failure_reason, notes,
            created_at, updated_at
        ) VALUES (
            :id, :name, :url, :proxy_type, :priority, :status, :pause_cause, :pause_reason,
            :health_score, :consecutive_failures, :last_failure_reason, :notes,
            :created_at, :updated_at
        )`

	if _, err := s.db.NamedExecContext(ctx, query, p); err != nil {
		return core.Proxy{}, mapError(err)
	}
	return p, nil
}

func (s *ProxyStore) List(ctx context.Context) ([]core.Proxy, error) {
	list := []core.Proxy{}
	query := `SELECT ` + proxyColumns + ` FROM proxies ORDER BY priority ASC, health_score DESC`
	if err := s.db.SelectContext(ctx, &list, query); err != nil {
		return nil, mapError(err)
	}
	return list, nil
}

func (s *ProxyStore) Stats(ctx context.Context) (core.PoolStats, error) {
	var stats core.PoolStats
	query := `
        SELECT
            COUNT(*) AS total,
            COUNT(*) FILTER (WHERE status = 'active') AS active,
            COUNT(*) FILTER (WHERE status = 'paused') AS paused,
            COALESCE(AVG(health_score), 0) AS avg_health
        FROM proxies`

	err := s.db.GetContext(ctx, &stats, query)
	return stats, mapError(err)
}
