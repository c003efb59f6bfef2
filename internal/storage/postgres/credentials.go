package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/health"
	"github.com/leozw/voice-keypool/internal/pool"
	"github.com/lib/pq"
)

const credentialColumns = `id, name, secret, tier, cost_per_unit, priority, region_code,
    monthly_quota, quota_used, quota_reset_at, ` + healthColumns + `,
    promo_type, promo_expires_at, notes, created_at, updated_at`

type CredentialStore struct {
	scored[core.Credential]
}

func NewCredentialStore(db *DB) *CredentialStore {
	return &CredentialStore{scored[core.Credential]{
		db:           db.DB,
		table:        "credentials",
		columns:      credentialColumns,
		selectable:   "AND (monthly_quota = -1 OR quota_used < monthly_quota)",
		successExtra: "\n            quota_used = quota_used + $3,",
	}}
}

func (s *CredentialStore) Insert(ctx context.Context, c core.Credential) (core.Credential, error) {
	query := `
        INSERT INTO credentials (
            id, name, secret, tier, cost_per_unit, priority, region_code,
            monthly_quota, quota_used, quota_reset_at, status, pause_cause,
            pause_reason, health_score, consecutive_failures, last_failure_reason,
            promo_type, promo_expires_at, notes, created_at, updated_at
        ) VALUES (
            :id, :name, :secret, :tier, :cost_per_unit, :priority, :region_code,
            :monthly_quota, :quota_used, :quota_reset_at, :status, :pause_cause,
            :pause_reason, :health_score, :consecutive_failures, :last_failure_reason,
            :promo_type, :promo_expires_at, :notes, :created_at, :updated_at
        )`

	if _, err := s.db.NamedExecContext(ctx, query, c); err != nil {
		return core.Credential{}, mapError(err)
	}
	return c, nil
}

func (s *CredentialStore) List(ctx context.Context) ([]core.Credential, error) {
	list := []core.Credential{}
	query := `SELECT ` + credentialColumns + ` FROM credentials ORDER BY priority ASC, created_at ASC`
	if err := s.db.SelectContext(ctx, &list, query); err != nil {
		return nil, mapError(err)
	}
	return list, nil
}

func (s *CredentialStore) DueForReset(ctx context.Context, today time.Time) ([]core.Credential, error) {
	list := []core.Credential{}
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE quota_reset_at <= $1`
	if err := s.db.SelectContext(ctx, &list, query, health.Date(today)); err != nil {
		return nil, mapError(err)
	}
	return list, nil
}

// ApplyQuotaReset is a compare-and-set on quota_reset_at so concurrent or
// repeated sweeps reset each period at most once.
func (s *CredentialStore) ApplyQuotaReset(ctx context.Context, id uuid.UUID, expected, next time.Time) (core.Credential, bool, error) {
	query := `
        UPDATE credentials SET
            quota_used = 0,
            quota_reset_at = $3,
            health_score = CASE WHEN status = 'paused' AND pause_cause = ANY($4) THEN 100 ELSE health_score END,
            consecutive_failures = CASE WHEN status = 'paused' AND pause_cause = ANY($4) THEN 0 ELSE consecutive_failures END,
            pause_reason = CASE WHEN status = 'paused' AND pause_cause = ANY($4) THEN '' ELSE pause_reason END,
            paused_at = CASE WHEN status = 'paused' AND pause_cause = ANY($4) THEN NULL ELSE paused_at END,
            status = CASE WHEN status = 'paused' AND pause_cause = ANY($4) THEN 'active' ELSE status END,
            pause_cause = CASE WHEN status = 'paused' AND pause_cause = ANY($4) THEN '' ELSE pause_cause END,
            updated_at = NOW()
        WHERE id = $1 AND quota_reset_at = $2
        RETURNING ` + credentialColumns

	causes := make([]string, len(health.AutoCauses))
	for i, c := range health.AutoCauses {
		causes[i] = string(c)
	}

	c, err := s.get(ctx, query, id, health.Date(expected), health.Date(next), pq.Array(causes))
	if errors.Is(err, pool.ErrNotFound) {
		return core.Credential{}, false, nil
	}
	if err != nil {
		return core.Credential{}, false, err
	}
	return c, true, nil
}

func (s *CredentialStore) Stats(ctx context.Context) (core.PoolStats, error) {
	var stats core.PoolStats
	query := `
        SELECT
            COUNT(*) AS total,
            COUNT(*) FILTER (WHERE status = 'active') AS active,
            COUNT(*) FILTER (WHERE status = 'paused') AS paused,
            COALESCE(AVG(health_score), 0) AS avg_health,
            COALESCE(SUM(quota_used), 0) AS quota_used,
            COALESCE(SUM(GREATEST(monthly_quota - quota_used, 0)) FILTER (WHERE monthly_quota <> -1), 0) AS quota_available,
            COUNT(*) FILTER (WHERE monthly_quota = -1) AS unlimited
        FROM credentials`

	err := s.db.GetContext(ctx, &stats, query)
	return stats, mapError(err)
}

func (s *CredentialStore) ExpiringPromos(ctx context.Context, from, until time.Time) ([]core.Credential, error) {
	list := []core.Credential{}
	query := `
        SELECT ` + credentialColumns + ` FROM credentials
        WHERE status = 'active' AND promo_expires_at BETWEEN $1 AND $2
        ORDER BY promo_expires_at ASC`
	if err := s.db.SelectContext(ctx, &list, query, from, until); err != nil {
		return nil, mapError(err)
	}
	return list, nil
}
