package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/leozw/voice-keypool/internal/health"
	"github.com/leozw/voice-keypool/internal/pool"
)

const healthColumns = `status, pause_cause, pause_reason, paused_at, health_score,
    consecutive_failures, last_success_at, last_failure_at, last_failure_reason,
    total_requests, successful_requests`

// scored holds the statements shared by every table that embeds the
// health columns.
type scored[T any] struct {
	db      *sqlx.DB
	table   string
	columns string
	// selectable is an extra predicate for ListSelectable.
	selectable string
	// successExtra is appended to the success SET list and receives $3.
	successExtra string
}

func (s *scored[T]) get(ctx context.Context, query string, args ...interface{}) (T, error) {
	var out T
	err := s.db.GetContext(ctx, &out, query, args...)
	return out, mapError(err)
}

func (s *scored[T]) Get(ctx context.Context, id uuid.UUID) (T, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, s.columns, s.table)
	return s.get(ctx, query, id)
}

func (s *scored[T]) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mapError(sql.ErrNoRows)
	}
	return nil
}

func (s *scored[T]) ListSelectable(ctx context.Context, minScore float64) ([]T, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM %s
        WHERE status = 'active' AND health_score >= $1 %s
        ORDER BY priority ASC`, s.columns, s.table, s.selectable)

	items := []T{}
	if err := s.db.SelectContext(ctx, &items, query, minScore); err != nil {
		return nil, mapError(err)
	}
	return items, nil
}

func (s *scored[T]) RecordSuccess(ctx context.Context, id uuid.UUID, units int64, p health.Policy) (T, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET
            health_score = LEAST(100, health_score + $2),
            consecutive_failures = 0,
            last_success_at = NOW(),
            total_requests = total_requests + 1,
            successful_requests = successful_requests + 1,%s
            updated_at = NOW()
        WHERE id = $1
        RETURNING %s`, s.table, s.successExtra, s.columns)

	if s.successExtra == "" {
		return s.get(ctx, query, id, p.SuccessIncrement)
	}
	return s.get(ctx, query, id, p.SuccessIncrement, units)
}

func (s *scored[T]) RecordFailure(ctx context.Context, id uuid.UUID, reason string, p health.Policy) (T, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET
            health_score = GREATEST(0, health_score - $2),
            consecutive_failures = consecutive_failures + 1,
            last_failure_at = NOW(),
            last_failure_reason = $3,
            total_requests = total_requests + 1,
            updated_at = NOW()
        WHERE id = $1
        RETURNING %s`, s.table, s.columns)

	return s.get(ctx, query, id, p.FailureDecrement, reason)
}

// Pause only downgrades an active row, except for manual pauses which
// always apply. When the predicate rejects the update the current row is
// returned unchanged.
func (s *scored[T]) Pause(ctx context.Context, id uuid.UUID, cause health.PauseCause, reason string) (T, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET
            status = 'paused',
            pause_cause = $2,
            pause_reason = $3,
            paused_at = NOW(),
            notes = CONCAT_WS(E'\n', $3::text, NULLIF(notes, '')),
            updated_at = NOW()
        WHERE id = $1 AND (status = 'active' OR $4)
        RETURNING %s`, s.table, s.columns)

	item, err := s.get(ctx, query, id, string(cause), reason, cause == health.CauseManual)
	if errors.Is(err, pool.ErrNotFound) {
		return s.Get(ctx, id)
	}
	return item, err
}

func (s *scored[T]) Resume(ctx context.Context, id uuid.UUID) (T, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET
            status = 'active',
            pause_cause = '',
            pause_reason = '',
            paused_at = NULL,
            health_score = 100,
            consecutive_failures = 0,
            updated_at = NOW()
        WHERE id = $1
        RETURNING %s`, s.table, s.columns)

	return s.get(ctx, query, id)
}

func (s *scored[T]) ResetHealth(ctx context.Context, id uuid.UUID) (T, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET
            health_score = 100,
            consecutive_failures = 0,
            updated_at = NOW()
        WHERE id = $1
        RETURNING %s`, s.table, s.columns)

	return s.get(ctx, query, id)
}
