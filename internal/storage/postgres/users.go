package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/pool"
	"github.com/leozw/voice-keypool/internal/quota"
)

const userColumns = `id, user_key, hardware_id, tier, free_speeches_remaining,
    total_speeches_generated, supporter_code_used, created_at, last_used_at`

const codeColumns = `id, code, tier, created_by, used_by, created_at, redeemed_at`

const usageColumns = `id, user_id, client_ip, credential_id, proxy_id, voice_id,
    model_used, units_consumed, success, error, created_at`

// UserStore persists users, supporter codes and usage logs.
type UserStore struct {
	db *DB
}

func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) CreateUser(ctx context.Context, u core.User) (core.User, error) {
	query := `
        INSERT INTO users (
            id, user_key, hardware_id, tier, free_speeches_remaining,
            total_speeches_generated, created_at
        ) VALUES (
            :id, :user_key, :hardware_id, :tier, :free_speeches_remaining,
            :total_speeches_generated, :created_at
        )`

	if _, err := s.db.NamedExecContext(ctx, query, u); err != nil {
		return core.User{}, mapError(err)
	}
	return u, nil
}

func (s *UserStore) CountByHardware(ctx context.Context, hardwareID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users WHERE hardware_id = $1`, hardwareID)
	return n, mapError(err)
}

func (s *UserStore) GetByKey(ctx context.Context, key string) (core.User, error) {
	var u core.User
	err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE user_key = $1`, key)
	return u, mapError(err)
}

// ReserveSpeech claims one unit of a free account's allowance. The claim
// is a conditional update, so concurrent requests cannot overspend.
// Unlimited and paid accounts always pass and are left unchanged.
func (s *UserStore) ReserveSpeech(ctx context.Context, id uuid.UUID) (core.User, error) {
	var u core.User
	query := `
        UPDATE users SET
            free_speeches_remaining = CASE
                WHEN tier = 'free' AND free_speeches_remaining > 0 THEN free_speeches_remaining - 1
                ELSE free_speeches_remaining
            END
        WHERE id = $1 AND (tier <> 'free' OR free_speeches_remaining <> 0)
        RETURNING ` + userColumns

	err := mapError(s.db.GetContext(ctx, &u, query, id))
	if errors.Is(err, pool.ErrNotFound) {
		return core.User{}, quota.ErrAllowanceExhausted
	}
	return u, err
}

// ReleaseSpeech returns a reservation made by ReserveSpeech.
func (s *UserStore) ReleaseSpeech(ctx context.Context, id uuid.UUID) error {
	query := `
        UPDATE users SET free_speeches_remaining = free_speeches_remaining + 1
        WHERE id = $1 AND tier = 'free' AND free_speeches_remaining <> -1`

	_, err := s.db.ExecContext(ctx, query, id)
	return mapError(err)
}

// RecordSpeech counts a completed generation.
func (s *UserStore) RecordSpeech(ctx context.Context, id uuid.UUID) (core.User, error) {
	var u core.User
	query := `
        UPDATE users SET
            total_speeches_generated = total_speeches_generated + 1,
            last_used_at = NOW()
        WHERE id = $1
        RETURNING ` + userColumns

	err := s.db.GetContext(ctx, &u, query, id)
	return u, mapError(err)
}

func (s *UserStore) ListUsers(ctx context.Context, limit int) ([]core.User, error) {
	if limit <= 0 {
		limit = 100
	}
	users := []core.User{}
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at DESC LIMIT $1`
	if err := s.db.SelectContext(ctx, &users, query, limit); err != nil {
		return nil, mapError(err)
	}
	return users, nil
}

func (s *UserStore) UserStats(ctx context.Context) (core.UserStats, error) {
	var stats core.UserStats
	query := `
        SELECT
            COUNT(*) AS total,
            COUNT(*) FILTER (WHERE tier = 'free') AS free,
            COUNT(*) FILTER (WHERE tier = 'supporter') AS supporter,
            COUNT(*) FILTER (WHERE tier = 'premium') AS premium,
            COALESCE(SUM(total_speeches_generated), 0) AS speeches
        FROM users`

	err := s.db.GetContext(ctx, &stats, query)
	return stats, mapError(err)
}

// RedeemCode claims the code and upgrades the user in one transaction. The
// claim is conditional on the code being unused, so two users racing for
// the same code cannot both win.
func (s *UserStore) RedeemCode(ctx context.Context, userID uuid.UUID, code string) (core.User, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.User{}, err
	}
	defer tx.Rollback()

	var tier core.Tier
	err = tx.GetContext(ctx, &tier, `
        UPDATE supporter_codes SET used_by = $1, redeemed_at = NOW()
        WHERE code = $2 AND used_by IS NULL
        RETURNING tier`, userID, code)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM supporter_codes WHERE code = $1)`, code); err != nil {
			return core.User{}, err
		}
		if exists {
			return core.User{}, quota.ErrCodeUsed
		}
		return core.User{}, quota.ErrInvalidCode
	}
	if err != nil {
		return core.User{}, fmt.Errorf("claim code: %w", err)
	}

	var u core.User
	err = tx.GetContext(ctx, &u, `
        UPDATE users SET tier = $2, free_speeches_remaining = -1, supporter_code_used = $3
        WHERE id = $1
        RETURNING `+userColumns, userID, tier, code)
	if err != nil {
		return core.User{}, mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return core.User{}, err
	}
	return u, nil
}

func (s *UserStore) CreateCodes(ctx context.Context, codes []core.SupporterCode) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
        INSERT INTO supporter_codes (id, code, tier, created_by, created_at)
        VALUES (:id, :code, :tier, :created_by, :created_at)`
	for _, c := range codes {
		if _, err := tx.NamedExecContext(ctx, query, c); err != nil {
			return mapError(err)
		}
	}
	return tx.Commit()
}

func (s *UserStore) ListCodes(ctx context.Context) ([]core.SupporterCode, error) {
	codes := []core.SupporterCode{}
	query := `SELECT ` + codeColumns + ` FROM supporter_codes ORDER BY created_at DESC`
	if err := s.db.SelectContext(ctx, &codes, query); err != nil {
		return nil, mapError(err)
	}
	return codes, nil
}

func (s *UserStore) InsertUsage(ctx context.Context, l core.UsageLog) error {
	query := `
        INSERT INTO usage_logs (
            id, user_id, client_ip, credential_id, proxy_id, voice_id,
            model_used, units_consumed, success, error, created_at
        ) VALUES (
            :id, :user_id, :client_ip, :credential_id, :proxy_id, :voice_id,
            :model_used, :units_consumed, :success, :error, :created_at
        )`

	_, err := s.db.NamedExecContext(ctx, query, l)
	return mapError(err)
}

func (s *UserStore) RecentUsage(ctx context.Context, limit int) ([]core.UsageLog, error) {
	if limit <= 0 {
		limit = 100
	}
	logs := []core.UsageLog{}
	query := `SELECT ` + usageColumns + ` FROM usage_logs ORDER BY created_at DESC LIMIT $1`
	if err := s.db.SelectContext(ctx, &logs, query, limit); err != nil {
		return nil, mapError(err)
	}
	return logs, nil
}
