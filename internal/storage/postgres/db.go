// Package postgres implements the stores on PostgreSQL with sqlx. Every
// mutation is a single statement with server-side arithmetic or a
// compare-and-set predicate, so concurrent writers never lose updates.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/leozw/voice-keypool/internal/config"
	"github.com/leozw/voice-keypool/internal/pool"
	"github.com/lib/pq"
)

type DB struct {
	*sqlx.DB
}

func NewConnection(cfg config.DatabaseConfig) (*DB, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}

	maxOpen, maxIdle := cfg.MaxConnections, cfg.MaxIdleConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &DB{db}, nil
}

const uniqueViolation = "23505"

// mapError translates driver errors into pool sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return pool.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", pool.ErrDuplicate, pqErr.Constraint)
	}
	return err
}
