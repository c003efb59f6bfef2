// Package keypool manages the pool of upstream speech credentials: tiered
// selection, outcome bookkeeping, operator actions and the monthly quota
// reset sweep.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/health"
	"github.com/leozw/voice-keypool/internal/pool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoHealthyCredential is returned by SelectKey when nothing is usable.
var ErrNoHealthyCredential = fmt.Errorf("no healthy credential available: %w", pool.ErrExhausted)

const (
	DefaultTier         = "promo_starter"
	DefaultMonthlyQuota = 30000
	DefaultPriority     = 5
	DefaultRegion       = "us"
	DefaultPromoWindow  = 7
)

var DefaultCostPerUnit = decimal.RequireFromString("0.00015")

type Store interface {
	pool.Store[core.Credential]
	Insert(ctx context.Context, c core.Credential) (core.Credential, error)
	Get(ctx context.Context, id uuid.UUID) (core.Credential, error)
	List(ctx context.Context) ([]core.Credential, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// DueForReset lists credentials whose reset date is on or before today.
	DueForReset(ctx context.Context, today time.Time) ([]core.Credential, error)
	// ApplyQuotaReset zeroes usage and sets next as the reset date if the
	// stored date still equals expected. Auto-paused credentials are
	// resumed. It reports whether the row was updated.
	ApplyQuotaReset(ctx context.Context, id uuid.UUID, expected, next time.Time) (core.Credential, bool, error)
	Stats(ctx context.Context) (core.PoolStats, error)
	ExpiringPromos(ctx context.Context, from, until time.Time) ([]core.Credential, error)
}

// SelectionObserver is notified of every selection attempt.
type SelectionObserver interface {
	ObserveSelection(tier string, ok bool)
}

type Options struct {
	CacheTTL     time.Duration
	StoreTimeout time.Duration
	Logger       *zap.Logger
	Observer     pool.Observer
	Now          func() time.Time
	// Intn returns a uniform int in [0, n). Defaults to math/rand/v2.
	Intn func(int) int
}

type Manager struct {
	pool     *pool.Pool[core.Credential]
	store    Store
	logger   *zap.Logger
	selected SelectionObserver
	now      func() time.Time
	intn     func(int) int

	sweepMu sync.Mutex
	swept   atomic.Bool
}

func NewManager(store Store, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Intn == nil {
		opts.Intn = rand.IntN
	}
	m := &Manager{
		store:  store,
		logger: opts.Logger.With(zap.String("component", "keypool")),
		now:    opts.Now,
		intn:   opts.Intn,
	}
	if so, ok := opts.Observer.(SelectionObserver); ok {
		m.selected = so
	}
	m.pool = pool.New[core.Credential](store, pool.Options{
		Name:         "credentials",
		Policy:       health.CredentialPolicy,
		CacheTTL:     opts.CacheTTL,
		StoreTimeout: opts.StoreTimeout,
		Logger:       opts.Logger,
		Observer:     opts.Observer,
		Now:          opts.Now,
	}, core.Credential.HasQuota)
	return m
}

// SelectKey returns the credential to use for a caller of the given tier.
// The first call in a process runs the quota reset sweep before selecting.
func (m *Manager) SelectKey(ctx context.Context, tier core.Tier) (core.Credential, error) {
	m.catchUp(ctx)

	candidates, err := m.pool.Selectable(ctx)
	if err != nil {
		m.observeSelection(tier, false)
		return core.Credential{}, err
	}
	c, err := Select(candidates, tier, m.intn)
	if err != nil {
		m.observeSelection(tier, false)
		m.logger.Warn("No healthy credential available",
			zap.String("tier", string(tier)))
		return core.Credential{}, err
	}
	m.observeSelection(tier, true)
	m.logger.Debug("Credential selected",
		zap.String("credential_id", c.ID.String()),
		zap.String("name", c.Name),
		zap.String("tier", string(tier)),
		zap.Int("priority", c.Priority),
		zap.Float64("health_score", c.Score))
	return c, nil
}

func (m *Manager) observeSelection(tier core.Tier, ok bool) {
	if m.selected != nil {
		m.selected.ObserveSelection(string(tier), ok)
	}
}

// catchUp runs the quota sweep at most once per process. Selections that
// arrive while it is in flight skip it, and a failed attempt is left to the
// scheduled sweep to retry.
func (m *Manager) catchUp(ctx context.Context) {
	if m.swept.Load() {
		return
	}
	if !m.sweepMu.TryLock() {
		return
	}
	defer m.sweepMu.Unlock()
	if m.swept.Load() {
		return
	}
	defer m.swept.Store(true)
	if _, err := m.ResetQuotas(ctx); err != nil {
		m.logger.Warn("Initial quota reset sweep failed", zap.Error(err))
	}
}

// RecordSuccess charges units to the credential and raises its health.
func (m *Manager) RecordSuccess(ctx context.Context, id uuid.UUID, units int64) (core.Credential, error) {
	return m.pool.RecordSuccess(ctx, id, units)
}

// RecordFailure lowers the credential's health and auto-pauses it when
// thresholds are crossed.
func (m *Manager) RecordFailure(ctx context.Context, id uuid.UUID, reason string) (core.Credential, error) {
	c, err := m.pool.RecordFailure(ctx, id, reason)
	if err != nil {
		return c, err
	}
	m.logger.Warn("Credential failure recorded",
		zap.String("credential_id", id.String()),
		zap.String("reason", reason),
		zap.Float64("health_score", c.Score),
		zap.Int("consecutive_failures", c.ConsecutiveFailures))
	return c, nil
}

// MarkExhausted pauses a credential whose provider reported it out of
// quota. The next quota reset resumes it.
func (m *Manager) MarkExhausted(ctx context.Context, id uuid.UUID, reason string) (core.Credential, error) {
	note := health.CredentialPolicy.PauseNote(health.CauseAutoQuota, health.State{})
	if reason != "" {
		note += " (" + reason + ")"
	}
	return m.pool.AutoPause(ctx, id, health.CauseAutoQuota, note)
}

// Pause is the operator pause. It is never lifted automatically.
func (m *Manager) Pause(ctx context.Context, id uuid.UUID, reason string) (core.Credential, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "Manual pause"
	}
	return m.pool.Pause(ctx, id, reason)
}

func (m *Manager) Resume(ctx context.Context, id uuid.UUID) (core.Credential, error) {
	return m.pool.Resume(ctx, id)
}

func (m *Manager) ResetHealth(ctx context.Context, id uuid.UUID) (core.Credential, error) {
	return m.pool.ResetHealth(ctx, id)
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (core.Credential, error) {
	sctx, cancel := m.pool.WithTimeout(ctx)
	defer cancel()
	c, err := m.store.Get(sctx, id)
	if err != nil {
		return c, m.pool.Wrap(err)
	}
	return c, nil
}

func (m *Manager) List(ctx context.Context) ([]core.Credential, error) {
	sctx, cancel := m.pool.WithTimeout(ctx)
	defer cancel()
	list, err := m.store.List(sctx)
	if err != nil {
		return nil, m.pool.Wrap(err)
	}
	return list, nil
}

func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	sctx, cancel := m.pool.WithTimeout(ctx)
	defer cancel()
	err := m.store.Delete(sctx, id)
	m.pool.Invalidate()
	if err != nil {
		return m.pool.Wrap(err)
	}
	m.logger.Info("Credential deleted", zap.String("credential_id", id.String()))
	return nil
}

// AddCredential describes a new credential. Nil and zero fields take the
// pool defaults.
type AddCredential struct {
	Name           string           `json:"name"`
	Secret         string           `json:"secret"`
	Tier           string           `json:"tier"`
	CostPerUnit    *decimal.Decimal `json:"cost_per_unit"`
	MonthlyQuota   *int64           `json:"monthly_quota"`
	Priority       int              `json:"priority"`
	RegionCode     string           `json:"region_code"`
	PromoType      string           `json:"promo_type"`
	PromoExpiresAt *time.Time       `json:"promo_expires_at"`
	Notes          string           `json:"notes"`
}

func (r AddCredential) build(now time.Time) (core.Credential, error) {
	name := strings.TrimSpace(r.Name)
	secret := strings.TrimSpace(r.Secret)
	if name == "" || secret == "" {
		return core.Credential{}, fmt.Errorf("%w: name and secret are required", pool.ErrValidation)
	}

	c := core.Credential{
		ID:             uuid.New(),
		Name:           name,
		Secret:         secret,
		Tier:           DefaultTier,
		CostPerUnit:    DefaultCostPerUnit,
		MonthlyQuota:   DefaultMonthlyQuota,
		Priority:       DefaultPriority,
		RegionCode:     DefaultRegion,
		State:          health.Fresh(),
		PromoType:      r.PromoType,
		PromoExpiresAt: r.PromoExpiresAt,
		Notes:          r.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if r.Tier != "" {
		c.Tier = r.Tier
	}
	if r.CostPerUnit != nil {
		if r.CostPerUnit.IsNegative() {
			return core.Credential{}, fmt.Errorf("%w: cost_per_unit must not be negative", pool.ErrValidation)
		}
		c.CostPerUnit = *r.CostPerUnit
	}
	if r.MonthlyQuota != nil {
		if *r.MonthlyQuota < health.Unlimited {
			return core.Credential{}, fmt.Errorf("%w: monthly_quota must be -1 or greater", pool.ErrValidation)
		}
		c.MonthlyQuota = *r.MonthlyQuota
	}
	if r.Priority != 0 {
		if r.Priority < 1 || r.Priority > 10 {
			return core.Credential{}, fmt.Errorf("%w: priority must be between 1 and 10", pool.ErrValidation)
		}
		c.Priority = r.Priority
	}
	if region := strings.ToLower(strings.TrimSpace(r.RegionCode)); region != "" {
		if len(region) != 2 {
			return core.Credential{}, fmt.Errorf("%w: region_code must be a two-letter country code", pool.ErrValidation)
		}
		c.RegionCode = region
	}
	c.QuotaResetAt = health.NextQuotaReset(now, now, now)
	return c, nil
}

// Add validates and stores a new credential.
func (m *Manager) Add(ctx context.Context, req AddCredential) (core.Credential, error) {
	c, err := req.build(m.now().UTC())
	if err != nil {
		return core.Credential{}, err
	}

	sctx, cancel := m.pool.WithTimeout(ctx)
	defer cancel()
	c, err = m.store.Insert(sctx, c)
	m.pool.Invalidate()
	if err != nil {
		return core.Credential{}, m.pool.Wrap(err)
	}
	m.logger.Info("Credential added",
		zap.String("credential_id", c.ID.String()),
		zap.String("name", c.Name),
		zap.String("secret", core.MaskSecret(c.Secret)),
		zap.String("tier", c.Tier),
		zap.Int("priority", c.Priority),
		zap.Time("quota_reset_at", c.QuotaResetAt))
	return c, nil
}

// Stats returns a fresh aggregate over all credentials.
func (m *Manager) Stats(ctx context.Context) (core.PoolStats, error) {
	sctx, cancel := m.pool.WithTimeout(ctx)
	defer cancel()
	stats, err := m.store.Stats(sctx)
	if err != nil {
		return stats, m.pool.Wrap(err)
	}
	return stats, nil
}

// ExpiringPromos lists active credentials whose promotion ends within
// windowDays.
func (m *Manager) ExpiringPromos(ctx context.Context, windowDays int) ([]core.Credential, error) {
	if windowDays <= 0 {
		windowDays = DefaultPromoWindow
	}
	now := m.now().UTC()
	sctx, cancel := m.pool.WithTimeout(ctx)
	defer cancel()
	list, err := m.store.ExpiringPromos(sctx, now, now.AddDate(0, 0, windowDays))
	if err != nil {
		return nil, m.pool.Wrap(err)
	}
	return list, nil
}

// ResetQuotas is the monthly quota sweep. Each due credential has its usage
// zeroed and its reset date advanced past today; auto-paused credentials
// are resumed. Running it twice on the same day is a no-op.
func (m *Manager) ResetQuotas(ctx context.Context) (int, error) {
	today := health.Date(m.now())

	sctx, cancel := m.pool.WithTimeout(ctx)
	due, err := m.store.DueForReset(sctx, today)
	cancel()
	if err != nil {
		return 0, m.pool.Wrap(err)
	}

	var errs []error
	reset := 0
	for _, c := range due {
		next := health.NextQuotaReset(c.CreatedAt, c.QuotaResetAt, today)

		sctx, cancel := m.pool.WithTimeout(ctx)
		updated, applied, err := m.store.ApplyQuotaReset(sctx, c.ID, c.QuotaResetAt, next)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", c.ID, err))
			continue
		}
		if !applied {
			continue
		}
		reset++
		m.logger.Info("Credential quota reset",
			zap.String("credential_id", c.ID.String()),
			zap.String("name", c.Name),
			zap.Time("next_reset_at", updated.QuotaResetAt),
			zap.Bool("resumed", !c.Active() && updated.Active()))
	}
	if reset > 0 {
		m.pool.Invalidate()
	}
	if len(errs) > 0 {
		return reset, m.pool.Wrap(errors.Join(errs...))
	}
	m.swept.Store(true)
	return reset, nil
}
