// Package pool implements a generic scored resource pool: a store-backed
// set of resources with health scores, a read-through selection cache and
// the outcome bookkeeping shared by credentials and proxies.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/health"
	"go.uber.org/zap"
)

// Resource is anything a pool can score.
type Resource interface {
	ResourceID() uuid.UUID
	HealthState() health.State
}

// Store persists pooled resources. Every update is atomic on the store side
// and returns the resulting record.
type Store[T Resource] interface {
	// ListSelectable returns active resources with a score of at least
	// minScore.
	ListSelectable(ctx context.Context, minScore float64) ([]T, error)
	RecordSuccess(ctx context.Context, id uuid.UUID, units int64, p health.Policy) (T, error)
	RecordFailure(ctx context.Context, id uuid.UUID, reason string, p health.Policy) (T, error)
	// Pause moves a resource to paused. Automatic causes only apply to
	// active resources; a manual cause always applies.
	Pause(ctx context.Context, id uuid.UUID, cause health.PauseCause, reason string) (T, error)
	Resume(ctx context.Context, id uuid.UUID) (T, error)
	ResetHealth(ctx context.Context, id uuid.UUID) (T, error)
}

// Observer receives pool events, typically a metrics collector.
type Observer interface {
	ObserveOutcome(pool string, success bool)
	ObservePause(pool string, cause health.PauseCause)
	ObserveCache(pool string, hit bool)
}

type nopObserver struct{}

func (nopObserver) ObserveOutcome(string, bool)            {}
func (nopObserver) ObservePause(string, health.PauseCause) {}
func (nopObserver) ObserveCache(string, bool)              {}

type Options struct {
	Name         string
	Policy       health.Policy
	CacheTTL     time.Duration
	StoreTimeout time.Duration
	Logger       *zap.Logger
	Observer     Observer
	Now          func() time.Time
}

type Pool[T Resource] struct {
	name     string
	store    Store[T]
	policy   health.Policy
	cache    *Cache[T]
	timeout  time.Duration
	logger   *zap.Logger
	observer Observer
	usable   func(T) bool
}

// New builds a pool over store. usable, when set, is an extra read-time
// filter such as remaining quota.
func New[T Resource](store Store[T], opts Options, usable func(T) bool) *Pool[T] {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	return &Pool[T]{
		name:     opts.Name,
		store:    store,
		policy:   opts.Policy,
		cache:    NewCache[T](opts.CacheTTL, opts.Now),
		timeout:  opts.StoreTimeout,
		logger:   opts.Logger.With(zap.String("pool", opts.Name)),
		observer: opts.Observer,
		usable:   usable,
	}
}

func (p *Pool[T]) Name() string          { return p.name }
func (p *Pool[T]) Policy() health.Policy { return p.policy }

// WithTimeout bounds a store call.
func (p *Pool[T]) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

// Selectable returns the resources eligible for selection right now. The
// store-level set is cached; status, score and usability are re-checked on
// every read since cached entries may be stale.
func (p *Pool[T]) Selectable(ctx context.Context) ([]T, error) {
	items, hit := p.cache.Get()
	p.observer.ObserveCache(p.name, hit)
	if !hit {
		gen := p.cache.Generation()
		sctx, cancel := p.WithTimeout(ctx)
		defer cancel()

		loaded, err := p.store.ListSelectable(sctx, p.policy.SelectableThreshold)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		p.cache.Store(gen, loaded)
		items = loaded
	}

	out := make([]T, 0, len(items))
	for _, item := range items {
		if !p.policy.Selectable(item.HealthState()) {
			continue
		}
		if p.usable != nil && !p.usable(item) {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// Invalidate drops the cached selectable set.
func (p *Pool[T]) Invalidate() {
	p.cache.Invalidate()
}

// RecordSuccess applies a successful use of units.
func (p *Pool[T]) RecordSuccess(ctx context.Context, id uuid.UUID, units int64) (T, error) {
	var zero T
	if units < 0 {
		return zero, fmt.Errorf("%w: units must not be negative", ErrValidation)
	}
	sctx, cancel := p.WithTimeout(ctx)
	defer cancel()

	item, err := p.store.RecordSuccess(sctx, id, units, p.policy)
	p.cache.Invalidate()
	if err != nil {
		return zero, p.wrap(err)
	}
	p.observer.ObserveOutcome(p.name, true)
	return item, nil
}

// RecordFailure applies a failed use and pauses the resource when the
// policy calls for it.
func (p *Pool[T]) RecordFailure(ctx context.Context, id uuid.UUID, reason string) (T, error) {
	var zero T
	sctx, cancel := p.WithTimeout(ctx)
	defer cancel()

	item, err := p.store.RecordFailure(sctx, id, reason, p.policy)
	p.cache.Invalidate()
	if err != nil {
		return zero, p.wrap(err)
	}
	p.observer.ObserveOutcome(p.name, false)

	cause, ok := p.policy.PauseDecision(item.HealthState())
	if !ok {
		return item, nil
	}
	paused, err := p.autoPause(ctx, id, cause, p.policy.PauseNote(cause, item.HealthState()))
	if err != nil {
		return item, err
	}
	return paused, nil
}

// AutoPause pauses an active resource for an automatic cause.
func (p *Pool[T]) AutoPause(ctx context.Context, id uuid.UUID, cause health.PauseCause, reason string) (T, error) {
	var zero T
	if !health.AutoResumable(cause) {
		return zero, fmt.Errorf("%w: %q is not an automatic pause cause", ErrValidation, cause)
	}
	return p.autoPause(ctx, id, cause, reason)
}

func (p *Pool[T]) autoPause(ctx context.Context, id uuid.UUID, cause health.PauseCause, reason string) (T, error) {
	var zero T
	sctx, cancel := p.WithTimeout(ctx)
	defer cancel()

	item, err := p.store.Pause(sctx, id, cause, reason)
	p.cache.Invalidate()
	if err != nil {
		return zero, p.wrap(err)
	}
	state := item.HealthState()
	if state.PauseCause == cause {
		p.observer.ObservePause(p.name, cause)
		p.logger.Warn("Resource auto-paused",
			zap.String("id", id.String()),
			zap.String("cause", string(cause)),
			zap.String("reason", reason),
			zap.Float64("health_score", state.Score),
			zap.Int("consecutive_failures", state.ConsecutiveFailures))
	}
	return item, nil
}

// Pause is the operator pause.
func (p *Pool[T]) Pause(ctx context.Context, id uuid.UUID, reason string) (T, error) {
	var zero T
	sctx, cancel := p.WithTimeout(ctx)
	defer cancel()

	item, err := p.store.Pause(sctx, id, health.CauseManual, reason)
	p.cache.Invalidate()
	if err != nil {
		return zero, p.wrap(err)
	}
	p.observer.ObservePause(p.name, health.CauseManual)
	p.logger.Info("Resource paused", zap.String("id", id.String()), zap.String("reason", reason))
	return item, nil
}

func (p *Pool[T]) Resume(ctx context.Context, id uuid.UUID) (T, error) {
	var zero T
	sctx, cancel := p.WithTimeout(ctx)
	defer cancel()

	item, err := p.store.Resume(sctx, id)
	p.cache.Invalidate()
	if err != nil {
		return zero, p.wrap(err)
	}
	p.logger.Info("Resource resumed", zap.String("id", id.String()))
	return item, nil
}

func (p *Pool[T]) ResetHealth(ctx context.Context, id uuid.UUID) (T, error) {
	var zero T
	sctx, cancel := p.WithTimeout(ctx)
	defer cancel()

	item, err := p.store.ResetHealth(sctx, id)
	p.cache.Invalidate()
	if err != nil {
		return zero, p.wrap(err)
	}
	return item, nil
}

// wrap keeps domain sentinels intact and classifies everything else as a
// store failure.
func (p *Pool[T]) wrap(err error) error {
	for _, sentinel := range []error{ErrNotFound, ErrValidation, ErrDuplicate, ErrStoreUnavailable} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Wrap exposes the error classification to façades built on the pool.
func (p *Pool[T]) Wrap(err error) error {
	return p.wrap(err)
}
