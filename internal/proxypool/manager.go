// Package proxypool routes upstream traffic through egress proxies scored
// with the same health rules as credentials, with a gentler policy.
package proxypool

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/health"
	"github.com/leozw/voice-keypool/internal/pool"
	"go.uber.org/zap"
)

type Store interface {
	pool.Store[core.Proxy]
	Insert(ctx context.Context, p core.Proxy) (core.Proxy, error)
	Get(ctx context.Context, id uuid.UUID) (core.Proxy, error)
	List(ctx context.Context) ([]core.Proxy, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (core.PoolStats, error)
}

type Options struct {
	CacheTTL     time.Duration
	StoreTimeout time.Duration
	Logger       *zap.Logger
	Observer     pool.Observer
	Now          func() time.Time
	Residential  Residential
}

type Manager struct {
	pool        *pool.Pool[core.Proxy]
	store       Store
	logger      *zap.Logger
	now         func() time.Time
	residential Residential
}

func NewManager(store Store, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		pool: pool.New[core.Proxy](store, pool.Options{
			Name:         "proxies",
			Policy:       health.ProxyPolicy,
			CacheTTL:     opts.CacheTTL,
			StoreTimeout: opts.StoreTimeout,
			Logger:       opts.Logger,
			Observer:     opts.Observer,
			Now:          opts.Now,
		}, nil),
		store:       store,
		logger:      opts.Logger.With(zap.String("component", "proxypool")),
		now:         opts.Now,
		residential: opts.Residential,
	}
}

func compareProxies(a, b core.Proxy) int {
	if a.Priority != b.Priority {
		return a.Priority - b.Priority
	}
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	// most recent success first, never-succeeded last
	switch {
	case a.LastSuccessAt == nil && b.LastSuccessAt == nil:
		return 0
	case a.LastSuccessAt == nil:
		return 1
	case b.LastSuccessAt == nil:
		return -1
	}
	return b.LastSuccessAt.Compare(*a.LastSuccessAt)
}

// Select returns the best proxy, or false when requests should go direct.
func (m *Manager) Select(ctx context.Context) (core.Proxy, bool, error) {
	candidates, err := m.pool.Selectable(ctx)
	if err != nil {
		return core.Proxy{}, false, err
	}
	if len(candidates) == 0 {
		return core.Proxy{}, false, nil
	}
	best := slices.MinFunc(candidates, compareProxies)
	return best, true, nil
}

// Egress is the outbound route chosen for one upstream call.
type Egress struct {
	// ProxyID is nil for residential and direct routes.
	ProxyID *uuid.UUID
	URL     string
	Kind    string
}

func (e Egress) Direct() bool { return e.URL == "" }

// Route chooses how to reach the provider for a credential bound to
// region: the residential gateway when configured, else the best pool
// proxy, else direct.
func (m *Manager) Route(ctx context.Context, region string) Egress {
	if u, ok := m.residential.URL(region); ok {
		return Egress{URL: u, Kind: "residential"}
	}
	p, ok, err := m.Select(ctx)
	if err != nil {
		m.logger.Warn("Proxy selection failed, going direct", zap.Error(err))
		return Egress{Kind: "direct"}
	}
	if !ok {
		return Egress{Kind: "direct"}
	}
	id := p.ID
	return Egress{ProxyID: &id, URL: p.URL, Kind: "pool"}
}

func (m *Manager) RecordSuccess(ctx context.Context, id uuid.UUID) (core.Proxy, error) {
	return m.pool.RecordSuccess(ctx, id, 0)
}

func (m *Manager) RecordFailure(ctx context.Context, id uuid.UUID, reason string) (core.Proxy, error) {
	return m.pool.RecordFailure(ctx, id, reason)
}

func (m *Manager) Pause(ctx context.Context, id uuid.UUID, reason string) (core.Proxy, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "Manual pause"
	}
	return m.pool.Pause(ctx, id, reason)
}

func (m *Manager) Resume(ctx context.Context, id uuid.UUID) (core.Proxy, error) {
	return m.pool.Resume(ctx, id)
}

func (m *Manager) ResetHealth(ctx context.Context, id uuid.UUID) (core.Proxy, error) {
	return m.pool.ResetHealth(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]core.Proxy, error) {
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
	return nil
}

func (m *Manager) Stats(ctx context.Context) (core.PoolStats, error) {
	sctx, cancel := m.pool.WithTimeout(ctx)
	defer cancel()
	stats, err := m.store.Stats(sctx)
	if err != nil {
		return stats, m.pool.Wrap(err)
	}
	return stats, nil
}

type AddProxy struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	ProxyType string `json:"proxy_type"`
	Priority  int    `json:"priority"`
	Notes     string `json:"notes"`
}

var proxySchemes = map[string]bool{"http": true, "https": true, "socks5": true}

func (m *Manager) Add(ctx context.Context, req AddProxy) (core.Proxy, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return core.Proxy{}, fmt.Errorf("%w: name is required", pool.ErrValidation)
	}
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || u.Host == "" || !proxySchemes[u.Scheme] {
		return core.Proxy{}, fmt.Errorf("%w: url must be an http, https or socks5 proxy url", pool.ErrValidation)
	}
	if req.Priority == 0 {
		req.Priority = 1
	}
	if req.Priority < 1 || req.Priority > 10 {
		return core.Proxy{}, fmt.Errorf("%w: priority must be between 1 and 10", pool.ErrValidation)
	}
	if req.ProxyType == "" {
		req.ProxyType = u.Scheme
	}

	now := m.now().UTC()
	p := core.Proxy{
		ID:        uuid.New(),
		Name:      name,
		URL:       u.String(),
		ProxyType: req.ProxyType,
		Priority:  req.Priority,
		State:     health.Fresh(),
		Notes:     req.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}

	sctx, cancel := m.pool.WithTimeout(ctx)
	defer cancel()
	p, err = m.store.Insert(sctx, p)
	m.pool.Invalidate()
	if err != nil {
		return core.Proxy{}, m.pool.Wrap(err)
	}
	m.logger.Info("Proxy added",
		zap.String("proxy_id", p.ID.String()),
		zap.String("name", p.Name),
		zap.String("url", p.RedactedURL()))
	return p, nil
}
