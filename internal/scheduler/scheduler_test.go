package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/keypool"
	"github.com/leozw/voice-keypool/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sweepLog struct {
	mu   sync.Mutex
	runs map[string]int
	errs map[string]int
}

func newSweepLog() *sweepLog {
	return &sweepLog{runs: map[string]int{}, errs: map[string]int{}}
}

func (l *sweepLog) ObserveSweep(sweep string, _ int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[sweep]++
	if err != nil {
		l.errs[sweep]++
	}
}

func (l *sweepLog) count(sweep string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs[sweep]
}

func TestStartRunsJobsUntilCancelled(t *testing.T) {
	log := newSweepLog()
	s := NewScheduler(log, zap.NewNop())
	s.Add(Job{
		Name:       "tick",
		Interval:   10 * time.Millisecond,
		RunAtStart: true,
		Run:        func(context.Context) (int, error) { return 1, nil },
	})
	s.Add(Job{Name: "disabled", Run: func(context.Context) (int, error) { return 0, nil }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return log.count("tick") >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Zero(t, log.count("disabled"))
}

func TestRunOnceReportsErrors(t *testing.T) {
	log := newSweepLog()
	s := NewScheduler(log, zap.NewNop())

	s.RunOnce(context.Background(), Job{
		Name:    "broken",
		Timeout: time.Second,
		Run:     func(context.Context) (int, error) { return 0, errors.New("store down") },
	})
	assert.Equal(t, 1, log.errs["broken"])
}

func TestRunOnceSurvivesPanic(t *testing.T) {
	log := newSweepLog()
	s := NewScheduler(log, zap.NewNop())

	assert.NotPanics(t, func() {
		s.RunOnce(context.Background(), Job{
			Name:    "panicky",
			Timeout: time.Second,
			Run:     func(context.Context) (int, error) { panic("nil map") },
		})
	})
	assert.Equal(t, 1, log.errs["panicky"])
}

type alertSink struct {
	titles   []string
	messages []string
}

func (a *alertSink) Alert(_ context.Context, title, message string, _ error) {
	a.titles = append(a.titles, title)
	a.messages = append(a.messages, message)
}

func TestPromoExpiryJobAlerts(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	keys := keypool.NewManager(memory.NewCredentialStore(clock), keypool.Options{Logger: zap.NewNop(), Now: clock})

	soon := now.AddDate(0, 0, 3)
	later := now.AddDate(0, 2, 0)
	_, err := keys.Add(context.Background(), keypool.AddCredential{Name: "promo", Secret: "sk_promo_0123456789", PromoType: "creator", PromoExpiresAt: &soon})
	require.NoError(t, err)
	_, err = keys.Add(context.Background(), keypool.AddCredential{Name: "later", Secret: "sk_later_0123456789", PromoType: "creator", PromoExpiresAt: &later})
	require.NoError(t, err)

	sink := &alertSink{}
	job := PromoExpiryJob(keys, sink, 7, time.Hour)
	n, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sink.titles, 1)
	assert.Contains(t, sink.messages[0], "promo (creator) expires 2026-06-04")
	assert.NotContains(t, sink.messages[0], "later")
}

type statsSink struct {
	pools map[string]core.PoolStats
	creds int
	users core.UserStats
}

func (s *statsSink) RecordPoolStats(pool string, st core.PoolStats) { s.pools[pool] = st }
func (s *statsSink) RecordCredentials(list []core.Credential)      { s.creds = len(list) }
func (s *statsSink) RecordUserStats(st core.UserStats)             { s.users = st }

type userStats struct{ stats core.UserStats }

func (u userStats) Stats(context.Context) (core.UserStats, error) { return u.stats, nil }

type proxyStats struct{ err error }

func (p proxyStats) Stats(context.Context) (core.PoolStats, error) {
	return core.PoolStats{Total: 2, Active: 2, AvgHealth: 100}, p.err
}

func TestPoolStatsJob(t *testing.T) {
	keys := keypool.NewManager(memory.NewCredentialStore(nil), keypool.Options{Logger: zap.NewNop()})
	_, err := keys.Add(context.Background(), keypool.AddCredential{Name: "a", Secret: "sk_a_0123456789"})
	require.NoError(t, err)

	sink := &statsSink{pools: map[string]core.PoolStats{}}
	job := PoolStatsJob(keys, proxyStats{}, userStats{core.UserStats{Total: 4, Free: 3, Supporter: 1}}, sink, time.Minute)
	n, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, 1, sink.pools["credentials"].Active)
	assert.Equal(t, 2, sink.pools["proxies"].Total)
	assert.Equal(t, 1, sink.creds)
	assert.Equal(t, 3, sink.users.Free)

	_, err = PoolStatsJob(keys, proxyStats{err: errors.New("boom")}, userStats{}, sink, time.Minute).Run(context.Background())
	assert.ErrorContains(t, err, "proxy stats")
}

func TestQuotaResetJobRunsSweep(t *testing.T) {
	now := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	keys := keypool.NewManager(memory.NewCredentialStore(clock), keypool.Options{Logger: zap.NewNop(), Now: clock})
	c, err := keys.Add(context.Background(), keypool.AddCredential{Name: "a", Secret: "sk_a_0123456789"})
	require.NoError(t, err)
	_, err = keys.RecordSuccess(context.Background(), c.ID, 500)
	require.NoError(t, err)

	mu.Lock()
	now = time.Date(2026, 2, 28, 1, 0, 0, 0, time.UTC)
	mu.Unlock()

	job := QuotaResetJob(keys, time.Hour)
	n, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := keys.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Zero(t, got.QuotaUsed)
}
