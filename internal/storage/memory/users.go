package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/pool"
	"github.com/leozw/voice-keypool/internal/quota"
)

// UserStore keeps users, supporter codes and usage logs.
type UserStore struct {
	mu    sync.Mutex
	now   func() time.Time
	users map[uuid.UUID]core.User
	codes map[string]core.SupporterCode
	logs  []core.UsageLog
}

func NewUserStore(now func() time.Time) *UserStore {
	if now == nil {
		now = time.Now
	}
	return &UserStore{
		now:   now,
		users: make(map[uuid.UUID]core.User),
		codes: make(map[string]core.SupporterCode),
	}
}

func (s *UserStore) CreateUser(_ context.Context, u core.User) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.UserKey == u.UserKey {
			return core.User{}, pool.ErrDuplicate
		}
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *UserStore) CountByHardware(_ context.Context, hardwareID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, u := range s.users {
		if u.HardwareID == hardwareID {
			n++
		}
	}
	return n, nil
}

func (s *UserStore) GetByKey(_ context.Context, key string) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.UserKey == key {
			return u, nil
		}
	}
	return core.User{}, pool.ErrNotFound
}

func (s *UserStore) ReserveSpeech(_ context.Context, id uuid.UUID) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return u, pool.ErrNotFound
	}
	if u.Tier == core.TierFree {
		switch {
		case u.FreeSpeechesRemaining == 0:
			return core.User{}, quota.ErrAllowanceExhausted
		case u.FreeSpeechesRemaining > 0:
			u.FreeSpeechesRemaining--
		}
	}
	s.users[id] = u
	return u, nil
}

func (s *UserStore) ReleaseSpeech(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return pool.ErrNotFound
	}
	if u.Tier == core.TierFree && !u.UnlimitedSpeeches() {
		u.FreeSpeechesRemaining++
		s.users[id] = u
	}
	return nil
}

func (s *UserStore) RecordSpeech(_ context.Context, id uuid.UUID) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return u, pool.ErrNotFound
	}
	u.TotalSpeechesGenerated++
	now := s.now().UTC()
	u.LastUsedAt = &now
	s.users[id] = u
	return u, nil
}

func (s *UserStore) ListUsers(_ context.Context, limit int) ([]core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *UserStore) UserStats(_ context.Context) (core.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats core.UserStats
	for _, u := range s.users {
		stats.Total++
		stats.Speeches += u.TotalSpeechesGenerated
		switch u.Tier {
		case core.TierFree:
			stats.Free++
		case core.TierSupporter:
			stats.Supporter++
		case core.TierPremium:
			stats.Premium++
		}
	}
	return stats, nil
}

func (s *UserStore) RedeemCode(_ context.Context, userID uuid.UUID, code string) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.codes[code]
	if !ok {
		return core.User{}, quota.ErrInvalidCode
	}
	if sc.UsedBy != nil {
		return core.User{}, quota.ErrCodeUsed
	}
	u, ok := s.users[userID]
	if !ok {
		return u, pool.ErrNotFound
	}

	now := s.now().UTC()
	sc.UsedBy = &userID
	sc.RedeemedAt = &now
	s.codes[code] = sc

	u.Tier = sc.Tier
	u.FreeSpeechesRemaining = core.UnlimitedSpeeches
	u.SupporterCodeUsed = &sc.Code
	s.users[userID] = u
	return u, nil
}

func (s *UserStore) CreateCodes(_ context.Context, codes []core.SupporterCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range codes {
		if _, ok := s.codes[c.Code]; ok {
			return pool.ErrDuplicate
		}
	}
	for _, c := range codes {
		s.codes[c.Code] = c
	}
	return nil
}

func (s *UserStore) ListCodes(_ context.Context) ([]core.SupporterCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.SupporterCode, 0, len(s.codes))
	for _, c := range s.codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *UserStore) InsertUsage(_ context.Context, l core.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, l)
	return nil
}

func (s *UserStore) RecentUsage(_ context.Context, limit int) ([]core.UsageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.logs)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]core.UsageLog, 0, n)
	for i := len(s.logs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.logs[i])
	}
	return out, nil
}

// AnonymousCounter counts anonymous generations per IP and calendar month.
type AnonymousCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewAnonymousCounter() *AnonymousCounter {
	return &AnonymousCounter{counts: make(map[string]int64)}
}

func anonKey(ip string, now time.Time) string {
	return now.UTC().Format("2006-01") + "|" + ip
}

func (c *AnonymousCounter) Reserve(_ context.Context, ip string, now time.Time, limit int64) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := anonKey(ip, now)
	if c.counts[k] >= limit {
		return c.counts[k], false, nil
	}
	c.counts[k]++
	return c.counts[k], true, nil
}

func (c *AnonymousCounter) Release(_ context.Context, ip string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := anonKey(ip, now)
	if c.counts[k] > 0 {
		c.counts[k]--
	}
	return nil
}
