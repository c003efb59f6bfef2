// Package memory provides mutex-guarded in-memory stores with the same
// semantics as the postgres stores. It backs the "memory" storage driver
// and the service-level tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/health"
	"github.com/leozw/voice-keypool/internal/pool"
)

// table is a scored resource table. Every operation runs under the mutex
// so read-modify-write sequences are atomic.
type table[T pool.Resource] struct {
	mu    sync.RWMutex
	items map[uuid.UUID]T
	now   func() time.Time

	state    func(*T) *health.State
	notes    func(*T) *string
	touch    func(*T, time.Time)
	use      func(*T, int64, bool)
	conflict func(a, b T) bool
}

func (t *table[T]) timeNow() time.Time {
	if t.now != nil {
		return t.now().UTC()
	}
	return time.Now().UTC()
}

func (t *table[T]) insert(item T) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.items {
		if existing.ResourceID() == item.ResourceID() || (t.conflict != nil && t.conflict(existing, item)) {
			var zero T
			return zero, pool.ErrDuplicate
		}
	}
	t.items[item.ResourceID()] = item
	return item, nil
}

func (t *table[T]) get(id uuid.UUID) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	item, ok := t.items[id]
	if !ok {
		return item, pool.ErrNotFound
	}
	return item, nil
}

func (t *table[T]) delete(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.items[id]; !ok {
		return pool.ErrNotFound
	}
	delete(t.items, id)
	return nil
}

func (t *table[T]) filter(keep func(T) bool) []T {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]T, 0, len(t.items))
	for _, item := range t.items {
		if keep == nil || keep(item) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ResourceID().String() < out[j].ResourceID().String()
	})
	return out
}

// update applies fn to the stored record and returns the result.
func (t *table[T]) update(id uuid.UUID, fn func(*T, time.Time)) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[id]
	if !ok {
		return item, pool.ErrNotFound
	}
	now := t.timeNow()
	fn(&item, now)
	t.touch(&item, now)
	t.items[id] = item
	return item, nil
}

func (t *table[T]) ListSelectable(_ context.Context, minScore float64) ([]T, error) {
	return t.filter(func(item T) bool {
		s := item.HealthState()
		return s.Active() && s.Score >= minScore
	}), nil
}

func (t *table[T]) RecordSuccess(_ context.Context, id uuid.UUID, units int64, p health.Policy) (T, error) {
	return t.update(id, func(item *T, now time.Time) {
		s := t.state(item)
		*s = p.Success(*s, now)
		t.use(item, units, true)
	})
}

func (t *table[T]) RecordFailure(_ context.Context, id uuid.UUID, reason string, p health.Policy) (T, error) {
	return t.update(id, func(item *T, now time.Time) {
		s := t.state(item)
		*s = p.Failure(*s, reason, now)
		t.use(item, 0, false)
	})
}

func (t *table[T]) Pause(_ context.Context, id uuid.UUID, cause health.PauseCause, reason string) (T, error) {
	return t.update(id, func(item *T, now time.Time) {
		s := t.state(item)
		if !s.Active() && cause != health.CauseManual {
			return
		}
		*s = health.Pause(*s, cause, reason, now)
		if t.notes != nil && reason != "" {
			n := t.notes(item)
			if *n == "" {
				*n = reason
			} else {
				*n = reason + "\n" + *n
			}
		}
	})
}

func (t *table[T]) Resume(_ context.Context, id uuid.UUID) (T, error) {
	return t.update(id, func(item *T, _ time.Time) {
		s := t.state(item)
		*s = health.Resume(*s)
	})
}

func (t *table[T]) ResetHealth(_ context.Context, id uuid.UUID) (T, error) {
	return t.update(id, func(item *T, _ time.Time) {
		s := t.state(item)
		*s = health.ResetHealth(*s)
	})
}
