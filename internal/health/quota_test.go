package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextQuotaResetOnCreation(t *testing.T) {
	tests := []struct {
		name    string
		created time.Time
		want    time.Time
	}{
		{"mid month", day(2026, 1, 15), day(2026, 2, 15)},
		{"jan 31 to feb", day(2026, 1, 31), day(2026, 2, 28)},
		{"leap year", day(2028, 1, 30), day(2028, 2, 29)},
		{"anchor 29 lands on last day", day(2026, 3, 29), day(2026, 4, 30)},
		{"december rolls year", day(2026, 12, 5), day(2027, 1, 5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextQuotaReset(tt.created, tt.created, tt.created)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextQuotaResetKeepsAnchorAcrossShortMonths(t *testing.T) {
	created := day(2026, 1, 31)
	reset := NextQuotaReset(created, created, created)
	assert.Equal(t, day(2026, 2, 28), reset)

	// sweep on the reset day moves to the end of March, not the 28th
	reset = NextQuotaReset(created, reset, reset)
	assert.Equal(t, day(2026, 3, 31), reset)

	reset = NextQuotaReset(created, reset, reset)
	assert.Equal(t, day(2026, 4, 30), reset)
}

func TestNextQuotaResetCatchesUpMissedMonths(t *testing.T) {
	created := day(2026, 1, 10)
	got := NextQuotaReset(created, day(2026, 2, 10), day(2026, 6, 3))
	assert.Equal(t, day(2026, 6, 10), got)

	got = NextQuotaReset(created, day(2026, 2, 10), day(2026, 6, 10))
	assert.Equal(t, day(2026, 7, 10), got)
}

func TestNextQuotaResetIsAlwaysInTheFuture(t *testing.T) {
	created := day(2025, 5, 31)
	for d := day(2025, 6, 1); d.Before(day(2027, 6, 1)); d = d.AddDate(0, 0, 1) {
		next := NextQuotaReset(created, d, d)
		assert.True(t, next.After(d), "next %s must follow %s", next, d)
		last := daysIn(next.Year(), next.Month())
		assert.Equal(t, last, next.Day())
	}
}

func TestHasQuotaRemaining(t *testing.T) {
	assert.True(t, HasQuotaRemaining(Unlimited, 1<<40))
	assert.True(t, HasQuotaRemaining(100, 99))
	assert.False(t, HasQuotaRemaining(100, 100))
	assert.False(t, HasQuotaRemaining(0, 0))
}
