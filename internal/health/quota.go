package health

import "time"

// Unlimited marks a monthly quota with no ceiling.
const Unlimited = -1

// HasQuotaRemaining reports whether another use fits in the monthly quota.
func HasQuotaRemaining(monthlyQuota, used int64) bool {
	return monthlyQuota == Unlimited || used < monthlyQuota
}

// Date truncates t to midnight UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// anchorDate returns the reset date for the given month using the anchor
// day of createdAt. Anchors on the 29th or later land on the last day of
// the month.
func anchorDate(anchor, year int, month time.Month) time.Time {
	last := daysIn(year, month)
	day := anchor
	if anchor >= 29 || anchor > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// NextQuotaReset computes the next reset date strictly after today,
// starting from the month following from and keeping the anchor day of
// createdAt. On creation pass from = today = createdAt; in the sweep pass
// the current reset date as from.
func NextQuotaReset(createdAt, from, today time.Time) time.Time {
	anchor := createdAt.UTC().Day()
	today = Date(today)
	from = Date(from)

	year, month := from.Year(), from.Month()+1
	if month > time.December {
		year, month = year+1, time.January
	}
	next := anchorDate(anchor, year, month)
	for !next.After(today) {
		month++
		if month > time.December {
			year, month = year+1, time.January
		}
		next = anchorDate(anchor, year, month)
	}
	return next
}
