package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/notify"
)

type QuotaResetter interface {
	ResetQuotas(ctx context.Context) (int, error)
}

type PromoSource interface {
	ExpiringPromos(ctx context.Context, windowDays int) ([]core.Credential, error)
}

type CredentialStats interface {
	Stats(ctx context.Context) (core.PoolStats, error)
	List(ctx context.Context) ([]core.Credential, error)
}

type ProxyStats interface {
	Stats(ctx context.Context) (core.PoolStats, error)
}

type UserStats interface {
	Stats(ctx context.Context) (core.UserStats, error)
}

type Prober interface {
	ProbeAll(ctx context.Context) (int, error)
}

// StatsRecorder receives the gauges refreshed by the stats job.
type StatsRecorder interface {
	RecordPoolStats(pool string, s core.PoolStats)
	RecordCredentials(list []core.Credential)
	RecordUserStats(s core.UserStats)
}

func QuotaResetJob(keys QuotaResetter, interval time.Duration) Job {
	return Job{
		Name:       "quota_reset",
		Interval:   interval,
		RunAtStart: true,
		Run:        keys.ResetQuotas,
	}
}

// PromoExpiryJob alerts operators about promotional credentials that
// expire within windowDays.
func PromoExpiryJob(keys PromoSource, notifier notify.Notifier, windowDays int, interval time.Duration) Job {
	return Job{
		Name:       "promo_expiry",
		Interval:   interval,
		RunAtStart: true,
		Run: func(ctx context.Context) (int, error) {
			expiring, err := keys.ExpiringPromos(ctx, windowDays)
			if err != nil {
				return 0, err
			}
			if len(expiring) == 0 {
				return 0, nil
			}
			notifier.Alert(ctx, "Promotional credentials expiring", promoMessage(expiring, windowDays), nil)
			return len(expiring), nil
		},
	}
}

func promoMessage(list []core.Credential, windowDays int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d credential(s) expire within %d days:\n", len(list), windowDays)
	for _, c := range list {
		fmt.Fprintf(&b, "- %s (%s)", c.Name, c.PromoType)
		if c.PromoExpiresAt != nil {
			fmt.Fprintf(&b, " expires %s", c.PromoExpiresAt.UTC().Format("2006-01-02"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func PoolStatsJob(keys CredentialStats, proxies ProxyStats, users UserStats, rec StatsRecorder, interval time.Duration) Job {
	return Job{
		Name:       "pool_stats",
		Interval:   interval,
		RunAtStart: true,
		Run: func(ctx context.Context) (int, error) {
			ks, err := keys.Stats(ctx)
			if err != nil {
				return 0, fmt.Errorf("credential stats: %w", err)
			}
			rec.RecordPoolStats("credentials", ks)

			list, err := keys.List(ctx)
			if err != nil {
				return 0, fmt.Errorf("list credentials: %w", err)
			}
			rec.RecordCredentials(list)

			ps, err := proxies.Stats(ctx)
			if err != nil {
				return 0, fmt.Errorf("proxy stats: %w", err)
			}
			rec.RecordPoolStats("proxies", ps)

			us, err := users.Stats(ctx)
			if err != nil {
				return 0, fmt.Errorf("user stats: %w", err)
			}
			rec.RecordUserStats(us)
			return ks.Total + ps.Total, nil
		},
	}
}

func ProxyProbeJob(prober Prober, interval time.Duration) Job {
	return Job{
		Name:     "proxy_probe",
		Interval: interval,
		Run:      prober.ProbeAll,
	}
}
