package proxypool

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Prober checks that every active proxy's hostname still resolves and
// records a failure against proxies that do not. Successful lookups are
// not counted as successes; only real traffic raises health.
type Prober struct {
	manager  *Manager
	client   *dns.Client
	resolver string
	logger   *zap.Logger
}

func NewProber(manager *Manager, resolver string, logger *zap.Logger) *Prober {
	return &Prober{
		manager:  manager,
		client:   &dns.Client{Timeout: 5 * time.Second},
		resolver: resolver,
		logger:   logger.With(zap.String("component", "proxy-prober")),
	}
}

// Resolve looks up A records for host.
func (p *Prober) Resolve(ctx context.Context, host string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	r, _, err := p.client.ExchangeContext(ctx, m, p.resolver)
	if err != nil {
		return nil, fmt.Errorf("dns exchange: %w", err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns lookup %s: %s", host, dns.RcodeToString[r.Rcode])
	}

	var ips []string
	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("dns lookup %s: no A records", host)
	}
	return ips, nil
}

// ProbeAll probes every active proxy and returns how many failed.
func (p *Prober) ProbeAll(ctx context.Context) (int, error) {
	proxies, err := p.manager.List(ctx)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, proxy := range proxies {
		if !proxy.Active() {
			continue
		}
		host := proxy.Host()
		if host == "" || net.ParseIP(host) != nil {
			continue
		}
		if _, err := p.Resolve(ctx, host); err != nil {
			failed++
			p.logger.Warn("Proxy host does not resolve",
				zap.String("proxy_id", proxy.ID.String()),
				zap.String("host", host),
				zap.Error(err))
			if _, err := p.manager.RecordFailure(ctx, proxy.ID, "dns: "+err.Error()); err != nil {
				p.logger.Error("Failed to record proxy failure", zap.Error(err))
			}
		}
	}
	return failed, nil
}
