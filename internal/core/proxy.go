package core

import (
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/health"
)

type Proxy struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	URL       string    `json:"-" db:"url"`
	ProxyType string    `json:"proxy_type" db:"proxy_type"`
	Priority  int       `json:"priority" db:"priority"`

	health.State
	TotalRequests      int64 `json:"total_requests" db:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests" db:"successful_requests"`

	Notes     string    `json:"notes,omitempty" db:"notes"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (p Proxy) ResourceID() uuid.UUID       { return p.ID }
func (p Proxy) HealthState() health.State { return p.State }

// Host returns the hostname part of the proxy URL.
func (p Proxy) Host() string {
	u, err := url.Parse(p.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// RedactedURL hides proxy credentials for display.
func (p Proxy) RedactedURL() string {
	u, err := url.Parse(p.URL)
	if err != nil {
		return ""
	}
	return u.Redacted()
}

type ProxyView struct {
	Proxy
	URL string `json:"url"`
}

func (p Proxy) View() ProxyView {
	return ProxyView{Proxy: p, URL: p.RedactedURL()}
}
