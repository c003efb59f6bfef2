package core

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/health"
	"github.com/shopspring/decimal"
)

// Credential is an upstream speech-synthesis API key with its routing,
// quota and health metadata. Values are immutable snapshots; stores return
// a fresh value for every update.
type Credential struct {
	ID     uuid.UUID `json:"id" db:"id"`
	Name   string    `json:"name" db:"name"`
	Secret string    `json:"-" db:"secret"`

	Tier        string          `json:"tier" db:"tier"`
	CostPerUnit decimal.Decimal `json:"cost_per_unit" db:"cost_per_unit"`
	Priority    int             `json:"priority" db:"priority"`
	RegionCode  string          `json:"region_code" db:"region_code"`

	// Quota
	MonthlyQuota int64     `json:"monthly_quota" db:"monthly_quota"`
	QuotaUsed    int64     `json:"quota_used" db:"quota_used"`
	QuotaResetAt time.Time `json:"quota_reset_at" db:"quota_reset_at"`

	// Health
	health.State
	TotalRequests      int64 `json:"total_requests" db:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests" db:"successful_requests"`

	// Promotion
	PromoType      string     `json:"promo_type,omitempty" db:"promo_type"`
	PromoExpiresAt *time.Time `json:"promo_expires_at,omitempty" db:"promo_expires_at"`

	Notes     string    `json:"notes,omitempty" db:"notes"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (c Credential) ResourceID() uuid.UUID       { return c.ID }
func (c Credential) HealthState() health.State { return c.State }

// HasQuota reports whether the credential can absorb another use.
func (c Credential) HasQuota() bool {
	return health.HasQuotaRemaining(c.MonthlyQuota, c.QuotaUsed)
}

// Unlimited reports whether the credential has no monthly ceiling.
func (c Credential) Unlimited() bool {
	return c.MonthlyQuota == health.Unlimited
}

// QuotaRemaining returns the units left this period, or -1 when unlimited.
func (c Credential) QuotaRemaining() int64 {
	if c.Unlimited() {
		return health.Unlimited
	}
	if left := c.MonthlyQuota - c.QuotaUsed; left > 0 {
		return left
	}
	return 0
}

// CredentialView is the admin representation of a credential. The secret
// is reduced to a hint.
type CredentialView struct {
	Credential
	SecretHint     string `json:"secret_hint"`
	QuotaRemaining int64  `json:"quota_remaining"`
}

func (c Credential) View() CredentialView {
	return CredentialView{
		Credential:     c,
		SecretHint:     MaskSecret(c.Secret),
		QuotaRemaining: c.QuotaRemaining(),
	}
}

// PoolStats aggregates the state of a resource pool.
type PoolStats struct {
	Total          int     `json:"total" db:"total"`
	Active         int     `json:"active" db:"active"`
	Paused         int     `json:"paused" db:"paused"`
	AvgHealth      float64 `json:"avg_health" db:"avg_health"`
	QuotaUsed      int64   `json:"quota_used" db:"quota_used"`
	QuotaAvailable int64   `json:"quota_available" db:"quota_available"`
	Unlimited      int     `json:"unlimited" db:"unlimited"`
}

// MaskSecret keeps the first and last four characters of a secret.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// Truncate shortens s to at most n bytes without splitting a UTF-8
// sequence. Text columns reject invalid UTF-8.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.ToValidUTF8(s[:n], "")
}
