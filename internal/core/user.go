package core

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the caller's entitlement level.
type Tier string

const (
	TierFree      Tier = "free"
	TierSupporter Tier = "supporter"
	TierPremium   Tier = "premium"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierSupporter, TierPremium:
		return true
	}
	return false
}

// UnlimitedSpeeches marks a user without a per-account speech allowance.
const UnlimitedSpeeches = -1

type User struct {
	ID                     uuid.UUID  `json:"id" db:"id"`
	UserKey                string     `json:"user_key" db:"user_key"`
	HardwareID             string     `json:"hardware_id" db:"hardware_id"`
	Tier                   Tier       `json:"tier" db:"tier"`
	FreeSpeechesRemaining  int        `json:"free_speeches_remaining" db:"free_speeches_remaining"`
	TotalSpeechesGenerated int64      `json:"total_speeches_generated" db:"total_speeches_generated"`
	SupporterCodeUsed      *string    `json:"supporter_code_used,omitempty" db:"supporter_code_used"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt             *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

func (u User) UnlimitedSpeeches() bool {
	return u.FreeSpeechesRemaining == UnlimitedSpeeches
}

type SupporterCode struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Code       string     `json:"code" db:"code"`
	Tier       Tier       `json:"tier" db:"tier"`
	CreatedBy  string     `json:"created_by" db:"created_by"`
	UsedBy     *uuid.UUID `json:"used_by,omitempty" db:"used_by"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty" db:"redeemed_at"`
}

type UserStats struct {
	Total     int   `json:"total" db:"total"`
	Free      int   `json:"free" db:"free"`
	Supporter int   `json:"supporter" db:"supporter"`
	Premium   int   `json:"premium" db:"premium"`
	Speeches  int64 `json:"speeches" db:"speeches"`
}

// UsageLog records one generation attempt. UserID is nil for anonymous
// callers.
type UsageLog struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	UserID        *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	ClientIP      string     `json:"client_ip" db:"client_ip"`
	CredentialID  *uuid.UUID `json:"credential_id,omitempty" db:"credential_id"`
	ProxyID       *uuid.UUID `json:"proxy_id,omitempty" db:"proxy_id"`
	VoiceID       string     `json:"voice_id" db:"voice_id"`
	ModelUsed     string     `json:"model_used" db:"model_used"`
	UnitsConsumed int64      `json:"units_consumed" db:"units_consumed"`
	Success       bool       `json:"success" db:"success"`
	Error         string     `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}
