// Package health holds the pure state transitions shared by every scored
// resource pool: success/failure scoring, auto-pause decisions, manual
// pause/resume and health resets.
package health

import (
	"fmt"
	"time"
)

const (
	MaxScore = 100.0
	MinScore = 0.0
)

// Canonical credential policy values.
const (
	SuccessIncrement       = 2
	FailureDecrement       = 10
	PauseThreshold         = 80
	MaxConsecutiveFailures = 5
	SelectableThreshold    = 80
)

type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

type PauseCause string

const (
	CauseNone         PauseCause = ""
	CauseAutoHealth   PauseCause = "auto_health"
	CauseAutoFailures PauseCause = "auto_failures"
	CauseAutoQuota    PauseCause = "auto_quota"
	CauseManual       PauseCause = "manual"
)

// AutoCauses lists the causes the quota sweep is allowed to lift.
var AutoCauses = []PauseCause{CauseAutoHealth, CauseAutoFailures, CauseAutoQuota}

func (c PauseCause) Valid() bool {
	switch c {
	case CauseNone, CauseAutoHealth, CauseAutoFailures, CauseAutoQuota, CauseManual:
		return true
	}
	return false
}

// AutoResumable reports whether a pause with this cause is lifted by the
// monthly quota reset.
func AutoResumable(c PauseCause) bool {
	for _, auto := range AutoCauses {
		if c == auto {
			return true
		}
	}
	return false
}

// State is the health portion of a pooled resource. It is embedded in the
// credential and proxy records and maps onto identically named columns.
type State struct {
	Status              Status     `json:"status" db:"status"`
	PauseCause          PauseCause `json:"pause_cause,omitempty" db:"pause_cause"`
	PauseReason         string     `json:"pause_reason,omitempty" db:"pause_reason"`
	PausedAt            *time.Time `json:"paused_at,omitempty" db:"paused_at"`
	Score               float64    `json:"health_score" db:"health_score"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty" db:"last_success_at"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
	LastFailureReason   string     `json:"last_failure_reason,omitempty" db:"last_failure_reason"`
}

// Fresh returns the state of a newly added resource.
func Fresh() State {
	return State{Status: StatusActive, Score: MaxScore}
}

func (s State) Active() bool { return s.Status == StatusActive }

// Policy parametrizes the scoring rules. A zero MaxConsecutiveFailures
// disables the consecutive-failure trigger.
type Policy struct {
	SuccessIncrement       float64
	FailureDecrement       float64
	PauseThreshold         float64
	MaxConsecutiveFailures int
	SelectableThreshold    float64
	// Inclusive makes a score equal to the thresholds count as unhealthy:
	// pause at or below PauseThreshold, select only above
	// SelectableThreshold.
	Inclusive bool
}

// CredentialPolicy is the policy applied to upstream credentials.
var CredentialPolicy = Policy{
	SuccessIncrement:       SuccessIncrement,
	FailureDecrement:       FailureDecrement,
	PauseThreshold:         PauseThreshold,
	MaxConsecutiveFailures: MaxConsecutiveFailures,
	SelectableThreshold:    SelectableThreshold,
}

// ProxyPolicy is the gentler policy applied to egress proxies.
var ProxyPolicy = Policy{
	SuccessIncrement:    5,
	FailureDecrement:    10,
	PauseThreshold:      30,
	SelectableThreshold: 30,
	Inclusive:           true,
}

func clamp(v float64) float64 {
	if v > MaxScore {
		return MaxScore
	}
	if v < MinScore {
		return MinScore
	}
	return v
}

// Success applies a successful use. Status is never touched.
func (p Policy) Success(s State, now time.Time) State {
	s.ConsecutiveFailures = 0
	s.Score = clamp(s.Score + p.SuccessIncrement)
	s.LastSuccessAt = &now
	return s
}

// Failure applies a failed use without deciding about pausing; see
// PauseDecision.
func (p Policy) Failure(s State, reason string, now time.Time) State {
	s.ConsecutiveFailures++
	s.Score = clamp(s.Score - p.FailureDecrement)
	s.LastFailureAt = &now
	s.LastFailureReason = reason
	return s
}

// PauseDecision returns the automatic pause cause warranted by s, if any.
// Only active resources are paused automatically and the health trigger
// wins over the consecutive-failure trigger.
func (p Policy) PauseDecision(s State) (PauseCause, bool) {
	if !s.Active() {
		return CauseNone, false
	}
	if s.Score < p.PauseThreshold || (p.Inclusive && s.Score == p.PauseThreshold) {
		return CauseAutoHealth, true
	}
	if p.MaxConsecutiveFailures > 0 && s.ConsecutiveFailures >= p.MaxConsecutiveFailures {
		return CauseAutoFailures, true
	}
	return CauseNone, false
}

// Selectable reports whether s may be handed out by a pool.
func (p Policy) Selectable(s State) bool {
	if p.Inclusive {
		return s.Active() && s.Score > p.SelectableThreshold
	}
	return s.Active() && s.Score >= p.SelectableThreshold
}

// PauseNote renders the operator-facing note stored with an automatic pause.
func (p Policy) PauseNote(cause PauseCause, s State) string {
	switch cause {
	case CauseAutoHealth:
		if p.Inclusive {
			return fmt.Sprintf("Auto-paused: health dropped to %.0f%%", s.Score)
		}
		return fmt.Sprintf("Auto-paused: Health score dropped below %.0f%% (%.0f%%)", p.PauseThreshold, s.Score)
	case CauseAutoFailures:
		return fmt.Sprintf("Auto-paused: %d consecutive failures", s.ConsecutiveFailures)
	case CauseAutoQuota:
		return "Auto-paused: provider quota exhausted"
	}
	return ""
}

// Pause moves s to paused with the given cause. An automatic cause never
// replaces an existing pause; a manual one always does.
func Pause(s State, cause PauseCause, reason string, now time.Time) State {
	if !s.Active() && cause != CauseManual {
		return s
	}
	s.Status = StatusPaused
	s.PauseCause = cause
	s.PauseReason = reason
	s.PausedAt = &now
	return s
}

// Resume reactivates s with full rehabilitation.
func Resume(s State) State {
	s = ResetHealth(s)
	s.Status = StatusActive
	s.PauseCause = CauseNone
	s.PauseReason = ""
	s.PausedAt = nil
	return s
}

// ResetHealth restores the score and clears the failure streak regardless
// of status.
func ResetHealth(s State) State {
	s.Score = MaxScore
	s.ConsecutiveFailures = 0
	return s
}
