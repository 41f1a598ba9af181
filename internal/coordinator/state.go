package coordinator

import (
	"context"
	"time"

	"github.com/dgnsrekt/impulse_guard/internal/analysis"
)

// Phase is the check state of a tab. A tab with no entry is Idle.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhasePendingCheck Phase = "pending_check"
	PhaseWarned       Phase = "warned"
)

// EffectKind names an outbound side effect.
type EffectKind string

const (
	EffectBeginCheck  EffectKind = "begin_check"
	EffectShowWarning EffectKind = "show_warning"
	EffectAllowReturn EffectKind = "allow_return"
)

// Effect is an instruction to the presentation layer.
type Effect struct {
	Kind     EffectKind      `json:"type"`
	TabID    string          `json:"tab_id"`
	CheckID  string          `json:"check_id"`
	Location string          `json:"location,omitempty"`
	Message  string          `json:"message,omitempty"`
	Trigger  string          `json:"trigger,omitempty"`
	Scores   analysis.Scores `json:"scores,omitempty"`
}

type entry struct {
	tabID            string
	phase            Phase
	originalLocation string
	checkID          string
	startedAt        time.Time
	warnedAt         time.Time
	cancel           context.CancelFunc
}

type marker struct {
	location  string
	checkID   string
	expiresAt time.Time
	stop      func() bool
}

// TabView is a read-only copy of one table entry.
type TabView struct {
	TabID            string    `json:"tab_id"`
	Phase            Phase     `json:"phase"`
	OriginalLocation string    `json:"original_location"`
	CheckID          string    `json:"check_id"`
	StartedAt        time.Time `json:"started_at"`
	WarnedAt         time.Time `json:"warned_at,omitzero"`
}

// SafeReturnView is a read-only copy of a live safe-return marker.
type SafeReturnView struct {
	TabID     string    `json:"tab_id"`
	Location  string    `json:"location"`
	ExpiresAt time.Time `json:"expires_at"`
}

// State is a consistent snapshot of the coordinator.
type State struct {
	Tabs        []TabView        `json:"tabs"`
	SafeReturns []SafeReturnView `json:"safe_returns"`
}
