package coordinator

import (
	"github.com/dgnsrekt/impulse_guard/internal/analysis"
	"github.com/dgnsrekt/impulse_guard/internal/settings"
)

// Event is an input to the coordinator. All events are handled one at a time
// by the dispatcher goroutine.
type Event interface {
	event()
}

// CheckoutEntered signals that a tab arrived on a checkout page.
type CheckoutEntered struct {
	TabID    string
	Location string
}

// CheckoutExited signals that a tab's check cycle should end.
type CheckoutExited struct {
	TabID  string
	Reason string
}

// AnalysisOutcome carries the result of the check identified by CheckID.
type AnalysisOutcome struct {
	TabID   string
	CheckID string
	Result  analysis.Result
}

// TabClosed signals that a tab no longer exists.
type TabClosed struct {
	TabID string
}

// TabNavigated signals a committed top-level navigation.
type TabNavigated struct {
	TabID    string
	Location string
}

// SettingsChanged carries a new settings snapshot.
type SettingsChanged struct {
	Settings settings.Settings
}

// DeliveryFailed reports that an effect reached no presentation layer.
type DeliveryFailed struct {
	TabID   string
	CheckID string
	Effect  EffectKind
}

// SafeMarkerExpired ends the safe-return window opened by CheckID.
type SafeMarkerExpired struct {
	TabID   string
	CheckID string
}

type snapshotQuery struct {
	reply chan State
}

func (CheckoutEntered) event()   {}
func (CheckoutExited) event()    {}
func (AnalysisOutcome) event()   {}
func (TabClosed) event()         {}
func (TabNavigated) event()      {}
func (SettingsChanged) event()   {}
func (DeliveryFailed) event()    {}
func (SafeMarkerExpired) event() {}
func (snapshotQuery) event()     {}

// Reasons a check cycle ends without an outcome.
const (
	ReasonStreamError    = "stream_error"
	ReasonDeliveryFailed = "delivery_failed"
	ReasonNavigatedAway  = "navigated_away"
	ReasonTabClosed      = "tab_closed"
	ReasonClientExit     = "client_exit"
)
