// Package coordinator tracks, per browser tab, whether a check cycle is
// active. One goroutine owns the tab table and applies events in arrival
// order; checks run concurrently and report back through the same queue.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgnsrekt/impulse_guard/internal/analysis"
	"github.com/dgnsrekt/impulse_guard/internal/journal"
	"github.com/dgnsrekt/impulse_guard/internal/settings"
	"github.com/google/uuid"
)

const (
	DefaultCheckTimeout  = 30 * time.Second
	DefaultSafeReturnTTL = 10 * time.Second
	defaultQueueSize     = 64
)

// ErrStopped is returned when submitting to a coordinator that is not running.
var ErrStopped = errors.New("coordinator stopped")

// Checker runs one capture/analysis cycle. It must honor ctx.
type Checker interface {
	Check(ctx context.Context, req analysis.CheckRequest) analysis.Result
}

// Dispatcher delivers an effect to the presentation layer. It must not block;
// an error means the effect reached nobody.
type Dispatcher interface {
	Dispatch(e Effect) error
}

// PageMatcher classifies locations.
type PageMatcher interface {
	IsCheckout(location string) bool
	IsCheckPage(location string) bool
}

// Recorder receives journal entries for finished checks.
type Recorder interface {
	Record(e journal.Entry)
}

// Config tunes timeouts. Zero values use the defaults.
type Config struct {
	CheckTimeout  time.Duration
	SafeReturnTTL time.Duration
	QueueSize     int
}

// Coordinator is the tab monitoring state machine.
type Coordinator struct {
	cfg        Config
	checker    Checker
	dispatcher Dispatcher
	pages      PageMatcher
	recorder   Recorder

	events chan Event
	done   chan struct{}

	now       func() time.Time
	newID     func() string
	afterFunc func(time.Duration, func()) func() bool

	// Owned by the dispatcher goroutine.
	baseCtx  context.Context
	tabs     map[string]*entry
	markers  map[string]*marker
	settings settings.Settings
}

// New creates a coordinator. recorder may be nil.
func New(cfg Config, initial settings.Settings, checker Checker, dispatcher Dispatcher, pages PageMatcher, recorder Recorder) *Coordinator {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.SafeReturnTTL <= 0 {
		cfg.SafeReturnTTL = DefaultSafeReturnTTL
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Coordinator{
		cfg:        cfg,
		checker:    checker,
		dispatcher: dispatcher,
		pages:      pages,
		recorder:   recorder,
		events:     make(chan Event, cfg.QueueSize),
		done:       make(chan struct{}),
		now:        time.Now,
		newID:      uuid.NewString,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		baseCtx:  context.Background(),
		tabs:     make(map[string]*entry),
		markers:  make(map[string]*marker),
		settings: initial,
	}
}

// Run dispatches events until ctx is done. In-flight checks are canceled on
// return.
func (c *Coordinator) Run(ctx context.Context) error {
	c.baseCtx = ctx
	slog.Info("coordinator started",
		"check_timeout_ms", c.cfg.CheckTimeout.Milliseconds(),
		"safe_return_ttl_ms", c.cfg.SafeReturnTTL.Milliseconds())
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.apply(ev)
		}
	}
}

func (c *Coordinator) shutdown() {
	close(c.done)
	for id, e := range c.tabs {
		if e.cancel != nil {
			e.cancel()
		}
		delete(c.tabs, id)
	}
	for id, m := range c.markers {
		m.stop()
		delete(c.markers, id)
	}
	slog.Info("coordinator stopped")
}

// Submit queues an event. It blocks while the queue is full.
func (c *Coordinator) Submit(ctx context.Context, ev Event) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a consistent copy of the table, ordered by tab id.
func (c *Coordinator) Snapshot(ctx context.Context) (State, error) {
	q := snapshotQuery{reply: make(chan State, 1)}
	if err := c.Submit(ctx, q); err != nil {
		return State{}, err
	}
	select {
	case st := <-q.reply:
		return st, nil
	case <-c.done:
		return State{}, ErrStopped
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// post is used by timers and check goroutines; it gives up once the
// dispatcher has stopped.
func (c *Coordinator) post(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) apply(ev Event) {
	switch ev := ev.(type) {
	case CheckoutEntered:
		c.onCheckoutEntered(ev)
	case CheckoutExited:
		c.remove(ev.TabID, ev.Reason)
	case AnalysisOutcome:
		c.onOutcome(ev)
	case TabClosed:
		c.remove(ev.TabID, ReasonTabClosed)
		c.dropMarker(ev.TabID)
	case TabNavigated:
		c.onNavigated(ev)
	case SettingsChanged:
		c.onSettingsChanged(ev)
	case DeliveryFailed:
		c.onDeliveryFailed(ev)
	case SafeMarkerExpired:
		if m, ok := c.markers[ev.TabID]; ok && m.checkID == ev.CheckID {
			delete(c.markers, ev.TabID)
			slog.Debug("safe return marker expired", "tab_id", ev.TabID, "check_id", ev.CheckID)
		}
	case snapshotQuery:
		ev.reply <- c.state()
	default:
		slog.Warn("coordinator ignored unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) onCheckoutEntered(ev CheckoutEntered) {
	if m, ok := c.markers[ev.TabID]; ok {
		if m.location == ev.Location && c.now().Before(m.expiresAt) {
			m.stop()
			delete(c.markers, ev.TabID)
			slog.Info("safe return consumed", "tab_id", ev.TabID, "check_id", m.checkID, "location", ev.Location)
			return
		}
		c.dropMarker(ev.TabID)
	}

	if e, ok := c.tabs[ev.TabID]; ok {
		slog.Debug("checkout entered ignored, tab already tracked",
			"tab_id", ev.TabID, "phase", e.phase, "check_id", e.checkID)
		return
	}

	e := &entry{
		tabID:            ev.TabID,
		phase:            PhasePendingCheck,
		originalLocation: ev.Location,
		checkID:          c.newID(),
		startedAt:        c.now(),
	}
	if !c.settings.HasCredential() {
		slog.Warn("check failed, allowing checkout", "tab_id", e.tabID, "check_id", e.checkID,
			"error_kind", analysis.KindConfigurationMissing, "message", "classifier api key is not configured")
		c.record(e, "error", ReasonStreamError, analysis.Failed(analysis.NewError(analysis.KindConfigurationMissing,
			"classifier api key is not configured", nil)))
		return
	}
	c.tabs[ev.TabID] = e
	slog.Info("check started", "tab_id", e.tabID, "check_id", e.checkID, "location", e.originalLocation)

	c.startCheck(e)
	c.emit(Effect{Kind: EffectBeginCheck, TabID: e.tabID, CheckID: e.checkID, Location: e.originalLocation})
}

func (c *Coordinator) startCheck(e *entry) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.CheckTimeout)
	e.cancel = cancel
	req := analysis.CheckRequest{TabID: e.tabID, CheckID: e.checkID, Location: e.originalLocation}

	go func() {
		defer cancel()

		resCh := make(chan analysis.Result, 1)
		go func() { resCh <- c.checker.Check(ctx, req) }()

		var res analysis.Result
		select {
		case res = <-resCh:
		case <-ctx.Done():
		}
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res = analysis.Failed(analysis.NewError(analysis.KindTimeout, "timed out", ctx.Err()))
		case ctx.Err() != nil:
			// Canceled by exit or close; the entry is already gone.
			return
		}
		c.post(AnalysisOutcome{TabID: req.TabID, CheckID: req.CheckID, Result: res})
	}()
}

func (c *Coordinator) onOutcome(ev AnalysisOutcome) {
	e, ok := c.tabs[ev.TabID]
	if !ok || e.checkID != ev.CheckID {
		slog.Debug("stale analysis outcome discarded", "tab_id", ev.TabID, "check_id", ev.CheckID,
			"verdict", ev.Result.Verdict)
		return
	}

	switch ev.Result.Verdict {
	case analysis.VerdictSafe:
		c.deleteEntry(e)
		c.record(e, "safe", "", ev.Result)
		c.setMarker(e)
		c.emit(Effect{Kind: EffectAllowReturn, TabID: e.tabID, CheckID: e.checkID, Location: e.originalLocation,
			Scores: ev.Result.Scores})

	case analysis.VerdictWarn:
		if e.phase == PhaseWarned {
			return
		}
		e.phase = PhaseWarned
		e.warnedAt = c.now()
		c.record(e, "warn", "", ev.Result)
		slog.Info("check warned", "tab_id", e.tabID, "check_id", e.checkID, "trigger", ev.Result.Trigger)
		c.emit(Effect{
			Kind:     EffectShowWarning,
			TabID:    e.tabID,
			CheckID:  e.checkID,
			Location: e.originalLocation,
			Message:  warningMessage(ev.Result.Trigger),
			Trigger:  ev.Result.Trigger,
			Scores:   ev.Result.Scores,
		})

	default:
		kind, msg := analysis.KindNetworkFailure, "unknown failure"
		if ev.Result.Err != nil {
			kind, msg = ev.Result.Err.Kind, ev.Result.Err.Message
		}
		slog.Warn("check failed, allowing checkout", "tab_id", e.tabID, "check_id", e.checkID,
			"error_kind", kind, "message", msg)
		c.deleteEntry(e)
		c.record(e, "error", ReasonStreamError, ev.Result)
	}
}

func (c *Coordinator) onNavigated(ev TabNavigated) {
	e, ok := c.tabs[ev.TabID]
	if !ok {
		if m, ok := c.markers[ev.TabID]; ok && m.location != ev.Location && !c.pages.IsCheckout(ev.Location) {
			c.dropMarker(ev.TabID)
		}
		return
	}
	if ev.Location == e.originalLocation {
		return
	}
	if c.pages.IsCheckout(ev.Location) || c.pages.IsCheckPage(ev.Location) {
		return
	}
	slog.Debug("tab navigated away", "tab_id", ev.TabID, "phase", e.phase, "location", ev.Location)
	c.remove(ev.TabID, ReasonNavigatedAway)
}

func (c *Coordinator) onSettingsChanged(ev SettingsChanged) {
	c.settings = ev.Settings
	if ev.Settings.HasCredential() {
		return
	}
	for _, e := range c.sortedEntries() {
		if e.phase != PhasePendingCheck {
			continue
		}
		c.onOutcome(AnalysisOutcome{
			TabID:   e.tabID,
			CheckID: e.checkID,
			Result: analysis.Failed(analysis.NewError(analysis.KindConfigurationMissing,
				"classifier api key was removed", nil)),
		})
	}
}

func (c *Coordinator) onDeliveryFailed(ev DeliveryFailed) {
	e, ok := c.tabs[ev.TabID]
	if !ok || e.checkID != ev.CheckID || ev.Effect != EffectShowWarning {
		return
	}
	slog.Warn("warning could not be delivered, allowing checkout", "tab_id", e.tabID, "check_id", e.checkID)
	c.remove(e.tabID, ReasonDeliveryFailed)
}

// remove deletes the tab's entry, if any, and cancels its check.
func (c *Coordinator) remove(tabID, reason string) {
	e, ok := c.tabs[tabID]
	if !ok {
		return
	}
	c.deleteEntry(e)
	if e.phase == PhasePendingCheck {
		c.record(e, "exited", reason, analysis.Result{})
	}
	slog.Info("tab check cleared", "tab_id", tabID, "check_id", e.checkID, "phase", e.phase, "reason", reason)
}

func (c *Coordinator) deleteEntry(e *entry) {
	if e.cancel != nil {
		e.cancel()
	}
	delete(c.tabs, e.tabID)
}

func (c *Coordinator) setMarker(e *entry) {
	c.dropMarker(e.tabID)
	tabID, checkID := e.tabID, e.checkID
	c.markers[tabID] = &marker{
		location:  e.originalLocation,
		checkID:   checkID,
		expiresAt: c.now().Add(c.cfg.SafeReturnTTL),
		stop: c.afterFunc(c.cfg.SafeReturnTTL, func() {
			c.post(SafeMarkerExpired{TabID: tabID, CheckID: checkID})
		}),
	}
}

func (c *Coordinator) dropMarker(tabID string) {
	if m, ok := c.markers[tabID]; ok {
		m.stop()
		delete(c.markers, tabID)
	}
}

func (c *Coordinator) emit(eff Effect) {
	if err := c.dispatcher.Dispatch(eff); err != nil {
		slog.Warn("effect not delivered", "type", eff.Kind, "tab_id", eff.TabID, "check_id", eff.CheckID, "error", err)
		if eff.Kind == EffectShowWarning {
			c.onDeliveryFailed(DeliveryFailed{TabID: eff.TabID, CheckID: eff.CheckID, Effect: eff.Kind})
		}
	}
}

func (c *Coordinator) record(e *entry, outcome, reason string, res analysis.Result) {
	if c.recorder == nil {
		return
	}
	je := journal.Entry{
		Time:        c.now().UTC(),
		Type:        journal.TypeCheck,
		TabID:       e.tabID,
		CheckID:     e.checkID,
		Location:    e.originalLocation,
		Outcome:     outcome,
		Reason:      reason,
		Trigger:     res.Trigger,
		Scores:      res.Scores,
		FrameDigest: res.FrameDigest,
		DurationMS:  c.now().Sub(e.startedAt).Milliseconds(),
	}
	if res.Err != nil {
		je.ErrorKind = string(res.Err.Kind)
		je.Message = res.Err.Message
	}
	c.recorder.Record(je)
}

func (c *Coordinator) state() State {
	st := State{Tabs: []TabView{}, SafeReturns: []SafeReturnView{}}
	for _, e := range c.sortedEntries() {
		st.Tabs = append(st.Tabs, TabView{
			TabID:            e.tabID,
			Phase:            e.phase,
			OriginalLocation: e.originalLocation,
			CheckID:          e.checkID,
			StartedAt:        e.startedAt,
			WarnedAt:         e.warnedAt,
		})
	}
	for tabID, m := range c.markers {
		st.SafeReturns = append(st.SafeReturns, SafeReturnView{TabID: tabID, Location: m.location, ExpiresAt: m.expiresAt})
	}
	sort.Slice(st.SafeReturns, func(i, j int) bool { return st.SafeReturns[i].TabID < st.SafeReturns[j].TabID })
	return st
}

func (c *Coordinator) sortedEntries() []*entry {
	out := make([]*entry, 0, len(c.tabs))
	for _, e := range c.tabs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tabID < out[j].tabID })
	return out
}

func warningMessage(trigger string) string {
	if trigger == "" {
		return "Are you sure this isn't an impulse buy?"
	}
	return fmt.Sprintf("Elevated %s detected. Are you sure this isn't an impulse buy?", trigger)
}
