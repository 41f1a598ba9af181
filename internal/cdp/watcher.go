// Package cdp observes and drives the user's browser over the Chrome
// DevTools Protocol: tab lifecycle in, warning overlays and return
// navigations out.
package cdp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/impulse_guard/internal/coordinator"
)

const (
	updateBufSize  = 128
	reconnectDelay = 3 * time.Second
	submitTimeout  = 5 * time.Second
)

// Submitter delivers events to the coordinator.
type Submitter func(ctx context.Context, ev coordinator.Event) error

type targetUpdate struct {
	info      *target.Info
	destroyed target.ID
}

// Watcher turns browser target discovery events into coordinator events.
type Watcher struct {
	conn    *Conn
	tabs    *tabRegistry
	submit  Submitter
	updates chan targetUpdate
}

// NewWatcher creates a watcher on conn. conn should not be shared with
// another watcher.
func NewWatcher(conn *Conn, pages PageMatcher, submit Submitter) *Watcher {
	w := &Watcher{
		conn:    conn,
		tabs:    newTabRegistry(pages),
		submit:  submit,
		updates: make(chan targetUpdate, updateBufSize),
	}
	conn.On("Target.targetCreated", w.onTargetInfo)
	conn.On("Target.targetInfoChanged", w.onTargetInfo)
	conn.On("Target.targetDestroyed", w.onTargetDestroyed)
	return w
}

// Run watches until ctx is done, reconnecting when the browser goes away.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.conn.Close()
	for {
		if err := w.start(ctx); err != nil {
			slog.Warn("cdp watcher connect failed", "error", err, "retry_in", reconnectDelay)
		} else {
			slog.Info("cdp watcher attached")
			w.pump(ctx)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (w *Watcher) start(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := w.conn.Connect(connectCtx); err != nil {
		return err
	}
	// Discovery replays targetCreated for every existing target.
	if _, err := w.conn.Send(connectCtx, "", "Target.setDiscoverTargets", map[string]any{"discover": true}); err != nil {
		w.conn.Close()
		return err
	}
	return nil
}

func (w *Watcher) pump(ctx context.Context) {
	done := w.conn.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			slog.Warn("cdp watcher lost browser connection", "tracked_tabs", w.tabs.count())
			return
		case u := <-w.updates:
			w.handle(ctx, u)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, u targetUpdate) {
	var events []coordinator.Event
	if u.info != nil {
		events = w.tabs.observe(u.info)
	} else if w.tabs.forget(u.destroyed) {
		events = []coordinator.Event{coordinator.TabClosed{TabID: string(u.destroyed)}}
	}
	for _, ev := range events {
		submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
		err := w.submit(submitCtx, ev)
		cancel()
		if err != nil {
			slog.Warn("cdp watcher submit failed", "event", ev, "error", err)
		}
	}
}

func (w *Watcher) onTargetInfo(_ string, params json.RawMessage) {
	var evt struct {
		TargetInfo *target.Info `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &evt); err != nil || evt.TargetInfo == nil {
		slog.Debug("cdp watcher bad target event", "error", err)
		return
	}
	w.enqueue(targetUpdate{info: evt.TargetInfo})
}

func (w *Watcher) onTargetDestroyed(_ string, params json.RawMessage) {
	var evt struct {
		TargetID target.ID `json:"targetId"`
	}
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	w.enqueue(targetUpdate{destroyed: evt.TargetID})
}

func (w *Watcher) enqueue(u targetUpdate) {
	select {
	case w.updates <- u:
	default:
		slog.Warn("cdp watcher update buffer full, dropping target update")
	}
}
