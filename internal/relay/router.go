package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/impulse_guard/internal/coordinator"
)

// ErrNoReceiver means an effect reached no client and no presenter.
var ErrNoReceiver = errors.New("no effect receiver connected")

const sideEffectTimeout = 10 * time.Second

// Presenter renders effects directly in a browser tab.
type Presenter interface {
	Present(ctx context.Context, e coordinator.Effect) error
}

// Notifier is told about every warning that is shown.
type Notifier interface {
	Notify(ctx context.Context, e coordinator.Effect) error
}

// Router is the coordinator's Dispatcher. It publishes each effect to the
// broker and hands it to the optional presenter and notifiers.
type Router struct {
	broker    *Broker
	presenter Presenter
	notifiers []Notifier

	mu       sync.RWMutex
	onFailed func(coordinator.DeliveryFailed)

	wg sync.WaitGroup
}

// NewRouter creates a router. presenter may be nil.
func NewRouter(broker *Broker, presenter Presenter, notifiers ...Notifier) *Router {
	return &Router{broker: broker, presenter: presenter, notifiers: notifiers}
}

// OnDeliveryFailed sets the callback for warnings that the presenter failed to
// render and no client received.
func (r *Router) OnDeliveryFailed(fn func(coordinator.DeliveryFailed)) {
	r.mu.Lock()
	r.onFailed = fn
	r.mu.Unlock()
}

// Dispatch implements coordinator.Dispatcher.
func (r *Router) Dispatch(e coordinator.Effect) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("relay: marshal effect: %w", err)
	}
	delivered := r.broker.Publish(Event{Type: string(e.Kind), TabID: e.TabID, Payload: string(payload)})
	slog.Debug("effect published", "type", e.Kind, "tab_id", e.TabID, "check_id", e.CheckID, "clients", delivered)

	if e.Kind == coordinator.EffectShowWarning {
		r.notify(e)
	}
	if r.presenter != nil {
		r.present(e, delivered)
		return nil
	}
	if delivered == 0 {
		return ErrNoReceiver
	}
	return nil
}

func (r *Router) present(e coordinator.Effect, delivered int) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		err := r.presenter.Present(ctx, e)
		if err == nil {
			return
		}
		slog.Warn("presenter failed", "type", e.Kind, "tab_id", e.TabID, "check_id", e.CheckID, "error", err)
		if delivered > 0 {
			return
		}
		r.mu.RLock()
		fn := r.onFailed
		r.mu.RUnlock()
		if fn != nil {
			fn(coordinator.DeliveryFailed{TabID: e.TabID, CheckID: e.CheckID, Effect: e.Kind})
		}
	}()
}

func (r *Router) notify(e coordinator.Effect) {
	for _, n := range r.notifiers {
		r.wg.Add(1)
		go func(n Notifier) {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
			defer cancel()
			if err := n.Notify(ctx, e); err != nil {
				slog.Warn("notification failed", "tab_id", e.TabID, "notifier", fmt.Sprintf("%T", n), "error", err)
			}
		}(n)
	}
}

// Wait blocks until in-flight presenter and notifier calls finish.
func (r *Router) Wait() {
	r.wg.Wait()
}
