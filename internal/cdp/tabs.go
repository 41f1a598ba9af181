package cdp

import (
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/impulse_guard/internal/coordinator"
)

// PageMatcher classifies locations.
type PageMatcher interface {
	IsCheckout(location string) bool
	IsCheckPage(location string) bool
}

type tabState struct {
	url        string
	onCheckout bool
}

// tabRegistry remembers the last committed URL of every page target and turns
// target updates into coordinator events.
type tabRegistry struct {
	pages PageMatcher

	mu   sync.Mutex
	tabs map[target.ID]tabState
}

func newTabRegistry(pages PageMatcher) *tabRegistry {
	return &tabRegistry{pages: pages, tabs: make(map[target.ID]tabState)}
}

// observe records info and returns the events it implies. Repeated updates
// for an unchanged URL produce nothing.
func (r *tabRegistry) observe(info *target.Info) []coordinator.Event {
	if info == nil || info.Type != "page" || info.URL == "" {
		return nil
	}
	tabID := string(info.TargetID)
	checkout := r.pages.IsCheckout(info.URL)

	r.mu.Lock()
	prev, seen := r.tabs[info.TargetID]
	r.tabs[info.TargetID] = tabState{url: info.URL, onCheckout: checkout}
	r.mu.Unlock()

	if seen && prev.url == info.URL {
		return nil
	}

	var events []coordinator.Event
	if seen {
		events = append(events, coordinator.TabNavigated{TabID: tabID, Location: info.URL})
	}
	switch {
	case checkout:
		events = append(events, coordinator.CheckoutEntered{TabID: tabID, Location: info.URL})
	case prev.onCheckout && !r.pages.IsCheckPage(info.URL):
		events = append(events, coordinator.CheckoutExited{TabID: tabID, Reason: coordinator.ReasonNavigatedAway})
	}
	return events
}

// forget drops a destroyed target. It reports whether the target was a
// tracked page.
func (r *tabRegistry) forget(id target.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tabs[id]
	delete(r.tabs, id)
	return ok
}

func (r *tabRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}
