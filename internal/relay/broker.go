package relay

import (
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 64

// Event is one serialized effect on its way to a client.
type Event struct {
	Type    string
	TabID   string
	Payload string
}

type subscriber struct {
	ch    chan Event
	tabID string
}

// Broker fans out events to subscribed clients, optionally filtered by tab.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]subscriber
	nextID      atomic.Int64
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]subscriber),
	}
}

// Subscribe registers a client. An empty tabID receives every event. The
// channel is buffered; slow consumers have events dropped.
func (b *Broker) Subscribe(tabID string) (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = subscriber{ch: ch, tabID: tabID}
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to every matching subscriber without blocking and
// returns how many accepted it.
func (b *Broker) Publish(evt Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, sub := range b.subscribers {
		if sub.tabID != "" && sub.tabID != evt.TabID {
			continue
		}
		select {
		case sub.ch <- evt:
			delivered++
		default:
		}
	}
	return delivered
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
