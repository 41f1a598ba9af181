package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/impulse_guard/internal/coordinator"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func TestBrokerFiltersByTab(t *testing.T) {
	b := NewBroker()
	allID, all := b.Subscribe("")
	defer b.Unsubscribe(allID)
	tabID, tab7 := b.Subscribe("7")
	defer b.Unsubscribe(tabID)

	if got := b.Publish(Event{Type: "begin_check", TabID: "9"}); got != 1 {
		t.Fatalf("Publish(tab 9) = %d; want 1", got)
	}
	if got := b.Publish(Event{Type: "begin_check", TabID: "7"}); got != 2 {
		t.Fatalf("Publish(tab 7) = %d; want 2", got)
	}
	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events; want 2", got)
	}
	if got := len(tab7); got != 1 {
		t.Fatalf("tab 7 subscriber got %d events; want 1", got)
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	id, _ := b.Subscribe("")
	defer b.Unsubscribe(id)

	for i := 0; i < subscriberBufSize; i++ {
		b.Publish(Event{TabID: "1"})
	}
	if got := b.Publish(Event{TabID: "1"}); got != 0 {
		t.Fatalf("Publish() on full buffer = %d; want 0", got)
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe("")
	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	if got := b.ClientCount(); got != 0 {
		t.Fatalf("ClientCount() = %d; want 0", got)
	}
}

type fakePresenter struct {
	mu    sync.Mutex
	calls []coordinator.Effect
	err   error
}

func (p *fakePresenter) Present(_ context.Context, e coordinator.Effect) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, e)
	return p.err
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []coordinator.Effect
}

func (n *fakeNotifier) Notify(_ context.Context, e coordinator.Effect) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, e)
	return nil
}

func TestRouterWithoutReceiversFails(t *testing.T) {
	r := NewRouter(NewBroker(), nil)
	err := r.Dispatch(coordinator.Effect{Kind: coordinator.EffectShowWarning, TabID: "7"})
	if !errors.Is(err, ErrNoReceiver) {
		t.Fatalf("Dispatch() = %v; want ErrNoReceiver", err)
	}
}

func TestRouterPublishesEffectJSON(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe("7")
	defer b.Unsubscribe(id)
	n := &fakeNotifier{}
	r := NewRouter(b, nil, n)

	eff := coordinator.Effect{Kind: coordinator.EffectShowWarning, TabID: "7", CheckID: "c1", Message: "careful"}
	if err := r.Dispatch(eff); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	r.Wait()

	evt := <-ch
	if evt.Type != "show_warning" {
		t.Fatalf("event type = %q; want show_warning", evt.Type)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(evt.Payload), &got); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if got["type"] != "show_warning" || got["tab_id"] != "7" || got["check_id"] != "c1" || got["message"] != "careful" {
		t.Fatalf("payload = %v; want show_warning for tab 7", got)
	}
	if len(n.calls) != 1 {
		t.Fatalf("notifier calls = %d; want 1", len(n.calls))
	}
}

func TestRouterNotifiesOnlyWarnings(t *testing.T) {
	b := NewBroker()
	id, _ := b.Subscribe("")
	defer b.Unsubscribe(id)
	n := &fakeNotifier{}
	r := NewRouter(b, nil, n)

	_ = r.Dispatch(coordinator.Effect{Kind: coordinator.EffectBeginCheck, TabID: "1"})
	_ = r.Dispatch(coordinator.Effect{Kind: coordinator.EffectAllowReturn, TabID: "1"})
	r.Wait()
	if len(n.calls) != 0 {
		t.Fatalf("notifier calls = %d; want 0", len(n.calls))
	}
}

func TestRouterReportsPresenterFailureWhenNobodyListens(t *testing.T) {
	p := &fakePresenter{err: errors.New("tab gone")}
	r := NewRouter(NewBroker(), p)

	var failed []coordinator.DeliveryFailed
	var mu sync.Mutex
	r.OnDeliveryFailed(func(df coordinator.DeliveryFailed) {
		mu.Lock()
		failed = append(failed, df)
		mu.Unlock()
	})

	eff := coordinator.Effect{Kind: coordinator.EffectShowWarning, TabID: "7", CheckID: "c1"}
	if err := r.Dispatch(eff); err != nil {
		t.Fatalf("Dispatch() with presenter = %v; want nil", err)
	}
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0].TabID != "7" || failed[0].CheckID != "c1" || failed[0].Effect != coordinator.EffectShowWarning {
		t.Fatalf("failures = %+v; want one for tab 7", failed)
	}
}

func TestSSEHandlerStreamsFilteredEvents(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?tab_id=7&types=show_warning", nil)
	if err != nil {
		t.Fatalf("http.NewRequest() failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content-type = %q; want text/event-stream", got)
	}

	waitForClients(t, b, 1)
	b.Publish(Event{Type: "begin_check", TabID: "7", Payload: `{"n":1}`})
	b.Publish(Event{Type: "show_warning", TabID: "9", Payload: `{"n":2}`})
	b.Publish(Event{Type: "show_warning", TabID: "7", Payload: `{"n":3}`})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if lines[0] != "event: show_warning" || lines[1] != `data: {"n":3}` {
		t.Fatalf("stream = %q; want only the tab 7 warning", lines)
	}
}

func TestWSHandlerStreamsEvents(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(WSHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?tab_id=9")
	if err != nil {
		t.Fatalf("ws.Dial() error = %v", err)
	}
	defer conn.Close()

	waitForClients(t, b, 1)
	b.Publish(Event{Type: "allow_return", TabID: "9", Payload: `{"type":"allow_return"}`})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("ReadServerText() error = %v", err)
	}
	if got := string(msg); got != `{"type":"allow_return"}` {
		t.Fatalf("message = %q; want allow_return payload", got)
	}
}

func waitForClients(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d; want %d", b.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
