package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/impulse_guard/internal/coordinator"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const checkoutURL = "https://www.amazon.com/gp/buy/spc/handlers/display.html"

type fakePages struct{}

func (fakePages) IsCheckout(loc string) bool  { return strings.Contains(loc, "/gp/buy/") }
func (fakePages) IsCheckPage(loc string) bool { return strings.HasPrefix(loc, "http://localhost:8081/") }

func page(id, url string) *target.Info {
	return &target.Info{TargetID: target.ID(id), Type: "page", URL: url}
}

func TestTabRegistryObserve(t *testing.T) {
	r := newTabRegistry(fakePages{})

	if got := r.observe(page("T1", "https://www.amazon.com/dp/B0001")); len(got) != 0 {
		t.Fatalf("first non-checkout observe = %v; want none", got)
	}

	got := r.observe(page("T1", checkoutURL))
	if len(got) != 2 {
		t.Fatalf("observe(checkout) = %v; want navigated + entered", got)
	}
	if nav, ok := got[0].(coordinator.TabNavigated); !ok || nav.Location != checkoutURL {
		t.Fatalf("event[0] = %#v; want TabNavigated", got[0])
	}
	if ent, ok := got[1].(coordinator.CheckoutEntered); !ok || ent.TabID != "T1" {
		t.Fatalf("event[1] = %#v; want CheckoutEntered for T1", got[1])
	}

	if got := r.observe(page("T1", checkoutURL)); len(got) != 0 {
		t.Fatalf("repeated observe = %v; want none", got)
	}

	got = r.observe(page("T1", "http://localhost:8081/?originalUrl=x"))
	if len(got) != 1 {
		t.Fatalf("observe(check page) = %v; want navigated only", got)
	}

	r.observe(page("T1", checkoutURL))
	got = r.observe(page("T1", "https://www.amazon.com/"))
	if len(got) != 2 {
		t.Fatalf("observe(leave checkout) = %v; want navigated + exited", got)
	}
	if ex, ok := got[1].(coordinator.CheckoutExited); !ok || ex.Reason != coordinator.ReasonNavigatedAway {
		t.Fatalf("event[1] = %#v; want CheckoutExited navigated_away", got[1])
	}
}

func TestTabRegistryIgnoresNonPages(t *testing.T) {
	r := newTabRegistry(fakePages{})
	info := &target.Info{TargetID: "W1", Type: "service_worker", URL: checkoutURL}
	if got := r.observe(info); len(got) != 0 {
		t.Fatalf("observe(worker) = %v; want none", got)
	}
	if r.forget("W1") {
		t.Fatal("forget(W1) = true; want false for untracked target")
	}
}

func TestTabRegistryFirstSightOnCheckout(t *testing.T) {
	r := newTabRegistry(fakePages{})
	got := r.observe(page("T2", checkoutURL))
	if len(got) != 1 {
		t.Fatalf("observe() = %v; want CheckoutEntered only", got)
	}
	if _, ok := got[0].(coordinator.CheckoutEntered); !ok {
		t.Fatalf("event = %#v; want CheckoutEntered", got[0])
	}
}

// fakeBrowser is a minimal DevTools endpoint: it answers every command with
// an empty result (or a canned one) and lets the test push events.
type fakeBrowser struct {
	srv *httptest.Server

	mu       sync.Mutex
	conn     net.Conn
	commands []string
	results  map[string]string
	onCmd    func(method string)
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{results: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws://" + r.Host + "/devtools/browser/fake"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/devtools/browser/fake", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conn = conn
		fb.mu.Unlock()
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var msg struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
			}
			_ = json.Unmarshal(data, &msg)
			fb.mu.Lock()
			fb.commands = append(fb.commands, msg.Method)
			result, ok := fb.results[msg.Method]
			onCmd := fb.onCmd
			fb.mu.Unlock()
			if !ok {
				result = "{}"
			}
			resp := fmt.Sprintf(`{"id":%d,"result":%s}`, msg.ID, result)
			fb.write(resp)
			if onCmd != nil {
				onCmd(msg.Method)
			}
		}
	})
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) write(msg string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.conn != nil {
		_ = wsutil.WriteServerText(fb.conn, []byte(msg))
	}
}

func (fb *fakeBrowser) emit(method string, params any) {
	raw, _ := json.Marshal(map[string]any{"method": method, "params": params})
	fb.write(string(raw))
}

func (fb *fakeBrowser) sent() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.commands...)
}

func TestConnSendAndEvaluate(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.results["Target.attachToTarget"] = `{"sessionId":"S1"}`
	fb.results["Runtime.evaluate"] = `{"result":{"type":"boolean","value":true}}`

	c := NewConn(fb.srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	sid, err := c.Attach(ctx, "T1")
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if sid != "S1" {
		t.Fatalf("Attach() = %q; want S1", sid)
	}
	val, err := c.Evaluate(ctx, sid, "true")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if string(val) != "true" {
		t.Fatalf("Evaluate() = %s; want true", val)
	}
}

func TestConnReportsProtocolErrors(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.results["Page.navigate"] = `null,"error":{"message":"No target with given id"}`
	c := NewConn(fb.srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	_, err := c.Send(ctx, "S1", "Page.navigate", map[string]any{"url": "x"})
	if err == nil || !strings.Contains(err.Error(), "No target") {
		t.Fatalf("Send() = %v; want protocol error", err)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	c := NewConn("http://127.0.0.1:1")
	if _, err := c.Send(context.Background(), "", "Target.getTargets", nil); err != errClosed {
		t.Fatalf("Send() = %v; want errClosed", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done() open on an unconnected client")
	}
}

func TestWatcherSubmitsEvents(t *testing.T) {
	fb := newFakeBrowser(t)

	var mu sync.Mutex
	var got []coordinator.Event
	submit := func(_ context.Context, ev coordinator.Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	}

	fb.onCmd = func(method string) {
		if method != "Target.setDiscoverTargets" {
			return
		}
		fb.emit("Target.targetCreated", map[string]any{"targetInfo": map[string]any{
			"targetId": "T7", "type": "page", "url": "https://www.amazon.com/dp/B0001"}})
		fb.emit("Target.targetInfoChanged", map[string]any{"targetInfo": map[string]any{
			"targetId": "T7", "type": "page", "url": checkoutURL}})
		fb.emit("Target.targetDestroyed", map[string]any{"targetId": "T7"})
	}

	w := NewWatcher(NewConn(fb.srv.URL), fakePages{}, submit)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events = %d; want 3", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if _, ok := got[0].(coordinator.TabNavigated); !ok {
		t.Fatalf("event[0] = %#v; want TabNavigated", got[0])
	}
	if ent, ok := got[1].(coordinator.CheckoutEntered); !ok || ent.TabID != "T7" {
		t.Fatalf("event[1] = %#v; want CheckoutEntered T7", got[1])
	}
	if cl, ok := got[2].(coordinator.TabClosed); !ok || cl.TabID != "T7" {
		t.Fatalf("event[2] = %#v; want TabClosed T7", got[2])
	}
}

func TestPresenterAllowReturn(t *testing.T) {
	tests := []struct {
		name string
		href string
		want []string
	}{
		{
			name: "from_check_page",
			href: "http://localhost:8081/?tab_id=T9",
			want: []string{"Target.attachToTarget", "Runtime.evaluate", "Page.navigate", "Target.detachFromTarget"},
		},
		{
			name: "still_on_checkout",
			href: checkoutURL,
			want: []string{"Target.attachToTarget", "Runtime.evaluate", "Target.detachFromTarget"},
		},
		{
			name: "moved_to_another_step",
			href: "https://www.amazon.com/gp/buy/addressselect/handlers/display.html",
			want: []string{"Target.attachToTarget", "Runtime.evaluate", "Target.detachFromTarget"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newFakeBrowser(t)
			fb.results["Target.attachToTarget"] = `{"sessionId":"S9"}`
			fb.results["Runtime.evaluate"] = fmt.Sprintf(`{"result":{"type":"string","value":%q}}`, tt.href)
			p := NewPresenter(NewConn(fb.srv.URL), fakePages{}, nil)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := p.Present(ctx, coordinator.Effect{Kind: coordinator.EffectAllowReturn, TabID: "T9", Location: checkoutURL})
			if err != nil {
				t.Fatalf("Present() error = %v", err)
			}

			deadline := time.Now().Add(2 * time.Second)
			for len(fb.sent()) < len(tt.want) && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			got := fb.sent()
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("commands = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestOverlayScriptEmbedsEscapedConfig(t *testing.T) {
	p := NewPresenter(nil, fakePages{}, func(tabID string) string {
		return "http://127.0.0.1:8081/api/v1/tabs/" + tabID + "/decision"
	})
	js := p.overlayScript(coordinator.Effect{TabID: "T7", CheckID: "c1", Message: `Elevated "Anger"</script>`})

	if !strings.Contains(js, `"decisionURL":"http://127.0.0.1:8081/api/v1/tabs/T7/decision"`) {
		t.Fatalf("overlay script missing decision url: %s", js)
	}
	if strings.Contains(js, "</script>") {
		t.Fatal("overlay script contains unescaped markup")
	}
	if !strings.Contains(js, `\"Anger\"`) {
		t.Fatal("overlay script message not JSON-escaped")
	}
}
