package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// errClosed is returned for commands on a dropped connection.
var errClosed = errors.New("cdp: connection closed")

// Conn is a browser-level DevTools connection. It speaks the protocol
// directly over one WebSocket with flattened sessions, so attaching to the
// user's browser never opens a tab of its own.
type Conn struct {
	httpBase string

	mu   sync.Mutex
	conn net.Conn
	seq  atomic.Int64
	done chan struct{}

	pendingMu sync.Mutex
	pending   map[int64]chan json.RawMessage

	handlersMu sync.RWMutex
	handlers   map[string]func(sessionID string, params json.RawMessage)
}

// NewConn creates an unconnected client for the browser at httpBase
// (e.g. "http://127.0.0.1:9222").
func NewConn(httpBase string) *Conn {
	return &Conn{
		httpBase: strings.TrimRight(httpBase, "/"),
		pending:  make(map[int64]chan json.RawMessage),
		handlers: make(map[string]func(string, json.RawMessage)),
	}
}

// On registers the handler for a protocol event method. Handlers run on the
// read goroutine and must not block.
func (c *Conn) On(method string, fn func(sessionID string, params json.RawMessage)) {
	c.handlersMu.Lock()
	c.handlers[method] = fn
	c.handlersMu.Unlock()
}

// Connect dials the browser WebSocket endpoint advertised by /json/version.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	wsURL, err := c.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("cdp: browser ws url: %w", err)
	}
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("cdp: dial: %w", err)
	}
	slog.Debug("cdp connected", "ws_url", wsURL)

	c.conn = conn
	c.done = make(chan struct{})
	go c.readLoop(conn, c.done)
	return nil
}

// Done is closed when the current connection drops.
func (c *Conn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Close drops the connection.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Conn) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	defer c.failPending()
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("cdp read loop exit", "error", err)
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}

		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch {
		case msg.ID > 0:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.pendingMu.Unlock()
			if ok {
				ch <- json.RawMessage(data)
			}
		case msg.Method != "":
			c.handlersMu.RLock()
			fn := c.handlers[msg.Method]
			c.handlersMu.RUnlock()
			if fn != nil {
				fn(msg.SessionID, msg.Params)
			}
		}
	}
}

func (c *Conn) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Send issues a command, on the browser target when sessionID is empty, and
// returns its result object.
func (c *Conn) Send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errClosed
	}

	id := c.seq.Add(1)
	data, err := json.Marshal(struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params})
	if err != nil {
		return nil, fmt.Errorf("cdp: marshal %s: %w", method, err)
	}

	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	c.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	c.mu.Unlock()
	if err != nil {
		forget()
		return nil, fmt.Errorf("cdp: send %s: %w", method, err)
	}

	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, errClosed
		}
		var resp struct {
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("cdp: decode %s: %w", method, err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("cdp: %s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// Attach opens a flattened session on a target.
func (c *Conn) Attach(ctx context.Context, targetID string) (string, error) {
	raw, err := c.Send(ctx, "", "Target.attachToTarget", map[string]any{"targetId": targetID, "flatten": true})
	if err != nil {
		return "", err
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("cdp: decode attach: %w", err)
	}
	return out.SessionID, nil
}

// Detach closes a session without closing its target.
func (c *Conn) Detach(ctx context.Context, sessionID string) error {
	_, err := c.Send(ctx, "", "Target.detachFromTarget", map[string]any{"sessionId": sessionID})
	return err
}

// Evaluate runs an expression in the session's page and returns the
// JSON-encoded value.
func (c *Conn) Evaluate(ctx context.Context, sessionID, expr string) (json.RawMessage, error) {
	raw, err := c.Send(ctx, sessionID, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("cdp: decode evaluate: %w", err)
	}
	if out.ExceptionDetails != nil {
		return nil, fmt.Errorf("cdp: evaluate exception: %s", out.ExceptionDetails.Text)
	}
	return out.Result.Value, nil
}

func (c *Conn) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("/json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", errors.New("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
