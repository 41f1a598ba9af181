// Package notify tells the user about shown warnings outside the browser.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dgnsrekt/impulse_guard/internal/coordinator"
	"github.com/gen2brain/beeep"
)

const warningTitle = "Impulse Guard"

// Send posts a plain-text message to an ntfy topic URL. header values are
// passed through as ntfy message options (Title, Tags, Priority).
func Send(ctx context.Context, client *http.Client, endpoint, message string, header map[string]string) error {
	if strings.TrimSpace(endpoint) == "" {
		return errors.New("ntfy endpoint is required")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// NTFY pushes warnings to an ntfy topic.
type NTFY struct {
	Endpoint string
	Client   *http.Client
}

// Notify implements relay.Notifier.
func (n *NTFY) Notify(ctx context.Context, e coordinator.Effect) error {
	header := map[string]string{
		"Title":    warningTitle,
		"Tags":     "warning",
		"Priority": "high",
	}
	return Send(ctx, n.Client, n.Endpoint, warningText(e), header)
}

// Desktop shows a native desktop notification.
type Desktop struct {
	notify func(title, message, icon string) error
}

// NewDesktop creates a desktop notifier backed by the OS notification service.
func NewDesktop() *Desktop {
	return &Desktop{notify: func(title, message, icon string) error {
		return beeep.Notify(title, message, icon)
	}}
}

// Notify implements relay.Notifier.
func (d *Desktop) Notify(_ context.Context, e coordinator.Effect) error {
	return d.notify(warningTitle, warningText(e), "")
}

func warningText(e coordinator.Effect) string {
	if e.Message != "" {
		return e.Message
	}
	return "A purchase was paused for a second look."
}
