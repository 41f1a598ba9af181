package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dgnsrekt/impulse_guard/internal/coordinator"
)

// overlayJS draws a full-page blocking prompt. The buttons report the user's
// choice to the daemon and remove the overlay; "go back" also leaves the page.
const overlayJS = `(() => {
  const id = "impulse-guard-overlay";
  document.getElementById(id)?.remove();
  const cfg = %s;
  const wrap = document.createElement("div");
  wrap.id = id;
  wrap.style.cssText = "position:fixed;inset:0;z-index:2147483647;background:rgba(0,0,0,.6);display:flex;align-items:center;justify-content:center;font-family:sans-serif";
  const box = document.createElement("div");
  box.style.cssText = "background:#fff;color:#222;padding:24px 28px;border-radius:8px;max-width:420px;text-align:center";
  const msg = document.createElement("p");
  msg.textContent = cfg.message;
  box.appendChild(msg);
  const decide = (choice) => {
    if (cfg.decisionURL) {
      fetch(cfg.decisionURL, {method: "POST", headers: {"Content-Type": "application/json"},
        body: JSON.stringify({choice: choice, check_id: cfg.checkID})}).catch(() => {});
    }
    wrap.remove();
    if (choice === "abandon") history.back();
  };
  for (const [label, choice] of [["Go back", "abandon"], ["Continue anyway", "proceed"]]) {
    const b = document.createElement("button");
    b.textContent = label;
    b.style.cssText = "margin:8px;padding:8px 14px;cursor:pointer";
    b.onclick = () => decide(choice);
    box.appendChild(b);
  }
  wrap.appendChild(box);
  document.documentElement.appendChild(wrap);
  return true;
})()`

const bannerJS = `(() => {
  const id = "impulse-guard-banner";
  if (document.getElementById(id)) return true;
  const b = document.createElement("div");
  b.id = id;
  b.textContent = %s;
  b.style.cssText = "position:fixed;top:12px;right:12px;z-index:2147483647;background:#333;color:#fff;padding:8px 12px;border-radius:6px;font:13px sans-serif";
  document.documentElement.appendChild(b);
  setTimeout(() => b.remove(), 8000);
  return true;
})()`

// Presenter renders effects inside the tab they target. Tab ids must be
// DevTools target ids, which holds when the Watcher is the signal source.
type Presenter struct {
	conn  *Conn
	pages PageMatcher
	// DecisionURL formats the decision endpoint for a tab id; empty disables
	// reporting from the overlay.
	decisionURL func(tabID string) string
}

// NewPresenter creates a presenter. decisionURL may be nil.
func NewPresenter(conn *Conn, pages PageMatcher, decisionURL func(tabID string) string) *Presenter {
	return &Presenter{conn: conn, pages: pages, decisionURL: decisionURL}
}

// Present implements relay.Presenter.
func (p *Presenter) Present(ctx context.Context, e coordinator.Effect) error {
	if err := p.conn.Connect(ctx); err != nil {
		return err
	}
	sessionID, err := p.conn.Attach(ctx, e.TabID)
	if err != nil {
		return fmt.Errorf("attach tab %s: %w", e.TabID, err)
	}
	defer func() {
		if err := p.conn.Detach(context.WithoutCancel(ctx), sessionID); err != nil {
			slog.Debug("presenter detach failed", "tab_id", e.TabID, "error", err)
		}
	}()

	switch e.Kind {
	case coordinator.EffectShowWarning:
		_, err = p.conn.Evaluate(ctx, sessionID, p.overlayScript(e))
	case coordinator.EffectBeginCheck:
		_, err = p.conn.Evaluate(ctx, sessionID, fmt.Sprintf(bannerJS, jsString("Checking in before you buy...")))
	case coordinator.EffectAllowReturn:
		if e.Location == "" {
			return nil
		}
		// Only a tab parked on the check page is sent back; a tab still on
		// the shop keeps whatever checkout step the user is on.
		var onCheckPage bool
		onCheckPage, err = p.onCheckPage(ctx, sessionID)
		if err != nil || !onCheckPage {
			break
		}
		_, err = p.conn.Send(ctx, sessionID, "Page.navigate", map[string]any{"url": e.Location})
	}
	if err != nil {
		return fmt.Errorf("present %s on tab %s: %w", e.Kind, e.TabID, err)
	}
	slog.Debug("effect presented", "type", e.Kind, "tab_id", e.TabID, "check_id", e.CheckID)
	return nil
}

func (p *Presenter) onCheckPage(ctx context.Context, sessionID string) (bool, error) {
	raw, err := p.conn.Evaluate(ctx, sessionID, "location.href")
	if err != nil {
		return false, err
	}
	var href string
	if err := json.Unmarshal(raw, &href); err != nil {
		return false, fmt.Errorf("decode location: %w", err)
	}
	return p.pages != nil && p.pages.IsCheckPage(href), nil
}

func (p *Presenter) overlayScript(e coordinator.Effect) string {
	cfg := map[string]string{"message": e.Message, "checkID": e.CheckID}
	if p.decisionURL != nil {
		cfg["decisionURL"] = p.decisionURL(e.TabID)
	}
	raw, _ := json.Marshal(cfg)
	return fmt.Sprintf(overlayJS, raw)
}

func jsString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}
