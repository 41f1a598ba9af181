package capture

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/impulse_guard/internal/analysis"
)

// grabFrameJS opens the camera, waits for it to settle, draws one frame onto a
// canvas and returns it as a JPEG data URL. Errors come back as DOMException
// names so they can be mapped without string matching on messages.
const grabFrameJS = `(async () => {
  let stream;
  try {
    stream = await navigator.mediaDevices.getUserMedia({video: {width: 640, height: 480}});
  } catch (e) {
    return {error: (e && e.name) || "Error", message: String((e && e.message) || e)};
  }
  try {
    const video = document.createElement("video");
    video.muted = true;
    video.playsInline = true;
    video.srcObject = stream;
    await video.play();
    await new Promise(r => setTimeout(r, %d));
    const canvas = document.createElement("canvas");
    canvas.width = video.videoWidth || 640;
    canvas.height = video.videoHeight || 480;
    canvas.getContext("2d").drawImage(video, 0, 0, canvas.width, canvas.height);
    return {data: canvas.toDataURL("image/jpeg", 0.85)};
  } catch (e) {
    return {error: (e && e.name) || "Error", message: String((e && e.message) || e)};
  } finally {
    stream.getTracks().forEach(t => t.stop());
  }
})()`

type grabResult struct {
	Data    string `json:"data"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CDPConfig configures the capture browser connection.
type CDPConfig struct {
	// DevToolsURL is the http://host:port of the capture browser.
	DevToolsURL string
	// PageURL is loaded in the capture tab. It must be a secure context
	// (https or localhost) for getUserMedia to be available.
	PageURL string
	// Warmup is how long the stream runs before the frame is taken.
	Warmup   time.Duration
	MaxBytes int
}

// CDPSource grabs frames through a dedicated tab of a Chromium instance it
// drives over the DevTools protocol.
type CDPSource struct {
	cfg CDPConfig

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

// NewCDPSource creates a source. The browser connection is opened lazily on
// the first capture.
func NewCDPSource(cfg CDPConfig) *CDPSource {
	if cfg.Warmup <= 0 {
		cfg.Warmup = 700 * time.Millisecond
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxFrameBytes
	}
	return &CDPSource{cfg: cfg}
}

// Capture implements analysis.FrameSource.
func (s *CDPSource) Capture(ctx context.Context, req analysis.CheckRequest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tabCtx, err := s.ensureTabLocked()
	if err != nil {
		return nil, analysis.NewError(analysis.KindDeviceUnavailable, "capture browser unreachable", err)
	}

	// Run on the long-lived tab context but honor the caller's deadline.
	runCtx, cancel := context.WithCancel(tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var res grabResult
	js := fmt.Sprintf(grabFrameJS, s.cfg.Warmup.Milliseconds())
	err = chromedp.Run(runCtx, chromedp.Evaluate(js, &res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		if ctx.Err() != nil {
			return nil, analysis.NewError(analysis.KindTimeout, "frame capture timed out", ctx.Err())
		}
		s.resetLocked()
		return nil, analysis.NewError(analysis.KindDeviceUnavailable, "frame capture failed", err)
	}
	if res.Error != "" {
		slog.Warn("capture page reported camera error", "tab_id", req.TabID, "check_id", req.CheckID,
			"error_name", res.Error, "message", res.Message)
		return nil, analysis.NewError(KindForDOMError(res.Error), res.Message, nil)
	}

	frame, err := DecodeFrame(res.Data, s.cfg.MaxBytes)
	if err != nil {
		return nil, analysis.NewError(analysis.KindDeviceUnavailable, "capture page returned an unusable frame", err)
	}
	slog.Debug("frame captured over cdp", "tab_id", req.TabID, "check_id", req.CheckID,
		"bytes", len(frame), "digest", analysis.FrameDigest(frame))
	return frame, nil
}

// KindForDOMError maps a getUserMedia DOMException name onto the error taxonomy.
func KindForDOMError(name string) analysis.Kind {
	switch name {
	case "NotAllowedError", "SecurityError", "PermissionDeniedError":
		return analysis.KindPermissionDenied
	default:
		return analysis.KindDeviceUnavailable
	}
}

func (s *CDPSource) ensureTabLocked() (context.Context, error) {
	if s.tabCtx != nil && s.tabCtx.Err() == nil {
		return s.tabCtx, nil
	}
	s.resetLocked()

	s.allocCtx, s.allocCancel = chromedp.NewRemoteAllocator(context.Background(), s.cfg.DevToolsURL)
	s.tabCtx, s.tabCancel = chromedp.NewContext(s.allocCtx)

	origin, err := originOf(s.cfg.PageURL)
	if err != nil {
		s.resetLocked()
		return nil, err
	}

	setupCtx, cancel := context.WithTimeout(s.tabCtx, 15*time.Second)
	defer cancel()
	err = chromedp.Run(setupCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return browser.GrantPermissions([]browser.PermissionType{browser.PermissionTypeVideoCapture}).
				WithOrigin(origin).Do(ctx)
		}),
		chromedp.Navigate(s.cfg.PageURL),
	)
	if err != nil {
		s.resetLocked()
		return nil, fmt.Errorf("open capture tab: %w", err)
	}
	slog.Info("capture tab ready", "devtools_url", s.cfg.DevToolsURL, "page_url", s.cfg.PageURL)
	return s.tabCtx, nil
}

func (s *CDPSource) resetLocked() {
	if s.tabCancel != nil {
		s.tabCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.tabCtx, s.tabCancel = nil, nil
	s.allocCtx, s.allocCancel = nil, nil
}

// Close releases the capture tab.
func (s *CDPSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func originOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse capture page url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("capture page url %q must be absolute", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
