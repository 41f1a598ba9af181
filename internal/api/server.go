package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/impulse_guard/internal/capture"
	"github.com/dgnsrekt/impulse_guard/internal/coordinator"
	"github.com/dgnsrekt/impulse_guard/internal/relay"
	"github.com/dgnsrekt/impulse_guard/internal/settings"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Coordinator accepts page signals and answers state queries.
type Coordinator interface {
	Submit(ctx context.Context, ev coordinator.Event) error
	Snapshot(ctx context.Context) (coordinator.State, error)
}

// SettingsStore reads and edits the user settings.
type SettingsStore interface {
	Current() settings.Settings
	Update(fn func(*settings.Settings)) (settings.Settings, error)
	IncrementBlocked() (int, error)
}

// FrameSink receives frames uploaded by a client.
type FrameSink interface {
	Deliver(tabID string, u capture.Upload) (bool, error)
}

// Deps wires the server to the daemon. Frames, Journal and Events are optional.
type Deps struct {
	Coordinator   Coordinator
	Settings      SettingsStore
	Frames        FrameSink
	Journal       coordinator.Recorder
	Events        *relay.Broker
	MaxFrameBytes int
}

var errFramesDisabled = errors.New("frame uploads are disabled for this frame source")

type tabIDInput struct {
	TabID string `path:"tab_id" minLength:"1" maxLength:"128"`
}

type acceptedOutput struct {
	Body struct {
		TabID  string `json:"tab_id"`
		Status string `json:"status"`
	}
}

func accepted(tabID string) *acceptedOutput {
	out := &acceptedOutput{}
	out.Body.TabID = tabID
	out.Body.Status = "accepted"
	return out
}

func NewServer(d Deps) http.Handler {
	if d.MaxFrameBytes <= 0 {
		d.MaxFrameBytes = capture.DefaultMaxFrameBytes
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(allowCrossOrigin)

	cfg := huma.DefaultConfig("Impulse Guard API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/", servePage(checkPageHTML))
	router.Get("/capture", servePage(capturePageHTML))

	if d.Events != nil {
		router.Get("/api/v1/events", relay.SSEHandler(d.Events))
		router.Get("/api/v1/events/ws", relay.WSHandler(d.Events))
	}

	registerHealthHandlers(api)
	registerTabHandlers(api, d)
	registerSettingsHandlers(api, d)

	return router
}

func servePage(html string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if _, err := w.Write([]byte(html)); err != nil {
			slog.Debug("page response write failed", "path", r.URL.Path, "error", err)
		}
	}
}

func registerHealthHandlers(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, settings.ErrInvalid), errors.Is(err, capture.ErrNoCheckID):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, errFramesDisabled), errors.Is(err, capture.ErrStaleUpload):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, coordinator.ErrStopped):
		return huma.Error503ServiceUnavailable(err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return huma.Error504GatewayTimeout(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}
