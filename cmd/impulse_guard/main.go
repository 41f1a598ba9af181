package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/impulse_guard/internal/analysis"
	"github.com/dgnsrekt/impulse_guard/internal/api"
	"github.com/dgnsrekt/impulse_guard/internal/browser"
	"github.com/dgnsrekt/impulse_guard/internal/capture"
	"github.com/dgnsrekt/impulse_guard/internal/cdp"
	"github.com/dgnsrekt/impulse_guard/internal/config"
	"github.com/dgnsrekt/impulse_guard/internal/coordinator"
	"github.com/dgnsrekt/impulse_guard/internal/journal"
	"github.com/dgnsrekt/impulse_guard/internal/netutil"
	"github.com/dgnsrekt/impulse_guard/internal/notify"
	"github.com/dgnsrekt/impulse_guard/internal/pagesignal"
	"github.com/dgnsrekt/impulse_guard/internal/relay"
	"github.com/dgnsrekt/impulse_guard/internal/settings"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("impulse guard config loaded",
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"frame_source", cfg.FrameSource,
		"classifier", cfg.Classifier,
		"check_timeout_ms", cfg.CheckTimeoutMS,
		"safe_return_ttl_ms", cfg.SafeReturnTTLMS,
		"cdp_watch", cfg.CDPWatch,
		"settings_file", cfg.SettingsFile,
		"patterns_file", cfg.PatternsFile,
		"journal_dir", cfg.JournalDir,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	if err := run(cfg); err != nil {
		slog.Error("impulse guard failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := settings.Open(cfg.SettingsFile)
	if err != nil {
		return err
	}
	store.Watch()
	if !store.Current().HasCredential() {
		slog.Warn("classifier api key not set; checks will fail open until it is configured", "settings_file", cfg.SettingsFile)
	}

	patterns, err := pagesignal.LoadPatterns(cfg.PatternsFile)
	if err != nil {
		return err
	}
	pages, err := pagesignal.NewMatcher(patterns, cfg.CheckPageURL)
	if err != nil {
		return err
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return err
	}
	baseURL := "http://" + ln.Addr().String()

	jw := journal.NewWriter(cfg.JournalDir, 256, 10)
	defer func() { _ = jw.Close() }()

	var (
		frames    analysis.FrameSource
		uploads   *capture.UploadSource
		launcher  *browser.Launcher
		cdpFrames *capture.CDPSource
	)
	switch cfg.FrameSource {
	case config.FrameSourceCDP:
		if cfg.CaptureLaunchBrowser {
			launcher = browser.NewLauncher(browser.Config{
				CDPPort:    cfg.CaptureCDPPort,
				ProfileDir: cfg.CaptureProfileDir,
				StartURL:   baseURL + "/capture",
			})
			if err := launcher.Launch(ctx); err != nil {
				return err
			}
			defer launcher.Stop()
		}
		cdpFrames = capture.NewCDPSource(capture.CDPConfig{
			DevToolsURL: cfg.CaptureCDPURL(),
			PageURL:     baseURL + "/capture",
		})
		defer cdpFrames.Close()
		frames = cdpFrames
	default:
		uploads = capture.NewUploadSource(0)
		frames = uploads
	}

	var classifier analysis.Classifier
	switch cfg.Classifier {
	case config.ClassifierStream:
		classifier = analysis.NewStreamClassifier(cfg.HumeStreamURL)
	default:
		classifier = analysis.NewBatchClassifier(cfg.HumeBaseURL, &http.Client{Timeout: 15 * time.Second}, cfg.PollInterval(), cfg.PollMaxAttempts)
	}
	runner := analysis.NewRunner(store, capture.NewDevice(cfg.CameraAcquireTimeout()), frames, classifier)

	var notifiers []relay.Notifier
	if cfg.DesktopNotify {
		notifiers = append(notifiers, notify.NewDesktop())
	}
	if cfg.NTFYEndpoint != "" {
		notifiers = append(notifiers, &notify.NTFY{Endpoint: cfg.NTFYEndpoint, Client: &http.Client{Timeout: 10 * time.Second}})
	}

	var presenter relay.Presenter
	if cfg.CDPWatch {
		presenter = cdp.NewPresenter(cdp.NewConn(cfg.CDPURL()), pages, func(tabID string) string {
			return baseURL + "/api/v1/tabs/" + url.PathEscape(tabID) + "/decision"
		})
	}
	broker := relay.NewBroker()
	router := relay.NewRouter(broker, presenter, notifiers...)
	defer router.Wait()

	coord := coordinator.New(coordinator.Config{
		CheckTimeout:  cfg.CheckTimeout(),
		SafeReturnTTL: cfg.SafeReturnTTL(),
	}, store.Current(), runner, router, pages, jw)

	submitAsync := func(ev coordinator.Event) {
		subCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := coord.Submit(subCtx, ev); err != nil && !errors.Is(err, coordinator.ErrStopped) {
			slog.Warn("event submit failed", "event", ev, "error", err)
		}
	}
	router.OnDeliveryFailed(func(ev coordinator.DeliveryFailed) { submitAsync(ev) })
	store.Subscribe(func(s settings.Settings) { submitAsync(coordinator.SettingsChanged{Settings: s}) })

	apiDeps := api.Deps{
		Coordinator: coord,
		Settings:    store,
		Journal:     jw,
		Events:      broker,
	}
	if uploads != nil {
		apiDeps.Frames = uploads
	}
	srv := &http.Server{Handler: api.NewServer(apiDeps), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("impulse guard listening", "addr", ln.Addr().String(), "docs", baseURL+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown failed", "error", err)
		}
		return nil
	})
	if cfg.CDPWatch {
		watcher := cdp.NewWatcher(cdp.NewConn(cfg.CDPURL()), pages, coord.Submit)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	err = g.Wait()
	slog.Info("impulse guard stopped")
	return err
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
