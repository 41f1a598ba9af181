// Package config loads process configuration from the environment, with an
// optional .env file in the working directory.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Frame sources.
const (
	FrameSourceUpload = "upload"
	FrameSourceCDP    = "cdp"
)

// Classifier transports.
const (
	ClassifierBatch  = "batch"
	ClassifierStream = "stream"
)

// Config holds all daemon configuration. User-editable options (API key,
// thresholds) live in the settings file instead.
type Config struct {
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	LogLevel string
	LogFile  string

	SettingsFile string
	PatternsFile string
	JournalDir   string
	CheckPageURL string

	CheckTimeoutMS         int
	SafeReturnTTLMS        int
	CameraAcquireTimeoutMS int

	FrameSource     string
	Classifier      string
	HumeBaseURL     string
	HumeStreamURL   string
	PollIntervalMS  int
	PollMaxAttempts int

	// User browser, watched for tab lifecycle when CDPWatch is set.
	CDPWatch   bool
	CDPAddress string
	CDPPort    int

	// Capture browser, used when FrameSource is cdp.
	CaptureCDPPort       int
	CaptureLaunchBrowser bool
	CaptureProfileDir    string

	NTFYEndpoint  string
	DesktopNotify bool
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		BindAddr:               getEnvOrDefault("IMPULSE_GUARD_BIND_ADDR", "127.0.0.1:8081"),
		PortCandidates:         splitList(getEnvOrDefault("IMPULSE_GUARD_PORT_CANDIDATES", "127.0.0.1:8082,127.0.0.1:8083")),
		PortAutoFallback:       getEnvBoolOrDefault("IMPULSE_GUARD_PORT_AUTO_FALLBACK", false),
		LogLevel:               strings.ToLower(getEnvOrDefault("IMPULSE_GUARD_LOG_LEVEL", "info")),
		LogFile:                getEnvOrDefault("IMPULSE_GUARD_LOG_FILE", "logs/impulse_guard.log"),
		SettingsFile:           getEnvOrDefault("IMPULSE_GUARD_SETTINGS_FILE", "./data/settings.yaml"),
		PatternsFile:           getEnvOrDefault("IMPULSE_GUARD_PATTERNS_FILE", "./config/checkout_patterns.yaml"),
		JournalDir:             getEnvOrDefault("IMPULSE_GUARD_JOURNAL_DIR", "./data/journal"),
		CheckPageURL:           getEnvOrDefault("IMPULSE_GUARD_CHECK_PAGE_URL", "http://localhost:8081/"),
		CheckTimeoutMS:         getEnvIntOrDefault("IMPULSE_GUARD_CHECK_TIMEOUT_MS", 30000),
		SafeReturnTTLMS:        getEnvIntOrDefault("IMPULSE_GUARD_SAFE_RETURN_TTL_MS", 10000),
		CameraAcquireTimeoutMS: getEnvIntOrDefault("IMPULSE_GUARD_CAMERA_ACQUIRE_TIMEOUT_MS", 5000),
		FrameSource:            strings.ToLower(getEnvOrDefault("IMPULSE_GUARD_FRAME_SOURCE", FrameSourceUpload)),
		Classifier:             strings.ToLower(getEnvOrDefault("IMPULSE_GUARD_CLASSIFIER", ClassifierBatch)),
		HumeBaseURL:            getEnvOrDefault("HUME_API_BASE_URL", "https://api.hume.ai"),
		HumeStreamURL:          getEnvOrDefault("HUME_STREAM_URL", "wss://api.hume.ai/v0/stream/models"),
		PollIntervalMS:         getEnvIntOrDefault("IMPULSE_GUARD_POLL_INTERVAL_MS", 2000),
		PollMaxAttempts:        getEnvIntOrDefault("IMPULSE_GUARD_POLL_MAX_ATTEMPTS", 10),
		CDPWatch:               getEnvBoolOrDefault("IMPULSE_GUARD_CDP_WATCH", false),
		CDPAddress:             getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:                getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		CaptureCDPPort:         getEnvIntOrDefault("CAPTURE_CDP_PORT", 9230),
		CaptureLaunchBrowser:   getEnvBoolOrDefault("CAPTURE_LAUNCH_BROWSER", true),
		CaptureProfileDir:      getEnvOrDefault("CAPTURE_PROFILE_DIR", "./data/capture_profile"),
		NTFYEndpoint:           getEnvOrDefault("IMPULSE_GUARD_NTFY_ENDPOINT", ""),
		DesktopNotify:          getEnvBoolOrDefault("IMPULSE_GUARD_DESKTOP_NOTIFY", true),
	}

	if cfg.CheckTimeoutMS < 1000 {
		cfg.CheckTimeoutMS = 1000
	}
	if cfg.SafeReturnTTLMS < 1000 {
		cfg.SafeReturnTTLMS = 1000
	}
	if cfg.CameraAcquireTimeoutMS < 100 {
		cfg.CameraAcquireTimeoutMS = 100
	}
	if cfg.PollIntervalMS < 250 {
		cfg.PollIntervalMS = 250
	}
	if cfg.PollMaxAttempts < 1 {
		cfg.PollMaxAttempts = 1
	}

	switch cfg.FrameSource {
	case FrameSourceUpload, FrameSourceCDP:
	default:
		return nil, fmt.Errorf("IMPULSE_GUARD_FRAME_SOURCE must be %q or %q, got %q", FrameSourceUpload, FrameSourceCDP, cfg.FrameSource)
	}
	switch cfg.Classifier {
	case ClassifierBatch, ClassifierStream:
	default:
		return nil, fmt.Errorf("IMPULSE_GUARD_CLASSIFIER must be %q or %q, got %q", ClassifierBatch, ClassifierStream, cfg.Classifier)
	}
	return cfg, nil
}

// CDPURL returns the DevTools HTTP endpoint of the user's browser.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// CaptureCDPURL returns the DevTools HTTP endpoint of the capture browser.
func (c *Config) CaptureCDPURL() string {
	return "http://127.0.0.1:" + strconv.Itoa(c.CaptureCDPPort)
}

// CheckTimeout is the per-check deadline.
func (c *Config) CheckTimeout() time.Duration {
	return time.Duration(c.CheckTimeoutMS) * time.Millisecond
}

// SafeReturnTTL is how long a cleared tab may come back without a new check.
func (c *Config) SafeReturnTTL() time.Duration {
	return time.Duration(c.SafeReturnTTLMS) * time.Millisecond
}

// CameraAcquireTimeout bounds the wait for the camera.
func (c *Config) CameraAcquireTimeout() time.Duration {
	return time.Duration(c.CameraAcquireTimeoutMS) * time.Millisecond
}

// PollInterval is the batch classifier polling period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
