// Package settings holds the user-editable options: classifier credential,
// emotion thresholds and the blocked-purchase counter. They live in a single
// file that may be edited by hand or through the API; edits on disk are picked
// up while the daemon runs.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	keyAPIKey            = "classifier_api_key"
	keyDistressThreshold = "distress_threshold"
	keyAngerThreshold    = "anger_threshold"
	keyBlockedCount      = "blocked_count"

	defaultThreshold = 0.6
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid settings")

// Settings is a snapshot of the options.
type Settings struct {
	APIKey            string  `mapstructure:"classifier_api_key"`
	DistressThreshold float64 `mapstructure:"distress_threshold"`
	AngerThreshold    float64 `mapstructure:"anger_threshold"`
	BlockedCount      int     `mapstructure:"blocked_count"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{DistressThreshold: defaultThreshold, AngerThreshold: defaultThreshold}
}

// Validate checks threshold ranges.
func (s Settings) Validate() error {
	if s.DistressThreshold <= 0 || s.DistressThreshold > 1 {
		return fmt.Errorf("%w: distress_threshold must be in (0,1], got %v", ErrInvalid, s.DistressThreshold)
	}
	if s.AngerThreshold <= 0 || s.AngerThreshold > 1 {
		return fmt.Errorf("%w: anger_threshold must be in (0,1], got %v", ErrInvalid, s.AngerThreshold)
	}
	if s.BlockedCount < 0 {
		return fmt.Errorf("%w: blocked_count must not be negative", ErrInvalid)
	}
	return nil
}

// HasCredential reports whether a classifier API key is present.
func (s Settings) HasCredential() bool { return strings.TrimSpace(s.APIKey) != "" }

// Store is a file-backed settings store with change notification.
type Store struct {
	path string

	mu  sync.RWMutex
	v   *viper.Viper
	cur Settings

	subsMu sync.Mutex
	subs   []func(Settings)
}

// Open loads settings from path, writing a defaults file first if none exists.
// Env vars prefixed IMPULSE_GUARD_ override file values.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("settings: mkdir: %w", err)
	}

	v := viper.New()
	d := Defaults()
	v.SetDefault(keyAPIKey, d.APIKey)
	v.SetDefault(keyDistressThreshold, d.DistressThreshold)
	v.SetDefault(keyAngerThreshold, d.AngerThreshold)
	v.SetDefault(keyBlockedCount, d.BlockedCount)
	v.SetConfigFile(path)
	v.SetEnvPrefix("IMPULSE_GUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeFile(path, d); err != nil {
			return nil, err
		}
		slog.Info("settings file created with defaults", "path", path)
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}

	var cur Settings
	if err := v.Unmarshal(&cur); err != nil {
		return nil, fmt.Errorf("settings: unmarshal: %w", err)
	}
	if err := cur.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	return &Store{path: path, v: v, cur: cur}, nil
}

// Current returns the latest settings snapshot.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Subscribe registers fn to be called with every changed snapshot.
func (s *Store) Subscribe(fn func(Settings)) {
	s.subsMu.Lock()
	s.subs = append(s.subs, fn)
	s.subsMu.Unlock()
}

// Watch starts watching the settings file for external edits.
func (s *Store) Watch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.OnConfigChange(func(ev fsnotify.Event) {
		slog.Debug("settings file event", "op", ev.Op.String(), "path", ev.Name)
		if err := s.reload(); err != nil {
			slog.Warn("settings reload failed", "path", s.path, "error", err)
		}
	})
	s.v.WatchConfig()
}

func (s *Store) reload() error {
	s.mu.Lock()
	if err := s.v.ReadInConfig(); err != nil {
		s.mu.Unlock()
		return err
	}
	var next Settings
	if err := s.v.Unmarshal(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	changed := next != s.cur
	s.cur = next
	s.mu.Unlock()

	if changed {
		slog.Info("settings reloaded", "has_credential", next.HasCredential(),
			"anger_threshold", next.AngerThreshold, "distress_threshold", next.DistressThreshold)
		s.notify(next)
	}
	return nil
}

// Update applies fn to a copy of the current settings, validates, persists and
// notifies subscribers. Only the fields fn changed are written; values that
// come from the environment stay off disk.
func (s *Store) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	prev := s.cur
	next := prev
	fn(&next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return Settings{}, err
	}
	onDisk, err := readFile(s.path)
	if err != nil {
		s.mu.Unlock()
		return Settings{}, err
	}
	if next.APIKey != prev.APIKey {
		onDisk.APIKey = next.APIKey
	}
	if next.DistressThreshold != prev.DistressThreshold {
		onDisk.DistressThreshold = next.DistressThreshold
	}
	if next.AngerThreshold != prev.AngerThreshold {
		onDisk.AngerThreshold = next.AngerThreshold
	}
	if next.BlockedCount != prev.BlockedCount {
		onDisk.BlockedCount = next.BlockedCount
	}
	if err := s.writeLocked(onDisk); err != nil {
		s.mu.Unlock()
		return Settings{}, err
	}
	var eff Settings
	if err := s.v.Unmarshal(&eff); err != nil {
		s.mu.Unlock()
		return Settings{}, fmt.Errorf("settings: unmarshal: %w", err)
	}
	s.cur = eff
	s.mu.Unlock()

	if eff != prev {
		s.notify(eff)
	}
	return eff, nil
}

// IncrementBlocked bumps the blocked-purchase counter and returns the new value.
func (s *Store) IncrementBlocked() (int, error) {
	next, err := s.Update(func(st *Settings) { st.BlockedCount++ })
	if err != nil {
		return 0, err
	}
	return next.BlockedCount, nil
}

func (s *Store) writeLocked(next Settings) error {
	if err := writeFile(s.path, next); err != nil {
		return err
	}
	if err := s.v.ReadInConfig(); err != nil {
		return fmt.Errorf("settings: reread %s: %w", s.path, err)
	}
	return nil
}

// readFile returns the values stored in the file, without env overrides.
func readFile(path string) (Settings, error) {
	r := viper.New()
	d := Defaults()
	r.SetDefault(keyAPIKey, d.APIKey)
	r.SetDefault(keyDistressThreshold, d.DistressThreshold)
	r.SetDefault(keyAngerThreshold, d.AngerThreshold)
	r.SetDefault(keyBlockedCount, d.BlockedCount)
	r.SetConfigFile(path)
	if err := r.ReadInConfig(); err != nil {
		return Settings{}, fmt.Errorf("settings: read %s: %w", path, err)
	}
	var st Settings
	if err := r.Unmarshal(&st); err != nil {
		return Settings{}, fmt.Errorf("settings: unmarshal: %w", err)
	}
	return st, nil
}

// writeFile uses a separate viper instance; values Set on the store's own
// instance would shadow later edits of the file.
func writeFile(path string, st Settings) error {
	w := viper.New()
	w.Set(keyAPIKey, st.APIKey)
	w.Set(keyDistressThreshold, st.DistressThreshold)
	w.Set(keyAngerThreshold, st.AngerThreshold)
	w.Set(keyBlockedCount, st.BlockedCount)
	if err := w.WriteConfigAs(path); err != nil {
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	return nil
}

func (s *Store) notify(next Settings) {
	s.subsMu.Lock()
	subs := append([]func(Settings){}, s.subs...)
	s.subsMu.Unlock()
	for _, fn := range subs {
		fn(next)
	}
}
