package settings

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "settings.yaml")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s, path
}

func TestOpenWritesDefaults(t *testing.T) {
	s, path := openTemp(t)
	if got := s.Current(); got != Defaults() {
		t.Fatalf("Current() = %+v; want defaults", got)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file not created: %v", err)
	}
	if s.Current().HasCredential() {
		t.Fatal("HasCredential() = true for defaults")
	}
}

func TestUpdatePersists(t *testing.T) {
	s, path := openTemp(t)
	next, err := s.Update(func(st *Settings) {
		st.APIKey = "hume-key"
		st.AngerThreshold = 0.75
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if next.APIKey != "hume-key" || next.AngerThreshold != 0.75 {
		t.Fatalf("Update() = %+v", next)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if got := reopened.Current(); got != next {
		t.Fatalf("reopened Current() = %+v; want %+v", got, next)
	}
}

func TestUpdateRejectsInvalid(t *testing.T) {
	s, path := openTemp(t)
	before, _ := os.ReadFile(path)

	_, err := s.Update(func(st *Settings) { st.DistressThreshold = 1.5 })
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Update() error = %v; want ErrInvalid", err)
	}
	if s.Current() != Defaults() {
		t.Fatalf("Current() = %+v after rejected update", s.Current())
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Fatal("settings file changed after rejected update")
	}
}

func TestSubscribeOnChangeOnly(t *testing.T) {
	s, _ := openTemp(t)
	var got []Settings
	s.Subscribe(func(st Settings) { got = append(got, st) })

	if _, err := s.Update(func(*Settings) {}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("notified %d times for a no-op update", len(got))
	}

	n, err := s.IncrementBlocked()
	if err != nil {
		t.Fatalf("IncrementBlocked() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("IncrementBlocked() = %d; want 1", n)
	}
	if len(got) != 1 || got[0].BlockedCount != 1 {
		t.Fatalf("notifications = %+v; want one with blocked_count 1", got)
	}
}

func TestOpenRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("anger_threshold: 0\ndistress_threshold: 0.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path)
	if err == nil || !strings.Contains(err.Error(), "anger_threshold") {
		t.Fatalf("Open() error = %v; want anger_threshold validation error", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("IMPULSE_GUARD_CLASSIFIER_API_KEY", "from-env")
	s, _ := openTemp(t)
	if got := s.Current().APIKey; got != "from-env" {
		t.Fatalf("APIKey = %q; want from-env", got)
	}
}

func TestUpdateKeepsEnvCredentialOffDisk(t *testing.T) {
	t.Setenv("IMPULSE_GUARD_CLASSIFIER_API_KEY", "from-env")
	s, path := openTemp(t)

	if _, err := s.IncrementBlocked(); err != nil {
		t.Fatalf("IncrementBlocked() error = %v", err)
	}
	next, err := s.Update(func(st *Settings) { st.AngerThreshold = 0.8 })
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if next.APIKey != "from-env" || next.AngerThreshold != 0.8 || next.BlockedCount != 1 {
		t.Fatalf("Update() = %+v; want env key, anger 0.8, blocked 1", next)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "from-env") {
		t.Fatalf("settings file contains the env credential:\n%s", raw)
	}
	if !strings.Contains(string(raw), "blocked_count: 1") {
		t.Fatalf("settings file missing blocked_count update:\n%s", raw)
	}
}

func TestWatchPicksUpExternalEdit(t *testing.T) {
	s, path := openTemp(t)

	var mu sync.Mutex
	var got []Settings
	s.Subscribe(func(st Settings) {
		mu.Lock()
		got = append(got, st)
		mu.Unlock()
	})
	s.Watch()

	edited := "classifier_api_key: edited-key\ndistress_threshold: 0.4\nanger_threshold: 0.6\nblocked_count: 2\n"
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		var last Settings
		if len(got) > 0 {
			last = got[len(got)-1]
		}
		mu.Unlock()
		if last.APIKey == "edited-key" {
			if last.DistressThreshold != 0.4 || last.BlockedCount != 2 {
				t.Fatalf("notified %+v after edit", last)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Current() = %+v; edit not picked up", s.Current())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := s.Current().APIKey; got != "edited-key" {
		t.Fatalf("Current().APIKey = %q; want edited-key", got)
	}
}
