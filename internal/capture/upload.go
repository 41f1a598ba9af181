package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/impulse_guard/internal/analysis"
)

// Error codes a client may report instead of a frame.
const (
	UploadErrPermissionDenied  = "permission_denied"
	UploadErrDeviceUnavailable = "device_unavailable"
)

const defaultFrameTTL = 15 * time.Second

var (
	// ErrNoCheckID is returned for an upload that names no check.
	ErrNoCheckID = errors.New("upload has no check id")
	// ErrStaleUpload is returned for an upload whose check already finished
	// or belongs to another tab.
	ErrStaleUpload = errors.New("upload does not match a current check")
)

// Upload is one client-side capture attempt for a check.
type Upload struct {
	CheckID string
	Frame   []byte
	ErrCode string
	Message string
	tabID   string
	at      time.Time
}

func (u Upload) result() ([]byte, error) {
	switch u.ErrCode {
	case "":
		return u.Frame, nil
	case UploadErrPermissionDenied:
		return nil, analysis.NewError(analysis.KindPermissionDenied, orDefault(u.Message, "camera permission denied"), nil)
	default:
		return nil, analysis.NewError(analysis.KindDeviceUnavailable, orDefault(u.Message, u.ErrCode), nil)
	}
}

type waiter struct {
	tabID string
	ch    chan Upload
}

// UploadSource hands frames pushed by the browser to the check they were
// taken for. Uploads are keyed by check id. An upload that arrives before its
// check starts waiting is held for frameTTL; one that arrives after its check
// finished is rejected.
type UploadSource struct {
	frameTTL time.Duration
	now      func() time.Time

	mu      sync.Mutex
	waiters map[string]waiter
	early   map[string]Upload
	retired map[string]time.Time
}

// NewUploadSource creates an upload source. frameTTL <= 0 uses the default.
func NewUploadSource(frameTTL time.Duration) *UploadSource {
	if frameTTL <= 0 {
		frameTTL = defaultFrameTTL
	}
	return &UploadSource{
		frameTTL: frameTTL,
		now:      time.Now,
		waiters:  make(map[string]waiter),
		early:    make(map[string]Upload),
		retired:  make(map[string]time.Time),
	}
}

// Capture implements analysis.FrameSource.
func (s *UploadSource) Capture(ctx context.Context, req analysis.CheckRequest) ([]byte, error) {
	s.mu.Lock()
	if u, ok := s.early[req.CheckID]; ok {
		delete(s.early, req.CheckID)
		if u.tabID == req.TabID && s.now().Sub(u.at) <= s.frameTTL {
			s.retired[req.CheckID] = s.now()
			s.mu.Unlock()
			slog.Debug("upload source used early frame", "tab_id", req.TabID, "check_id", req.CheckID)
			return u.result()
		}
	}
	ch := make(chan Upload, 1)
	s.waiters[req.CheckID] = waiter{tabID: req.TabID, ch: ch}
	s.mu.Unlock()

	select {
	case u := <-ch:
		return u.result()
	case <-ctx.Done():
		s.mu.Lock()
		if w, ok := s.waiters[req.CheckID]; ok && w.ch == ch {
			delete(s.waiters, req.CheckID)
		}
		s.retired[req.CheckID] = s.now()
		s.mu.Unlock()
		return nil, analysis.NewError(analysis.KindTimeout, "no frame uploaded before deadline", ctx.Err())
	}
}

// Deliver routes an upload to the check it names, or holds it until that
// check asks. It reports whether a waiting check received it.
func (s *UploadSource) Deliver(tabID string, u Upload) (bool, error) {
	if u.CheckID == "" {
		return false, ErrNoCheckID
	}
	u.tabID = tabID
	u.at = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	if _, ok := s.retired[u.CheckID]; ok {
		return false, ErrStaleUpload
	}
	if w, ok := s.waiters[u.CheckID]; ok {
		if w.tabID != tabID {
			return false, ErrStaleUpload
		}
		delete(s.waiters, u.CheckID)
		s.retired[u.CheckID] = u.at
		w.ch <- u
		return true, nil
	}
	s.early[u.CheckID] = u
	return false, nil
}

// Waiting reports whether a check is currently waiting on checkID.
func (s *UploadSource) Waiting(checkID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.waiters[checkID]
	return ok
}

func (s *UploadSource) pruneLocked() {
	now := s.now()
	for id, u := range s.early {
		if now.Sub(u.at) > s.frameTTL {
			delete(s.early, id)
		}
	}
	for id, at := range s.retired {
		if now.Sub(at) > 4*s.frameTTL {
			delete(s.retired, id)
		}
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
