package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgnsrekt/impulse_guard/internal/settings"
)

// FrameSource produces one JPEG frame for a check.
type FrameSource interface {
	Capture(ctx context.Context, req CheckRequest) ([]byte, error)
}

// Camera grants exclusive use of the capture device.
type Camera interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// SettingsSource exposes the current user settings.
type SettingsSource interface {
	Current() settings.Settings
}

// Runner is the capture/analysis collaborator: one camera frame in, one
// Safe/Warn/Error result out.
type Runner struct {
	settings   SettingsSource
	camera     Camera
	frames     FrameSource
	classifier Classifier
}

// NewRunner wires a runner.
func NewRunner(s SettingsSource, camera Camera, frames FrameSource, classifier Classifier) *Runner {
	return &Runner{settings: s, camera: camera, frames: frames, classifier: classifier}
}

// Check runs one capture and classification. It never returns a Go error;
// every failure is folded into an Error result.
func (r *Runner) Check(ctx context.Context, req CheckRequest) Result {
	start := time.Now()
	cur := r.settings.Current()
	if cur.APIKey == "" {
		return Failed(NewError(KindConfigurationMissing, "classifier api key is not configured", nil))
	}
	thresholds := Thresholds{Anger: cur.AngerThreshold, Distress: cur.DistressThreshold}.WithDefaults()

	frame, err := r.captureFrame(ctx, req)
	if err != nil {
		return Failed(err)
	}
	digest := FrameDigest(frame)

	scores, err := r.classifier.Classify(ctx, cur.APIKey, frame)
	if err != nil {
		res := Failed(err)
		res.FrameDigest = digest
		return res
	}

	res := thresholds.Evaluate(scores)
	res.FrameDigest = digest
	slog.Info("check classified",
		"tab_id", req.TabID,
		"check_id", req.CheckID,
		"verdict", res.Verdict,
		"anger", scores[EmotionAnger],
		"distress", scores[EmotionDistress],
		"anger_threshold", thresholds.Anger,
		"distress_threshold", thresholds.Distress,
		"frame_digest", digest,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}

func (r *Runner) captureFrame(ctx context.Context, req CheckRequest) ([]byte, error) {
	release, err := r.camera.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	frame, err := r.frames.Capture(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(frame) == 0 {
		return nil, NewError(KindDeviceUnavailable, "captured frame is empty", nil)
	}
	return frame, nil
}
