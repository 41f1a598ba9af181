package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgnsrekt/impulse_guard/internal/analysis"
	"golang.org/x/sync/semaphore"
)

// Device serializes access to the camera: one capture session at a time,
// process-wide.
type Device struct {
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
}

// NewDevice creates a device lock. A second Acquire waits at most
// acquireTimeout for the first session to release.
func NewDevice(acquireTimeout time.Duration) *Device {
	return &Device{sem: semaphore.NewWeighted(1), acquireTimeout: acquireTimeout}
}

// Acquire implements analysis.Camera.
func (d *Device) Acquire(ctx context.Context) (func(), error) {
	waitCtx := ctx
	if d.acquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, d.acquireTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := d.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, analysis.NewError(analysis.KindTimeout, "timed out waiting for camera", ctx.Err())
		}
		return nil, analysis.NewError(analysis.KindDeviceUnavailable, "camera busy with another capture", err)
	}
	slog.Debug("camera acquired", "wait_ms", time.Since(start).Milliseconds())

	released := false
	return func() {
		if released {
			return
		}
		released = true
		d.sem.Release(1)
		slog.Debug("camera released")
	}, nil
}
