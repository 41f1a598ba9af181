package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Kind classifies a check failure.
type Kind string

const (
	KindPermissionDenied     Kind = "PERMISSION_DENIED"
	KindDeviceUnavailable    Kind = "DEVICE_UNAVAILABLE"
	KindNetworkFailure       Kind = "NETWORK_FAILURE"
	KindClassifierError      Kind = "CLASSIFIER_ERROR"
	KindTimeout              Kind = "TIMEOUT"
	KindMalformedResponse    Kind = "MALFORMED_RESPONSE"
	KindConfigurationMissing Kind = "CONFIGURATION_MISSING"
)

// Error is the normalized failure of a capture/analysis run.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error of the given kind.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// AsError normalizes any error into an *Error. Context deadline errors become
// KindTimeout; anything untyped is treated as a network failure.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindTimeout, "canceled", err)
	}
	return NewError(KindNetworkFailure, "request failed", err)
}

// Verdict is the outcome class of a check.
type Verdict string

const (
	VerdictSafe  Verdict = "safe"
	VerdictWarn  Verdict = "warn"
	VerdictError Verdict = "error"
)

// Scores maps emotion names (e.g. "Anger") to a score in [0,1].
type Scores map[string]float64

// Result is what a check resolves to.
type Result struct {
	Verdict Verdict
	Scores  Scores
	// Trigger names the emotion that crossed its threshold on a warn.
	Trigger string
	Err     *Error
	// FrameDigest identifies the frame the result was computed from.
	FrameDigest string
}

// Safe returns a Safe result carrying the observed scores.
func Safe(scores Scores) Result { return Result{Verdict: VerdictSafe, Scores: scores} }

// Warn returns a Warn result.
func Warn(scores Scores, trigger string) Result {
	return Result{Verdict: VerdictWarn, Scores: scores, Trigger: trigger}
}

// Failed returns an Error result for err.
func Failed(err error) Result {
	return Result{Verdict: VerdictError, Err: AsError(err)}
}

// CheckRequest identifies one capture/classify run.
type CheckRequest struct {
	TabID    string
	CheckID  string
	Location string
}

// FrameDigest returns a short content hash of a frame, for logs and the
// journal. Frames themselves are never persisted.
func FrameDigest(frame []byte) string {
	if len(frame) == 0 {
		return ""
	}
	sum := sha256.Sum256(frame)
	return hex.EncodeToString(sum[:8])
}
