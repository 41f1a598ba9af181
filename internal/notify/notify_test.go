package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/dgnsrekt/impulse_guard/internal/coordinator"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Header:     make(http.Header),
	}
}

func TestNTFYPostsWarning(t *testing.T) {
	ctx := context.Background()

	var receivedMethod string
	var receivedPath string
	var receivedBody string
	var receivedTitle string
	var receivedPriority string

	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			receivedMethod = r.Method
			receivedPath = r.URL.Path
			receivedTitle = r.Header.Get("Title")
			receivedPriority = r.Header.Get("Priority")
			rawBody, err := io.ReadAll(r.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			receivedBody = string(rawBody)
			return okResponse(), nil
		}),
	}

	n := &NTFY{Endpoint: "http://example.com/impulse", Client: client}
	eff := coordinator.Effect{Kind: coordinator.EffectShowWarning, TabID: "7", Message: "Elevated Anger detected."}
	if err := n.Notify(ctx, eff); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if got, want := receivedMethod, http.MethodPost; got != want {
		t.Fatalf("method = %q; want %q", got, want)
	}
	if got, want := receivedPath, "/impulse"; got != want {
		t.Fatalf("path = %q; want %q", got, want)
	}
	if got, want := receivedBody, "Elevated Anger detected."; got != want {
		t.Fatalf("body = %q; want %q", got, want)
	}
	if got, want := receivedTitle, warningTitle; got != want {
		t.Fatalf("title = %q; want %q", got, want)
	}
	if got, want := receivedPriority, "high"; got != want {
		t.Fatalf("priority = %q; want %q", got, want)
	}
}

func TestSendReturnsErrorForServerError(t *testing.T) {
	ctx := context.Background()

	client := &http.Client{
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("server failure")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	err := Send(ctx, client, "http://example.com/impulse", "msg", nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "ntfy notification failed") {
		t.Fatalf("error = %q; want to contain %q", err, "ntfy notification failed")
	}
}

func TestSendDisallowsMissingEndpoint(t *testing.T) {
	err := Send(context.Background(), http.DefaultClient, "", "msg", nil)
	if err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func TestDesktopUsesEffectMessage(t *testing.T) {
	var gotTitle, gotMessage string
	d := &Desktop{notify: func(title, message, _ string) error {
		gotTitle, gotMessage = title, message
		return nil
	}}

	if err := d.Notify(context.Background(), coordinator.Effect{TabID: "7"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if gotTitle != warningTitle {
		t.Fatalf("title = %q; want %q", gotTitle, warningTitle)
	}
	if gotMessage == "" {
		t.Fatal("message is empty; want fallback text")
	}
}

func TestDesktopPropagatesError(t *testing.T) {
	d := &Desktop{notify: func(string, string, string) error { return errors.New("no dbus") }}
	if err := d.Notify(context.Background(), coordinator.Effect{}); err == nil {
		t.Fatal("Notify() = nil; want error")
	}
}
