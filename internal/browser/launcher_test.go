package browser

import (
	"net"
	"slices"
	"testing"
)

func TestArgs(t *testing.T) {
	l := NewLauncher(Config{CDPPort: 9230, ProfileDir: "/tmp/p", StartURL: "http://127.0.0.1:8081/capture"})
	args := l.args()

	for _, want := range []string{
		"--remote-debugging-port=9230",
		"--user-data-dir=/tmp/p",
		"--use-fake-ui-for-media-stream",
	} {
		if !slices.Contains(args, want) {
			t.Fatalf("args = %v; want to contain %q", args, want)
		}
	}
	if slices.Contains(args, "--headless=new") {
		t.Fatal("args contain --headless=new; want headed by default")
	}
	if got := args[len(args)-1]; got != "http://127.0.0.1:8081/capture" {
		t.Fatalf("last arg = %q; want start url", got)
	}
}

func TestArgsHeadlessAndDefaultURL(t *testing.T) {
	args := NewLauncher(Config{CDPPort: 1, Headless: true}).args()
	if !slices.Contains(args, "--headless=new") {
		t.Fatalf("args = %v; want --headless=new", args)
	}
	if got := args[len(args)-1]; got != "about:blank" {
		t.Fatalf("last arg = %q; want about:blank", got)
	}
}

func TestIsPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if !isPortInUse(port) {
		t.Fatalf("isPortInUse(%d) = false; want true", port)
	}
	_ = ln.Close()
	if isPortInUse(port) {
		t.Fatalf("isPortInUse(%d) = true after close; want false", port)
	}
}

func TestStopWithoutLaunchIsNoop(t *testing.T) {
	l := NewLauncher(Config{})
	l.Stop()
	if l.Running() {
		t.Fatal("Running() = true; want false")
	}
}
