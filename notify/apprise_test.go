package notify

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/stream-recorder/events"
)

// fakeApprise writes a script that appends its arguments to a log file.
func fakeApprise(t *testing.T, exitCode int) (bin, log string) {
	t.Helper()
	dir := t.TempDir()
	log = filepath.Join(dir, "calls.log")
	bin = filepath.Join(dir, "apprise")
	script := "#!/bin/sh\nprintf '%s|' \"$@\" | tr '\\n' ' ' >> " + log + "\necho >> " + log + "\necho 'delivery failed'\nexit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake apprise: %v", err)
	}
	return bin, log
}

func readCalls(t *testing.T, log string) []string {
	t.Helper()
	b, err := os.ReadFile(log)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func TestMessage(t *testing.T) {
	ev := events.Event{Type: events.TypeFailed, StreamerID: "alice", RecordingID: 7, Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), Detail: "exit code 1: boom"}
	title, body := Message(ev)
	if title != "Recording failed: alice" {
		t.Fatalf("title = %q", title)
	}
	if !strings.Contains(body, "recording 7 at 2024-01-02T03:04:05Z") || !strings.Contains(body, "boom") {
		t.Fatalf("body = %q", body)
	}
}

func TestSendPassesURLs(t *testing.T) {
	bin, log := fakeApprise(t, 0)
	a := &Apprise{Binary: bin, URLs: []string{"json://localhost", "mailto://x"}}
	if err := a.Send(context.Background(), events.Event{Type: events.TypeFailed, StreamerID: "bob", RecordingID: 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	calls := readCalls(t, log)
	if len(calls) != 1 {
		t.Fatalf("calls = %v", calls)
	}
	if !strings.HasPrefix(calls[0], "-t|Recording failed: bob|-b|") || !strings.HasSuffix(calls[0], "json://localhost|mailto://x|") {
		t.Fatalf("args = %q", calls[0])
	}
}

func TestSendReportsFailureOutput(t *testing.T) {
	bin, _ := fakeApprise(t, 1)
	a := &Apprise{Binary: bin, URLs: []string{"json://localhost"}}
	err := a.Send(context.Background(), events.Event{Type: events.TypeFailed, StreamerID: "c"})
	if err == nil || !strings.Contains(err.Error(), "delivery failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunFiltersEvents(t *testing.T) {
	bin, log := fakeApprise(t, 0)
	hub := events.NewHub(16)
	a := &Apprise{Binary: bin, URLs: []string{"json://localhost"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		a.Run(ctx, hub)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish(events.Event{Type: events.TypeStarted, StreamerID: "s"})
	hub.Publish(events.Event{Type: events.TypeStopped, StreamerID: "s"})
	hub.Publish(events.Event{Type: events.TypeFailed, StreamerID: "s", Detail: "boom"})

	deadline = time.Now().Add(3 * time.Second)
	for len(readCalls(t, log)) < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// give a wrongly forwarded event time to show up
	time.Sleep(100 * time.Millisecond)
	calls := readCalls(t, log)
	if len(calls) != 1 || !strings.Contains(calls[0], "Recording failed: s") {
		t.Fatalf("calls = %v", calls)
	}
	cancel()
	<-done
}

func TestRunDisabledWithoutURLs(t *testing.T) {
	a := &Apprise{}
	done := make(chan struct{})
	go func() {
		a.Run(context.Background(), events.NewHub(1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately without urls")
	}
}
