package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/asterisk-callcenter/internal/ami"
)

func TestSanitize(t *testing.T) {
	in := strings.Join([]string{
		"Action: Login",
		"Secret: hunter2",
		"Event: PeerStatus",
		"Address: 192.168.1.44:5060",
		"Loopback: 127.0.0.1",
		"CallerIDNum: 447700900123",
		"ConnectedLineNum: +447700900456",
		"DestCallerIDNum: 02071234567",
		"Uniqueid: 1770888509.40",
		"Exten: 21",
		"",
	}, "\r\n")

	out := string(sanitize([]byte(in)))

	for _, want := range []string{
		"Secret: REDACTED",
		"Address: 10.0.0.1:5060",
		"Loopback: 127.0.0.1",
		"CallerIDNum: 15550001234",
		"ConnectedLineNum: 15550001234",
		"DestCallerIDNum: 15550001234",
		"Uniqueid: 1770888509.40",
		"Exten: 21",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in sanitized output:\n%s", want, out)
		}
	}
	for _, leak := range []string{"hunter2", "192.168.1.44", "447700900123", "447700900456"} {
		if strings.Contains(out, leak) {
			t.Errorf("sanitized output still contains %q", leak)
		}
	}
}

func TestSanitizeFileKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.raw")
	orig := []byte("Secret: hunter2\r\n\r\n")
	if err := os.WriteFile(path, orig, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := sanitizeFile(path); err != nil {
		t.Fatal(err)
	}
	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bak, orig) {
		t.Errorf("backup differs from original: %q", bak)
	}
	got, _ := os.ReadFile(path)
	if strings.Contains(string(got), "hunter2") {
		t.Errorf("secret not redacted: %q", got)
	}
}

func TestRecorderWritesReplayableFrames(t *testing.T) {
	var buf bytes.Buffer
	rec := &recorder{w: &buf}
	// The first event beats the greeting, as it does when the switch streams
	// right after accepting the login.
	rec.event(ami.NewEvent("Event", "Newchannel", "Uniqueid", "1.1", "Channel", "PJSIP/1001-00000001"))
	rec.greet("5.0.1")
	rec.event(ami.NewEvent("Event", "Hangup", "Uniqueid", "1.1", "Cause", "16"))
	if _, err := rec.finish(); err != nil {
		t.Fatal(err)
	}

	p := ami.NewParser(&buf)
	events := p.ParseAll()
	if p.Banner() != "Asterisk Call Manager/5.0.1" {
		t.Errorf("unexpected banner %q", p.Banner())
	}
	if len(events) != 2 || events[0].Type() != "Newchannel" || events[1].Get("Cause") != "16" {
		t.Fatalf("unexpected replay %+v", events)
	}
	if rec.frames != 2 {
		t.Errorf("expected 2 frames counted, got %d", rec.frames)
	}
}

func TestCaptureUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	err = capture(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)), ami.Options{Addr: addr, Secret: "x", DialTimeout: time.Second}, t.TempDir())
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestCaptureLogsOffOnShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	streamed := make(chan struct{})
	loggedOff := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.WriteString(conn, "Asterisk Call Manager/5.0.1\r\n")
		p := ami.NewParser(conn)
		for {
			action, ok := p.Next()
			if !ok {
				return
			}
			id := action.ActionID()
			switch action.Get("Action") {
			case "Login":
				_, _ = io.WriteString(conn, ami.NewEvent("Response", "Success", "ActionID", id).String())
				_, _ = io.WriteString(conn, ami.NewEvent("Event", "FullyBooted", "Status", "Fully Booted").String())
				close(streamed)
			case "Logoff":
				_, _ = io.WriteString(conn, ami.NewEvent("Response", "Goodbye", "ActionID", id).String())
				close(loggedOff)
				return
			}
		}
	}()

	outDir := t.TempDir()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	result := make(chan error, 1)
	go func() {
		result <- capture(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)),
			ami.Options{Addr: ln.Addr().String(), Username: "admin", Secret: "x", DialTimeout: time.Second}, outDir)
	}()

	select {
	case <-streamed:
	case <-time.After(2 * time.Second):
		t.Fatal("capture never logged in")
	}
	var captured string
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(captured, "FullyBooted") {
		if time.Now().After(deadline) {
			t.Fatalf("event never written, capture so far %q", captured)
		}
		time.Sleep(5 * time.Millisecond)
		files, _ := filepath.Glob(filepath.Join(outDir, "*.raw"))
		if len(files) == 1 {
			data, _ := os.ReadFile(files[0])
			captured = string(data)
		}
	}

	cancel()
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("capture did not stop")
	}
	select {
	case <-loggedOff:
	default:
		t.Error("expected a Logoff before closing")
	}
	if !strings.HasPrefix(captured, "Asterisk Call Manager/5.0.1\r\n") {
		t.Errorf("capture missing greeting: %q", captured)
	}
}
