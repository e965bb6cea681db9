package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/asterisk-callcenter/internal/ami"
	"github.com/sweeney/asterisk-callcenter/internal/config"
	"github.com/sweeney/asterisk-callcenter/internal/publisher"
	"github.com/sweeney/asterisk-callcenter/internal/store"
	"github.com/sweeney/asterisk-callcenter/internal/supervisor"
)

func fixturesDir() string {
	return filepath.Join("..", "..", "testdata", "fixtures")
}

func testConfig() *config.Config {
	return &config.Config{
		AMI: config.AMIConfig{
			Host:           "127.0.0.1",
			Port:           5038,
			Username:       "admin",
			Secret:         "s3cret",
			ConnectTimeout: 2 * time.Second,
			CommandTimeout: time.Second,
			ReconnectBase:  50 * time.Millisecond,
			ReconnectMax:   200 * time.Millisecond,
		},
		MQTT:    config.MQTTConfig{TopicPrefix: "pbx"},
		HTTP:    config.HTTPConfig{Addr: "127.0.0.1:0"},
		Routing: config.RoutingConfig{TransferContext: "from-internal", HoldingContext: "campaign-hold"},
		Log:     config.LogConfig{Level: "debug", Format: "text"},
	}
}

// replaySwitch serves a captured event stream over a pipe: it greets, accepts
// the login, replays every unsolicited event of the fixture and answers any
// later command with success.
type replaySwitch struct {
	t      *testing.T
	events []ami.Event

	mu       sync.Mutex
	commands []string
}

func newReplaySwitch(t *testing.T, fixture string) *replaySwitch {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fixturesDir(), fixture))
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	var events []ami.Event
	for _, evt := range ami.ParseBytes(data) {
		if !evt.IsResponse() {
			events = append(events, evt)
		}
	}
	return &replaySwitch{t: t, events: events}
}

func (r *replaySwitch) dial(_ context.Context, l ami.Listener) (supervisor.Session, error) {
	client, server := net.Pipe()
	go r.serve(server)
	return ami.Open(client, ami.Options{Username: "admin", Secret: "s3cret", CommandTimeout: time.Second}, l), nil
}

func (r *replaySwitch) serve(conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex
	write := func(s string) bool {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_, err := conn.Write([]byte(s))
		return err == nil
	}

	if !write("Asterisk Call Manager/5.0.1\r\n") {
		return
	}
	p := ami.NewParser(conn)
	for {
		action, ok := p.Next()
		if !ok {
			return
		}
		name := action.Get("Action")
		r.mu.Lock()
		r.commands = append(r.commands, name)
		r.mu.Unlock()

		id := action.ActionID()
		switch name {
		case "Login":
			if !write(ami.NewEvent("Response", "Success", "ActionID", id, "Message", "Authentication accepted").String()) {
				return
			}
			go func() {
				for _, evt := range r.events {
					if !write(evt.String()) {
						return
					}
				}
			}()
		case "SIPpeers":
			write(ami.NewEvent("Response", "Success", "ActionID", id, "EventList", "start").String())
			write(ami.NewEvent("Event", "PeerlistComplete", "ActionID", id, "EventList", "Complete", "ListItems", "0").String())
		default:
			write(ami.NewEvent("Response", "Success", "ActionID", id).String())
		}
	}
}

func (r *replaySwitch) sent(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.commands {
		if c == name {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startApp(t *testing.T, cfg *config.Config, sw *replaySwitch) (*app, *publisher.MockPublisher) {
	t.Helper()
	mock := publisher.NewMockPublisher()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), cfg, logger, appDeps{
		Dial:       sw.dial,
		Publishers: []publisher.Publisher{mock},
	})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := a.start(ctx)
	t.Cleanup(func() {
		cancel()
		a.stop(done)
	})
	return a, mock
}

func TestPipelineAnsweredOutbound(t *testing.T) {
	sw := newReplaySwitch(t, "answered-outbound.raw")
	a, mock := startApp(t, testConfig(), sw)

	waitFor(t, "two call:ended broadcasts", func() bool {
		return len(mock.Events(publisher.EventCallEnded)) == 2
	})

	if got := len(mock.Events(publisher.EventSwitchConnected)); got != 1 {
		t.Errorf("expected 1 switch:connected broadcast, got %d", got)
	}
	if got := len(mock.Events(publisher.EventChannelNew)); got != 2 {
		t.Errorf("expected 2 channel:new broadcasts, got %d", got)
	}
	if got := len(mock.Events(publisher.EventCallConnected)); got != 2 {
		t.Errorf("expected 2 call:connected broadcasts, got %d", got)
	}
	if got := sw.sent("SIPpeers"); got != 1 {
		t.Errorf("expected one peer resync, got %d", got)
	}
	if got := sw.sent("MixMonitor"); got != 0 {
		t.Errorf("recording is disabled, got %d MixMonitor commands", got)
	}

	for _, m := range mock.Messages() {
		if !bytes.HasPrefix([]byte(m.Topic), []byte("pbx/")) {
			t.Errorf("expected pbx/ topic prefix, got %s", m.Topic)
		}
	}

	calls, err := a.store.ListUnbilledCalls(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 0 {
		t.Errorf("expected every completed call billed, %d unbilled", len(calls))
	}
	rec, err := a.store.GetCall(context.Background(), "1770888509.40")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.CallCompleted || rec.BillingID == "" {
		t.Errorf("unexpected call record %+v", rec)
	}
}

func TestPipelineServesControlSurface(t *testing.T) {
	sw := newReplaySwitch(t, "answered-outbound.raw")
	a, mock := startApp(t, testConfig(), sw)
	waitFor(t, "switch:connected", func() bool {
		return len(mock.Events(publisher.EventSwitchConnected)) == 1
	})

	ts := httptest.NewServer(a.api.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["switch_connected"] != true || health["store_mode"] != "memory" {
		t.Fatalf("unexpected health %+v", health)
	}

	res, err = http.Post(ts.URL+"/v1/switch/disconnect", "application/json", http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	waitFor(t, "switch:disconnected", func() bool {
		return len(mock.Events(publisher.EventSwitchDisconnected)) == 1
	})
	if a.sup.Connected() {
		t.Fatal("expected supervisor to stay stopped after disconnect")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, config.LogConfig{Level: "info", Format: "json"}).Info("hello", "k", "v")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q", buf.String())
	}
	if line["msg"] != "hello" || line["k"] != "v" {
		t.Fatalf("unexpected log line %+v", line)
	}

	buf.Reset()
	newLogger(&buf, config.LogConfig{Level: "warn", Format: "text"}).Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info must be filtered at warn level, got %q", buf.String())
	}
}
