package observability

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sweeney/asterisk-callcenter/internal/ami"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func assertSample(t *testing.T, body, sample string) {
	t.Helper()
	if !strings.Contains(body, sample+"\n") {
		t.Errorf("expected sample %q in scrape", sample)
	}
}

func TestMetricsRecordOutcomes(t *testing.T) {
	m := NewMetrics("test")

	m.SetConnected(true)
	m.ReconnectScheduled()
	m.ReconnectScheduled()
	m.ConnectFailed("timeout")
	m.ObserveCommand("Redirect", nil)
	m.ObserveCommand("Redirect", fmt.Errorf("redirect: %w", ami.ErrCommandTimeout))
	m.ObserveCommand("Hangup", &ami.CommandRejectedError{Action: "Hangup", Message: "No such channel"})
	m.ObserveCommand("Hangup", errors.New("broken pipe"))
	m.Notification("channel-hangup")
	m.ProjectionError("channel-hangup", "billing")
	m.Broadcast("call:ended", nil)
	m.Broadcast("call:ended", errors.New("broker down"))
	m.AcceptOutcome("won")
	m.SetOperatorClients(3)

	body := scrape(t, m)
	assertSample(t, body, "test_switch_connected 1")
	assertSample(t, body, "test_switch_reconnects_scheduled_total 2")
	assertSample(t, body, `test_switch_connect_failures_total{reason="timeout"} 1`)
	assertSample(t, body, `test_switch_commands_total{action="Redirect",outcome="ok"} 1`)
	assertSample(t, body, `test_switch_commands_total{action="Redirect",outcome="timeout"} 1`)
	assertSample(t, body, `test_switch_commands_total{action="Hangup",outcome="rejected"} 1`)
	assertSample(t, body, `test_switch_commands_total{action="Hangup",outcome="error"} 1`)
	assertSample(t, body, `test_notifications_total{kind="channel-hangup"} 1`)
	assertSample(t, body, `test_projection_errors_total{kind="channel-hangup",step="billing"} 1`)
	assertSample(t, body, `test_broadcasts_total{event="call:ended",outcome="ok"} 1`)
	assertSample(t, body, `test_broadcasts_total{event="call:ended",outcome="error"} 1`)
	assertSample(t, body, `test_task_accept_outcomes_total{outcome="won"} 1`)
	assertSample(t, body, "test_operator_clients 3")

	m.SetConnected(false)
	assertSample(t, scrape(t, m), "test_switch_connected 0")
}

func TestMetricsInstancesAreIndependent(t *testing.T) {
	a := NewMetrics("test")
	b := NewMetrics("test")
	a.AcceptOutcome("won")
	if strings.Contains(scrape(t, b), "test_task_accept_outcomes_total") {
		t.Error("expected separate registries")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetConnected(true)
	m.ReconnectScheduled()
	m.ConnectFailed("dial")
	m.ObserveCommand("Ping", nil)
	m.Notification("peer-status")
	m.ProjectionError("peer-status", "store")
	m.Broadcast("switch:connected", nil)
	m.AcceptOutcome("won")
	m.SetOperatorClients(1)
	if m.Handler() == nil {
		t.Fatal("expected a handler from nil metrics")
	}
}
