package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/asterisk-callcenter/internal/ami"
)

// --- fakes ---

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) active(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.d == d && !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fire runs the oldest active timer with duration d on the calling goroutine.
func (c *fakeClock) fire(t *testing.T, d time.Duration) {
	t.Helper()
	c.mu.Lock()
	var target *fakeTimer
	for _, tm := range c.timers {
		if tm.d == d && !tm.stopped && !tm.fired {
			target = tm
			break
		}
	}
	if target != nil {
		target.fired = true
	}
	c.mu.Unlock()
	if target == nil {
		t.Fatalf("no active timer with duration %v", d)
	}
	target.f()
}

// claim marks the oldest active timer with duration d as fired and returns
// its callback without running it, as if the timer fired concurrently with
// a Stop.
func (c *fakeClock) claim(t *testing.T, d time.Duration) func() {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tm := range c.timers {
		if tm.d == d && !tm.stopped && !tm.fired {
			tm.fired = true
			return tm.f
		}
	}
	t.Fatalf("no active timer with duration %v", d)
	return nil
}

func (c *fakeClock) waitActive(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.active(d) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for a %v timer", d)
		}
		time.Sleep(time.Millisecond)
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

type fakeSession struct {
	mu      sync.Mutex
	closed  bool
	actions []ami.Action
}

func (s *fakeSession) Action(_ context.Context, a ami.Action) (*ami.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ami.ErrConnectionClosed
	}
	s.actions = append(s.actions, a)
	return &ami.Response{Event: ami.NewEvent("Response", "Success")}, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type dialMode int

const (
	dialReady  dialMode = iota // login completes during dial
	dialRefuse                 // TCP connect fails
	dialSilent                 // connects, never reports anything
)

type fakeDialer struct {
	mu        sync.Mutex
	mode      dialMode
	dials     int
	sessions  []*fakeSession
	listeners []ami.Listener
}

func (d *fakeDialer) setMode(m dialMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = m
}

func (d *fakeDialer) dial(_ context.Context, l ami.Listener) (Session, error) {
	d.mu.Lock()
	d.dials++
	mode := d.mode
	d.listeners = append(d.listeners, l)
	var sess *fakeSession
	if mode != dialRefuse {
		sess = &fakeSession{}
		d.sessions = append(d.sessions, sess)
	}
	d.mu.Unlock()

	switch mode {
	case dialRefuse:
		return nil, errors.New("connection refused")
	case dialReady:
		l.OnReady("5.0.1")
	}
	return sess, nil
}

func (d *fakeDialer) listener(i int) ami.Listener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listeners[i]
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[i]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestSupervisor(mode dialMode) (*Supervisor, *fakeDialer, *fakeClock) {
	d := &fakeDialer{mode: mode}
	c := &fakeClock{}
	s := New(d.dial,
		WithClock(c),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return s, d, c
}

func nextNotice(t *testing.T, s *Supervisor) Notice {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("waiting for notice: %v", err)
	}
	return n
}

// waitHandoff waits until dial has returned and the session is held.
func waitHandoff(t *testing.T, s *Supervisor) {
	t.Helper()
	eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.session != nil
	}, "session never handed over")
}

func connectAsync(s *Supervisor) <-chan error {
	out := make(chan error, 1)
	go func() { out <- s.Connect(context.Background()) }()
	return out
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connect to settle")
		return nil
	}
}

// --- tests ---

func TestBackoffSchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 7500 * time.Millisecond},
		{3, 11250 * time.Millisecond},
		{4, 16875 * time.Millisecond},
		{5, 25312500 * time.Microsecond},
		{6, 37968750 * time.Microsecond},
		{7, 56953125 * time.Microsecond},
		{8, 60 * time.Second},
		{9, 60 * time.Second},
		{10, 60 * time.Second},
		{1000, 60 * time.Second},
	}
	prev := time.Duration(0)
	for _, tt := range tests {
		got := Backoff(tt.attempt, DefaultBaseDelay, DefaultMaxDelay)
		if got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
		if got < prev {
			t.Errorf("Backoff(%d) = %v decreased from %v", tt.attempt, got, prev)
		}
		prev = got
	}
}

func TestConnectSuccess(t *testing.T) {
	s, _, clock := newTestSupervisor(dialReady)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st := s.Status()
	if !st.Connected || st.ReconnectAttempts != 0 || st.Version != "5.0.1" {
		t.Errorf("unexpected status %+v", st)
	}
	if clock.active(DefaultConnectTimeout) != 0 {
		t.Error("watchdog should be stopped after success")
	}
	if n := nextNotice(t, s); n.Kind != NoticeConnected || n.Version != "5.0.1" {
		t.Errorf("expected connected notice, got %+v", n)
	}
}

func TestConnectFailureSchedulesReconnect(t *testing.T) {
	s, d, clock := newTestSupervisor(dialRefuse)

	err := s.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if clock.active(5*time.Second) != 1 {
		t.Fatalf("expected one 5s reconnect timer")
	}
	if s.Status().ReconnectAttempts != 1 {
		t.Errorf("expected 1 attempt, got %d", s.Status().ReconnectAttempts)
	}

	clock.fire(t, 5*time.Second)
	if d.dialCount() != 2 {
		t.Fatalf("expected a second dial, got %d", d.dialCount())
	}
	if clock.active(7500*time.Millisecond) != 1 {
		t.Fatalf("expected one 7.5s reconnect timer after second failure")
	}

	d.setMode(dialReady)
	clock.fire(t, 7500*time.Millisecond)
	st := s.Status()
	if !st.Connected || st.ReconnectAttempts != 0 {
		t.Errorf("expected connected with counters cleared, got %+v", st)
	}
}

func TestScheduleReconnectSingleInFlight(t *testing.T) {
	s, _, clock := newTestSupervisor(dialRefuse)

	s.scheduleReconnect()
	s.scheduleReconnect()

	if got := clock.active(5 * time.Second); got != 1 {
		t.Fatalf("expected exactly one pending timer, got %d", got)
	}
	if s.Status().ReconnectAttempts != 1 {
		t.Errorf("expected attempt counter 1, got %d", s.Status().ReconnectAttempts)
	}
}

func TestWatchdogTimeoutRejectsAndRetries(t *testing.T) {
	s, d, clock := newTestSupervisor(dialSilent)

	res := connectAsync(s)
	clock.waitActive(t, DefaultConnectTimeout)
	eventually(t, func() bool { return d.dialCount() == 1 }, "expected a dial")
	clock.fire(t, DefaultConnectTimeout)

	err := waitErr(t, res)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	eventually(t, d.session(0).isClosed, "timed out session should be torn down")
	if clock.active(5*time.Second) != 1 {
		t.Fatal("timeout should arm a reconnect")
	}

	// A late ready from the abandoned session changes nothing.
	d.listener(0).OnReady("5.0.1")
	if s.Connected() {
		t.Error("late ready must not resurrect a timed out attempt")
	}
}

func TestConnectSettlesOnce(t *testing.T) {
	s, d, clock := newTestSupervisor(dialSilent)

	res := connectAsync(s)
	clock.waitActive(t, DefaultConnectTimeout)
	eventually(t, func() bool { return d.dialCount() == 1 }, "expected a dial")
	waitHandoff(t, s)
	l := d.listener(0)

	l.OnReady("5.0.1")
	l.OnError(errors.New("boom"))
	l.OnClose(io.EOF)

	if err := waitErr(t, res); err != nil {
		t.Fatalf("expected first outcome (ready) to win, got %v", err)
	}
	select {
	case err := <-res:
		t.Fatalf("Connect settled twice: %v", err)
	default:
	}

	if s.Connected() {
		t.Error("error after ready should mark disconnected")
	}
	if got := clock.active(5 * time.Second); got != 1 {
		t.Errorf("expected exactly one reconnect timer, got %d", got)
	}

	if n := nextNotice(t, s); n.Kind != NoticeConnected {
		t.Errorf("expected connected notice, got %v", n.Kind)
	}
	if n := nextNotice(t, s); n.Kind != NoticeDisconnected {
		t.Errorf("expected disconnected notice, got %v", n.Kind)
	}
}

func TestLostConnectionReconnects(t *testing.T) {
	s, d, clock := newTestSupervisor(dialReady)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.listener(0).OnClose(io.EOF)
	if s.Connected() {
		t.Fatal("expected disconnected after close")
	}
	clock.fire(t, 5*time.Second)

	if !s.Connected() {
		t.Fatal("expected reconnect to succeed")
	}
	if d.dialCount() != 2 {
		t.Errorf("expected 2 dials, got %d", d.dialCount())
	}

	kinds := []NoticeKind{NoticeConnected, NoticeDisconnected, NoticeConnected}
	for _, want := range kinds {
		if n := nextNotice(t, s); n.Kind != want {
			t.Errorf("expected %v, got %v", want, n.Kind)
		}
	}
}

func TestDisconnectStopsReconnect(t *testing.T) {
	s, _, clock := newTestSupervisor(dialRefuse)
	_ = s.Connect(context.Background())
	if clock.active(5*time.Second) != 1 {
		t.Fatal("expected pending reconnect")
	}

	s.Disconnect()
	s.Disconnect() // safe twice

	if clock.active(5*time.Second) != 0 {
		t.Error("Disconnect should cancel the pending timer")
	}
	if !s.Status().Stopped {
		t.Error("expected stopped status")
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	s.scheduleReconnect()
	if clock.active(5*time.Second) != 0 {
		t.Error("scheduleReconnect must be a no-op once stopped")
	}
}

func TestDisconnectClosesLiveSession(t *testing.T) {
	s, d, _ := newTestSupervisor(dialReady)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Disconnect()
	if !d.session(0).isClosed() {
		t.Error("expected session closed")
	}
	if _, err := s.Action(context.Background(), ami.Ping()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestForceReconnectResumesAfterDisconnect(t *testing.T) {
	s, d, clock := newTestSupervisor(dialRefuse)
	_ = s.Connect(context.Background())
	_ = s.Connect(context.Background())
	s.Disconnect()

	d.setMode(dialReady)
	if err := s.ForceReconnect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st := s.Status()
	if !st.Connected || st.Stopped || st.ReconnectAttempts != 0 {
		t.Errorf("unexpected status after force reconnect %+v", st)
	}
	if clock.active(5*time.Second)+clock.active(7500*time.Millisecond) != 0 {
		t.Error("no reconnect timer should remain")
	}
}

func TestActionForwarding(t *testing.T) {
	s, d, _ := newTestSupervisor(dialReady)

	if _, err := s.Action(context.Background(), ami.Ping()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Action(context.Background(), ami.Hangup("SIP/1-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sess := d.session(0)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.actions) != 1 || sess.actions[0].Name != "Hangup" {
		t.Errorf("expected forwarded Hangup, got %+v", sess.actions)
	}
}

func TestEventsDeliveredInOrderAndStaleDropped(t *testing.T) {
	s, d, clock := newTestSupervisor(dialReady)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l := d.listener(0)
	l.OnEvent(ami.NewEvent("Event", "Newchannel", "Uniqueid", "1"))
	l.OnEvent(ami.NewEvent("Event", "Hangup", "Uniqueid", "1"))

	if n := nextNotice(t, s); n.Kind != NoticeConnected {
		t.Fatalf("expected connected first, got %v", n.Kind)
	}
	for _, want := range []string{"Newchannel", "Hangup"} {
		n := nextNotice(t, s)
		if n.Kind != NoticeEvent || n.Event.Type() != want {
			t.Errorf("expected %s event, got %v %q", want, n.Kind, n.Event.Type())
		}
	}

	// After the session is replaced its events are ignored.
	l.OnClose(io.EOF)
	clock.fire(t, 5*time.Second)
	l.OnEvent(ami.NewEvent("Event", "Newchannel", "Uniqueid", "stale"))
	for _, want := range []NoticeKind{NoticeDisconnected, NoticeConnected} {
		if n := nextNotice(t, s); n.Kind != want {
			t.Errorf("expected %v, got %v", want, n.Kind)
		}
	}
	if s.notices.len() != 0 {
		t.Errorf("expected stale event to be dropped, %d notices queued", s.notices.len())
	}
}

func TestManualConnectCancelsPendingTimer(t *testing.T) {
	s, _, clock := newTestSupervisor(dialRefuse)
	_ = s.Connect(context.Background())
	_ = s.Connect(context.Background())

	if clock.active(5*time.Second) != 0 {
		t.Error("first timer should be cancelled by the manual attempt")
	}
	if clock.active(7500*time.Millisecond) != 1 {
		t.Error("expected exactly one timer for the second attempt")
	}
}

func TestStaleTimerCallbackIsIgnored(t *testing.T) {
	s, d, clock := newTestSupervisor(dialRefuse)
	_ = s.Connect(context.Background())

	// The first timer fires while ForceReconnect is stopping it.
	stale := clock.claim(t, 5*time.Second)
	_ = s.ForceReconnect(context.Background())
	stale()

	if got := d.dialCount(); got != 2 {
		t.Fatalf("stale callback dialled again: %d dials", got)
	}
	if got := clock.active(5 * time.Second); got != 1 {
		t.Fatalf("expected the fresh 5s timer to stay pending, got %d", got)
	}
	if got := clock.active(7500 * time.Millisecond); got != 0 {
		t.Fatalf("expected no 7.5s timer, got %d", got)
	}

	d.setMode(dialReady)
	clock.fire(t, 5*time.Second)
	if !s.Connected() {
		t.Fatal("expected pending timer to reconnect")
	}

	stale()
	if !s.Connected() || d.session(0).isClosed() || d.dialCount() != 3 {
		t.Fatalf("stale callback disturbed a healthy session: connected=%v closed=%v dials=%d",
			s.Connected(), d.session(0).isClosed(), d.dialCount())
	}
}

func TestConnectedNoticeFollowsSessionHandoff(t *testing.T) {
	var (
		s              *Supervisor
		noticesAtLogin int
		readyAtLogin   bool
	)
	dial := func(_ context.Context, l ami.Listener) (Session, error) {
		l.OnReady("5.0.1")
		l.OnEvent(ami.NewEvent("Event", "FullyBooted"))
		noticesAtLogin = s.notices.len()
		readyAtLogin = s.Connected()
		return &fakeSession{}, nil
	}
	s = New(dial, WithClock(&fakeClock{}), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if noticesAtLogin != 0 || readyAtLogin {
		t.Fatalf("connected announced before handoff: notices=%d ready=%v", noticesAtLogin, readyAtLogin)
	}
	if n := nextNotice(t, s); n.Kind != NoticeConnected || n.Version != "5.0.1" {
		t.Fatalf("expected connected notice, got %+v", n)
	}
	if n := nextNotice(t, s); n.Kind != NoticeEvent || n.Event.Type() != "FullyBooted" {
		t.Fatalf("expected the early event after connected, got %v %q", n.Kind, n.Event.Type())
	}
	if _, err := s.Action(context.Background(), ami.Ping()); err != nil {
		t.Fatalf("action after connected notice: %v", err)
	}
}
