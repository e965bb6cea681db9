// Package supervisor owns the single management session to the switch. It
// reconnects with bounded exponential backoff for as long as the process runs
// and hands every switch notification, in order, to a single consumer.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sweeney/asterisk-callcenter/internal/ami"
	"github.com/sweeney/asterisk-callcenter/internal/observability"
)

var (
	// ErrNotConnected is returned by Action when no session is logged in.
	ErrNotConnected = errors.New("supervisor: not connected to switch")

	// ErrConnectTimeout settles an attempt that saw neither ready nor failure in time.
	ErrConnectTimeout = errors.New("supervisor: connection attempt timed out")

	// ErrStopped is returned by Connect after Disconnect; only ForceReconnect resumes.
	ErrStopped = errors.New("supervisor: stopped")
)

// ConnectionError is a transport-level failure. It always leads to a
// scheduled reconnect unless the supervisor is stopped.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "switch connection: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

// Session is a live management connection.
type Session interface {
	Action(ctx context.Context, a ami.Action) (*ami.Response, error)
	Close() error
}

// DialFunc opens a session and reports its lifecycle through the listener.
type DialFunc func(ctx context.Context, l ami.Listener) (Session, error)

// AMIDialer dials the real management port.
func AMIDialer(opts ami.Options) DialFunc {
	return func(ctx context.Context, l ami.Listener) (Session, error) {
		c, err := ami.Dial(ctx, opts, l)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Status is a point-in-time view for the control surface.
type Status struct {
	Connected         bool   `json:"connected"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	Version           string `json:"version,omitempty"`
	Stopped           bool   `json:"stopped"`
	LastError         string `json:"last_error,omitempty"`
}

// Supervisor keeps at most one live session and at most one pending
// reconnect timer.
type Supervisor struct {
	dial           DialFunc
	clock          Clock
	logger         *slog.Logger
	metrics        *observability.Metrics
	connectTimeout time.Duration
	baseDelay      time.Duration
	maxDelay       time.Duration

	notices *mailbox

	mu           sync.Mutex
	baseCtx      context.Context
	session      Session
	gen          uint64
	inflight     *attempt
	connected    bool
	attempts     int
	reconnecting bool
	stopped      bool
	timer        Timer
	timerSeq     uint64
	early        []ami.Event
	version      string
	lastErr      error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the timer source.
func WithClock(c Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithConnectTimeout bounds a single connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// WithBackoff overrides the base and ceiling reconnect delays.
func WithBackoff(base, max time.Duration) Option {
	return func(s *Supervisor) {
		if base > 0 {
			s.baseDelay = base
		}
		if max > 0 {
			s.maxDelay = max
		}
	}
}

// New creates a Supervisor. Nothing is dialled until Start or Connect.
func New(dial DialFunc, opts ...Option) *Supervisor {
	s := &Supervisor{
		dial:           dial,
		clock:          realClock{},
		logger:         slog.Default(),
		connectTimeout: DefaultConnectTimeout,
		baseDelay:      DefaultBaseDelay,
		maxDelay:       DefaultMaxDelay,
		notices:        newMailbox(),
		baseCtx:        context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start records ctx for timer-driven reconnects and begins the first
// attempt in the background. A failing first attempt is retried like any
// other; Start never reports it.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	go func() {
		if err := s.Connect(ctx); err != nil {
			s.logger.Warn("initial switch connection failed", "error", err)
		}
	}()
}

// Next blocks until the next notice is available or ctx is done.
func (s *Supervisor) Next(ctx context.Context) (Notice, error) {
	return s.notices.next(ctx)
}

// Connect replaces any existing session with a new one and waits for the
// attempt to settle. Every failure, including the watchdog timeout, arms a
// reconnect.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.reconnecting = false
	s.stopTimerLocked()
	old := s.session
	wasConnected := s.readyLocked()
	s.session = nil
	s.connected = false
	s.early = nil
	s.gen++
	gen := s.gen
	att := newAttempt()
	if s.inflight != nil {
		s.inflight.settle(ErrStopped)
	}
	s.inflight = att
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if wasConnected {
		s.metrics.SetConnected(false)
		s.notices.push(Notice{Kind: NoticeDisconnected, Err: errors.New("replaced by new connection")})
	}

	l := ami.Listener{
		OnReady: func(version string) { s.handleReady(gen, att, version) },
		OnEvent: func(evt ami.Event) { s.handleEvent(gen, evt) },
		OnError: func(err error) { s.fail(gen, att, err, "error") },
		OnClose: func(err error) { s.fail(gen, att, err, "closed") },
	}

	watchdog := s.clock.AfterFunc(s.connectTimeout, func() {
		if att.settle(&ConnectionError{Err: ErrConnectTimeout}) {
			s.fail(gen, att, ErrConnectTimeout, "timeout")
		}
	})

	sess, err := s.dial(ctx, l)
	if err != nil {
		s.fail(gen, att, err, "dial")
	} else {
		s.mu.Lock()
		current := s.gen == gen
		announced := false
		if current {
			s.session = sess
			if s.connected {
				s.announceLocked()
				announced = true
			}
		}
		s.mu.Unlock()
		if !current {
			_ = sess.Close()
		}
		if announced {
			s.readyLogged()
		}
	}

	select {
	case err := <-att.done:
		watchdog.Stop()
		return err
	case <-ctx.Done():
		// The watchdog still settles the attempt.
		return ctx.Err()
	}
}

func (s *Supervisor) handleReady(gen uint64, att *attempt, version string) {
	s.mu.Lock()
	if gen != s.gen || s.stopped || !att.settle(nil) {
		s.mu.Unlock()
		return
	}
	s.connected = true
	s.attempts = 0
	s.reconnecting = false
	s.version = version
	s.lastErr = nil
	// Login usually completes inside dial; Connect announces after the handoff.
	announced := s.session != nil
	if announced {
		s.announceLocked()
	}
	s.mu.Unlock()

	if announced {
		s.readyLogged()
	}
}

// announceLocked runs once per session, when it is both logged in and held.
// Events that arrived in between follow the connected notice.
func (s *Supervisor) announceLocked() {
	s.notices.push(Notice{Kind: NoticeConnected, Version: s.version})
	for _, evt := range s.early {
		s.notices.push(Notice{Kind: NoticeEvent, Event: evt})
	}
	s.early = nil
}

func (s *Supervisor) readyLogged() {
	s.metrics.SetConnected(true)
	s.logger.Info("connected to switch", "version", s.Status().Version)
}

// readyLocked reports whether the current session has been announced.
func (s *Supervisor) readyLocked() bool {
	return s.connected && s.session != nil
}

func (s *Supervisor) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}

func (s *Supervisor) handleEvent(gen uint64, evt ami.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	if s.connected && s.session == nil {
		s.early = append(s.early, evt)
		return
	}
	s.notices.push(Notice{Kind: NoticeEvent, Event: evt})
}

// fail handles every failure path for session gen: mark disconnected, settle
// the attempt if still open, tear the session down and schedule a retry.
func (s *Supervisor) fail(gen uint64, att *attempt, cause error, reason string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	wasConnected := s.readyLocked()
	sess := s.session
	s.connected = false
	s.session = nil
	s.early = nil
	s.gen++
	s.lastErr = cause
	if s.inflight == att {
		s.inflight = nil
	}
	s.mu.Unlock()

	att.settle(&ConnectionError{Err: cause})
	if sess != nil {
		_ = sess.Close()
	}

	s.metrics.SetConnected(false)
	s.metrics.ConnectFailed(reason)
	s.logger.Warn("switch connection lost", "reason", reason, "error", cause)
	if wasConnected {
		s.notices.push(Notice{Kind: NoticeDisconnected, Err: cause})
	}
	s.scheduleReconnect()
}

// scheduleReconnect arms one retry timer. It is a no-op while a retry is
// already pending or after Disconnect.
func (s *Supervisor) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnecting || s.stopped {
		return
	}
	s.reconnecting = true
	s.attempts++
	delay := Backoff(s.attempts, s.baseDelay, s.maxDelay)
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.clock.AfterFunc(delay, func() { s.reconnectNow(seq) })
	s.metrics.ReconnectScheduled()
	s.logger.Info("switch reconnect scheduled", "attempt", s.attempts, "delay", delay)
}

// reconnectNow is the timer callback for timer seq. A callback that lost a
// race with Stop finds a newer seq and does nothing.
func (s *Supervisor) reconnectNow(seq uint64) {
	s.mu.Lock()
	if seq != s.timerSeq || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	stopped := s.stopped
	ctx := s.baseCtx
	s.mu.Unlock()
	if stopped || ctx.Err() != nil {
		return
	}
	if err := s.Connect(ctx); err != nil {
		s.logger.Debug("reconnect attempt failed", "error", err)
	}
}

// ForceReconnect clears the stop flag and the backoff state and connects
// immediately.
func (s *Supervisor) ForceReconnect(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = false
	s.reconnecting = false
	s.attempts = 0
	s.stopTimerLocked()
	s.mu.Unlock()
	s.logger.Info("forced switch reconnect")
	return s.Connect(ctx)
}

// Disconnect stops the supervisor: the pending timer is cancelled, the live
// session is closed and no further reconnect happens until ForceReconnect.
// Safe to call in any state.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.stopped = true
	s.reconnecting = false
	s.stopTimerLocked()
	sess := s.session
	wasConnected := s.readyLocked()
	s.session = nil
	s.connected = false
	s.early = nil
	s.gen++
	att := s.inflight
	s.inflight = nil
	s.mu.Unlock()

	if att != nil {
		att.settle(ErrStopped)
	}
	if sess != nil {
		_ = sess.Close()
	}
	s.metrics.SetConnected(false)
	if wasConnected {
		s.notices.push(Notice{Kind: NoticeDisconnected, Err: ErrStopped})
	}
	s.logger.Info("switch connection stopped")
}

// Action sends a command on the live session. It fails fast with
// ErrNotConnected when there is none.
func (s *Supervisor) Action(ctx context.Context, a ami.Action) (*ami.Response, error) {
	s.mu.Lock()
	sess, connected := s.session, s.connected
	s.mu.Unlock()
	if sess == nil || !connected {
		return nil, fmt.Errorf("%s: %w", a.Name, ErrNotConnected)
	}
	resp, err := sess.Action(ctx, a)
	s.metrics.ObserveCommand(a.Name, err)
	return resp, err
}

// Connected reports whether a session is logged in and ready for commands.
// Login may complete before the dialler hands the session over.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

// Status returns the supervisor's current state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Connected:         s.readyLocked(),
		ReconnectAttempts: s.attempts,
		Version:           s.version,
		Stopped:           s.stopped,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// attempt settles exactly once.
type attempt struct {
	mu      sync.Mutex
	settled bool
	done    chan error
}

func newAttempt() *attempt {
	return &attempt{done: make(chan error, 1)}
}

// settle reports whether this call was the one that settled the attempt.
func (a *attempt) settle(err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settled {
		return false
	}
	a.settled = true
	a.done <- err
	return true
}
