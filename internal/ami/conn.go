package ami

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultCommandTimeout = 10 * time.Second
)

// Options configures a session.
type Options struct {
	Addr           string
	Username       string
	Secret         string
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// Listener receives session lifecycle callbacks. Callbacks run on the
// session's read goroutine and must not block.
type Listener struct {
	// OnReady fires once login succeeds, with the protocol version from the greeting.
	OnReady func(version string)
	// OnEvent fires for every unsolicited event, in wire order.
	OnEvent func(Event)
	// OnError fires when the session fails before becoming usable (login rejected).
	OnError func(error)
	// OnClose fires when the transport goes away without Close being called.
	OnClose func(error)
}

// Response is the reply to an action. For list actions Items holds the
// events collected between "EventList: start" and "EventList: Complete".
type Response struct {
	Event
	Items []Event
}

// Success reports whether the switch accepted the action.
func (r *Response) Success() bool {
	switch strings.ToLower(r.Get("Response")) {
	case "success", "follows", "goodbye":
		return true
	}
	return false
}

// Message returns the human readable status line.
func (r *Response) Message() string {
	return r.Get("Message")
}

type result struct {
	resp *Response
	err  error
}

type pendingAction struct {
	resp       *Response
	collecting bool
	ch         chan result
}

// Conn is a single duplex management session. Actions are correlated with
// their responses by ActionID; everything else is handed to the Listener.
type Conn struct {
	rwc      io.ReadWriteCloser
	opts     Options
	listener Listener

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]*pendingAction
	closed   bool
	finished bool
	banner   string

	done chan struct{}
}

// Dial connects to the management port, starts reading and logs in.
// It returns as soon as the TCP connection is up; login completion is
// reported through Listener.OnReady or Listener.OnError.
func Dial(ctx context.Context, opts Options, l Listener) (*Conn, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial AMI %s: %w", opts.Addr, err)
	}
	return Open(nc, opts, l), nil
}

// Open runs the protocol over an already established transport.
func Open(rwc io.ReadWriteCloser, opts Options, l Listener) *Conn {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	c := &Conn{
		rwc:      rwc,
		opts:     opts,
		listener: l,
		pending:  make(map[string]*pendingAction),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.login()
	return c
}

func (c *Conn) login() {
	_, err := c.Action(context.Background(), Login(c.opts.Username, c.opts.Secret))
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			// OnClose already reported it.
			return
		}
		if c.listener.OnError != nil {
			c.listener.OnError(fmt.Errorf("login: %w", err))
		}
		_ = c.Close()
		return
	}
	if c.listener.OnReady != nil {
		c.listener.OnReady(c.Version())
	}
}

// Version returns the protocol version announced in the greeting.
func (c *Conn) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Version(c.banner)
}

// Done is closed once the session has terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Action sends a command and waits for its correlated response. A context
// without a deadline gets the session's default command timeout.
func (c *Conn) Action(ctx context.Context, a Action) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CommandTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	pa := &pendingAction{resp: &Response{}, ch: make(chan result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", a.Name, ErrConnectionClosed)
	}
	c.pending[id] = pa
	c.mu.Unlock()

	if err := c.write(ctx, a.Encode(id)); err != nil {
		c.forget(id)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", a.Name, ErrCommandTimeout)
		}
		return nil, fmt.Errorf("sending %s: %w", a.Name, err)
	}

	select {
	case r := <-pa.ch:
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", a.Name, r.err)
		}
		if !r.resp.Success() {
			return r.resp, &CommandRejectedError{Action: a.Name, Message: r.resp.Message()}
		}
		return r.resp, nil
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", a.Name, ErrCommandTimeout)
		}
		return nil, ctx.Err()
	}
}

func (c *Conn) write(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		if nc, ok := c.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = nc.SetWriteDeadline(dl)
			defer nc.SetWriteDeadline(time.Time{})
		}
	}
	_, err := c.rwc.Write(frame)
	return err
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close tears the session down. Pending actions fail with ErrConnectionClosed.
// OnClose is not invoked for a locally requested close.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.rwc.Close()
	c.finish(ErrConnectionClosed)
	return err
}

func (c *Conn) readLoop() {
	p := NewParser(c.rwc)
	for {
		evt, ok := p.Next()
		if !ok {
			break
		}
		c.dispatch(evt, p.Banner())
	}
	err := p.Err()
	if err == nil {
		err = io.EOF
	}

	c.mu.Lock()
	local := c.closed
	c.closed = true
	c.mu.Unlock()

	_ = c.rwc.Close()
	c.finish(ErrConnectionClosed)
	if !local && c.listener.OnClose != nil {
		c.listener.OnClose(err)
	}
}

// finish fails every outstanding action exactly once.
func (c *Conn) finish(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	pending := c.pending
	c.pending = map[string]*pendingAction{}
	c.mu.Unlock()

	for _, pa := range pending {
		pa.ch <- result{err: err}
	}
	close(c.done)
}

func (c *Conn) dispatch(evt Event, banner string) {
	id := evt.ActionID()

	c.mu.Lock()
	if c.banner == "" {
		c.banner = banner
	}
	var pa *pendingAction
	if id != "" {
		pa = c.pending[id]
	}
	if pa == nil {
		c.mu.Unlock()
		if !evt.IsResponse() {
			c.emit(evt)
		}
		return
	}

	switch {
	case evt.IsResponse():
		pa.resp.Event = evt
		if strings.EqualFold(evt.Get("EventList"), "start") && !strings.EqualFold(evt.Get("Response"), "error") {
			pa.collecting = true
			c.mu.Unlock()
			return
		}
		delete(c.pending, id)
		c.mu.Unlock()
		pa.ch <- result{resp: pa.resp}
	case pa.collecting && strings.EqualFold(evt.Get("EventList"), "complete"):
		delete(c.pending, id)
		c.mu.Unlock()
		pa.ch <- result{resp: pa.resp}
	case pa.collecting:
		pa.resp.Items = append(pa.resp.Items, evt)
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.emit(evt)
	}
}

func (c *Conn) emit(evt Event) {
	if c.listener.OnEvent != nil {
		c.listener.OnEvent(evt)
	}
}
