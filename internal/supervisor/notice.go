package supervisor

import (
	"context"
	"sync"

	"github.com/sweeney/asterisk-callcenter/internal/ami"
)

// NoticeKind distinguishes session lifecycle notices from switch events.
type NoticeKind int

const (
	NoticeEvent NoticeKind = iota
	NoticeConnected
	NoticeDisconnected
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeConnected:
		return "connected"
	case NoticeDisconnected:
		return "disconnected"
	default:
		return "event"
	}
}

// Notice is one item of the supervisor's outbound stream.
type Notice struct {
	Kind    NoticeKind
	Event   ami.Event // NoticeEvent
	Version string    // NoticeConnected
	Err     error     // NoticeDisconnected
}

// mailbox is an unbounded FIFO. The session read goroutine must never block
// on a slow consumer, otherwise command responses queued behind events would
// stall.
type mailbox struct {
	mu    sync.Mutex
	items []Notice
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(n Notice) {
	m.mu.Lock()
	m.items = append(m.items, n)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (Notice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return Notice{}, false
	}
	n := m.items[0]
	m.items[0] = Notice{}
	m.items = m.items[1:]
	return n, true
}

func (m *mailbox) next(ctx context.Context) (Notice, error) {
	for {
		if n, ok := m.pop(); ok {
			return n, nil
		}
		select {
		case <-m.ready:
		case <-ctx.Done():
			return Notice{}, ctx.Err()
		}
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
