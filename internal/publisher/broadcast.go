package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/sweeney/asterisk-callcenter/internal/observability"
)

// Broadcast event names sent to operator clients.
const (
	EventChannelNew         = "channel:new"
	EventCallConnected      = "call:connected"
	EventCallEnded          = "call:ended"
	EventExtensionStatus    = "extension:status"
	EventSwitchConnected    = "switch:connected"
	EventSwitchDisconnected = "switch:disconnected"

	EventQueueMemberAdded   = "queue:member-added"
	EventQueueMemberRemoved = "queue:member-removed"
	EventQueueMemberStatus  = "queue:member-status"
	EventAgentConnect       = "agent:connect"
	EventAgentComplete      = "agent:complete"

	EventQueueIncoming   = "campaign:queue-incoming"
	EventQueueDismissed  = "campaign:queue-dismissed"
	EventCallAccepted    = "campaign:call-accepted"
	EventCallTransferred = "campaign:call-transferred"
	EventCallRejected    = "campaign:call-rejected"
)

// Envelope is the JSON shape of every broadcast.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Broadcaster wraps event data in an Envelope and hands it to a Publisher.
// Delivery is best-effort: failures are logged and counted, never returned.
type Broadcaster struct {
	pub     Publisher
	prefix  string
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewBroadcaster creates a Broadcaster. prefix is prepended to MQTT topics.
func NewBroadcaster(pub Publisher, prefix string, logger *slog.Logger, metrics *observability.Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		pub:     pub,
		prefix:  strings.TrimSuffix(prefix, "/"),
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Topic maps an event name like "call:ended" to "<prefix>/call/ended".
func (b *Broadcaster) Topic(event string) string {
	t := strings.ReplaceAll(event, ":", "/")
	if b.prefix == "" {
		return t
	}
	return b.prefix + "/" + t
}

func (b *Broadcaster) Broadcast(ctx context.Context, event string, data any) {
	env := Envelope{Event: event, Timestamp: b.now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			b.logger.Error("encoding broadcast", "event", event, "err", err)
			b.metrics.Broadcast(event, err)
			return
		}
		env.Data = raw
	}
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("encoding broadcast envelope", "event", event, "err", err)
		b.metrics.Broadcast(event, err)
		return
	}

	err = b.pub.Publish(ctx, b.Topic(event), payload)
	b.metrics.Broadcast(event, err)
	if err != nil {
		b.logger.Warn("broadcast failed", "event", event, "err", err)
	}
}
