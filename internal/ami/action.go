package ami

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Action is a command sent to the switch. Headers keep their insertion order
// because some actions (Originate) accept repeated keys.
type Action struct {
	Name    string
	headers []Header
}

// NewAction creates an Action with the given name and key-value pairs.
// Pairs with an empty value are dropped.
func NewAction(name string, kvs ...string) Action {
	a := Action{Name: name}
	for i := 0; i+1 < len(kvs); i += 2 {
		a = a.With(kvs[i], kvs[i+1])
	}
	return a
}

// With returns a copy of the action with one more header. Empty values are skipped.
func (a Action) With(key, value string) Action {
	if value == "" {
		return a
	}
	h := make([]Header, len(a.headers), len(a.headers)+1)
	copy(h, a.headers)
	a.headers = append(h, Header{Key: key, Value: value})
	return a
}

// Get returns the first header value for key.
func (a Action) Get(key string) string {
	for _, h := range a.headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

// Encode renders the action in wire format with the given correlation id.
func (a Action) Encode(actionID string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\r\n", a.Name)
	if actionID != "" {
		fmt.Fprintf(&b, "ActionID: %s\r\n", actionID)
	}
	for _, h := range a.headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Key, h.Value)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Login authenticates the session.
func Login(username, secret string) Action {
	return NewAction("Login", "Username", username, "Secret", secret, "Events", "on")
}

// Logoff ends the session politely.
func Logoff() Action {
	return NewAction("Logoff")
}

// Ping is a no-op round trip.
func Ping() Action {
	return NewAction("Ping")
}

// ListPeers lists SIP peers. The items arrive as PeerEntry events.
func ListPeers() Action {
	return NewAction("SIPpeers")
}

// PeerDetail returns one peer's configuration and state.
func PeerDetail(peer string) Action {
	return NewAction("SIPshowpeer", "Peer", peer)
}

// OriginateRequest describes an outbound call placed by the switch.
type OriginateRequest struct {
	From     string // local channel or device to ring first, e.g. SIP/1001
	To       string // number dialled once From answers
	Context  string
	Priority int
	CallerID string
	Timeout  time.Duration
	Vars     map[string]string
}

// Originate places a call asynchronously; the outcome arrives as
// OriginateResponse and channel events.
func Originate(r OriginateRequest) Action {
	prio := r.Priority
	if prio <= 0 {
		prio = 1
	}
	a := NewAction("Originate",
		"Channel", r.From,
		"Exten", r.To,
		"Context", r.Context,
		"Priority", strconv.Itoa(prio),
		"CallerID", r.CallerID,
		"Async", "true",
	)
	if r.Timeout > 0 {
		a = a.With("Timeout", strconv.FormatInt(r.Timeout.Milliseconds(), 10))
	}
	for k, v := range r.Vars {
		a = a.With("Variable", k+"="+v)
	}
	return a
}

// Hangup tears down a channel.
func Hangup(channel string) Action {
	return NewAction("Hangup", "Channel", channel)
}

// Redirect moves a channel to a new dialplan location.
func Redirect(channel, exten, context string, priority int) Action {
	if priority <= 0 {
		priority = 1
	}
	return NewAction("Redirect",
		"Channel", channel,
		"Exten", exten,
		"Context", context,
		"Priority", strconv.Itoa(priority),
	)
}

// StartRecording starts a mixed recording of both legs of a channel.
func StartRecording(channel, file string) Action {
	return NewAction("MixMonitor", "Channel", channel, "File", file)
}

// StopRecording stops a recording started with StartRecording.
func StopRecording(channel string) Action {
	return NewAction("StopMixMonitor", "Channel", channel)
}

// QueueStatus lists queue parameters and members. Items arrive as
// QueueParams, QueueMember and QueueEntry events.
func QueueStatus(queue string) Action {
	return NewAction("QueueStatus", "Queue", queue)
}

// QueueAdd registers a dynamic member with a queue.
func QueueAdd(queue, iface, memberName string) Action {
	return NewAction("QueueAdd",
		"Queue", queue,
		"Interface", iface,
		"MemberName", memberName,
		"Penalty", "0",
	)
}

// QueueRemove removes a dynamic member from a queue.
func QueueRemove(queue, iface string) Action {
	return NewAction("QueueRemove", "Queue", queue, "Interface", iface)
}

// DeviceStateChange sets the state of a custom device, e.g. Custom:1001.
func DeviceStateChange(device, state string) Action {
	return NewAction("DevStateChange", "Device", device, "State", state)
}
