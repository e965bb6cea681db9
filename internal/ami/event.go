package ami

import (
	"strconv"
	"strings"
)

// Event represents a parsed AMI frame as an ordered set of key-value pairs.
// Responses, list items and unsolicited events all share this shape.
type Event struct {
	headers []Header
}

// Header is a single "Key: Value" line of a frame.
type Header struct {
	Key   string
	Value string
}

// NewEvent creates an Event from a flat list of key-value pairs.
func NewEvent(kvs ...string) Event {
	e := Event{}
	for i := 0; i+1 < len(kvs); i += 2 {
		e.headers = append(e.headers, Header{Key: kvs[i], Value: kvs[i+1]})
	}
	return e
}

// Get returns the value for the given key, or empty string if not found.
// Keys are matched case-insensitively; Asterisk is not consistent about
// casing across versions (Uniqueid vs UniqueID).
func (e Event) Get(key string) string {
	for _, h := range e.headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

// Type returns the Event header value (the AMI event type).
func (e Event) Type() string {
	return e.Get("Event")
}

// ActionID returns the correlation id echoed by the switch, if any.
func (e Event) ActionID() string {
	return e.Get("ActionID")
}

// GetInt returns the integer value for the given key, or 0 if not found/parseable.
func (e Event) GetInt(key string) int {
	v, _ := strconv.Atoi(strings.TrimSpace(e.Get(key)))
	return v
}

// Fields flattens the headers into a map. Later duplicates win.
func (e Event) Fields() map[string]string {
	m := make(map[string]string, len(e.headers))
	for _, h := range e.headers {
		if h.Key == "" {
			continue
		}
		m[h.Key] = h.Value
	}
	return m
}

// IsResponse returns true if this is an AMI response rather than an event.
func (e Event) IsResponse() bool {
	return e.Get("Response") != ""
}

// String renders the frame in wire format, terminated by a blank line.
func (e Event) String() string {
	var b strings.Builder
	for _, h := range e.headers {
		if h.Key != "" {
			b.WriteString(h.Key)
			b.WriteString(": ")
		}
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}
