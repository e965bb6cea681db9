package projector

import (
	"strings"
	"time"

	"github.com/sweeney/asterisk-callcenter/internal/ami"
)

// Notification is one decoded switch event the projector knows how to apply.
// The set of implementations is closed; Apply switches over all of them.
type Notification interface {
	Kind() string
	notification()
}

// ChannelCreated is a Newchannel event.
type ChannelCreated struct {
	CallID       string
	Channel      string
	LinkedID     string
	CallerNumber string
	CallerName   string
	Exten        string
	Context      string
	At           time.Time
}

// ChannelAnswered is a Newstate event that reached Up.
type ChannelAnswered struct {
	CallID   string
	Channel  string
	LinkedID string
	At       time.Time
}

// ChannelHangup is a Hangup event.
type ChannelHangup struct {
	CallID    string
	Channel   string
	LinkedID  string
	Cause     int
	CauseText string
	At        time.Time
}

// PeerStatusChanged is a PeerStatus event.
type PeerStatusChanged struct {
	Peer       string
	Technology string
	Number     string
	Status     string
	Address    string
}

// Online reports whether the status counts as reachable for routing.
func (p PeerStatusChanged) Online() bool {
	return p.Status == "Registered" || p.Status == "Reachable"
}

// Registered reports whether the peer holds a registration.
func (p PeerStatusChanged) Registered() bool {
	switch p.Status {
	case "Registered", "Reachable", "Unreachable", "Lagged":
		return true
	}
	return false
}

// QueueMemberChanged covers QueueMemberAdded, QueueMemberRemoved and QueueMemberStatus.
type QueueMemberChanged struct {
	Event      string `json:"event"`
	Queue      string `json:"queue"`
	MemberName string `json:"member_name,omitempty"`
	Interface  string `json:"interface"`
	Status     string `json:"status,omitempty"`
	Paused     bool   `json:"paused"`
}

// AgentActivity covers AgentConnect and AgentComplete.
type AgentActivity struct {
	Event      string `json:"event"`
	Queue      string `json:"queue"`
	CallID     string `json:"call_id"`
	Channel    string `json:"channel"`
	MemberName string `json:"member_name,omitempty"`
	Interface  string `json:"interface"`
	HoldTime   int    `json:"hold_time_seconds"`
	TalkTime   int    `json:"talk_time_seconds,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (ChannelCreated) Kind() string     { return "channel_created" }
func (ChannelAnswered) Kind() string    { return "channel_answered" }
func (ChannelHangup) Kind() string      { return "channel_hangup" }
func (PeerStatusChanged) Kind() string  { return "peer_status" }
func (QueueMemberChanged) Kind() string { return "queue_member" }
func (AgentActivity) Kind() string      { return "agent_activity" }

func (ChannelCreated) notification()     {}
func (ChannelAnswered) notification()    {}
func (ChannelHangup) notification()      {}
func (PeerStatusChanged) notification()  {}
func (QueueMemberChanged) notification() {}
func (AgentActivity) notification()      {}

// Decode turns a raw event into a Notification. Events the projector does not
// act on, and Newstate transitions other than Up, return false.
func Decode(evt ami.Event, now time.Time) (Notification, bool) {
	if evt.IsResponse() {
		return nil, false
	}

	switch evt.Type() {
	case "Newchannel":
		return ChannelCreated{
			CallID:       evt.Get("Uniqueid"),
			Channel:      evt.Get("Channel"),
			LinkedID:     evt.Get("Linkedid"),
			CallerNumber: evt.Get("CallerIDNum"),
			CallerName:   evt.Get("CallerIDName"),
			Exten:        evt.Get("Exten"),
			Context:      evt.Get("Context"),
			At:           now,
		}, evt.Get("Uniqueid") != ""

	case "Newstate":
		if evt.Get("ChannelState") != "6" && evt.Get("ChannelStateDesc") != "Up" {
			return nil, false
		}
		return ChannelAnswered{
			CallID:   evt.Get("Uniqueid"),
			Channel:  evt.Get("Channel"),
			LinkedID: evt.Get("Linkedid"),
			At:       now,
		}, evt.Get("Uniqueid") != ""

	case "Hangup":
		return ChannelHangup{
			CallID:    evt.Get("Uniqueid"),
			Channel:   evt.Get("Channel"),
			LinkedID:  evt.Get("Linkedid"),
			Cause:     evt.GetInt("Cause"),
			CauseText: evt.Get("Cause-txt"),
			At:        now,
		}, evt.Get("Uniqueid") != ""

	case "PeerStatus":
		peer := evt.Get("Peer")
		tech, number := SplitPeer(peer)
		if tech == "" {
			tech = evt.Get("ChannelType")
		}
		return PeerStatusChanged{
			Peer:       peer,
			Technology: tech,
			Number:     number,
			Status:     evt.Get("PeerStatus"),
			Address:    evt.Get("Address"),
		}, number != ""

	case "QueueMemberAdded", "QueueMemberRemoved", "QueueMemberStatus":
		return QueueMemberChanged{
			Event:      evt.Type(),
			Queue:      evt.Get("Queue"),
			MemberName: evt.Get("MemberName"),
			Interface:  evt.Get("Interface"),
			Status:     evt.Get("Status"),
			Paused:     evt.Get("Paused") == "1",
		}, true

	case "AgentConnect", "AgentComplete":
		return AgentActivity{
			Event:      evt.Type(),
			Queue:      evt.Get("Queue"),
			CallID:     evt.Get("Uniqueid"),
			Channel:    evt.Get("Channel"),
			MemberName: evt.Get("MemberName"),
			Interface:  evt.Get("Interface"),
			HoldTime:   evt.GetInt("HoldTime"),
			TalkTime:   evt.GetInt("TalkTime"),
			Reason:     evt.Get("Reason"),
		}, true
	}
	return nil, false
}

// SplitPeer splits "SIP/1001" into ("SIP", "1001"). A bare "1001" yields
// an empty technology.
func SplitPeer(peer string) (tech, number string) {
	peer = strings.TrimSpace(peer)
	if i := strings.LastIndex(peer, "/"); i >= 0 {
		return peer[:i], peer[i+1:]
	}
	return "", peer
}
