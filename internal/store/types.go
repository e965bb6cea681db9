// Package store holds the domain state the bridge projects switch
// notifications into, with in-memory and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is implemented by MemoryStore and PostgresStore.
type Store interface {
	PutTask(ctx context.Context, t CallTask) error
	GetTask(ctx context.Context, id string) (CallTask, error)
	TransitionTask(ctx context.Context, id string, from []TaskStatus, upd TaskUpdate) (bool, error)
	SetTaskStatus(ctx context.Context, id string, upd TaskUpdate) error

	PutQueue(ctx context.Context, q Queue) error
	GetQueue(ctx context.Context, id string) (Queue, error)

	CreateCall(ctx context.Context, rec CallRecord) (bool, error)
	MarkCallAnswered(ctx context.Context, callID, channel string, at time.Time) (bool, error)
	SetCallRecording(ctx context.Context, callID, recordingID string) error
	MarkCallCompleted(ctx context.Context, callID, channel string, at time.Time, cause int, causeText string) (CallRecord, bool, error)
	AttachBilling(ctx context.Context, callID, billingID string) error
	GetCall(ctx context.Context, callID string) (CallRecord, error)
	ListUnbilledCalls(ctx context.Context, limit int) ([]CallRecord, error)

	CreateBilling(ctx context.Context, b BillingRecord) (BillingRecord, bool, error)
	ListBilling(ctx context.Context, callID string) ([]BillingRecord, error)

	PutExtension(ctx context.Context, e Extension) error
	GetExtension(ctx context.Context, number string) (Extension, error)
	UpdateExtensionPresence(ctx context.Context, number string, registered, online bool) (Extension, bool, error)
	ListExtensions(ctx context.Context, enabledOnly bool) ([]Extension, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// TaskStatus is the dialer state of a CallTask.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskDialing      TaskStatus = "dialing"
	TaskAnswered     TaskStatus = "answered"
	TaskWaitingAgent TaskStatus = "waiting-agent"
	TaskTransferred  TaskStatus = "transferred"
	TaskAIHandled    TaskStatus = "ai-handled"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskCancelled    TaskStatus = "cancelled"
)

// HandledBy records who ended up with the call.
type HandledBy string

const (
	HandledByNone  HandledBy = "none"
	HandledByHuman HandledBy = "human"
	HandledByAI    HandledBy = "ai"
	HandledByQueue HandledBy = "queue"
)

// CallTask is one unit of outbound dialing work.
type CallTask struct {
	ID            string     `json:"id"`
	QueueID       string     `json:"queue_id"`
	TargetNumber  string     `json:"target_number"`
	ContactName   string     `json:"contact_name"`
	ChannelID     string     `json:"channel_id,omitempty"`
	Status        TaskStatus `json:"status"`
	HandledBy     HandledBy  `json:"handled_by"`
	TransferredTo string     `json:"transferred_to,omitempty"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskUpdate is applied together with a status transition.
type TaskUpdate struct {
	Status        TaskStatus
	HandledBy     HandledBy
	TransferredTo string
}

// Queue is a dialing campaign.
type Queue struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	CallerID string `json:"caller_id"`
}

// CallStatus is the lifecycle state of a CallRecord.
type CallStatus string

const (
	CallRinging   CallStatus = "ringing"
	CallAnswered  CallStatus = "answered"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
)

// CallRecord is one switch channel as seen by the projector.
type CallRecord struct {
	CallID       string     `json:"call_id"`
	Channel      string     `json:"channel"`
	LinkedID     string     `json:"linked_id,omitempty"`
	CallerNumber string     `json:"caller_number,omitempty"`
	CallerName   string     `json:"caller_name,omitempty"`
	Destination  string     `json:"destination,omitempty"`
	Context      string     `json:"context,omitempty"`
	Status       CallStatus `json:"status"`
	StartTime    time.Time  `json:"start_time"`
	ConnectTime  *time.Time `json:"connect_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	HangupCause  int        `json:"hangup_cause,omitempty"`
	HangupText   string     `json:"hangup_text,omitempty"`
	RecordingID  string     `json:"recording_id,omitempty"`
	BillingID    string     `json:"billing_id,omitempty"`
}

// BillingLeg distinguishes the billed portion of a call.
type BillingLeg string

const (
	LegOutbound BillingLeg = "outbound"
	LegInbound  BillingLeg = "inbound"
)

// BillingRecord is append-only. (CallID, Leg) is unique.
type BillingRecord struct {
	ID          string     `json:"id"`
	CallID      string     `json:"call_id"`
	TaskID      string     `json:"task_id,omitempty"`
	Leg         BillingLeg `json:"leg"`
	Source      string     `json:"source,omitempty"`
	Destination string     `json:"destination,omitempty"`
	Extension   string     `json:"extension,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	AnswerTime  *time.Time `json:"answer_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	BillableSec int        `json:"billable_seconds"`
	Disposition string     `json:"disposition"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Extension is an operator endpoint on the switch.
type Extension struct {
	Number     string    `json:"number"`
	Name       string    `json:"name,omitempty"`
	Technology string    `json:"technology"`
	Enabled    bool      `json:"enabled"`
	Registered bool      `json:"registered"`
	Online     bool      `json:"online"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Interface returns the dial string of the extension, e.g. SIP/1001.
func (e Extension) Interface() string {
	tech := e.Technology
	if tech == "" {
		tech = "SIP"
	}
	return tech + "/" + e.Number
}
