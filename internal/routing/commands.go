package routing

import (
	"context"
	"errors"
	"time"

	"github.com/sweeney/asterisk-callcenter/internal/ami"
	"github.com/sweeney/asterisk-callcenter/internal/store"
)

// OriginateRequest asks the switch to ring From and connect it to To.
type OriginateRequest struct {
	From     string            `json:"from"`
	To       string            `json:"to"`
	Context  string            `json:"context,omitempty"`
	Priority int               `json:"priority,omitempty"`
	CallerID string            `json:"caller_id,omitempty"`
	Timeout  time.Duration     `json:"-"`
	Vars     map[string]string `json:"variables,omitempty"`
}

// Originate places an outbound call. The result of the call itself arrives
// later as channel events.
func (c *Coordinator) Originate(ctx context.Context, req OriginateRequest) error {
	if req.From == "" || req.To == "" {
		return ErrMissingTarget
	}
	if req.Context == "" {
		req.Context = c.cfg.OriginateContext
	}
	if req.Timeout <= 0 {
		req.Timeout = 30 * time.Second
	}
	_, err := c.cmd.Action(ctx, ami.Originate(ami.OriginateRequest{
		From:     req.From,
		To:       req.To,
		Context:  req.Context,
		Priority: req.Priority,
		CallerID: req.CallerID,
		Timeout:  req.Timeout,
		Vars:     req.Vars,
	}))
	if err != nil {
		return &SwitchCommandError{Action: "Originate", Err: err}
	}
	return nil
}

// Device states sent for enabled and disabled extensions.
const (
	DeviceStateEnabled  = "NOT_INUSE"
	DeviceStateDisabled = "UNAVAILABLE"
)

// SetExtensionState enables or disables an extension on the switch through
// its custom device state, then records the flag in the store.
func (c *Coordinator) SetExtensionState(ctx context.Context, number string, enabled bool) (store.Extension, error) {
	e, err := c.store.GetExtension(ctx, number)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Extension{}, ErrExtensionNotFound
		}
		return store.Extension{}, err
	}

	state := DeviceStateDisabled
	if enabled {
		state = DeviceStateEnabled
	}
	if _, err := c.cmd.Action(ctx, ami.DeviceStateChange("Custom:"+number, state)); err != nil {
		return store.Extension{}, &SwitchCommandError{Action: "DevStateChange", Err: err}
	}

	e.Enabled = enabled
	if err := c.store.PutExtension(ctx, e); err != nil {
		return store.Extension{}, err
	}
	return e, nil
}

// QueueMember is a member row of a queue status reply.
type QueueMember struct {
	Name       string `json:"name"`
	Interface  string `json:"interface"`
	Status     int    `json:"status"`
	Paused     bool   `json:"paused"`
	CallsTaken int    `json:"calls_taken"`
}

// QueueCaller is a call waiting in a queue.
type QueueCaller struct {
	Position    int    `json:"position"`
	Channel     string `json:"channel"`
	CallerID    string `json:"caller_id"`
	WaitSeconds int    `json:"wait_seconds"`
}

// QueueStatus is the switch's live view of a campaign queue.
type QueueStatus struct {
	Queue     string        `json:"queue"`
	Calls     int           `json:"calls"`
	Completed int           `json:"completed"`
	Abandoned int           `json:"abandoned"`
	Members   []QueueMember `json:"members"`
	Callers   []QueueCaller `json:"callers"`
}

// QueueStatus asks the switch for the members and waiting callers of the
// campaign queue queueID.
func (c *Coordinator) QueueStatus(ctx context.Context, queueID string) (QueueStatus, error) {
	if queueID == "" {
		return QueueStatus{}, ErrMissingTarget
	}
	queue := c.QueueName(queueID)
	resp, err := c.cmd.Action(ctx, ami.QueueStatus(queue))
	if err != nil {
		return QueueStatus{}, &SwitchCommandError{Action: "QueueStatus", Err: err}
	}

	st := QueueStatus{Queue: queue, Members: []QueueMember{}, Callers: []QueueCaller{}}
	for _, item := range resp.Items {
		if item.Get("Queue") != "" && item.Get("Queue") != queue {
			continue
		}
		switch item.Type() {
		case "QueueParams":
			st.Calls = item.GetInt("Calls")
			st.Completed = item.GetInt("Completed")
			st.Abandoned = item.GetInt("Abandoned")
		case "QueueMember":
			st.Members = append(st.Members, QueueMember{
				Name:       item.Get("Name"),
				Interface:  item.Get("Location"),
				Status:     item.GetInt("Status"),
				Paused:     item.Get("Paused") == "1",
				CallsTaken: item.GetInt("CallsTaken"),
			})
		case "QueueEntry":
			st.Callers = append(st.Callers, QueueCaller{
				Position:    item.GetInt("Position"),
				Channel:     item.Get("Channel"),
				CallerID:    item.Get("CallerIDNum"),
				WaitSeconds: item.GetInt("Wait"),
			})
		}
	}
	return st, nil
}
