// Package routing moves answered call tasks to operators, AI flows or the
// floor, and resolves concurrent accepts of a floor call to a single winner.
package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sweeney/asterisk-callcenter/internal/ami"
	"github.com/sweeney/asterisk-callcenter/internal/observability"
	"github.com/sweeney/asterisk-callcenter/internal/publisher"
	"github.com/sweeney/asterisk-callcenter/internal/store"
	"github.com/sweeney/asterisk-callcenter/internal/supervisor"
)

// Commander issues switch commands.
type Commander interface {
	Action(ctx context.Context, a ami.Action) (*ami.Response, error)
	Connected() bool
}

// Broadcaster fans events out to operators.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, data any)
}

// RouteType selects where an answered call goes.
type RouteType string

const (
	RouteHuman RouteType = "human"
	RouteAI    RouteType = "ai"
	RouteQueue RouteType = "queue"
)

// RouteRequest is an operator's routing intent for an answered task.
type RouteRequest struct {
	Type      RouteType `json:"type"`
	Extension string    `json:"extension,omitempty"`
	FlowID    string    `json:"flow_id,omitempty"`
}

// Config names the dialplan locations calls are redirected to.
type Config struct {
	TransferContext  string
	AIContextPrefix  string
	AIExten          string
	HoldingContext   string
	HoldingExten     string
	QueuePrefix      string
	OriginateContext string
}

func (c Config) withDefaults() Config {
	if c.TransferContext == "" {
		c.TransferContext = "from-internal"
	}
	if c.AIContextPrefix == "" {
		c.AIContextPrefix = "ai-flow-"
	}
	if c.AIExten == "" {
		c.AIExten = "s"
	}
	if c.HoldingContext == "" {
		c.HoldingContext = "campaign-hold"
	}
	if c.HoldingExten == "" {
		c.HoldingExten = "s"
	}
	if c.QueuePrefix == "" {
		c.QueuePrefix = "campaign-"
	}
	if c.OriginateContext == "" {
		c.OriginateContext = c.TransferContext
	}
	return c
}

type Coordinator struct {
	store   store.Store
	cmd     Commander
	bc      Broadcaster
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func New(st store.Store, cmd Commander, bc Broadcaster, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:   st,
		cmd:     cmd,
		bc:      bc,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// QueueName is the per-campaign switch queue floor calls wait in.
func (c *Coordinator) QueueName(queueID string) string {
	return c.cfg.QueuePrefix + queueID
}

// Route dispatches on req.Type.
func (c *Coordinator) Route(ctx context.Context, taskID string, req RouteRequest) (store.CallTask, error) {
	switch req.Type {
	case RouteHuman:
		return c.RouteToHuman(ctx, taskID, req.Extension)
	case RouteAI:
		return c.RouteToAI(ctx, taskID, req.FlowID)
	case RouteQueue:
		return c.BroadcastToFloor(ctx, taskID)
	}
	return store.CallTask{}, ErrInvalidRouteType
}

// loadTask fetches a task whose channel is up.
func (c *Coordinator) loadTask(ctx context.Context, taskID string) (store.CallTask, error) {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.CallTask{}, ErrTaskNotFound
		}
		return store.CallTask{}, err
	}
	if t.ChannelID == "" {
		return store.CallTask{}, ErrChannelNotEstablished
	}
	return t, nil
}

func (c *Coordinator) redirect(ctx context.Context, channel, exten, dialContext string) error {
	if _, err := c.cmd.Action(ctx, ami.Redirect(channel, exten, dialContext, 1)); err != nil {
		return &SwitchCommandError{Action: "Redirect", Err: err}
	}
	return nil
}

// transition moves an answered task on. Losing the transition means another
// request already routed it.
func (c *Coordinator) transition(ctx context.Context, t store.CallTask, from store.TaskStatus, upd store.TaskUpdate) (store.CallTask, error) {
	ok, err := c.store.TransitionTask(ctx, t.ID, []store.TaskStatus{from}, upd)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.CallTask{}, ErrTaskNotFound
		}
		return store.CallTask{}, err
	}
	if !ok {
		return store.CallTask{}, ErrAlreadyClaimed
	}
	return c.store.GetTask(ctx, t.ID)
}

type transferred struct {
	TaskID    string          `json:"task_id"`
	HandledBy store.HandledBy `json:"handled_by"`
	Target    string          `json:"target"`
}

// RouteToHuman redirects the call to an operator extension.
func (c *Coordinator) RouteToHuman(ctx context.Context, taskID, extension string) (store.CallTask, error) {
	if extension == "" {
		return store.CallTask{}, ErrMissingTarget
	}
	t, err := c.loadTask(ctx, taskID)
	if err != nil {
		return store.CallTask{}, err
	}
	if t.Status != store.TaskAnswered {
		return store.CallTask{}, ErrNotRoutable
	}
	if err := c.redirect(ctx, t.ChannelID, extension, c.cfg.TransferContext); err != nil {
		return store.CallTask{}, err
	}
	t, err = c.transition(ctx, t, store.TaskAnswered, store.TaskUpdate{
		Status:        store.TaskTransferred,
		HandledBy:     store.HandledByHuman,
		TransferredTo: extension,
	})
	if err != nil {
		return store.CallTask{}, err
	}
	c.bc.Broadcast(ctx, publisher.EventCallTransferred, transferred{TaskID: t.ID, HandledBy: store.HandledByHuman, Target: extension})
	return t, nil
}

// RouteToAI redirects the call into the dialplan context of an AI flow.
func (c *Coordinator) RouteToAI(ctx context.Context, taskID, flowID string) (store.CallTask, error) {
	if flowID == "" {
		return store.CallTask{}, ErrMissingTarget
	}
	t, err := c.loadTask(ctx, taskID)
	if err != nil {
		return store.CallTask{}, err
	}
	if t.Status != store.TaskAnswered {
		return store.CallTask{}, ErrNotRoutable
	}
	if err := c.redirect(ctx, t.ChannelID, c.cfg.AIExten, c.cfg.AIContextPrefix+flowID); err != nil {
		return store.CallTask{}, err
	}
	t, err = c.transition(ctx, t, store.TaskAnswered, store.TaskUpdate{
		Status:        store.TaskAIHandled,
		HandledBy:     store.HandledByAI,
		TransferredTo: flowID,
	})
	if err != nil {
		return store.CallTask{}, err
	}
	c.bc.Broadcast(ctx, publisher.EventCallTransferred, transferred{TaskID: t.ID, HandledBy: store.HandledByAI, Target: flowID})
	return t, nil
}

type queueIncoming struct {
	TaskID        string `json:"task_id"`
	ContactNumber string `json:"contact_number"`
	ContactName   string `json:"contact_name,omitempty"`
	CallerID      string `json:"caller_id,omitempty"`
	Campaign      string `json:"campaign"`
	Queue         string `json:"queue"`
}

// BroadcastToFloor parks the call in the holding context, makes every
// enabled extension a member of the campaign queue and offers the call to
// all operators at once. The first Accept wins.
func (c *Coordinator) BroadcastToFloor(ctx context.Context, taskID string) (store.CallTask, error) {
	t, err := c.loadTask(ctx, taskID)
	if err != nil {
		return store.CallTask{}, err
	}
	if t.Status != store.TaskAnswered {
		return store.CallTask{}, ErrNotRoutable
	}

	campaign := store.Queue{ID: t.QueueID, Name: t.QueueID}
	if q, err := c.store.GetQueue(ctx, t.QueueID); err == nil {
		campaign = q
	} else if !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("loading campaign failed", "task_id", t.ID, "queue_id", t.QueueID, "err", err)
	}

	if err := c.redirect(ctx, t.ChannelID, c.cfg.HoldingExten, c.cfg.HoldingContext); err != nil {
		return store.CallTask{}, err
	}
	t, err = c.transition(ctx, t, store.TaskAnswered, store.TaskUpdate{
		Status:    store.TaskWaitingAgent,
		HandledBy: store.HandledByQueue,
	})
	if err != nil {
		return store.CallTask{}, err
	}

	queue := c.QueueName(t.QueueID)
	c.forEachMember(ctx, t.ID, "QueueAdd", func(e store.Extension) ami.Action {
		return ami.QueueAdd(queue, e.Interface(), e.Number)
	})

	c.bc.Broadcast(ctx, publisher.EventQueueIncoming, queueIncoming{
		TaskID:        t.ID,
		ContactNumber: t.TargetNumber,
		ContactName:   t.ContactName,
		CallerID:      campaign.CallerID,
		Campaign:      campaign.Name,
		Queue:         queue,
	})
	return t, nil
}

// forEachMember sends one queue command per enabled extension. A failed
// member is logged and skipped.
func (c *Coordinator) forEachMember(ctx context.Context, taskID, action string, build func(store.Extension) ami.Action) {
	exts, err := c.store.ListExtensions(ctx, true)
	if err != nil {
		c.logger.Warn("listing extensions failed", "task_id", taskID, "action", action, "err", err)
		return
	}
	for _, e := range exts {
		if _, err := c.cmd.Action(ctx, build(e)); err != nil {
			c.logger.Warn("queue member command failed",
				"task_id", taskID, "action", action, "extension", e.Number,
				"err", &SwitchCommandError{Action: action, Err: err})
		}
	}
}

type accepted struct {
	TaskID    string `json:"task_id"`
	Extension string `json:"extension"`
	BillingID string `json:"billing_id,omitempty"`
}

type dismissed struct {
	TaskID     string `json:"task_id"`
	AcceptedBy string `json:"accepted_by,omitempty"`
	Reason     string `json:"reason"`
}

// Accept claims a floor call for extension. Of any number of concurrent
// callers exactly one gets the task; the rest get ErrAlreadyClaimed and cause
// no switch commands or billing records. A task that was never put on the
// floor gives ErrNotRoutable.
func (c *Coordinator) Accept(ctx context.Context, taskID, extension string) (store.CallTask, error) {
	if extension == "" {
		return store.CallTask{}, ErrMissingTarget
	}
	t, err := c.loadTask(ctx, taskID)
	if err != nil {
		return store.CallTask{}, err
	}
	switch t.Status {
	case store.TaskWaitingAgent:
	case store.TaskPending, store.TaskDialing, store.TaskAnswered, store.TaskAIHandled:
		// Never offered on the floor.
		c.metrics.AcceptOutcome("not_routable")
		return store.CallTask{}, ErrNotRoutable
	default:
		c.metrics.AcceptOutcome("already_claimed")
		return store.CallTask{}, ErrAlreadyClaimed
	}
	// Claiming while the switch is away would strand the call: the task could
	// not be redirected and can never be offered again.
	if !c.cmd.Connected() {
		c.metrics.AcceptOutcome("not_connected")
		return store.CallTask{}, &SwitchCommandError{Action: "Redirect", Err: supervisor.ErrNotConnected}
	}

	t, err = c.transition(ctx, t, store.TaskWaitingAgent, store.TaskUpdate{
		Status:        store.TaskTransferred,
		HandledBy:     store.HandledByHuman,
		TransferredTo: extension,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			c.metrics.AcceptOutcome("already_claimed")
		} else {
			c.metrics.AcceptOutcome("error")
		}
		return store.CallTask{}, err
	}

	// From here on this caller owns the task. The status never returns to
	// waiting-agent, even when the redirect fails.
	c.bc.Broadcast(ctx, publisher.EventQueueDismissed, dismissed{TaskID: t.ID, AcceptedBy: extension, Reason: "accepted"})

	if err := c.redirect(ctx, t.ChannelID, extension, c.cfg.TransferContext); err != nil {
		c.metrics.AcceptOutcome("redirect_failed")
		c.logger.Error("accepted call could not be redirected", "task_id", t.ID, "extension", extension, "err", err)
		return t, err
	}
	c.metrics.AcceptOutcome("won")

	billingID := c.billInbound(ctx, t, extension)

	queue := c.QueueName(t.QueueID)
	c.forEachMember(ctx, t.ID, "QueueRemove", func(e store.Extension) ami.Action {
		return ami.QueueRemove(queue, e.Interface())
	})

	c.bc.Broadcast(ctx, publisher.EventCallAccepted, accepted{TaskID: t.ID, Extension: extension, BillingID: billingID})
	return t, nil
}

func (c *Coordinator) billInbound(ctx context.Context, t store.CallTask, extension string) string {
	now := c.now()
	b, _, err := c.store.CreateBilling(ctx, store.BillingRecord{
		CallID:      t.ChannelID,
		TaskID:      t.ID,
		Leg:         store.LegInbound,
		Source:      t.TargetNumber,
		Destination: extension,
		Extension:   extension,
		StartTime:   now,
		AnswerTime:  &now,
		Disposition: "ANSWERED",
	})
	if err != nil {
		c.logger.Warn("inbound billing failed", "task_id", t.ID, "extension", extension, "err", err)
		return ""
	}
	return b.ID
}

type rejected struct {
	TaskID    string `json:"task_id"`
	Extension string `json:"extension,omitempty"`
}

// Reject records that an operator passed on a floor call. Task state is
// unchanged.
func (c *Coordinator) Reject(ctx context.Context, taskID, extension string) error {
	if _, err := c.store.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTaskNotFound
		}
		return err
	}
	c.bc.Broadcast(ctx, publisher.EventCallRejected, rejected{TaskID: taskID, Extension: extension})
	return nil
}

// Hangup tears down the task's channel if it has one and cancels the task
// whatever state it is in. A failed hangup command is logged only.
func (c *Coordinator) Hangup(ctx context.Context, taskID string) (store.CallTask, error) {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.CallTask{}, ErrTaskNotFound
		}
		return store.CallTask{}, err
	}

	if t.ChannelID != "" {
		if _, err := c.cmd.Action(ctx, ami.Hangup(t.ChannelID)); err != nil {
			c.logger.Warn("hangup command failed", "task_id", t.ID, "channel", t.ChannelID,
				"err", &SwitchCommandError{Action: "Hangup", Err: err})
		}
	}

	if err := c.store.SetTaskStatus(ctx, t.ID, store.TaskUpdate{Status: store.TaskCancelled}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.CallTask{}, ErrTaskNotFound
		}
		return store.CallTask{}, err
	}
	if t.Status == store.TaskWaitingAgent {
		c.bc.Broadcast(ctx, publisher.EventQueueDismissed, dismissed{TaskID: t.ID, Reason: "cancelled"})
	}
	return c.store.GetTask(ctx, t.ID)
}
