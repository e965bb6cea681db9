// Package projector turns the switch's notification stream into call,
// extension, recording and billing state plus operator broadcasts.
//
// Every handler is idempotent and tolerates reordering: the switch delivers
// at least once, and the application's own writes may race its events.
// Handlers log their own failures so one bad event never stalls the stream.
package projector

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"
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
}

// Broadcaster fans events out to operators. Delivery is best-effort.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, data any)
}

// Source yields supervisor notices in the order the switch sent them.
type Source interface {
	Next(ctx context.Context) (supervisor.Notice, error)
}

// Options configures a Projector.
type Options struct {
	// RecordingDir is where the switch writes call recordings. Empty
	// disables recording.
	RecordingDir    string
	RecordingFormat string
	Logger          *slog.Logger
	Metrics         *observability.Metrics
	Now             func() time.Time
}

type Projector struct {
	store   store.Store
	cmd     Commander
	bc      Broadcaster
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	recordingDir    string
	recordingFormat string
}

func New(st store.Store, cmd Commander, bc Broadcaster, opts Options) *Projector {
	p := &Projector{
		store:           st,
		cmd:             cmd,
		bc:              bc,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		now:             opts.Now,
		recordingDir:    opts.RecordingDir,
		recordingFormat: opts.RecordingFormat,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	if p.recordingFormat == "" {
		p.recordingFormat = "wav"
	}
	return p
}

// Run consumes notices until ctx is cancelled.
func (p *Projector) Run(ctx context.Context, src Source) error {
	for {
		n, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.HandleNotice(ctx, n)
	}
}

// HandleNotice applies one supervisor notice.
func (p *Projector) HandleNotice(ctx context.Context, n supervisor.Notice) {
	switch n.Kind {
	case supervisor.NoticeConnected:
		p.logger.Info("switch connected", "version", n.Version)
		p.resyncPeers(ctx)
		p.bc.Broadcast(ctx, publisher.EventSwitchConnected, map[string]string{"version": n.Version})
	case supervisor.NoticeDisconnected:
		errText := ""
		if n.Err != nil {
			errText = n.Err.Error()
		}
		p.logger.Warn("switch disconnected", "err", n.Err)
		p.bc.Broadcast(ctx, publisher.EventSwitchDisconnected, map[string]string{"error": errText})
	case supervisor.NoticeEvent:
		p.HandleEvent(ctx, n.Event)
	}
}

// HandleEvent decodes and applies one raw switch event.
func (p *Projector) HandleEvent(ctx context.Context, evt ami.Event) {
	n, ok := Decode(evt, p.now())
	if !ok {
		return
	}
	p.Apply(ctx, n)
}

// Apply dispatches a decoded notification to its handler.
func (p *Projector) Apply(ctx context.Context, n Notification) {
	p.metrics.Notification(n.Kind())
	switch n := n.(type) {
	case ChannelCreated:
		p.channelCreated(ctx, n)
	case ChannelAnswered:
		p.channelAnswered(ctx, n)
	case ChannelHangup:
		p.channelHangup(ctx, n)
	case PeerStatusChanged:
		p.peerStatus(ctx, n)
	case QueueMemberChanged:
		p.queueMember(ctx, n)
	case AgentActivity:
		p.agentActivity(ctx, n)
	default:
		p.logger.Error("unhandled notification type", "kind", n.Kind())
	}
}

func (p *Projector) stepFailed(kind, step string, err error, attrs ...any) {
	p.metrics.ProjectionError(kind, step)
	p.logger.Warn(kind+": "+step+" failed", append(attrs, "err", err)...)
}

func (p *Projector) channelCreated(ctx context.Context, n ChannelCreated) {
	rec := store.CallRecord{
		CallID:       n.CallID,
		Channel:      n.Channel,
		LinkedID:     n.LinkedID,
		CallerNumber: n.CallerNumber,
		CallerName:   n.CallerName,
		Destination:  n.Exten,
		Context:      n.Context,
		StartTime:    n.At,
	}
	created, err := p.store.CreateCall(ctx, rec)
	if err != nil {
		p.stepFailed(n.Kind(), "store", err, "call_id", n.CallID)
		return
	}
	if !created {
		return
	}
	rec.Status = store.CallRinging
	p.bc.Broadcast(ctx, publisher.EventChannelNew, rec)
}

type callConnected struct {
	CallID      string    `json:"call_id"`
	Channel     string    `json:"channel"`
	LinkedID    string    `json:"linked_id,omitempty"`
	ConnectTime time.Time `json:"connect_time"`
	RecordingID string    `json:"recording_id,omitempty"`
}

func (p *Projector) channelAnswered(ctx context.Context, n ChannelAnswered) {
	changed, err := p.store.MarkCallAnswered(ctx, n.CallID, n.Channel, n.At)
	if err != nil {
		p.stepFailed(n.Kind(), "store", err, "call_id", n.CallID)
		return
	}
	if !changed {
		return
	}

	recordingID := p.startRecording(ctx, n)
	p.bc.Broadcast(ctx, publisher.EventCallConnected, callConnected{
		CallID:      n.CallID,
		Channel:     n.Channel,
		LinkedID:    n.LinkedID,
		ConnectTime: n.At,
		RecordingID: recordingID,
	})
}

func (p *Projector) startRecording(ctx context.Context, n ChannelAnswered) string {
	if p.recordingDir == "" || n.Channel == "" {
		return ""
	}
	recordingID := strings.ReplaceAll(n.CallID, "/", "_") + "." + p.recordingFormat
	file := path.Join(p.recordingDir, recordingID)
	if _, err := p.cmd.Action(ctx, ami.StartRecording(n.Channel, file)); err != nil {
		p.stepFailed(n.Kind(), "start_recording", err, "call_id", n.CallID, "channel", n.Channel)
		return ""
	}
	if err := p.store.SetCallRecording(ctx, n.CallID, recordingID); err != nil {
		p.stepFailed(n.Kind(), "store_recording", err, "call_id", n.CallID)
	}
	return recordingID
}

type callEnded struct {
	CallID      string    `json:"call_id"`
	Channel     string    `json:"channel"`
	LinkedID    string    `json:"linked_id,omitempty"`
	EndTime     time.Time `json:"end_time"`
	Cause       string    `json:"cause"`
	CauseCode   int       `json:"cause_code"`
	CauseText   string    `json:"cause_text,omitempty"`
	TalkSeconds int       `json:"talk_seconds"`
	BillingID   string    `json:"billing_id,omitempty"`
}

func (p *Projector) channelHangup(ctx context.Context, n ChannelHangup) {
	rec, changed, err := p.store.MarkCallCompleted(ctx, n.CallID, n.Channel, n.At, n.Cause, n.CauseText)
	if err != nil {
		p.stepFailed(n.Kind(), "store", err, "call_id", n.CallID)
		return
	}
	if !changed {
		return
	}

	if rec.RecordingID != "" {
		// The channel is usually gone by now, so a rejected stop is expected.
		if _, err := p.cmd.Action(ctx, ami.StopRecording(n.Channel)); err != nil && !errors.Is(err, ami.ErrCommandRejected) {
			p.stepFailed(n.Kind(), "stop_recording", err, "call_id", n.CallID)
		}
	}

	billingID := p.bill(ctx, n, rec)
	p.bc.Broadcast(ctx, publisher.EventCallEnded, callEnded{
		CallID:      n.CallID,
		Channel:     n.Channel,
		LinkedID:    n.LinkedID,
		EndTime:     n.At,
		Cause:       CauseName(n.Cause),
		CauseCode:   n.Cause,
		CauseText:   n.CauseText,
		TalkSeconds: talkSeconds(rec),
		BillingID:   billingID,
	})
}

func talkSeconds(rec store.CallRecord) int {
	if rec.ConnectTime == nil || rec.EndTime == nil {
		return 0
	}
	d := rec.EndTime.Sub(*rec.ConnectTime)
	if d < 0 {
		return 0
	}
	return int(d.Round(time.Second) / time.Second)
}

func (p *Projector) bill(ctx context.Context, n ChannelHangup, rec store.CallRecord) string {
	b, _, err := p.store.CreateBilling(ctx, store.BillingRecord{
		CallID:      rec.CallID,
		Leg:         store.LegOutbound,
		Source:      rec.CallerNumber,
		Destination: rec.Destination,
		StartTime:   rec.StartTime,
		AnswerTime:  rec.ConnectTime,
		EndTime:     rec.EndTime,
		BillableSec: talkSeconds(rec),
		Disposition: disposition(n.Cause, rec.ConnectTime != nil),
	})
	if err != nil {
		p.stepFailed(n.Kind(), "billing", err, "call_id", n.CallID)
		return ""
	}
	if err := p.store.AttachBilling(ctx, rec.CallID, b.ID); err != nil {
		p.stepFailed(n.Kind(), "attach_billing", err, "call_id", n.CallID, "billing_id", b.ID)
	}
	return b.ID
}

func (p *Projector) peerStatus(ctx context.Context, n PeerStatusChanged) {
	p.updatePresence(ctx, n.Kind(), n.Number, n.Registered(), n.Online())
}

func (p *Projector) updatePresence(ctx context.Context, kind, number string, registered, online bool) {
	ext, found, err := p.store.UpdateExtensionPresence(ctx, number, registered, online)
	if err != nil {
		p.stepFailed(kind, "store", err, "extension", number)
		return
	}
	if !found {
		p.logger.Debug("presence for unknown extension ignored", "extension", number)
		return
	}
	p.bc.Broadcast(ctx, publisher.EventExtensionStatus, ext)
}

// resyncPeers refreshes presence for every extension after a (re)connect,
// since peer events emitted while disconnected were lost. Extensions the
// peer list leaves out are looked up one by one.
func (p *Projector) resyncPeers(ctx context.Context) {
	resp, err := p.cmd.Action(ctx, ami.ListPeers())
	if err != nil {
		p.stepFailed("resync", "list_peers", err)
		return
	}
	seen := make(map[string]bool, len(resp.Items))
	for _, item := range resp.Items {
		number := item.Get("ObjectName")
		if number == "" {
			continue
		}
		seen[number] = true
		p.updatePresence(ctx, "resync", number, peerRegistered(item.Get("IPaddress")), peerOnline(item.Get("Status")))
	}

	exts, err := p.store.ListExtensions(ctx, false)
	if err != nil {
		p.stepFailed("resync", "list_extensions", err)
		return
	}
	for _, e := range exts {
		if !seen[e.Number] {
			p.resyncPeer(ctx, e.Number)
		}
	}
}

func (p *Projector) resyncPeer(ctx context.Context, number string) {
	resp, err := p.cmd.Action(ctx, ami.PeerDetail(number))
	switch {
	case errors.Is(err, ami.ErrCommandRejected):
		// Not configured on the switch.
		p.updatePresence(ctx, "resync", number, false, false)
	case err != nil:
		p.stepFailed("resync", "peer_detail", err, "extension", number)
	default:
		p.updatePresence(ctx, "resync", number, peerRegistered(resp.Get("Address-IP")), peerOnline(resp.Get("Status")))
	}
}

func peerRegistered(addr string) bool {
	return addr != "" && addr != "-none-" && addr != "(null)"
}

func peerOnline(status string) bool {
	return strings.HasPrefix(strings.ToUpper(status), "OK")
}

var queueMemberEvents = map[string]string{
	"QueueMemberAdded":   publisher.EventQueueMemberAdded,
	"QueueMemberRemoved": publisher.EventQueueMemberRemoved,
	"QueueMemberStatus":  publisher.EventQueueMemberStatus,
}

func (p *Projector) queueMember(ctx context.Context, n QueueMemberChanged) {
	p.bc.Broadcast(ctx, queueMemberEvents[n.Event], n)
}

func (p *Projector) agentActivity(ctx context.Context, n AgentActivity) {
	event := publisher.EventAgentConnect
	if n.Event == "AgentComplete" {
		event = publisher.EventAgentComplete
	}
	p.bc.Broadcast(ctx, event, n)
}
