package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type billingKey struct {
	callID string
	leg    BillingLeg
}

// MemoryStore keeps all state in process. It is used in tests and when no
// database is configured.
type MemoryStore struct {
	mu         sync.Mutex
	tasks      map[string]CallTask
	queues     map[string]Queue
	calls      map[string]CallRecord
	billing    map[billingKey]BillingRecord
	extensions map[string]Extension
	now        func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]CallTask),
		queues:     make(map[string]Queue),
		calls:      make(map[string]CallRecord),
		billing:    make(map[billingKey]BillingRecord),
		extensions: make(map[string]Extension),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// --- tasks ---

func (s *MemoryStore) PutTask(_ context.Context, t CallTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.HandledBy == "" {
		t.HandledBy = HandledByNone
	}
	t.UpdatedAt = s.now()
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (CallTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return CallTask{}, ErrNotFound
	}
	return t, nil
}

// TransitionTask applies upd only if the task's current status is one of
// from. The check and the write happen under one lock.
func (s *MemoryStore) TransitionTask(_ context.Context, id string, from []TaskStatus, upd TaskUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if !slices.Contains(from, t.Status) {
		return false, nil
	}
	s.tasks[id] = applyTaskUpdate(t, upd, s.now())
	return true, nil
}

// SetTaskStatus applies upd unconditionally.
func (s *MemoryStore) SetTaskStatus(_ context.Context, id string, upd TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	s.tasks[id] = applyTaskUpdate(t, upd, s.now())
	return nil
}

func applyTaskUpdate(t CallTask, upd TaskUpdate, now time.Time) CallTask {
	t.Status = upd.Status
	if upd.HandledBy != "" {
		t.HandledBy = upd.HandledBy
	}
	if upd.TransferredTo != "" {
		t.TransferredTo = upd.TransferredTo
	}
	t.UpdatedAt = now
	return t
}

// --- queues ---

func (s *MemoryStore) PutQueue(_ context.Context, q Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[q.ID] = q
	return nil
}

func (s *MemoryStore) GetQueue(_ context.Context, id string) (Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return Queue{}, ErrNotFound
	}
	return q, nil
}

// --- calls ---

// CreateCall inserts rec in ringing state. When a later event already created
// the record, only its empty descriptive fields are filled and false is
// returned; status and times are left alone.
func (s *MemoryStore) CreateCall(_ context.Context, rec CallRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.calls[rec.CallID]; ok {
		s.calls[rec.CallID] = fillCallDetails(cur, rec)
		return false, nil
	}
	rec.Status = CallRinging
	if rec.StartTime.IsZero() {
		rec.StartTime = s.now()
	}
	s.calls[rec.CallID] = rec
	return true, nil
}

func fillCallDetails(cur, rec CallRecord) CallRecord {
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&cur.Channel, rec.Channel)
	fill(&cur.LinkedID, rec.LinkedID)
	fill(&cur.CallerNumber, rec.CallerNumber)
	fill(&cur.CallerName, rec.CallerName)
	fill(&cur.Destination, rec.Destination)
	fill(&cur.Context, rec.Context)
	return cur
}

// MarkCallAnswered moves a ringing call to answered. A call not seen before
// is created directly in answered state.
func (s *MemoryStore) MarkCallAnswered(_ context.Context, callID, channel string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		s.calls[callID] = CallRecord{
			CallID:      callID,
			Channel:     channel,
			Status:      CallAnswered,
			StartTime:   at,
			ConnectTime: &at,
		}
		return true, nil
	}
	if rec.Status != CallRinging || rec.EndTime != nil {
		return false, nil
	}
	rec.Status = CallAnswered
	rec.ConnectTime = &at
	s.calls[callID] = rec
	return true, nil
}

func (s *MemoryStore) SetCallRecording(_ context.Context, callID, recordingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	if rec.EndTime != nil {
		return nil
	}
	rec.RecordingID = recordingID
	s.calls[callID] = rec
	return nil
}

// MarkCallCompleted stamps the end of a call once. The returned bool is false
// when the call had already ended; the stored record is returned either way.
func (s *MemoryStore) MarkCallCompleted(_ context.Context, callID, channel string, at time.Time, cause int, causeText string) (CallRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		rec = CallRecord{CallID: callID, Channel: channel, StartTime: at}
	}
	if rec.EndTime != nil {
		return rec, false, nil
	}
	rec.Status = CallCompleted
	rec.EndTime = &at
	rec.HangupCause = cause
	rec.HangupText = causeText
	s.calls[callID] = rec
	return rec, true, nil
}

// AttachBilling is the only mutation allowed after a call has ended.
func (s *MemoryStore) AttachBilling(_ context.Context, callID, billingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	rec.BillingID = billingID
	s.calls[callID] = rec
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, callID string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

// ListUnbilledCalls returns ended calls without a billing reference, oldest first.
func (s *MemoryStore) ListUnbilledCalls(_ context.Context, limit int) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallRecord
	for _, rec := range s.calls {
		if rec.EndTime != nil && rec.BillingID == "" {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(*out[j].EndTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- billing ---

// CreateBilling appends a billing record unless one exists for the same
// call and leg.
func (s *MemoryStore) CreateBilling(_ context.Context, b BillingRecord) (BillingRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := billingKey{b.CallID, b.Leg}
	if existing, ok := s.billing[key]; ok {
		return existing, false, nil
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	s.billing[key] = b
	return b, true, nil
}

func (s *MemoryStore) ListBilling(_ context.Context, callID string) ([]BillingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BillingRecord
	for k, b := range s.billing {
		if callID == "" || k.callID == callID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- extensions ---

func (s *MemoryStore) PutExtension(_ context.Context, e Extension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.UpdatedAt = s.now()
	s.extensions[e.Number] = e
	return nil
}

func (s *MemoryStore) GetExtension(_ context.Context, number string) (Extension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.extensions[number]
	if !ok {
		return Extension{}, ErrNotFound
	}
	return e, nil
}

// UpdateExtensionPresence returns false without error when the extension
// does not exist.
func (s *MemoryStore) UpdateExtensionPresence(_ context.Context, number string, registered, online bool) (Extension, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.extensions[number]
	if !ok {
		return Extension{}, false, nil
	}
	e.Registered = registered
	e.Online = online
	e.UpdatedAt = s.now()
	s.extensions[number] = e
	return e, true, nil
}

func (s *MemoryStore) ListExtensions(_ context.Context, enabledOnly bool) ([]Extension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Extension, 0, len(s.extensions))
	for _, e := range s.extensions {
		if enabledOnly && !e.Enabled {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}
