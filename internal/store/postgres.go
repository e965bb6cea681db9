package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists domain state in PostgreSQL. Task transitions are
// single conditional UPDATE statements so concurrent request handlers need
// no shared lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queues (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			caller_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS call_tasks (
			id TEXT PRIMARY KEY,
			queue_id TEXT NOT NULL,
			target_number TEXT NOT NULL,
			contact_name TEXT NOT NULL DEFAULT '',
			channel_id TEXT NULL,
			status TEXT NOT NULL,
			handled_by TEXT NOT NULL DEFAULT 'none',
			transferred_to TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_tasks_queue_status ON call_tasks (queue_id, status);`,
		`CREATE TABLE IF NOT EXISTS call_records (
			call_id TEXT PRIMARY KEY,
			channel TEXT NOT NULL DEFAULT '',
			linked_id TEXT NOT NULL DEFAULT '',
			caller_number TEXT NOT NULL DEFAULT '',
			caller_name TEXT NOT NULL DEFAULT '',
			destination TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			connect_time TIMESTAMPTZ NULL,
			end_time TIMESTAMPTZ NULL,
			hangup_cause INTEGER NOT NULL DEFAULT 0,
			hangup_text TEXT NOT NULL DEFAULT '',
			recording_id TEXT NOT NULL DEFAULT '',
			billing_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_unbilled ON call_records (end_time) WHERE billing_id = '';`,
		`CREATE TABLE IF NOT EXISTS billing_records (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			leg TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			destination TEXT NOT NULL DEFAULT '',
			extension TEXT NOT NULL DEFAULT '',
			start_time TIMESTAMPTZ NOT NULL,
			answer_time TIMESTAMPTZ NULL,
			end_time TIMESTAMPTZ NULL,
			billable_seconds INTEGER NOT NULL DEFAULT 0,
			disposition TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (call_id, leg)
		);`,
		`CREATE TABLE IF NOT EXISTS extensions (
			number TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			technology TEXT NOT NULL DEFAULT 'SIP',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			registered BOOLEAN NOT NULL DEFAULT FALSE,
			online BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// --- tasks ---

const taskColumns = `id, queue_id, target_number, contact_name, COALESCE(channel_id, ''), status,
	handled_by, transferred_to, attempts, max_attempts, updated_at`

func (s *PostgresStore) PutTask(ctx context.Context, t CallTask) error {
	if t.HandledBy == "" {
		t.HandledBy = HandledByNone
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_tasks (id, queue_id, target_number, contact_name, channel_id, status,
			handled_by, transferred_to, attempts, max_attempts, updated_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8,$9,$10,now())
		ON CONFLICT (id) DO UPDATE SET
			queue_id=EXCLUDED.queue_id,
			target_number=EXCLUDED.target_number,
			contact_name=EXCLUDED.contact_name,
			channel_id=EXCLUDED.channel_id,
			status=EXCLUDED.status,
			handled_by=EXCLUDED.handled_by,
			transferred_to=EXCLUDED.transferred_to,
			attempts=EXCLUDED.attempts,
			max_attempts=EXCLUDED.max_attempts,
			updated_at=now()`,
		t.ID, t.QueueID, t.TargetNumber, t.ContactName, t.ChannelID, string(t.Status),
		string(t.HandledBy), t.TransferredTo, t.Attempts, t.MaxAttempts,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (CallTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM call_tasks WHERE id=$1`, id)
	var (
		t         CallTask
		status    string
		handledBy string
	)
	err := row.Scan(&t.ID, &t.QueueID, &t.TargetNumber, &t.ContactName, &t.ChannelID, &status,
		&handledBy, &t.TransferredTo, &t.Attempts, &t.MaxAttempts, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CallTask{}, ErrNotFound
		}
		return CallTask{}, fmt.Errorf("get task: %w", err)
	}
	t.Status = TaskStatus(status)
	t.HandledBy = HandledBy(handledBy)
	return t, nil
}

// TransitionTask is a compare-and-swap on the status column. Exactly one of
// several concurrent callers racing on the same from-status sees true.
func (s *PostgresStore) TransitionTask(ctx context.Context, id string, from []TaskStatus, upd TaskUpdate) (bool, error) {
	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_tasks SET
			status=$2,
			handled_by=COALESCE(NULLIF($3,''), handled_by),
			transferred_to=COALESCE(NULLIF($4,''), transferred_to),
			updated_at=now()
		WHERE id=$1 AND status = ANY($5)`,
		id, string(upd.Status), string(upd.HandledBy), upd.TransferredTo, fromStr,
	)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) SetTaskStatus(ctx context.Context, id string, upd TaskUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_tasks SET
			status=$2,
			handled_by=COALESCE(NULLIF($3,''), handled_by),
			transferred_to=COALESCE(NULLIF($4,''), transferred_to),
			updated_at=now()
		WHERE id=$1`,
		id, string(upd.Status), string(upd.HandledBy), upd.TransferredTo,
	)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- queues ---

func (s *PostgresStore) PutQueue(ctx context.Context, q Queue) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queues (id, name, caller_id) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, caller_id=EXCLUDED.caller_id`,
		q.ID, q.Name, q.CallerID,
	)
	if err != nil {
		return fmt.Errorf("upsert queue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetQueue(ctx context.Context, id string) (Queue, error) {
	var q Queue
	err := s.pool.QueryRow(ctx, `SELECT id, name, caller_id FROM queues WHERE id=$1`, id).
		Scan(&q.ID, &q.Name, &q.CallerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Queue{}, ErrNotFound
		}
		return Queue{}, fmt.Errorf("get queue: %w", err)
	}
	return q, nil
}

// --- calls ---

const callColumns = `call_id, channel, linked_id, caller_number, caller_name, destination, context,
	status, start_time, connect_time, end_time, hangup_cause, hangup_text, recording_id, billing_id`

func scanCall(row pgx.Row) (CallRecord, error) {
	var (
		rec    CallRecord
		status string
	)
	err := row.Scan(&rec.CallID, &rec.Channel, &rec.LinkedID, &rec.CallerNumber, &rec.CallerName,
		&rec.Destination, &rec.Context, &status, &rec.StartTime, &rec.ConnectTime, &rec.EndTime,
		&rec.HangupCause, &rec.HangupText, &rec.RecordingID, &rec.BillingID)
	if err != nil {
		return CallRecord{}, err
	}
	rec.Status = CallStatus(status)
	return rec, nil
}

func (s *PostgresStore) CreateCall(ctx context.Context, rec CallRecord) (bool, error) {
	if rec.StartTime.IsZero() {
		rec.StartTime = time.Now().UTC()
	}
	// xmax is zero only on the row version written by a fresh insert.
	var inserted bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO call_records (call_id, channel, linked_id, caller_number, caller_name,
			destination, context, status, start_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (call_id) DO UPDATE SET
			channel=COALESCE(NULLIF(call_records.channel,''), EXCLUDED.channel),
			linked_id=COALESCE(NULLIF(call_records.linked_id,''), EXCLUDED.linked_id),
			caller_number=COALESCE(NULLIF(call_records.caller_number,''), EXCLUDED.caller_number),
			caller_name=COALESCE(NULLIF(call_records.caller_name,''), EXCLUDED.caller_name),
			destination=COALESCE(NULLIF(call_records.destination,''), EXCLUDED.destination),
			context=COALESCE(NULLIF(call_records.context,''), EXCLUDED.context)
		RETURNING (xmax = 0)`,
		rec.CallID, rec.Channel, rec.LinkedID, rec.CallerNumber, rec.CallerName,
		rec.Destination, rec.Context, string(CallRinging), rec.StartTime,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("create call: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) MarkCallAnswered(ctx context.Context, callID, channel string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO call_records (call_id, channel, status, start_time, connect_time)
		VALUES ($1,$2,$3,$4,$4)
		ON CONFLICT (call_id) DO UPDATE SET status=EXCLUDED.status, connect_time=EXCLUDED.connect_time
		WHERE call_records.status=$5 AND call_records.end_time IS NULL`,
		callID, channel, string(CallAnswered), at, string(CallRinging),
	)
	if err != nil {
		return false, fmt.Errorf("mark call answered: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetCallRecording(ctx context.Context, callID, recordingID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_records SET recording_id=$2 WHERE call_id=$1 AND end_time IS NULL`,
		callID, recordingID,
	)
	if err != nil {
		return fmt.Errorf("set call recording: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCall(ctx, callID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) MarkCallCompleted(ctx context.Context, callID, channel string, at time.Time, cause int, causeText string) (CallRecord, bool, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO call_records (call_id, channel, status, start_time, end_time, hangup_cause, hangup_text)
		VALUES ($1,$2,$3,$4,$4,$5,$6)
		ON CONFLICT (call_id) DO UPDATE SET
			status=EXCLUDED.status,
			end_time=EXCLUDED.end_time,
			hangup_cause=EXCLUDED.hangup_cause,
			hangup_text=EXCLUDED.hangup_text
		WHERE call_records.end_time IS NULL
		RETURNING `+callColumns,
		callID, channel, string(CallCompleted), at, cause, causeText,
	)
	rec, err := scanCall(row)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CallRecord{}, false, fmt.Errorf("mark call completed: %w", err)
	}
	// Already ended: hand back the stored record unchanged.
	rec, err = s.GetCall(ctx, callID)
	if err != nil {
		return CallRecord{}, false, err
	}
	return rec, false, nil
}

func (s *PostgresStore) AttachBilling(ctx context.Context, callID, billingID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE call_records SET billing_id=$2 WHERE call_id=$1`, callID, billingID)
	if err != nil {
		return fmt.Errorf("attach billing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetCall(ctx context.Context, callID string) (CallRecord, error) {
	rec, err := scanCall(s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM call_records WHERE call_id=$1`, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, fmt.Errorf("get call: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListUnbilledCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+callColumns+` FROM call_records
		WHERE end_time IS NOT NULL AND billing_id = ''
		ORDER BY end_time ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unbilled calls: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return out, nil
}

// --- billing ---

const billingColumns = `id, call_id, task_id, leg, source, destination, extension, start_time,
	answer_time, end_time, billable_seconds, disposition, created_at`

func scanBilling(row pgx.Row) (BillingRecord, error) {
	var (
		b   BillingRecord
		leg string
	)
	err := row.Scan(&b.ID, &b.CallID, &b.TaskID, &leg, &b.Source, &b.Destination, &b.Extension,
		&b.StartTime, &b.AnswerTime, &b.EndTime, &b.BillableSec, &b.Disposition, &b.CreatedAt)
	if err != nil {
		return BillingRecord{}, err
	}
	b.Leg = BillingLeg(leg)
	return b, nil
}

func (s *PostgresStore) CreateBilling(ctx context.Context, b BillingRecord) (BillingRecord, bool, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO billing_records (id, call_id, task_id, leg, source, destination, extension,
			start_time, answer_time, end_time, billable_seconds, disposition, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (call_id, leg) DO NOTHING
		RETURNING `+billingColumns,
		b.ID, b.CallID, b.TaskID, string(b.Leg), b.Source, b.Destination, b.Extension,
		b.StartTime, b.AnswerTime, b.EndTime, b.BillableSec, b.Disposition, b.CreatedAt,
	)
	created, err := scanBilling(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return BillingRecord{}, false, fmt.Errorf("create billing: %w", err)
	}
	existing, err := scanBilling(s.pool.QueryRow(ctx,
		`SELECT `+billingColumns+` FROM billing_records WHERE call_id=$1 AND leg=$2`, b.CallID, string(b.Leg)))
	if err != nil {
		return BillingRecord{}, false, fmt.Errorf("load existing billing: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) ListBilling(ctx context.Context, callID string) ([]BillingRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+billingColumns+` FROM billing_records
		WHERE ($1 = '' OR call_id = $1) ORDER BY created_at ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("list billing: %w", err)
	}
	defer rows.Close()

	var out []BillingRecord
	for rows.Next() {
		b, err := scanBilling(rows)
		if err != nil {
			return nil, fmt.Errorf("scan billing row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate billing rows: %w", err)
	}
	return out, nil
}

// --- extensions ---

const extensionColumns = `number, name, technology, enabled, registered, online, updated_at`

func scanExtension(row pgx.Row) (Extension, error) {
	var e Extension
	err := row.Scan(&e.Number, &e.Name, &e.Technology, &e.Enabled, &e.Registered, &e.Online, &e.UpdatedAt)
	return e, err
}

func (s *PostgresStore) PutExtension(ctx context.Context, e Extension) error {
	if e.Technology == "" {
		e.Technology = "SIP"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO extensions (number, name, technology, enabled, registered, online, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (number) DO UPDATE SET
			name=EXCLUDED.name,
			technology=EXCLUDED.technology,
			enabled=EXCLUDED.enabled,
			registered=EXCLUDED.registered,
			online=EXCLUDED.online,
			updated_at=now()`,
		e.Number, e.Name, e.Technology, e.Enabled, e.Registered, e.Online,
	)
	if err != nil {
		return fmt.Errorf("upsert extension: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExtension(ctx context.Context, number string) (Extension, error) {
	e, err := scanExtension(s.pool.QueryRow(ctx, `SELECT `+extensionColumns+` FROM extensions WHERE number=$1`, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Extension{}, ErrNotFound
		}
		return Extension{}, fmt.Errorf("get extension: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateExtensionPresence(ctx context.Context, number string, registered, online bool) (Extension, bool, error) {
	e, err := scanExtension(s.pool.QueryRow(ctx,
		`UPDATE extensions SET registered=$2, online=$3, updated_at=now()
		WHERE number=$1 RETURNING `+extensionColumns,
		number, registered, online))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Extension{}, false, nil
		}
		return Extension{}, false, fmt.Errorf("update extension presence: %w", err)
	}
	return e, true, nil
}

func (s *PostgresStore) ListExtensions(ctx context.Context, enabledOnly bool) ([]Extension, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+extensionColumns+` FROM extensions WHERE (NOT $1 OR enabled) ORDER BY number`, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	defer rows.Close()

	var out []Extension
	for rows.Next() {
		e, err := scanExtension(rows)
		if err != nil {
			return nil, fmt.Errorf("scan extension row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extension rows: %w", err)
	}
	return out, nil
}
