package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/rate-harvest/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS extraction_sessions (
	id          TEXT PRIMARY KEY,
	trip_id     TEXT NOT NULL,
	site        TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'created',
	search      TEXT NOT NULL,
	options     TEXT NOT NULL,
	counters    TEXT NOT NULL,
	cancelled   INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	archived_at DATETIME
);

CREATE TABLE IF NOT EXISTS extraction_tasks (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES extraction_sessions(id),
	kind       TEXT NOT NULL,
	target     TEXT NOT NULL DEFAULT '',
	rank       INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL DEFAULT 'pending',
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_class TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	seq        INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS record_errors (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES extraction_sessions(id),
	task_id    TEXT NOT NULL DEFAULT '',
	site       TEXT NOT NULL,
	record_key TEXT NOT NULL DEFAULT '',
	code       TEXT NOT NULL,
	message    TEXT NOT NULL,
	raw        BLOB,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_records (
	session_id TEXT NOT NULL REFERENCES extraction_sessions(id),
	record_key TEXT NOT NULL,
	kind       TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, record_key)
);

CREATE TABLE IF NOT EXISTS ingested_records (
	session_id  TEXT NOT NULL REFERENCES extraction_sessions(id),
	record_key  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	ingested_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, record_key)
);

CREATE INDEX IF NOT EXISTS idx_sessions_fingerprint ON extraction_sessions(fingerprint, status);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON extraction_sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON extraction_sessions(created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON extraction_tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_record_errors_session ON record_errors(session_id);
CREATE INDEX IF NOT EXISTS idx_record_errors_created_at ON record_errors(created_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	search, opts, counters, err := sessionJSON(sess)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create session")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO extraction_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TripID, string(sess.Site), sess.Fingerprint, string(sess.Status),
		string(search), string(opts), string(counters), sess.Cancelled,
		sess.CreatedAt, sess.UpdatedAt, sess.ArchivedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert session %s", sess.ID)
	}
	for i := range sess.Tasks {
		sess.Tasks[i].SessionID = sess.ID
		if err := sqliteSaveTask(ctx, tx, &sess.Tasks[i]); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create session")
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM extraction_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	tasks, err := s.ListTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Tasks = tasks
	return sess, nil
}

func (s *SQLiteStore) FindActiveSession(ctx context.Context, fingerprint string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM extraction_sessions
		 WHERE fingerprint = ? AND status IN (?, ?) AND archived_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		fingerprint, string(model.SessionCreated), string(model.SessionRunning),
	)
	sess, err := scanSession(row)
	if eris.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find active session")
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM extraction_sessions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Site != "" {
		query += ` AND site = ?`
		args = append(args, string(filter.Site))
	}
	if filter.TripID != "" {
		query += ` AND trip_id = ?`
		args = append(args, filter.TripID)
	}
	if filter.ActiveOnly {
		query += ` AND archived_at IS NULL`
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *model.Session) error {
	counters, err := json.Marshal(sess.Counters)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counters")
	}
	sess.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_sessions SET status = ?, counters = ?, archived_at = ?, updated_at = ? WHERE id = ?`,
		string(sess.Status), string(counters), sess.ArchivedAt, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save session %s", sess.ID)
	}
	return checkRowsAffected(res, "session", sess.ID)
}

func (s *SQLiteStore) TransitionSession(ctx context.Context, sess *model.Session, from model.SessionStatus) error {
	if err := checkTransition(sess.ID, from, sess.Status); err != nil {
		return err
	}
	counters, err := json.Marshal(sess.Counters)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counters")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_sessions SET status = ?, counters = ?, archived_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(sess.Status), string(counters), sess.ArchivedAt, now, sess.ID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition session %s", sess.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM extraction_sessions WHERE id = ?`, sess.ID).Scan(&current)
		return eris.Wrap(staleStatus(sess.ID, from, current, err), "sqlite: transition")
	}
	sess.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) SetCancelled(ctx context.Context, id string, cancelled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_sessions SET cancelled = ?, updated_at = ? WHERE id = ?`,
		cancelled, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set cancelled %s", id)
	}
	return checkRowsAffected(res, "session", id)
}

func (s *SQLiteStore) IsCancelled(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := s.db.QueryRowContext(ctx, `SELECT cancelled FROM extraction_sessions WHERE id = ?`, id).Scan(&cancelled)
	if isNoRows(err) {
		return false, eris.Wrapf(ErrNotFound, "sqlite: session %s", id)
	}
	return cancelled, eris.Wrapf(err, "sqlite: is cancelled %s", id)
}

// --- Tasks ---

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteSaveTask(ctx context.Context, ex sqlExecer, t *model.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO extraction_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, attempts = excluded.attempts,
			last_class = excluded.last_class, last_error = excluded.last_error,
			seq = excluded.seq, updated_at = excluded.updated_at`,
		t.ID, t.SessionID, string(t.Kind), t.Target, t.Rank, string(t.Status),
		t.Attempts, t.LastClass, t.LastError, t.Seq, t.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: save task %s", t.ID)
}

func (s *SQLiteStore) SaveTasks(ctx context.Context, tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save tasks")
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range tasks {
		if err := sqliteSaveTask(ctx, tx, &tasks[i]); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save tasks")
}

func (s *SQLiteStore) ListTasks(ctx context.Context, sessionID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM extraction_tasks WHERE session_id = ?
		 ORDER BY CASE WHEN seq = 0 THEN 1 ELSE 0 END, seq, rank, id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list tasks %s", sessionID)
	}
	defer rows.Close() //nolint:errcheck

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: list tasks iterate")
}

// --- Record errors ---

func (s *SQLiteStore) InsertRecordErrors(ctx context.Context, errs []model.RecordError) error {
	if len(errs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record errors")
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range errs {
		e := &errs[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO record_errors (`+recordErrorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SessionID, e.TaskID, string(e.Site), e.RecordKey, e.Code, e.Message, e.Raw, e.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert record error for session %s", e.SessionID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit record errors")
}

func (s *SQLiteStore) ListRecordErrors(ctx context.Context, sessionID string, limit int) ([]model.RecordError, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordErrorColumns+` FROM record_errors WHERE session_id = ? ORDER BY created_at, id LIMIT ?`,
		sessionID, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list record errors %s", sessionID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RecordError
	for rows.Next() {
		e, err := scanRecordError(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list record errors iterate")
}

func (s *SQLiteStore) CountRecordErrors(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM record_errors WHERE created_at >= ?`, since.UTC()).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count record errors")
}

// --- Record outbox ---

func (s *SQLiteStore) EnqueueRecords(ctx context.Context, sessionID string, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin enqueue records")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, r := range recs {
		payload, err := json.Marshal(r)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal record")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pending_records (session_id, record_key, kind, task_id, payload, created_at)
			 SELECT ?, ?, ?, ?, ?, ?
			 WHERE NOT EXISTS (SELECT 1 FROM ingested_records WHERE session_id = ? AND record_key = ?)
			 ON CONFLICT (session_id, record_key) DO NOTHING`,
			sessionID, r.Key(), string(r.Kind), r.TaskID, string(payload), now, sessionID, r.Key(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: enqueue record %s", r.Key())
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit enqueue records")
}

func (s *SQLiteStore) PendingRecords(ctx context.Context, sessionID string) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM pending_records WHERE session_id = ? ORDER BY created_at, record_key`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: pending records %s", sessionID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending record")
		}
		var r model.Record
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal pending record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: pending records iterate")
}

func (s *SQLiteStore) MarkIngested(ctx context.Context, sessionID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin mark ingested")
	}
	defer tx.Rollback() //nolint:errcheck

	// Acked keys are recorded even when the outbox row is already gone, so
	// a later run never resends them.
	now := time.Now().UTC()
	for _, k := range keys {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ingested_records (session_id, record_key, kind, ingested_at)
			 VALUES (?, ?, COALESCE((SELECT kind FROM pending_records WHERE session_id = ? AND record_key = ?), ?), ?)
			 ON CONFLICT (session_id, record_key) DO NOTHING`,
			sessionID, k, sessionID, k, string(model.KeyKind(k)), now,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert ingested records")
		}
	}
	for _, chunk := range chunkStrings(keys, 500) {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		args := make([]any, 0, len(chunk)+1)
		args = append(args, sessionID)
		for _, k := range chunk {
			args = append(args, k)
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM pending_records WHERE session_id = ? AND record_key IN (`+placeholders+`)`,
			args...,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: delete pending records")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit mark ingested")
}

func (s *SQLiteStore) SeenKeys(ctx context.Context, sessionID string) ([]string, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_key, kind FROM pending_records WHERE session_id = ?
		 UNION SELECT record_key, kind FROM ingested_records WHERE session_id = ?`,
		sessionID, sessionID,
	)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "sqlite: seen keys %s", sessionID)
	}
	defer rows.Close() //nolint:errcheck
	return collectSeenKeys(rows)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type keyRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectSeenKeys(rows keyRows) ([]string, int, error) {
	var keys []string
	var hotels int
	for rows.Next() {
		var key, kind string
		if err := rows.Scan(&key, &kind); err != nil {
			return nil, 0, eris.Wrap(err, "store: scan seen key")
		}
		keys = append(keys, key)
		if model.RecordKind(kind) == model.RecordHotel {
			hotels++
		}
	}
	return keys, hotels, eris.Wrap(rows.Err(), "store: seen keys iterate")
}

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}
