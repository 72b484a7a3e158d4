package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-harvest/internal/db"
	"github.com/sells-group/rate-harvest/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlSaveTask = `INSERT INTO extraction_tasks (` + taskColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, attempts = EXCLUDED.attempts,
			last_class = EXCLUDED.last_class, last_error = EXCLUDED.last_error,
			seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at`
	sqlSaveSession       = `UPDATE extraction_sessions SET status = $1, counters = $2, archived_at = $3, updated_at = $4 WHERE id = $5`
	sqlTransitionSession = `UPDATE extraction_sessions SET status = $1, counters = $2, archived_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6`
	sqlGetSession = `SELECT ` + sessionColumns + ` FROM extraction_sessions WHERE id = $1`
	sqlListTasks  = `SELECT ` + taskColumns + ` FROM extraction_tasks WHERE session_id = $1
		ORDER BY CASE WHEN seq = 0 THEN 1 ELSE 0 END, seq, rank, id`
	sqlIsCancelled = `SELECT cancelled FROM extraction_sessions WHERE id = $1`
)

// preparedStatements lists queries to prepare on each new connection. The
// session writer issues these once per task completion.
var preparedStatements = map[string]string{
	"save_task":          sqlSaveTask,
	"save_session":       sqlSaveSession,
	"transition_session": sqlTransitionSession,
	"get_session":        sqlGetSession,
	"list_tasks":         sqlListTasks,
	"is_cancelled":       sqlIsCancelled,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying pool so the Postgres sink can share it.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS extraction_sessions (
	id          TEXT PRIMARY KEY,
	trip_id     TEXT NOT NULL,
	site        TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'created',
	search      JSONB NOT NULL,
	options     JSONB NOT NULL,
	counters    JSONB NOT NULL,
	cancelled   BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	archived_at TIMESTAMPTZ
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
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS record_errors (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES extraction_sessions(id),
	task_id    TEXT NOT NULL DEFAULT '',
	site       TEXT NOT NULL,
	record_key TEXT NOT NULL DEFAULT '',
	code       TEXT NOT NULL,
	message    TEXT NOT NULL,
	raw        BYTEA,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pending_records (
	session_id TEXT NOT NULL REFERENCES extraction_sessions(id),
	record_key TEXT NOT NULL,
	kind       TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, record_key)
);

CREATE TABLE IF NOT EXISTS ingested_records (
	session_id  TEXT NOT NULL REFERENCES extraction_sessions(id),
	record_key  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, record_key)
);

CREATE INDEX IF NOT EXISTS idx_sessions_fingerprint ON extraction_sessions(fingerprint, status);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON extraction_sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON extraction_sessions(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON extraction_tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_record_errors_session ON record_errors(session_id);
CREATE INDEX IF NOT EXISTS idx_record_errors_created_at ON record_errors(created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create session")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO extraction_sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sess.ID, sess.TripID, string(sess.Site), sess.Fingerprint, string(sess.Status),
		search, opts, counters, sess.Cancelled, sess.CreatedAt, sess.UpdatedAt, sess.ArchivedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert session %s", sess.ID)
	}

	if len(sess.Tasks) > 0 {
		batch := &pgx.Batch{}
		for i := range sess.Tasks {
			sess.Tasks[i].SessionID = sess.ID
			queueTask(batch, &sess.Tasks[i])
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return eris.Wrapf(err, "postgres: insert tasks for session %s", sess.ID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit create session")
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, sqlGetSession, id))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	tasks, err := s.ListTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Tasks = tasks
	return sess, nil
}

func (s *PostgresStore) FindActiveSession(ctx context.Context, fingerprint string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM extraction_sessions
		 WHERE fingerprint = $1 AND status IN ($2, $3) AND archived_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		fingerprint, string(model.SessionCreated), string(model.SessionRunning),
	)
	sess, err := scanSession(row)
	if eris.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find active session")
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM extraction_sessions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Site != "" {
		query += fmt.Sprintf(` AND site = $%d`, argIdx)
		args = append(args, string(filter.Site))
		argIdx++
	}
	if filter.TripID != "" {
		query += fmt.Sprintf(` AND trip_id = $%d`, argIdx)
		args = append(args, filter.TripID)
		argIdx++
	}
	if filter.ActiveOnly {
		query += ` AND archived_at IS NULL`
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter.UTC())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess *model.Session) error {
	counters, err := json.Marshal(sess.Counters)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counters")
	}
	sess.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, sqlSaveSession,
		string(sess.Status), counters, sess.ArchivedAt, sess.UpdatedAt, sess.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: save session %s", sess.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", sess.ID)
	}
	return nil
}

func (s *PostgresStore) TransitionSession(ctx context.Context, sess *model.Session, from model.SessionStatus) error {
	if err := checkTransition(sess.ID, from, sess.Status); err != nil {
		return err
	}
	counters, err := json.Marshal(sess.Counters)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counters")
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, sqlTransitionSession,
		string(sess.Status), counters, sess.ArchivedAt, now, sess.ID, string(from))
	if err != nil {
		return eris.Wrapf(err, "postgres: transition session %s", sess.ID)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM extraction_sessions WHERE id = $1`, sess.ID).Scan(&current)
		return eris.Wrap(staleStatus(sess.ID, from, current, err), "postgres: transition")
	}
	sess.UpdatedAt = now
	return nil
}

func (s *PostgresStore) SetCancelled(ctx context.Context, id string, cancelled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_sessions SET cancelled = $1, updated_at = $2 WHERE id = $3`,
		cancelled, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set cancelled %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	return nil
}

func (s *PostgresStore) IsCancelled(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx, sqlIsCancelled, id).Scan(&cancelled)
	if isNoRows(err) {
		return false, eris.Wrapf(ErrNotFound, "postgres: session %s", id)
	}
	return cancelled, eris.Wrapf(err, "postgres: is cancelled %s", id)
}

// --- Tasks ---

func queueTask(batch *pgx.Batch, t *model.Task) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	batch.Queue(sqlSaveTask,
		t.ID, t.SessionID, string(t.Kind), t.Target, t.Rank, string(t.Status),
		t.Attempts, t.LastClass, t.LastError, t.Seq, t.UpdatedAt,
	)
}

func (s *PostgresStore) SaveTasks(ctx context.Context, tasks []model.Task) error {
	switch len(tasks) {
	case 0:
		return nil
	case 1:
		t := &tasks[0]
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = time.Now().UTC()
		}
		_, err := s.pool.Exec(ctx, sqlSaveTask,
			t.ID, t.SessionID, string(t.Kind), t.Target, t.Rank, string(t.Status),
			t.Attempts, t.LastClass, t.LastError, t.Seq, t.UpdatedAt,
		)
		return eris.Wrapf(err, "postgres: save task %s", t.ID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save tasks")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for i := range tasks {
		queueTask(batch, &tasks[i])
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return eris.Wrap(err, "postgres: save tasks")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit save tasks")
}

func (s *PostgresStore) ListTasks(ctx context.Context, sessionID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, sqlListTasks, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list tasks %s", sessionID)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

// --- Record errors ---

// InsertRecordErrors bulk-loads record errors with COPY.
func (s *PostgresStore) InsertRecordErrors(ctx context.Context, errs []model.RecordError) error {
	if len(errs) == 0 {
		return nil
	}
	rows := make([][]any, len(errs))
	for i := range errs {
		e := &errs[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		rows[i] = []any{e.ID, e.SessionID, e.TaskID, string(e.Site), e.RecordKey, e.Code, e.Message, e.Raw, e.CreatedAt}
	}
	_, err := db.CopyFrom(ctx, s.pool, "record_errors",
		[]string{"id", "session_id", "task_id", "site", "record_key", "code", "message", "raw", "created_at"}, rows)
	return eris.Wrap(err, "postgres: insert record errors")
}

func (s *PostgresStore) ListRecordErrors(ctx context.Context, sessionID string, limit int) ([]model.RecordError, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordErrorColumns+` FROM record_errors WHERE session_id = $1 ORDER BY created_at, id LIMIT $2`,
		sessionID, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list record errors %s", sessionID)
	}
	defer rows.Close()

	var out []model.RecordError
	for rows.Next() {
		e, err := scanRecordError(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list record errors iterate")
}

func (s *PostgresStore) CountRecordErrors(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM record_errors WHERE created_at >= $1`, since.UTC()).Scan(&n)
	return n, eris.Wrap(err, "postgres: count record errors")
}

// --- Record outbox ---

func (s *PostgresStore) EnqueueRecords(ctx context.Context, sessionID string, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		payload, err := json.Marshal(r)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal record")
		}
		batch.Queue(
			`INSERT INTO pending_records (session_id, record_key, kind, task_id, payload)
			 SELECT $1, $2, $3, $4, $5
			 WHERE NOT EXISTS (SELECT 1 FROM ingested_records WHERE session_id = $1 AND record_key = $2)
			 ON CONFLICT (session_id, record_key) DO NOTHING`,
			sessionID, r.Key(), string(r.Kind), r.TaskID, payload,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin enqueue records")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return eris.Wrapf(err, "postgres: enqueue records for session %s", sessionID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit enqueue records")
}

func (s *PostgresStore) PendingRecords(ctx context.Context, sessionID string) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM pending_records WHERE session_id = $1 ORDER BY created_at, record_key`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: pending records %s", sessionID)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending record")
		}
		var r model.Record
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal pending record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: pending records iterate")
}

func (s *PostgresStore) MarkIngested(ctx context.Context, sessionID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin mark ingested")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	kinds := make([]string, len(keys))
	for i, k := range keys {
		kinds[i] = string(model.KeyKind(k))
	}
	// Acked keys are recorded even when the outbox row is already gone, so
	// a later run never resends them.
	_, err = tx.Exec(ctx,
		`INSERT INTO ingested_records (session_id, record_key, kind)
		 SELECT $1, a.record_key, COALESCE(p.kind, a.kind)
		 FROM unnest($2::text[], $3::text[]) AS a(record_key, kind)
		 LEFT JOIN pending_records p ON p.session_id = $1 AND p.record_key = a.record_key
		 ON CONFLICT (session_id, record_key) DO NOTHING`,
		sessionID, keys, kinds,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert ingested records")
	}
	_, err = tx.Exec(ctx,
		`DELETE FROM pending_records WHERE session_id = $1 AND record_key = ANY($2)`,
		sessionID, keys,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: delete pending records")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit mark ingested")
}

func (s *PostgresStore) SeenKeys(ctx context.Context, sessionID string) ([]string, int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_key, kind FROM pending_records WHERE session_id = $1
		 UNION SELECT record_key, kind FROM ingested_records WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "postgres: seen keys %s", sessionID)
	}
	defer rows.Close()
	return collectSeenKeys(rows)
}
