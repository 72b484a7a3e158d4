// Package store persists extraction sessions, their tasks, record-level
// errors and the record outbox so a session survives process restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-harvest/internal/model"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrStaleStatus is returned when a status transition finds the session
	// in a different status than the caller read.
	ErrStaleStatus = eris.New("store: stale session status")
	// ErrInvalidTransition is returned for a status move the lifecycle
	// does not allow.
	ErrInvalidTransition = eris.New("store: invalid status transition")
)

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status       model.SessionStatus `json:"status,omitempty"`
	Site         model.Site          `json:"site,omitempty"`
	TripID       string              `json:"trip_id,omitempty"`
	ActiveOnly   bool                `json:"active_only,omitempty"` // exclude archived sessions
	CreatedAfter time.Time           `json:"created_after,omitempty"`
	Limit        int                 `json:"limit,omitempty"`
	Offset       int                 `json:"offset,omitempty"`
}

// Store defines the persistence interface for extraction sessions.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	FindActiveSession(ctx context.Context, fingerprint string) (*model.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)
	// SaveSession writes status, counters, archive stamp and updated_at.
	SaveSession(ctx context.Context, sess *model.Session) error
	// TransitionSession saves sess like SaveSession, but only while the
	// stored status is still from.
	TransitionSession(ctx context.Context, sess *model.Session, from model.SessionStatus) error
	SetCancelled(ctx context.Context, id string, cancelled bool) error
	IsCancelled(ctx context.Context, id string) (bool, error)

	// Tasks
	SaveTasks(ctx context.Context, tasks []model.Task) error
	ListTasks(ctx context.Context, sessionID string) ([]model.Task, error)

	// Record errors
	InsertRecordErrors(ctx context.Context, errs []model.RecordError) error
	ListRecordErrors(ctx context.Context, sessionID string, limit int) ([]model.RecordError, error)
	CountRecordErrors(ctx context.Context, since time.Time) (int, error)

	// Record outbox
	EnqueueRecords(ctx context.Context, sessionID string, recs []model.Record) error
	PendingRecords(ctx context.Context, sessionID string) ([]model.Record, error)
	MarkIngested(ctx context.Context, sessionID string, keys []string) error
	// SeenKeys returns every record identity pending or ingested for the
	// session, and how many of them are hotels.
	SeenKeys(ctx context.Context, sessionID string) ([]string, int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

type scannable interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, trip_id, site, fingerprint, status, search, options, counters, cancelled, created_at, updated_at, archived_at`

const taskColumns = `id, session_id, kind, target, rank, status, attempts, last_class, last_error, seq, updated_at`

const recordErrorColumns = `id, session_id, task_id, site, record_key, code, message, raw, created_at`

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func checkTransition(id string, from, to model.SessionStatus) error {
	if !from.CanTransition(to) {
		return eris.Wrapf(ErrInvalidTransition, "session %s: %s to %s", id, from, to)
	}
	return nil
}

// staleStatus explains a transition that matched no row.
func staleStatus(id string, from model.SessionStatus, current string, err error) error {
	if isNoRows(err) {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "session %s status", id)
	}
	return eris.Wrapf(ErrStaleStatus, "session %s is %s, not %s", id, current, from)
}

func scanSession(row scannable) (*model.Session, error) {
	var s model.Session
	var search, opts, counters []byte
	var archived sql.NullTime

	err := row.Scan(&s.ID, &s.TripID, &s.Site, &s.Fingerprint, &s.Status,
		&search, &opts, &counters, &s.Cancelled, &s.CreatedAt, &s.UpdatedAt, &archived)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan session")
	}
	if err := json.Unmarshal(search, &s.Search); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal search")
	}
	if err := json.Unmarshal(opts, &s.Options); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal options")
	}
	if err := json.Unmarshal(counters, &s.Counters); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal counters")
	}
	if archived.Valid {
		t := archived.Time
		s.ArchivedAt = &t
	}
	return &s, nil
}

func scanTask(row scannable) (model.Task, error) {
	var t model.Task
	err := row.Scan(&t.ID, &t.SessionID, &t.Kind, &t.Target, &t.Rank, &t.Status,
		&t.Attempts, &t.LastClass, &t.LastError, &t.Seq, &t.UpdatedAt)
	return t, eris.Wrap(err, "store: scan task")
}

func scanRecordError(row scannable) (model.RecordError, error) {
	var e model.RecordError
	err := row.Scan(&e.ID, &e.SessionID, &e.TaskID, &e.Site, &e.RecordKey,
		&e.Code, &e.Message, &e.Raw, &e.CreatedAt)
	return e, eris.Wrap(err, "store: scan record error")
}

// sessionJSON marshals the JSON-typed session columns.
func sessionJSON(sess *model.Session) (search, opts, counters []byte, err error) {
	if search, err = json.Marshal(sess.Search); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal search")
	}
	if opts, err = json.Marshal(sess.Options); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal options")
	}
	if counters, err = json.Marshal(sess.Counters); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal counters")
	}
	return search, opts, counters, nil
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
