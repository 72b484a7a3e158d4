package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rate-harvest/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS extraction_sessions`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSession_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, trip_id, site, .* FROM extraction_sessions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetSession(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindActiveSession_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM extraction_sessions\s+WHERE fingerprint = \$1`).
		WithArgs("fp", "created", "running").
		WillReturnError(pgx.ErrNoRows)

	sess, err := s.FindActiveSession(context.Background(), "fp")
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveSession(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE extraction_sessions SET status = \$1, counters = \$2`).
		WithArgs("partial", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "sess-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE extraction_sessions SET status = \$1, counters = \$2`).
		WithArgs("running", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	sess := &model.Session{ID: "sess-1", Status: model.SessionPartial, Counters: model.Counters{HotelsFound: 3}}
	require.NoError(t, s.SaveSession(context.Background(), sess))
	assert.False(t, sess.UpdatedAt.IsZero())

	err := s.SaveSession(context.Background(), &model.Session{ID: "gone", Status: model.SessionRunning})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionSession(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE extraction_sessions SET status = \$1, .*\s+WHERE id = \$5 AND status = \$6`).
		WithArgs("running", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "sess-1", "created").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE extraction_sessions SET status = \$1, .*\s+WHERE id = \$5 AND status = \$6`).
		WithArgs("running", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "sess-2", "created").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM extraction_sessions WHERE id = \$1`).
		WithArgs("sess-2").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("failed"))

	sess := &model.Session{ID: "sess-1", Status: model.SessionRunning}
	require.NoError(t, s.TransitionSession(context.Background(), sess, model.SessionCreated))
	assert.False(t, sess.UpdatedAt.IsZero())

	err := s.TransitionSession(context.Background(), &model.Session{ID: "sess-2", Status: model.SessionRunning}, model.SessionCreated)
	assert.ErrorIs(t, err, ErrStaleStatus)

	// Rejected before touching the database.
	err = s.TransitionSession(context.Background(), &model.Session{ID: "sess-3", Status: model.SessionCreated}, model.SessionCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Cancelled(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE extraction_sessions SET cancelled = \$1`).
		WithArgs(true, pgxmock.AnyArg(), "sess-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT cancelled FROM extraction_sessions WHERE id = \$1`).
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"cancelled"}).AddRow(true))

	ctx := context.Background()
	require.NoError(t, s.SetCancelled(ctx, "sess-1", true))
	cancelled, err := s.IsCancelled(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveTasks_Single(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO extraction_tasks .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("task-1", "sess-1", "room_rates", "H1", 2, "exhausted", 1, "structural", "boom", 4, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveTasks(context.Background(), []model.Task{{
		ID: "task-1", SessionID: "sess-1", Kind: model.TaskRoomRates, Target: "H1", Rank: 2,
		Status: model.TaskExhausted, Attempts: 1, LastClass: "structural", LastError: "boom", Seq: 4,
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertRecordErrors_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"record_errors"},
		[]string{"id", "session_id", "task_id", "site", "record_key", "code", "message", "raw", "created_at"}).
		WillReturnResult(2)

	errs := []model.RecordError{
		{SessionID: "sess-1", Site: model.SiteVAX, Code: model.CodeUnknownCurrency, Message: "XXX"},
		{SessionID: "sess-1", Site: model.SiteVAX, Code: model.CodeMissingField, Message: "name"},
	}
	require.NoError(t, s.InsertRecordErrors(context.Background(), errs))
	assert.NotEmpty(t, errs[0].ID)
	assert.NotEqual(t, errs[0].ID, errs[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountRecordErrors(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM record_errors`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountRecordErrors(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkIngested(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	keys := []string{"vax:H1", "vax:H1/R1"}

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO ingested_records.*FROM unnest`).
		WithArgs("sess-1", keys, []string{"hotel", "room"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec(`DELETE FROM pending_records`).
		WithArgs("sess-1", keys).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	require.NoError(t, s.MarkIngested(context.Background(), "sess-1", keys))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkIngested_RollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ingested_records`).
		WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()

	err := s.MarkIngested(context.Background(), "sess-1", []string{"vax:H1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert ingested records")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EmptyInputsSkipDatabase(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTasks(ctx, nil))
	require.NoError(t, s.InsertRecordErrors(ctx, nil))
	require.NoError(t, s.EnqueueRecords(ctx, "sess-1", nil))
	require.NoError(t, s.MarkIngested(ctx, "sess-1", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
