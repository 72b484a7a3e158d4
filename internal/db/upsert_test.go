package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_Rejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  UpsertConfig
		msg  string
	}{
		{"no columns", UpsertConfig{Table: "hotel_options", ConflictKeys: []string{"id"}}, "no columns specified"},
		{"no keys", UpsertConfig{Table: "hotel_options", Columns: []string{"id"}}, "no conflict keys specified"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BulkUpsert(context.Background(), nil, tt.cfg, [][]any{{1}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestBulkUpsert_NoRowsIsNoop(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{}, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestBulkUpsert_StagesAndMerges(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"site", "hotel_id", "room_id", "total_price"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "stage_harvest_room_options"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"stage_harvest_room_options"}, cols).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "harvest"."room_options"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "harvest.room_options",
		Columns:      cols,
		ConflictKeys: []string{"site", "hotel_id", "room_id"},
		OnlyChanged:  true,
	}, [][]any{{"vax", "H1", "A", 410.0}, {"vax", "H1", "B", 455.0}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "unchanged rows are not counted")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_MergeFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"stage_hotel_options"}, []string{"site", "site_id"}).WillReturnResult(1)
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "hotel_options",
		Columns:      []string{"site", "site_id"},
		ConflictKeys: []string{"site", "site_id"},
	}, [][]any{{"navitrip", "H1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge into hotel_options")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertConfig_Statement(t *testing.T) {
	cfg := UpsertConfig{
		Table:        "harvest.hotel_options",
		Columns:      []string{"site", "site_id", "name"},
		ConflictKeys: []string{"site", "site_id"},
		OnlyChanged:  true,
	}
	assert.Equal(t,
		`INSERT INTO "harvest"."hotel_options" ("site", "site_id", "name") SELECT "site", "site_id", "name" FROM "stage_harvest_hotel_options" ON CONFLICT ("site", "site_id") DO UPDATE SET "name" = EXCLUDED."name" WHERE "harvest"."hotel_options"."name" IS DISTINCT FROM EXCLUDED."name"`,
		cfg.statement())

	keysOnly := UpsertConfig{
		Table:        "ingested_records",
		Columns:      []string{"session_id", "record_key"},
		ConflictKeys: []string{"session_id", "record_key"},
	}
	assert.True(t, len(keysOnly.updateColumns()) == 0)
	assert.Contains(t, keysOnly.statement(), "DO NOTHING")

	explicit := UpsertConfig{Columns: []string{"a", "b", "c"}, ConflictKeys: []string{"a"}, UpdateCols: []string{"c"}}
	assert.Equal(t, []string{"c"}, explicit.updateColumns())
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, `"room_options"`, identifier("room_options").Sanitize())
	assert.Equal(t, `"harvest"."room_options"`, identifier("harvest.room_options").Sanitize())
	assert.Equal(t, `"id", "name"`, quoteAndJoin([]string{"id", "name"}))
}
