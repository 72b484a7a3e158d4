package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rate-harvest/internal/model"
)

func TestFormatSessionsList(t *testing.T) {
	created := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	archived := created.Add(5 * time.Minute)
	sessions := []model.Session{
		{ID: "s-1", TripID: "T1", Site: model.SiteVAX, Status: model.SessionCompleted, CreatedAt: created, ArchivedAt: &archived,
			Counters: model.Counters{HotelsFound: 12, RoomsExtracted: 40, Errors: 1}},
		{ID: "s-2", TripID: "T2", Site: model.SiteNavitrip, Status: model.SessionPartial, CreatedAt: created},
	}

	var buf bytes.Buffer
	formatSessionsList(&buf, sessions)
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "STATUS")
	assert.Contains(t, lines[1], "s-1")
	assert.Contains(t, lines[1], "completed")
	assert.Contains(t, lines[1], "2026-10-01 12:05:00")
	assert.Contains(t, lines[2], "partial")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "-"))
}

func TestFormatSessionSummary(t *testing.T) {
	sess := &model.Session{
		ID:       "s-1",
		Status:   model.SessionPartial,
		Counters: model.Counters{HotelsFound: 9, RoomsExtracted: 10, Attempts: 12, Errors: 2},
		Tasks: []model.Task{
			{Status: model.TaskSucceeded},
			{Status: model.TaskSucceeded},
			{Status: model.TaskExhausted},
			{Status: model.TaskPending},
		},
	}

	var buf bytes.Buffer
	formatSessionSummary(&buf, sess)
	out := buf.String()

	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "2 succeeded, 1 exhausted, 0 failed, 1 pending")
	assert.Contains(t, out, "Hotels found:")
}

func TestFormatRecordErrors(t *testing.T) {
	var buf bytes.Buffer
	formatRecordErrors(&buf, []model.RecordError{
		{Code: model.CodeNegativePrice, RecordKey: "vax:H1", TaskID: "t-1", Message: strings.Repeat("x", 120)},
	})
	out := buf.String()
	assert.Contains(t, out, "vax:H1")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, strings.Repeat("x", 100))
}

func TestTruncateMsg(t *testing.T) {
	assert.Equal(t, "short", truncateMsg("short", 10))
	assert.Equal(t, "abcdefg...", truncateMsg("abcdefghijklmnop", 10))
}

func TestListFilterFromFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "list"}
	cmd.Flags().String("status", "", "")
	cmd.Flags().String("site", "", "")
	cmd.Flags().String("trip", "", "")
	cmd.Flags().Bool("active", false, "")
	cmd.Flags().Duration("since", 0, "")
	cmd.Flags().Int("limit", 50, "")
	require.NoError(t, cmd.Flags().Parse([]string{"--status", "partial", "--site", "delta", "--trip", "T9", "--active", "--since", "24h"}))

	filter, err := listFilterFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPartial, filter.Status)
	assert.Equal(t, model.SiteTrisept, filter.Site)
	assert.Equal(t, "T9", filter.TripID)
	assert.True(t, filter.ActiveOnly)
	assert.Equal(t, 50, filter.Limit)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), filter.CreatedAfter, time.Minute)

	require.NoError(t, cmd.Flags().Set("site", "nowhere"))
	_, err = listFilterFromFlags(cmd)
	assert.Error(t, err)
}
