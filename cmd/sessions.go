package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and control extraction sessions",
}

// -- sessions list --

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extraction sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := listFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		sessions, err := st.ListSessions(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "sessions list")
		}

		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}

		formatSessionsList(os.Stdout, sessions)
		return nil
	},
}

// -- sessions show --

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session with its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sess, err := st.GetSession(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sessions show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

// -- sessions errors --

var sessionsErrorsCmd = &cobra.Command{
	Use:   "errors <session-id>",
	Short: "List record-level errors of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		errs, err := st.ListRecordErrors(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "sessions errors")
		}
		if len(errs) == 0 {
			fmt.Fprintln(os.Stderr, "No record errors.")
			return nil
		}

		formatRecordErrors(os.Stdout, errs)
		return nil
	},
}

// -- sessions cancel --

var sessionsCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Stop scheduling new tasks for a session",
	Long:  "Marks the session cancelled. A run in another process notices within session.cancel_poll_secs, lets in-flight tasks finish and ends PARTIAL.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		sess, err := env.Manager.Cancel(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sessions cancel")
		}
		fmt.Fprintf(os.Stdout, "Session %s cancel requested (status %s)\n", sess.ID, sess.Status)
		return nil
	},
}

func listFilterFromFlags(cmd *cobra.Command) (store.SessionFilter, error) {
	status, _ := cmd.Flags().GetString("status")
	siteName, _ := cmd.Flags().GetString("site")
	trip, _ := cmd.Flags().GetString("trip")
	active, _ := cmd.Flags().GetBool("active")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := store.SessionFilter{
		Status:     model.SessionStatus(status),
		TripID:     trip,
		ActiveOnly: active,
		Limit:      limit,
	}
	if siteName != "" {
		site, err := model.ParseSite(siteName)
		if err != nil {
			return filter, err
		}
		filter.Site = site
	}
	if since > 0 {
		filter.CreatedAfter = time.Now().Add(-since)
	}
	return filter, nil
}

func init() {
	sessionsListCmd.Flags().String("status", "", "filter by status (created, running, completed, partial, failed)")
	sessionsListCmd.Flags().String("site", "", "filter by site")
	sessionsListCmd.Flags().String("trip", "", "filter by trip id")
	sessionsListCmd.Flags().Bool("active", false, "exclude archived sessions")
	sessionsListCmd.Flags().Duration("since", 0, "only sessions created within this window (e.g. 24h)")
	sessionsListCmd.Flags().Int("limit", 50, "max number of sessions to display")

	sessionsErrorsCmd.Flags().Int("limit", 100, "max number of errors to display")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsErrorsCmd)
	sessionsCmd.AddCommand(sessionsCancelCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// formatSessionsList writes a tabular list of sessions to w.
func formatSessionsList(out io.Writer, sessions []model.Session) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTRIP\tSITE\tSTATUS\tHOTELS\tROOMS\tERRORS\tCREATED\tARCHIVED")
	for _, s := range sessions {
		archived := "-"
		if s.ArchivedAt != nil {
			archived = s.ArchivedAt.Format(time.DateTime)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			s.ID, s.TripID, s.Site, s.Status,
			s.Counters.HotelsFound, s.Counters.RoomsExtracted, s.Counters.Errors,
			s.CreatedAt.Format(time.DateTime), archived,
		)
	}
	_ = w.Flush()
}

// formatSessionSummary writes the outcome of one run to w.
func formatSessionSummary(out io.Writer, sess *model.Session) {
	counts := make(map[model.TaskStatus]int)
	for _, t := range sess.Tasks {
		counts[t.Status]++
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Session:\t%s\n", sess.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", sess.Status)
	_, _ = fmt.Fprintf(w, "Hotels found:\t%d\n", sess.Counters.HotelsFound)
	_, _ = fmt.Fprintf(w, "Rooms extracted:\t%d\n", sess.Counters.RoomsExtracted)
	_, _ = fmt.Fprintf(w, "Attempts:\t%d\n", sess.Counters.Attempts)
	_, _ = fmt.Fprintf(w, "Errors:\t%d\n", sess.Counters.Errors)
	_, _ = fmt.Fprintf(w, "Tasks:\t%d succeeded, %d exhausted, %d failed, %d pending\n",
		counts[model.TaskSucceeded], counts[model.TaskExhausted], counts[model.TaskFailed], counts[model.TaskPending])
	_ = w.Flush()
}

// formatRecordErrors writes a tabular list of record errors to w.
func formatRecordErrors(out io.Writer, errs []model.RecordError) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tRECORD\tTASK\tMESSAGE\tCREATED")
	for _, e := range errs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Code, e.RecordKey, e.TaskID, truncateMsg(e.Message, 80), e.CreatedAt.Format(time.DateTime))
	}
	_ = w.Flush()
}

func truncateMsg(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
