package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Re-run the pending, failed and exhausted tasks of a PARTIAL or FAILED session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		sess, err := env.Manager.Resume(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "resume")
		}
		formatSessionSummary(os.Stdout, sess)
		return sessionExitError(sess)
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
