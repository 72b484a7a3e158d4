package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rate-harvest/internal/sink"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the session store and sink tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		env := &appEnv{Store: st}
		env.onClose(func() { _ = st.Close() })
		defer env.Close()
		zap.L().Info("store migrated", zap.String("driver", cfg.Store.Driver))

		if cfg.Sink.Driver != "postgres" {
			return nil
		}
		pool, err := sinkPool(ctx, env)
		if err != nil {
			return err
		}
		if err := sink.NewPostgres(pool, cfg.Sink.Schema).Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate sink")
		}
		zap.L().Info("sink migrated", zap.String("schema", cfg.Sink.Schema))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
