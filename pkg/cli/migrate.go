package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/txrunner/pkg/migrate"
	"github.com/nimburion/txrunner/pkg/observability/metrics"
	"github.com/nimburion/txrunner/pkg/store"
	"github.com/nimburion/txrunner/pkg/transaction"
)

func newMigrateCommand(env *environment) *cobra.Command {
	var (
		path    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "migrate [up|down|status] [steps]",
		Short: "Apply or revert SQL migrations, one transaction per migration",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subcommand, steps, err := migrate.ParseArgs(args)
			if err != nil {
				return err
			}

			cfg, log, closeLog, err := env.load(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			if cfg.Database.Type == "" {
				return fmt.Errorf("database.type is not configured")
			}
			backend, err := store.NewBackend(cmd.Context(), cfg.Database, log)
			if err != nil {
				return err
			}
			defer backend.Close()

			db, ok := backend.SQL()
			if !ok {
				return fmt.Errorf("migrate is not supported for database.type %q", backend.Type)
			}

			var runnerOpts []transaction.Option
			var registry *metrics.Registry
			if cfg.Observability.MetricsEnabled {
				registry = metrics.NewRegistry(metricsNamespace)
				runnerOpts = append(runnerOpts, transaction.WithObserver(registry.Transactions()))
			}

			m, err := migrate.NewManager(db, os.DirFS(path), ".",
				migrate.WithLogger(log),
				migrate.WithRunnerOptions(runnerOpts...),
			)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			runErr := migrate.Run(cmd.Context(), m, subcommand, steps, migrate.Options{
				Path:    path,
				Timeout: timeout,
				Logger:  log,
				Out:     out,
			})
			if registry != nil {
				if err := registry.WriteText(out, metricsNamespace+"_"); err != nil {
					log.Warn("failed to write metrics", "error", err)
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&path, "path", "migrations", "directory containing <version>_<name>.(up|down).sql files")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline for the migrate run")
	return cmd
}
