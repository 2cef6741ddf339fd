package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/txrunner/pkg/config"
	"github.com/nimburion/txrunner/pkg/observability/metrics"
	"github.com/nimburion/txrunner/pkg/observability/tracing"
	"github.com/nimburion/txrunner/pkg/store"
	"github.com/nimburion/txrunner/pkg/transaction"
	"github.com/nimburion/txrunner/pkg/version"
)

const metricsNamespace = "txrunner"

func newExecCommand(env *environment) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "exec <script.yaml>",
		Short: "Run a batch script in one transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closeLog, err := env.load(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			script, err := LoadScript(args[0])
			if err != nil {
				return err
			}
			if script.MinVersion != "" {
				ok, err := version.Current(env.name).Satisfies(script.MinVersion)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("script requires %s %s or newer", env.name, script.MinVersion)
				}
			}
			if cfg.Database.Type == "" {
				return fmt.Errorf("database.type is not configured")
			}

			def, err := cfg.Definition()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			backend, err := store.NewBackend(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			defer backend.Close()

			opts := []transaction.Option{
				transaction.WithAttribute(script.Attribute(def)),
				transaction.WithLogger(log),
			}

			var registry *metrics.Registry
			if cfg.Observability.MetricsEnabled {
				registry = metrics.NewRegistry(metricsNamespace)
				opts = append(opts, transaction.WithObserver(registry.Transactions()))
			}

			if cfg.Observability.TracingEnabled {
				tp, err := newTracerProvider(ctx, cfg)
				if err != nil {
					return err
				}
				defer func() {
					if err := tp.Shutdown(context.Background()); err != nil {
						log.Warn("tracer shutdown failed", "error", err)
					}
				}()
				opts = append(opts, transaction.WithObserver(tp.Observer(tracing.WithDBSystem(backend.Type))))
			}

			runner, err := backend.NewRunner(opts...)
			if err != nil {
				return err
			}

			start := time.Now()
			res, runErr := script.Run(ctx, runner, backend, dryRun)
			log.Info("script finished",
				"script", args[0],
				"state", res.State.String(),
				"duration", time.Since(start),
				"failure", transaction.Classify(runErr).String(),
			)

			out := cmd.OutOrStdout()
			res.Print(out, script)
			if registry != nil {
				if err := registry.WriteText(out, metricsNamespace+"_"); err != nil {
					log.Warn("failed to write metrics", "error", err)
				}
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&dryRun, "rollback", false, "roll back after all statements succeed")
	return cmd
}

func newTracerProvider(ctx context.Context, cfg *config.Config) (*tracing.TracerProvider, error) {
	return tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        true,
	})
}
