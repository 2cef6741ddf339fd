// Package cli builds the txctl command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimburion/txrunner/pkg/config"
	"github.com/nimburion/txrunner/pkg/health"
	"github.com/nimburion/txrunner/pkg/observability/logger"
	"github.com/nimburion/txrunner/pkg/resilience"
	"github.com/nimburion/txrunner/pkg/store"
	"github.com/nimburion/txrunner/pkg/transaction"
	"github.com/nimburion/txrunner/pkg/version"
)

// Options configures the root command.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string
}

// NewRootCommand creates the txctl CLI.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "txctl"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath, secretFilePath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", "path to secrets file (sets "+resolveEnvPrefix(opts.EnvPrefix)+"_SECRETS_FILE)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	env := &environment{
		name: opts.Name,
		load: func(cmd *cobra.Command) (*config.Config, logger.Logger, func(), error) {
			return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, secretFilePath, cmd.Flags(), cmd.ErrOrStderr())
		},
	}

	rootCmd.AddCommand(
		newExecCommand(env),
		newMigrateCommand(env),
		newHealthcheckCommand(env),
		newConfigCommand(&cfgPath, &secretFilePath, opts.EnvPrefix),
		newVersionCommand(opts.Name),
	)
	return rootCmd
}

type environment struct {
	name string
	load func(cmd *cobra.Command) (*config.Config, logger.Logger, func(), error)
}

func newHealthcheckCommand(env *environment) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the configured database and its transaction path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			runner, err := backend.NewRunner(
				transaction.WithAttribute(transaction.NewDefaultAttribute(transaction.Definition{Name: "healthcheck"})),
				transaction.WithLogger(log),
			)
			if err != nil {
				return err
			}

			reg := health.NewRegistry()
			reg.Register(health.NewAdapterChecker("database", backend, timeout))
			reg.Register(health.NewTransactionChecker("transaction", runner, nil, timeout))
			if cb := backend.Breaker(); cb != nil {
				reg.Register(health.NewCustomChecker("circuit_breaker", func(context.Context) (health.Status, string, error) {
					switch state := cb.GetState(); state {
					case resilience.StateOpen:
						return health.StatusUnhealthy, state.String(), nil
					case resilience.StateHalfOpen:
						return health.StatusDegraded, state.String(), nil
					default:
						return health.StatusHealthy, state.String(), nil
					}
				}))
			}

			res := reg.Check(cmd.Context())
			out := cmd.OutOrStdout()
			for _, check := range res.Checks {
				detail := check.Message
				if check.Error != "" {
					detail = check.Error
				}
				fmt.Fprintf(out, "%-16s %-10s %s\n", check.Name, check.Status, detail)
			}
			fmt.Fprintf(out, "status: %s\n", res.Status)
			if !res.IsHealthy() {
				return fmt.Errorf("%s is %s", backend.Type, res.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "timeout for each check")
	return cmd
}

func newConfigCommand(cfgPath, secretFilePath *string, envPrefix string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applySecretFileFlag(envPrefix, *secretFilePath); err != nil {
				return err
			}
			cfg, secrets, err := config.NewViperLoader(*cfgPath, envPrefix).WithFlags(cmd.Flags()).LoadWithSecrets()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.Redacted(secrets))
			return nil
		},
	})
	return configCmd
}

func newVersionCommand(name string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			if ts, ok := info.Built(); ok {
				fmt.Fprintf(out, "Build Time: %s\n", ts.Format(time.RFC1123))
			} else {
				fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			}
		},
	}
}

// LoadConfigAndLogger loads configuration and builds the logger it describes. Logs go to
// logOut. The returned function flushes and stops the logger.
func LoadConfigAndLogger(
	cfgPath,
	envPrefix,
	secretFilePath string,
	flags *pflag.FlagSet,
	logOut io.Writer,
) (*config.Config, logger.Logger, func(), error) {
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, nil, err
	}
	cfg, _, err := config.NewViperLoader(cfgPath, envPrefix).WithFlags(flags).LoadWithSecrets()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	// validated by the loader
	level, _ := logger.ParseLogLevel(cfg.Observability.LogLevel)
	format, _ := logger.ParseLogFormat(cfg.Observability.LogFormat)
	zl, err := logger.NewZapLogger(logger.Config{Level: level, Format: format, Output: logOut})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create logger: %w", err)
	}

	async := cfg.Observability.AsyncLogging
	log := logger.WrapAsync(zl.With("service", cfg.Service.Name), logger.AsyncConfig{
		Enabled:      async.Enabled,
		QueueSize:    async.QueueSize,
		WorkerCount:  async.WorkerCount,
		DropWhenFull: async.DropWhenFull,
	})

	closeLog := func() {
		if al, ok := log.(*logger.AsyncLogger); ok {
			al.Close()
			if dropped := al.Dropped(); dropped > 0 {
				zl.Warn("async logger dropped entries", "dropped", dropped)
			}
		}
		_ = zl.Sync()
	}

	if level == logger.DebugLevel {
		log.Debug("effective configuration", "config", cfg.String())
	}
	return cfg, log, closeLog, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return config.DefaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

// Execute runs the command and exits with a non-zero code on failure.
func Execute(ctx context.Context, cmd *cobra.Command) {
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
