// Package migrate applies versioned SQL migrations, each inside its own transaction.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nimburion/txrunner/pkg/observability/logger"
)

const (
	defaultSubcommand = "up"
	defaultSteps      = 1
	defaultTimeout    = 60 * time.Second
)

// PendingMigration contains an unapplied migration entry for status output.
type PendingMigration struct {
	Version int64
	Name    string
}

// Status lists applied versions in ascending order and the migrations not yet applied.
type Status struct {
	AppliedVersions []int64
	Pending         []PendingMigration
}

// Options configures a migrate command run.
type Options struct {
	Path    string
	Timeout time.Duration
	Logger  logger.Logger
	Out     io.Writer
}

// Run executes a parsed subcommand against m.
func Run(ctx context.Context, m *Manager, subcommand string, steps int, opts Options) error {
	if m == nil {
		return errors.New("migration manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch subcommand {
	case "up":
		applied, err := m.Up(ctx)
		opts.Logger.Info("migrations applied", "count", applied, "path", opts.Path)
		fmt.Fprintf(opts.Out, "applied %d migration(s)\n", applied)
		return err
	case "down":
		if steps <= 0 {
			return errors.New("steps must be greater than zero")
		}
		reverted, err := m.Down(ctx, steps)
		opts.Logger.Info("migrations reverted", "count", reverted, "steps", steps, "path", opts.Path)
		fmt.Fprintf(opts.Out, "reverted %d migration(s)\n", reverted)
		return err
	case "status":
		status, err := m.Status(ctx)
		if err != nil {
			return err
		}
		for _, version := range status.AppliedVersions {
			fmt.Fprintf(opts.Out, "applied  %d\n", version)
		}
		for _, pending := range status.Pending {
			fmt.Fprintf(opts.Out, "pending  %d_%s\n", pending.Version, pending.Name)
		}
		return nil
	default:
		return fmt.Errorf("unknown migrate subcommand %q (want up, down or status)", subcommand)
	}
}

// ParseArgs parses [up|down|status] [steps], defaulting to "up".
func ParseArgs(args []string) (string, int, error) {
	subcommand := defaultSubcommand
	if len(args) > 0 {
		subcommand = args[0]
	}

	steps := defaultSteps
	if len(args) > 1 {
		parsed, err := strconv.Atoi(args[1])
		if err != nil {
			return "", 0, fmt.Errorf("invalid down steps %q", args[1])
		}
		steps = parsed
	}

	return subcommand, steps, nil
}
