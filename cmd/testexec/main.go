package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ridekit/testexec/internal/config"
	"github.com/ridekit/testexec/internal/logging"
	"github.com/ridekit/testexec/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

// exitCodeError carries the runner's exit code out of a finished run.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("run finished with exit code %d", e.code)
}

func main() {
	err := run(context.Background(), os.Args[1:])
	var exitErr *exitCodeError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		os.Exit(hostExitCode(exitErr.code))
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx, logging.WithLevel(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	telemetry.ServiceVersion = Version
	shutdown, err := telemetry.Init(ctx, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdown()

	logger.Logger.With("command", resolveCommandName(args), "args", strings.Join(redactArgs(args), " ")).Debug("invocation")

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "testexec",
		Short:         "Run Robot Framework tests under a live supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newRunCommand(cfg, logger),
		newComposeCommand(cfg),
		newBugreportCommand(cfg, logger),
		newDoctorCommand(cfg),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}

// hostExitCode maps supervisor sentinels onto process exit statuses.
func hostExitCode(code int) int {
	switch {
	case code == 0:
		return 0
	case code < 0:
		return 2
	case code > 250:
		return 250
	default:
		return code
	}
}

// resolveCommandName returns the first non-flag argument, or "root".
func resolveCommandName(args []string) string {
	for _, arg := range args {
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		return arg
	}
	return "root"
}

func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if key, _, found := strings.Cut(trimmed, "="); found && isSensitiveToken(strings.ToLower(key)) {
			redacted = append(redacted, key+"=<redacted>")
			continue
		}
		if isSensitiveToken(strings.ToLower(trimmed)) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

func isSensitiveToken(value string) bool {
	for _, candidate := range []string{"token", "password", "passwd", "secret", "api-key", "apikey", "auth", "bearer"} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}
