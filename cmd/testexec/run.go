package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ridekit/testexec/internal/config"
	"github.com/ridekit/testexec/internal/metrics"
	"github.com/ridekit/testexec/internal/state"
	"github.com/ridekit/testexec/internal/supervisor"
	"github.com/ridekit/testexec/internal/tui/components"
	"github.com/ridekit/testexec/internal/tui/theme"
)

var isTerminalFn = func(fd int) bool {
	return term.IsTerminal(fd)
}

type runFlags struct {
	selection   selectionFlags
	interactive bool
	noColor     bool
	quiet       bool
}

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [flags] [-- runner-args...]",
		Short: "Run the selected tests and report results as they finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCfg, err := flags.selection.runConfig(cmd, args)
			if err != nil {
				return err
			}
			color := !flags.noColor && isTerminalFn(int(os.Stdout.Fd()))
			runCfg.RenderANSI = runCfg.RenderANSI || color

			ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stopSignals()

			opts := supervisor.OptionsFromConfig(*cfg, logger)
			opts.Metrics = metrics.New()
			if cfg.MetricsAddr != "" {
				server, err := metrics.Listen(cfg.MetricsAddr, opts.Metrics.Handler(), logger)
				if err != nil {
					return err
				}
				go func() {
					if err := server.Serve(ctx); err != nil {
						logger.With("error", err).Warn("metrics server stopped")
					}
				}()
			}

			sup := supervisor.New(opts)
			defer func() { _ = sup.Close() }()

			session := &runSession{
				sup:    sup,
				stdout: &lockedWriter{w: cmd.OutOrStdout()},
				stderr: &lockedWriter{w: cmd.ErrOrStderr()},
				color:  color,
				quiet:  flags.quiet,
			}
			session.subscribe()

			if err := sup.Start(ctx, runCfg); err != nil {
				return err
			}

			finished := make(chan struct{})
			defer close(finished)
			go func() {
				select {
				case <-ctx.Done():
					session.stderr.printf("%s\n", theme.WarningStyle.Render("interrupt received; stopping run"))
					_ = sup.Stop()
				case <-finished:
				}
			}()
			if flags.interactive {
				startKeyConsumer(ctx, sup, cmd.InOrStdin(), session.stderr, runCfg.PauseOnFailure)
			}

			result, err := sup.Wait(context.WithoutCancel(ctx))
			if err != nil {
				return err
			}
			// Close flushes pending callbacks before the summary is printed.
			_ = sup.Close()

			if err := saveLastOutput(sup.Output()); err != nil {
				logger.With("error", err).Warn("could not save runner output")
			}
			session.summarize(result)
			if result.ExitCode != 0 {
				return &exitCodeError{code: result.ExitCode}
			}
			return nil
		},
	}

	flags.selection.register(cmd)
	cmd.Flags().BoolVar(&flags.interactive, "interactive", false, "read pause/step/stop commands from stdin")
	cmd.Flags().BoolVar(&flags.noColor, "no-color", false, "disable colour in runner and summary output")
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "hide runner output and show only status lines")
	return cmd
}

// runSession prints one run's callbacks to the terminal.
type runSession struct {
	sup    *supervisor.Supervisor
	stdout *lockedWriter
	stderr *lockedWriter
	color  bool
	quiet  bool
}

func (s *runSession) subscribe() {
	if !s.quiet {
		s.sup.SubscribeRawOutput(func(chunk []byte) {
			_, _ = s.stdout.Write(chunk)
		})
	}
	s.sup.Subscribe(func(change supervisor.StatusChange) {
		if !change.Status.Terminal() {
			return
		}
		s.stderr.printf("%s %s\n", s.badge(change.Status.String()), change.ID)
	})
	s.sup.SubscribeState(func(tr state.Transition) {
		switch tr.To {
		case state.Paused, state.Stopping:
			s.stderr.printf("%s %s\n", s.badge(string(tr.To)), tr.Reason)
		}
	})
}

func (s *runSession) badge(status string) string {
	if !s.color {
		return "[" + status + "]"
	}
	return components.RenderStatusBadge(status, components.WithBadgeBold(true))
}

func (s *runSession) summarize(result supervisor.Result) {
	out := io.Writer(s.stdout)
	fmt.Fprintln(out)
	components.RenderResultsTable(out, result.Tests, components.WithTableColor(s.color))
	line := components.SummaryLine(result.Counts(), result.ExitCode, s.color)
	if s.color {
		line = theme.SummaryBorder.Render(line)
	}
	fmt.Fprintln(out, line)
	if len(result.Artifacts) > 0 {
		fmt.Fprintln(out, "Output files:")
		for _, artifact := range result.Artifacts {
			fmt.Fprintf(out, "  %-12s %s\n", artifact.Kind, artifact.Path)
		}
	}
}
