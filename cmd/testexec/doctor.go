package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ridekit/testexec/internal/config"
	"github.com/ridekit/testexec/internal/doctor"
	"github.com/ridekit/testexec/internal/tui/theme"
)

var errUnhealthy = errors.New("doctor found problems")

func newDoctorCommand(cfg *config.Config) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the runner, listener agent and loopback networking are usable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, err := doctor.NewManager(cfg, "")
			if err != nil {
				return err
			}
			report, err := manager.RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(report); err != nil {
					return fmt.Errorf("encode report: %w", err)
				}
			} else {
				color := isTerminalFn(int(os.Stdout.Fd()))
				for _, check := range report.Checks {
					fmt.Fprintf(out, "%s %-18s %s\n", checkMark(check.Status, color), check.Name, check.Detail)
				}
			}
			if !report.Healthy() {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func checkMark(status doctor.Status, color bool) string {
	var (
		mark  string
		style lipgloss.Style
	)
	switch status {
	case doctor.StatusOK:
		mark, style = theme.IconPassed, theme.SuccessStyle
	case doctor.StatusWarn:
		mark, style = theme.IconAlert, theme.WarningStyle
	default:
		mark, style = theme.IconFailed, theme.ErrorStyle
	}
	if !color {
		return mark
	}
	return style.Render(mark)
}
