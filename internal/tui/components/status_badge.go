// Package components renders the small pieces of CLI output: badges and the results table.
package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ridekit/testexec/internal/tui/theme"
)

// BadgeOpt configures optional rendering behavior for badges.
type BadgeOpt func(*badgeOptions)

type badgeOptions struct {
	showIcon bool
	bold     bool
}

type badgeVariant struct {
	icon  string
	label string
	color lipgloss.TerminalColor
}

var badgeVariants = map[string]badgeVariant{
	// test statuses
	"not_run": {icon: theme.IconPending, label: "NOT RUN", color: theme.GrayColor},
	"running": {icon: theme.IconRunning, label: "RUNNING", color: theme.AmberColor},
	"passed":  {icon: theme.IconPassed, label: "PASSED", color: theme.GreenColor},
	"failed":  {icon: theme.IconFailed, label: "FAILED", color: theme.RedColor},
	"skipped": {icon: theme.IconSkipped, label: "SKIPPED", color: theme.GrayColor},
	// run states
	"idle":     {icon: theme.IconPending, label: "IDLE", color: theme.GrayColor},
	"spawning": {icon: theme.IconRunning, label: "SPAWNING", color: theme.BlueColor},
	"paused":   {icon: theme.IconPaused, label: "PAUSED", color: theme.VioletColor},
	"stopping": {icon: theme.IconStopped, label: "STOPPING", color: theme.YellowColor},
	"done":     {icon: theme.IconPassed, label: "DONE", color: theme.SkyColor},
}

// WithBadgeIcon controls whether the icon is shown (default: true).
func WithBadgeIcon(show bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.showIcon = show
	}
}

// WithBadgeBold controls whether the badge text is bold (default: false).
func WithBadgeBold(bold bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.bold = bold
	}
}

// RenderStatusBadge renders `[icon] LABEL` for a test status or run state name.
// Names match case-insensitively; spaces count as underscores.
func RenderStatusBadge(status string, opts ...BadgeOpt) string {
	options := badgeOptions{showIcon: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	normalized := strings.ToLower(strings.TrimSpace(status))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	variant, ok := badgeVariants[normalized]
	if !ok {
		variant = badgeVariant{
			icon:  theme.IconAlert,
			label: strings.ToUpper(strings.TrimSpace(status)),
			color: theme.YellowColor,
		}
		if variant.label == "" {
			variant.label = "UNKNOWN"
		}
	}

	content := variant.label
	if options.showIcon {
		content = variant.icon + " " + variant.label
	}

	return lipgloss.NewStyle().
		Foreground(variant.color).
		Bold(options.bold).
		Render(content)
}
