// Package theme holds the terminal palette shared by the CLI renderers.
package theme

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	Amber   = "#FF9966"
	Blue    = "#9999CC"
	Red     = "#FF3333"
	Yellow  = "#FFCC00"
	Green   = "#33FF33"
	Gray    = "#52526A"
	White   = "#F5F6FA"
	Violet  = "#9966FF"
	SkyBlue = "#99CCFF"
)

const (
	IconPassed  = "✓"
	IconRunning = "●"
	IconPaused  = "⏸"
	IconSkipped = "⊘"
	IconFailed  = "✗"
	IconAlert   = "⚠"
	IconPending = "○"
	IconStopped = "■"
)

var (
	AmberColor  = profileColor(Amber, "209", "11")
	BlueColor   = profileColor(Blue, "146", "12")
	RedColor    = profileColor(Red, "203", "9")
	YellowColor = profileColor(Yellow, "220", "11")
	GreenColor  = profileColor(Green, "46", "10")
	GrayColor   = profileColor(Gray, "60", "8")
	WhiteColor  = profileColor(White, "255", "15")
	VioletColor = profileColor(Violet, "99", "5")
	SkyColor    = profileColor(SkyBlue, "153", "14")
)

var (
	ActiveStyle  = lipgloss.NewStyle().Foreground(AmberColor).Bold(true)
	SuccessStyle = lipgloss.NewStyle().Foreground(GreenColor).Bold(true)
	ErrorStyle   = lipgloss.NewStyle().Foreground(RedColor).Bold(true)
	WarningStyle = lipgloss.NewStyle().Foreground(YellowColor).Bold(true)
	InfoStyle    = lipgloss.NewStyle().Foreground(BlueColor)
	MutedStyle   = lipgloss.NewStyle().Foreground(GrayColor)
	KeyStyle     = lipgloss.NewStyle().Foreground(VioletColor).Bold(true)
)

// SummaryBorder frames the end-of-run summary line.
var SummaryBorder = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(GrayColor).
	Padding(0, 1)

var colorProfileFn = lipgloss.ColorProfile

func profileColor(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.ANSI256, termenv.ANSI:
		complete := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
		return lipgloss.CompleteAdaptiveColor{Light: complete, Dark: complete}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}
