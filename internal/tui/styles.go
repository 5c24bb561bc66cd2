package tui

import "github.com/charmbracelet/lipgloss"

const spriteIcon = "✻"

var (
	// Claude brand colors
	claudeOrange  = lipgloss.Color("#d97757") // Primary accent
	claudeBlue    = lipgloss.Color("#6a9bcc") // Secondary accent
	claudeGreen   = lipgloss.Color("#788c5d") // Tertiary accent
	claudeMidGray = lipgloss.Color("#b0aea5") // Secondary elements

	// Mapped colors for TUI
	accentColor  = claudeBlue
	successColor = claudeGreen
	errorColor   = lipgloss.Color("#c45c4a") // Darker orange-red for errors
	warningColor = claudeOrange
	dimTextColor = claudeMidGray

	logoStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	// Status indicators
	statusOK = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	statusFail = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	statusRunning = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	// Log levels
	levelDebugStyle = lipgloss.NewStyle().Foreground(dimTextColor)
	levelWarnStyle  = lipgloss.NewStyle().Foreground(warningColor)
	levelErrorStyle = lipgloss.NewStyle().Foreground(errorColor)

	timestampStyle = lipgloss.NewStyle().
			Foreground(dimTextColor)

	// Help
	helpKeyStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(dimTextColor)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(dimTextColor).
			Italic(true)

	dividerStyle = lipgloss.NewStyle().
			Foreground(dimTextColor)
)
