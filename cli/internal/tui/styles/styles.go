// ABOUTME: Shared lipgloss styles and the huh form theme for the login TUI
// ABOUTME: Defines colors and text styles used by every yandex-auth screen

package styles

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

var (
	// Colors
	Primary   = lipgloss.Color("#FC3F1D") // Yandex red
	Accent    = lipgloss.Color("#FFCC00") // Yellow for highlights
	Secondary = lipgloss.Color("#10B981") // Green
	Warning   = lipgloss.Color("#F59E0B") // Amber
	Danger    = lipgloss.Color("#EF4444") // Red
	Muted     = lipgloss.Color("#9CA3AF") // Gray
	Text      = lipgloss.Color("#F9FAFB") // Light
	Surface   = lipgloss.Color("#374151")

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Foreground(Muted)

	StatusOK = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	StatusWarning = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	StatusCritical = lipgloss.NewStyle().
			Foreground(Danger).
			Bold(true)

	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Muted).
		Padding(1, 2)

	// Link renders URLs the user has to open in a browser.
	Link = lipgloss.NewStyle().
		Foreground(Accent).
		Underline(true)

	Help = lipgloss.NewStyle().
		Foreground(Muted).
		MarginTop(1)

	KeyStyle = lipgloss.NewStyle().
			Foreground(Accent).
			Bold(true)

	ValueStyle = lipgloss.NewStyle().
			Foreground(Text).
			Bold(true)
)

// FormTheme returns the huh theme used for every login form.
func FormTheme() *huh.Theme {
	t := huh.ThemeBase()

	t.Group.Title = lipgloss.NewStyle().
		Foreground(Primary).
		Bold(true).
		MarginBottom(1)
	t.Group.Description = lipgloss.NewStyle().
		Foreground(Muted).
		MarginBottom(1)

	t.Focused.Base = lipgloss.NewStyle().
		PaddingLeft(1).
		BorderStyle(lipgloss.ThickBorder()).
		BorderLeft(true).
		BorderForeground(Primary)
	t.Focused.Title = lipgloss.NewStyle().
		Foreground(Accent).
		Bold(true)
	t.Focused.Description = lipgloss.NewStyle().
		Foreground(Muted)
	t.Focused.ErrorIndicator = lipgloss.NewStyle().
		Foreground(Danger).
		SetString(" *")
	t.Focused.ErrorMessage = lipgloss.NewStyle().
		Foreground(Danger)

	t.Focused.SelectSelector = lipgloss.NewStyle().
		Foreground(Primary).
		SetString("> ")
	t.Focused.Option = lipgloss.NewStyle().
		Foreground(Text)
	t.Focused.SelectedOption = lipgloss.NewStyle().
		Foreground(Primary).
		Bold(true)

	t.Focused.TextInput.Cursor = lipgloss.NewStyle().
		Foreground(Primary)
	t.Focused.TextInput.Placeholder = lipgloss.NewStyle().
		Foreground(Muted)
	t.Focused.TextInput.Prompt = lipgloss.NewStyle().
		Foreground(Primary)
	t.Focused.TextInput.Text = lipgloss.NewStyle().
		Foreground(Text)

	t.Focused.FocusedButton = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(Primary).
		Padding(0, 2).
		MarginRight(1)
	t.Focused.BlurredButton = lipgloss.NewStyle().
		Foreground(Muted).
		Background(Surface).
		Padding(0, 2).
		MarginRight(1)

	// Blurred fields reuse the focused styles with muted colors.
	t.Blurred = t.Focused
	t.Blurred.Base = lipgloss.NewStyle().
		PaddingLeft(1).
		BorderStyle(lipgloss.HiddenBorder()).
		BorderLeft(true)
	t.Blurred.Title = lipgloss.NewStyle().
		Foreground(Muted)
	t.Blurred.SelectSelector = lipgloss.NewStyle().
		Foreground(Muted).
		SetString("  ")
	t.Blurred.Option = lipgloss.NewStyle().
		Foreground(Muted)

	return t
}
