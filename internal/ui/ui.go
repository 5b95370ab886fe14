// Package ui holds the terminal styling shared by the CLI commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// Pass renders success output.
func Pass(s string) string { return passStyle.Render(s) }

// Warn renders warning output.
func Warn(s string) string { return warnStyle.Render(s) }

// Err renders error output.
func Err(s string) string { return errStyle.Render(s) }

// Accent renders highlighted values such as identifiers and counts.
func Accent(s string) string { return accentStyle.Render(s) }

// Faint renders de-emphasized detail lines.
func Faint(s string) string { return faintStyle.Render(s) }

// Header renders section headings.
func Header(s string) string { return headerStyle.Render(s) }
