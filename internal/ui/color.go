// Package ui provides terminal UI utilities for edgesync.
package ui

import (
	"github.com/fatih/color"

	"github.com/edgesync/edgesync/internal/conflict"
	"github.com/edgesync/edgesync/internal/model"
)

// Color function types for styled output.
var (
	// Success is used for successful operations (green).
	Success = color.New(color.FgGreen).SprintFunc()
	// Error is used for errors and failures (red).
	Error = color.New(color.FgRed).SprintFunc()
	// Warning is used for warnings and cautions (yellow).
	Warning = color.New(color.FgYellow).SprintFunc()
	// Info is used for informational messages (cyan).
	Info = color.New(color.FgCyan).SprintFunc()
	// Bold is used for emphasis (bold white).
	Bold = color.New(color.Bold).SprintFunc()
	// Dim is used for secondary information (faint).
	Dim = color.New(color.Faint).SprintFunc()
	// Header is used for table headers (bold cyan).
	Header = color.New(color.FgCyan, color.Bold).SprintFunc()
	// Critical is used for critical-severity conflicts (bold red).
	Critical = color.New(color.FgRed, color.Bold).SprintFunc()
)

// Status symbols with colors.
const (
	SymbolSuccess = "✓"
	SymbolError   = "✗"
	SymbolWarning = "⚠"
	SymbolSkipped = "-"
	SymbolPending = "○"
)

// StatusSuccess returns a green checkmark with optional message.
func StatusSuccess(msg string) string {
	if msg == "" {
		return Success(SymbolSuccess)
	}
	return Success(SymbolSuccess) + " " + msg
}

// StatusError returns a red X with optional message.
func StatusError(msg string) string {
	if msg == "" {
		return Error(SymbolError)
	}
	return Error(SymbolError) + " " + msg
}

// StatusWarning returns a yellow warning with optional message.
func StatusWarning(msg string) string {
	if msg == "" {
		return Warning(SymbolWarning)
	}
	return Warning(SymbolWarning) + " " + msg
}

// StatusPending returns a dimmed pending symbol with optional message.
func StatusPending(msg string) string {
	if msg == "" {
		return Dim(SymbolPending)
	}
	return Dim(SymbolPending) + " " + msg
}

// SeverityString colors a conflict severity for terminal display.
func SeverityString(s conflict.Severity) string {
	switch s {
	case conflict.SeverityCritical:
		return Critical(string(s))
	case conflict.SeverityHigh:
		return Error(string(s))
	case conflict.SeverityMedium:
		return Warning(string(s))
	default:
		return Dim(string(s))
	}
}

// PriorityString colors a queue priority for terminal display.
func PriorityString(p model.Priority) string {
	switch p {
	case model.PriorityHigh:
		return Error(string(p))
	case model.PriorityMedium:
		return Warning(string(p))
	default:
		return Dim(string(p))
	}
}

// DisableColors disables all color output.
// This is useful for piping output or for users who prefer no colors.
func DisableColors() {
	color.NoColor = true
}

// EnableColors enables color output.
func EnableColors() {
	color.NoColor = false
}

// IsColorEnabled returns whether colors are currently enabled.
func IsColorEnabled() bool {
	return !color.NoColor
}
