// Package ui renders CLI output with ANSI colors when the terminal allows it.
package ui

import "fmt"

// ANSI 256-color codes.
const (
	colorAccent = 74  // blue
	colorCmd    = 250 // light gray
	colorMuted  = 245 // medium gray
	colorOK     = 114 // green
	colorWarn   = 179 // amber
	colorError  = 167 // red
)

var noColor bool

func paint(code int, s string) string {
	if noColor || s == "" {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent highlights identifiers such as stream ids and addresses.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted dims secondary detail such as timestamps.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderCommand styles event cases and command names.
func RenderCommand(s string) string { return paint(colorCmd, s) }

// RenderError styles failures.
func RenderError(s string) string { return paint(colorError, s) }

// RenderSyncOp colors a sync op name by what it means for the reader:
// updates stand out, closes and stream outages warn.
func RenderSyncOp(op string) string {
	switch op {
	case "SYNC_UPDATE":
		return paint(colorOK, op)
	case "SYNC_DOWN", "SYNC_CLOSE":
		return paint(colorWarn, op)
	case "SYNC_NEW", "SYNC_PONG":
		return paint(colorAccent, op)
	default:
		return paint(colorMuted, op)
	}
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
