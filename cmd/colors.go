package cmd

import (
	"strings"

	"github.com/fatih/color"
)

var (
	colorSuccess = color.New(color.FgGreen).SprintFunc()
	colorInfo    = color.New(color.FgCyan).SprintFunc()
	colorWarn    = color.New(color.FgYellow).SprintFunc()
	colorError   = color.New(color.FgRed).SprintFunc()
)

func formatStatusWithColor(status string) string {
	switch strings.ToLower(status) {
	case "ok", "completed", "secure":
		return colorSuccess(status)
	case "error", "failed", "critical", "high":
		return colorError(status)
	case "medium", "running", "queued":
		return colorWarn(status)
	default:
		return status
	}
}

// formatRating colors a letter grade the way the dashboard does.
func formatRating(rating string) string {
	switch rating {
	case "A":
		return colorSuccess(rating)
	case "B", "C":
		return colorWarn(rating)
	default:
		return colorError(rating)
	}
}
