package domain

import (
	"fmt"
	"math"
	"time"
)

const UnknownTimeRemaining = "unknown"

// FormatTimeRemaining renders an ETA using the largest two units that fit:
// "45s", "2m 5s", "3h 4m", "2d 5h". Zero, negative or overflowing durations
// are "unknown".
func FormatTimeRemaining(d time.Duration) string {
	if d <= 0 || d == math.MaxInt64 {
		return UnknownTimeRemaining
	}
	seconds := int64(d / time.Second)
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes := seconds / 60
	seconds %= 60
	if minutes < 60 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := minutes / 60
	minutes %= 60
	if hours < 24 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	days := hours / 24
	hours %= 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
