package scan

import (
	"fmt"
	"time"
)

// SessionID names the artifacts of one run, e.g. "20250530_160320".
func SessionID(now time.Time) string {
	return now.Format("20060102_150405")
}

// FormatDuration renders d as HH:MM:SS, or as fractional seconds below one
// second. Hours are not wrapped at 24.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	total := int64(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
