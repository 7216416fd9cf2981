package realtime

import (
	"fmt"
	"time"
)

// FormatWait renders a waiting time as "<m> min" under an hour and
// "<h>h<mm>" from an hour on. Negative durations render as "0 min".
func FormatWait(d time.Duration) string {
	minutes := int(d / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	return fmt.Sprintf("%dh%02d", minutes/60, minutes%60)
}
