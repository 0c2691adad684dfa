package reindex

import (
	"fmt"
	"strings"
	"time"
)

// binary size units, matching the humanfriendly output of the original tool
var sizeUnits = []string{"KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes renders a byte count with binary units (e.g. "1.5 MiB").
func FormatBytes(n int64) string {
	if n < 0 {
		return "-" + FormatBytes(-n)
	}
	if n < 1024 {
		return fmt.Sprintf("%d bytes", n)
	}
	v := float64(n)
	unit := ""
	for _, u := range sizeUnits {
		v /= 1024
		unit = u
		if v < 1024 {
			break
		}
	}
	return fmt.Sprintf("%.2f %s", v, unit)
}

// BloatStats renders a before/after size comparison in the report format:
// "(1.5 MiB -> 1.0 MiB) := 50.00% | storage size usage reduced by 512 KiB to 66.67%".
func BloatStats(before, after int64) string {
	var bloat, usage float64
	if after != 0 {
		bloat = 100.0 * (float64(before)/float64(after) - 1.0)
	}
	usage = 100.0
	if before != 0 {
		usage = 100.0 * float64(after) / float64(before)
	}
	return fmt.Sprintf("(%s -> %s) := %5.2f%% | storage size usage reduced by %s to %5.2f%%",
		FormatBytes(before), FormatBytes(after), bloat, FormatBytes(before-after), usage)
}

// FormatDuration renders a duration as whole hours, minutes and seconds.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if s > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", s))
	}
	return strings.Join(parts, " ")
}
