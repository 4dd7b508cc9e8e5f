package model

import (
	"fmt"
	"strings"
	"time"
)

// SessionStats holds cumulative engine statistics, printed on shutdown.
type SessionStats struct {
	Duration   time.Duration
	TotalUp    uint64
	TotalDown  uint64
	TopProcess []ProcessCumulative // top 5 by total bytes
}

// ProcessCumulative tracks cumulative bytes for a single process registry.
type ProcessCumulative struct {
	PID       int32
	Name      string
	BytesUp   uint64
	BytesDown uint64
}

// Summary returns a formatted string for terminal display on exit.
func (s SessionStats) Summary() string {
	if s.TotalUp == 0 && s.TotalDown == 0 && len(s.TopProcess) == 0 {
		return ""
	}

	var b strings.Builder
	dur := s.Duration.Truncate(time.Second)
	b.WriteString(fmt.Sprintf("\nnetattrib session: %s\n", dur))
	b.WriteString(fmt.Sprintf("Total: up %s  down %s\n", fmtBytes(s.TotalUp), fmtBytes(s.TotalDown)))

	if len(s.TopProcess) > 0 {
		b.WriteString("Top processes:\n")
		for i, p := range s.TopProcess {
			if p.BytesUp == 0 && p.BytesDown == 0 {
				continue
			}
			b.WriteString(fmt.Sprintf("  %d. %-16s up %-10s down %s\n",
				i+1, p.Name, fmtBytes(p.BytesUp), fmtBytes(p.BytesDown)))
		}
	}
	return b.String()
}

func fmtBytes(b uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)
	switch {
	case b >= TB:
		return fmt.Sprintf("%.1f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
