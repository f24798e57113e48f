package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AlessandroAU/MISRC/capture-server/internal/capture"
)

type statusStyles struct {
	label lipgloss.Style
	good  lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
}

func newStatusStyles(color bool) statusStyles {
	if !color {
		plain := lipgloss.NewStyle()
		return statusStyles{label: plain, good: plain, warn: plain, bad: plain}
	}
	return statusStyles{
		label: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		good:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		bad:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
	}
}

// renderStatus builds the one-line periodic status summary.
func renderStatus(st capture.SessionStatus, s statusStyles) string {
	parts := make([]string, 0, 4)

	if st.Sync.Synced {
		parts = append(parts, s.label.Render("sync")+" "+s.good.Render(fmt.Sprintf("locked @%d", st.Sync.LastFrameCounter)))
	} else {
		parts = append(parts, s.label.Render("sync")+" "+s.bad.Render(fmt.Sprintf("searching (%d frames)", st.Sync.FramesWithoutSync)))
	}

	for _, str := range st.Streams {
		fill := 0
		if str.Capacity > 0 {
			fill = str.Used * 100 / str.Capacity
		}
		style := s.good
		switch {
		case fill >= 90:
			style = s.bad
		case fill >= 50:
			style = s.warn
		}
		parts = append(parts, fmt.Sprintf("%s %s %s",
			s.label.Render(str.Name),
			formatBytes(uint64(str.Drained)),
			style.Render(fmt.Sprintf("buf %d%%", fill))))
	}

	for i, name := range []string{"rf", "audio"} {
		if rate := st.Sync.SampleRates[i]; rate != 0 {
			parts = append(parts, fmt.Sprintf("%s %s", s.label.Render(name+" rate"), formatRate(rate)))
		}
	}

	if len(st.Streams) > 1 {
		if st.Sync.AudioAligned {
			parts = append(parts, s.good.Render("audio aligned"))
		} else {
			parts = append(parts, s.warn.Render("audio waiting"))
		}
	}
	return strings.Join(parts, " | ")
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatRate(hz uint32) string {
	switch {
	case hz >= 1_000_000:
		return fmt.Sprintf("%.3f MHz", float64(hz)/1e6)
	case hz >= 1_000:
		return fmt.Sprintf("%.3f kHz", float64(hz)/1e3)
	default:
		return fmt.Sprintf("%d Hz", hz)
	}
}
