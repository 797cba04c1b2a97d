package view

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/gallerydl/gdlsync/internal/job"
)

var statusColors = map[job.Status]lipgloss.Color{
	job.StatusQueued:    lipgloss.Color("#0d6efd"),
	job.StatusRunning:   lipgloss.Color("#fd7e14"),
	job.StatusSucceeded: lipgloss.Color("#198754"),
	job.StatusFailed:    lipgloss.Color("#dc3545"),
}

var statusIcons = map[job.Status]string{
	job.StatusQueued:    "○",
	job.StatusRunning:   "◐",
	job.StatusSucceeded: "●",
	job.StatusFailed:    "✗",
}

// Renderer draws projections and trigger slots as plain terminal text.
type Renderer struct {
	// NoColor disables all styling.
	NoColor bool
	// Width truncates rows. Zero means no limit.
	Width int
	// Location is used for timestamps. Nil means UTC.
	Location *time.Location
}

// Render returns the full screen for p followed by the slots.
func (r Renderer) Render(p Projection, slots []*Slot) string {
	var b strings.Builder

	header := fmt.Sprintf("Downloads (%s", p.Mode)
	if p.Mode == ModeThread && p.Origin != "" {
		header += ": " + p.Origin
	}
	header += ")"
	b.WriteString(r.style().Bold(true).Render(header))
	b.WriteString("\n")

	if p.Empty() {
		b.WriteString(r.style().Faint(true).Render("  no downloads"))
		b.WriteString("\n")
	}
	if len(p.Active) > 0 {
		b.WriteString(r.section("Active"))
		for _, j := range p.Active {
			b.WriteString(r.row(j, j.RequestedAt))
		}
	}
	if len(p.Recent) > 0 {
		b.WriteString(r.section("Recent"))
		for _, j := range p.Recent {
			b.WriteString(r.row(j, j.FinishedAt))
		}
	}

	if len(slots) > 0 {
		b.WriteString(r.section("Links"))
		for _, s := range slots {
			b.WriteString(r.slot(s))
		}
	}
	return b.String()
}

func (r Renderer) section(name string) string {
	return r.style().Underline(true).Render(name) + "\n"
}

func (r Renderer) row(j job.Record, at *time.Time) string {
	icon := statusIcons[j.Status]
	status := r.style().Foreground(statusColors[j.Status]).Render(fmt.Sprintf("%s %-9s", icon, j.Status))

	name := j.Title
	if name == "" {
		name = j.Label
	}
	if name == "" && len(j.URLs) > 0 {
		name = j.URLs[0]
	}
	if n := len(j.URLs); n > 1 {
		name += fmt.Sprintf(" (%d urls)", n)
	}

	line := "  " + status + " " + name
	if at != nil {
		line += r.style().Faint(true).Render("  " + r.stamp(*at))
	}
	if j.Status == job.StatusFailed && j.FailureReason != "" {
		line += "\n      " + r.style().Foreground(statusColors[job.StatusFailed]).Render(j.FailureReason)
	}
	return r.truncate(line) + "\n"
}

func (r Renderer) slot(s *Slot) string {
	v := s.Visual()
	st := r.style()
	if v.Color != "" {
		st = st.Foreground(lipgloss.Color(v.Color))
	}
	if !v.Enabled {
		st = st.Faint(true)
	}
	return r.truncate("  "+st.Render("["+v.Label+"]")+" "+s.Key()) + "\n"
}

func (r Renderer) stamp(t time.Time) string {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}

func (r Renderer) truncate(line string) string {
	if r.Width <= 0 || lipgloss.Width(line) <= r.Width {
		return line
	}
	return lipgloss.NewStyle().MaxWidth(r.Width).Render(line)
}

func (r Renderer) style() lipgloss.Style {
	if r.NoColor {
		return plain
	}
	return lipgloss.NewStyle()
}

// plain renders through a renderer bound to a non-terminal writer, which
// drops every escape sequence.
var plain = lipgloss.NewRenderer(io.Discard).NewStyle()
