package binding

import (
	"fmt"

	"github.com/gallerydl/gdlsync/internal/job"
)

// Handle is the opaque identity of a host element, assigned by whatever
// discovers elements on the page. The registry never holds the element
// itself.
type Handle string

// Visual is the complete presentation of an action trigger. It is always
// applied as a whole.
type Visual struct {
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
	Color   string `json:"color"`
	Border  string `json:"border"`
}

// Trigger is an action button that can submit its key and mirrors the state
// of the associated job.
type Trigger interface {
	Handle() Handle
	Visual() Visual
	SetVisual(Visual)
}

// State names a trigger presentation.
type State string

const (
	StateDefault   State = "default"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSending   State = "sending"
	StateError     State = "error"
)

// StateFor maps a job status onto its trigger presentation.
func StateFor(s job.Status) State {
	switch s {
	case job.StatusQueued:
		return StateQueued
	case job.StatusRunning:
		return StateRunning
	case job.StatusSucceeded:
		return StateSucceeded
	case job.StatusFailed:
		return StateFailed
	}
	return StateDefault
}

const (
	colorGreen  = "#198754"
	colorOrange = "#fd7e14"
	colorRed    = "#dc3545"
	colorGrey   = "#6c757d"
)

var presentations = map[State]Visual{
	StateQueued:    {Label: "Queued ✓", Enabled: false, Color: colorGreen, Border: colorGreen},
	StateRunning:   {Label: "Downloading…", Enabled: false, Color: colorOrange, Border: colorOrange},
	StateSucceeded: {Label: "Downloaded ✓", Enabled: false, Color: colorGreen, Border: colorGreen},
	StateFailed:    {Label: "Failed ✗", Enabled: true, Color: colorRed, Border: colorRed},
	StateSending:   {Label: "Sending...", Enabled: false, Color: colorGrey, Border: colorGrey},
}

// DefaultVisual is the baseline of a freshly created send button.
var DefaultVisual = Visual{Label: "Send to Downloader", Enabled: true, Color: "#0d6efd", Border: "#0066ff"}

// Presentation returns the visual for state. StateDefault resolves to def,
// the trigger's captured baseline.
func Presentation(state State, def Visual) Visual {
	if v, ok := presentations[state]; ok {
		return v
	}
	return def
}

// ErrorVisual is shown after a failed submit. A zero code means the request
// never got a response.
func ErrorVisual(code int) Visual {
	label := "Network error"
	if code != 0 {
		label = fmt.Sprintf("Error %d", code)
	}
	return Visual{Label: label, Enabled: true, Color: colorRed, Border: colorRed}
}
