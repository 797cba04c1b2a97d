package binding

// EventKind says whether a host element appeared or went away.
type EventKind int

const (
	Added EventKind = iota
	Removed
)

func (k EventKind) String() string {
	if k == Removed {
		return "removed"
	}
	return "added"
}

// Event is a discovery notification from whatever watches the host page.
// Trigger is set for action buttons and nil for plain display elements.
type Event struct {
	Kind    EventKind
	Locator string
	Handle  Handle
	Origin  string
	Trigger Trigger
}
