package api

import (
	"encoding/json"
	"sync"

	"github.com/gallerydl/gdlsync/internal/binding"
)

// Event represents a Server-Sent Events frame.
type Event struct {
	Event string // "jobs", "key", "trigger"
	Data  string // JSON string
}

// Hub fans trigger updates out to the event streams of the page they were
// bound from. A subscriber with an empty origin receives every event.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan Event)}
}

// Subscribe creates a buffered channel for origin and returns it.
func (h *Hub) Subscribe(origin string) chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[origin] = append(h.subs[origin], ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes ch from the hub.
func (h *Hub) Unsubscribe(origin string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	chans := h.subs[origin]
	for i, c := range chans {
		if c == ch {
			h.subs[origin] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(h.subs[origin]) == 0 {
		delete(h.subs, origin)
	}
}

// Publish delivers ev to the subscribers of origin and to the catch-all
// subscribers. Slow subscribers miss events rather than block the caller.
func (h *Hub) Publish(origin string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	send := func(chans []chan Event) {
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	send(h.subs[origin])
	if origin != "" {
		send(h.subs[""])
	}
}

func (h *Hub) publishJSON(origin, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.Publish(origin, Event{Event: event, Data: string(data)})
}

type triggerPayload struct {
	Handle binding.Handle `json:"handle"`
	Visual binding.Visual `json:"visual"`
}

// pageTrigger is a trigger living on a bridge client's page. The bridge only
// mirrors its visual; the page applies each change it receives over the
// event stream.
type pageTrigger struct {
	handle binding.Handle
	origin string
	hub    *Hub

	mu     sync.Mutex
	visual binding.Visual
}

func newPageTrigger(h binding.Handle, origin string, def binding.Visual, hub *Hub) *pageTrigger {
	return &pageTrigger{handle: h, origin: origin, hub: hub, visual: def}
}

func (t *pageTrigger) Handle() binding.Handle { return t.handle }

func (t *pageTrigger) Visual() binding.Visual {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visual
}

func (t *pageTrigger) SetVisual(v binding.Visual) {
	t.mu.Lock()
	t.visual = v
	t.mu.Unlock()
	t.hub.publishJSON(t.origin, "trigger", triggerPayload{Handle: t.handle, Visual: v})
}
