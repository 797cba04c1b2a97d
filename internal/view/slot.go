package view

import (
	"sync"

	"github.com/gallerydl/gdlsync/internal/binding"
)

// Slot is a terminal stand-in for a send button. It satisfies
// binding.Trigger and calls onChange after every visual update.
type Slot struct {
	handle   binding.Handle
	key      string
	onChange func()

	mu     sync.Mutex
	visual binding.Visual
}

// NewSlot creates a slot showing def.
func NewSlot(h binding.Handle, key string, def binding.Visual, onChange func()) *Slot {
	return &Slot{handle: h, key: key, visual: def, onChange: onChange}
}

func (s *Slot) Handle() binding.Handle { return s.handle }

// Key is the locator the slot was created for.
func (s *Slot) Key() string { return s.key }

func (s *Slot) Visual() binding.Visual {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visual
}

func (s *Slot) SetVisual(v binding.Visual) {
	s.mu.Lock()
	s.visual = v
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange()
	}
}
