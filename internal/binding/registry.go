// Package binding tracks which page elements and action triggers are
// associated with each canonical resource key.
package binding

import (
	"sort"
	"sync"

	"github.com/gallerydl/gdlsync/internal/job"
)

// Entry is a read-only view of the bindings for one key.
type Entry struct {
	Key      string
	Elements []Handle
	Triggers []Handle
	Origins  []string
}

type binding struct {
	key     string
	origin  string
	trigger Trigger
}

type entry struct {
	elements map[Handle]struct{}
	triggers map[Handle]struct{}
}

// Registry maps canonical keys to bound elements and triggers. All methods
// are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	bindings map[Handle]*binding
	defaults map[Handle]Visual
	states   map[Handle]State
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		bindings: make(map[Handle]*binding),
		defaults: make(map[Handle]Visual),
		states:   make(map[Handle]State),
	}
}

// RegisterElement binds a display element to key. Registering a handle that
// is already bound moves it to the new key.
func (r *Registry) RegisterElement(key string, h Handle, origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(h)
	r.entry(key).elements[h] = struct{}{}
	r.bindings[h] = &binding{key: key, origin: origin}
}

// RegisterTrigger binds an action trigger to key. The trigger's current
// visual becomes its default the first time its handle is seen.
func (r *Registry) RegisterTrigger(key string, t Trigger, origin string) {
	h := t.Handle()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(h)
	if _, ok := r.defaults[h]; !ok {
		r.defaults[h] = t.Visual()
	}
	r.entry(key).triggers[h] = struct{}{}
	r.bindings[h] = &binding{key: key, origin: origin, trigger: t}
}

// Unregister removes whatever is bound under h and reports whether anything
// was bound. A trigger is handed back in its default presentation and its
// captured default is forgotten.
func (r *Registry) Unregister(h Handle) bool {
	r.mu.Lock()
	b, ok := r.bindings[h]
	def, hadDefault := r.defaults[h]
	r.remove(h)
	delete(r.states, h)
	delete(r.defaults, h)
	r.mu.Unlock()

	if ok && b.trigger != nil && hadDefault {
		b.trigger.SetVisual(def)
	}
	return ok
}

// KeyOf returns the key h is bound to.
func (r *Registry) KeyOf(h Handle) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[h]
	if !ok {
		return "", false
	}
	return b.key, true
}

// SetTriggerState applies one of the fixed presentations to a bound trigger.
func (r *Registry) SetTriggerState(h Handle, state State) bool {
	r.mu.Lock()
	b, ok := r.bindings[h]
	if !ok || b.trigger == nil {
		r.mu.Unlock()
		return false
	}
	v := Presentation(state, r.defaults[h])
	r.states[h] = state
	r.mu.Unlock()

	b.trigger.SetVisual(v)
	return true
}

// SetTriggerVisual applies an ad-hoc visual, such as a submit error, to a
// bound trigger.
func (r *Registry) SetTriggerVisual(h Handle, v Visual) bool {
	r.mu.Lock()
	b, ok := r.bindings[h]
	if !ok || b.trigger == nil {
		r.mu.Unlock()
		return false
	}
	r.states[h] = StateError
	r.mu.Unlock()

	b.trigger.SetVisual(v)
	return true
}

// TriggerState returns the presentation last applied to h.
func (r *Registry) TriggerState(h Handle) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.states[h]; ok {
		return s
	}
	return StateDefault
}

// ApplyState applies state to every trigger bound to key and returns the
// handles that were updated.
func (r *Registry) ApplyState(key string, state State) []Handle {
	handles := r.TriggersFor(key)
	for _, h := range handles {
		r.SetTriggerState(h, state)
	}
	return handles
}

// ApplyStatus presents status s on every trigger bound to key.
func (r *Registry) ApplyStatus(key string, s job.Status) []Handle {
	return r.ApplyState(key, StateFor(s))
}

// ResetKey returns every trigger bound to key to its default presentation.
func (r *Registry) ResetKey(key string) []Handle {
	return r.ApplyState(key, StateDefault)
}

// TriggersFor returns the trigger handles bound to key, sorted.
func (r *Registry) TriggersFor(key string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	return sortedHandles(e.triggers)
}

// ElementsFor returns the element handles bound to key, sorted.
func (r *Registry) ElementsFor(key string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	return sortedHandles(e.elements)
}

// Keys returns every key with at least one binding, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeysForOrigin returns the keys with at least one binding registered under
// origin, sorted.
func (r *Registry) KeysForOrigin(origin string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, b := range r.bindings {
		if b.origin == origin {
			seen[b.key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entry returns a snapshot of the bindings for key.
func (r *Registry) Entry(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	origins := make(map[string]struct{})
	for h := range e.elements {
		origins[r.bindings[h].origin] = struct{}{}
	}
	for h := range e.triggers {
		origins[r.bindings[h].origin] = struct{}{}
	}
	out := Entry{
		Key:      key,
		Elements: sortedHandles(e.elements),
		Triggers: sortedHandles(e.triggers),
	}
	for o := range origins {
		out.Origins = append(out.Origins, o)
	}
	sort.Strings(out.Origins)
	return out, true
}

func (r *Registry) entry(key string) *entry {
	e, ok := r.entries[key]
	if !ok {
		e = &entry{
			elements: make(map[Handle]struct{}),
			triggers: make(map[Handle]struct{}),
		}
		r.entries[key] = e
	}
	return e
}

func (r *Registry) remove(h Handle) {
	b, ok := r.bindings[h]
	if !ok {
		return
	}
	delete(r.bindings, h)
	e, ok := r.entries[b.key]
	if !ok {
		return
	}
	delete(e.elements, h)
	delete(e.triggers, h)
	if len(e.elements) == 0 && len(e.triggers) == 0 {
		delete(r.entries, b.key)
	}
}

func sortedHandles(set map[Handle]struct{}) []Handle {
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
