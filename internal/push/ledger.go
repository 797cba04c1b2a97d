package push

import (
	"context"
	"sync"
)

// DefaultLedgerSize is how many alerted job ids are remembered.
const DefaultLedgerSize = 50

// LedgerStore persists the alerted ids across restarts.
type LedgerStore interface {
	LoadAlerted(ctx context.Context) ([]string, error)
	SaveAlerted(ctx context.Context, ids []string) error
}

// Ledger is a bounded FIFO set of job ids that already raised a queued
// alert. It only suppresses alerts; it never affects merging.
type Ledger struct {
	mu    sync.Mutex
	size  int
	ids   []string
	set   map[string]struct{}
	store LedgerStore
}

// NewLedger creates a Ledger holding at most size ids. store may be nil.
func NewLedger(size int, store LedgerStore) *Ledger {
	if size <= 0 {
		size = DefaultLedgerSize
	}
	return &Ledger{size: size, set: make(map[string]struct{}), store: store}
}

// Load replaces the in-memory ids with the persisted ones.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	ids, err := l.store.LoadAlerted(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = nil
	l.set = make(map[string]struct{})
	for _, id := range ids {
		l.add(id)
	}
	return nil
}

// Add records id and reports whether it was new. New ids are persisted.
func (l *Ledger) Add(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	if _, ok := l.set[id]; ok {
		l.mu.Unlock()
		return false, nil
	}
	l.add(id)
	snapshot := append([]string(nil), l.ids...)
	l.mu.Unlock()

	if l.store == nil {
		return true, nil
	}
	return true, l.store.SaveAlerted(ctx, snapshot)
}

// Contains reports whether id has been recorded.
func (l *Ledger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.set[id]
	return ok
}

// IDs returns the recorded ids, oldest first.
func (l *Ledger) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

func (l *Ledger) add(id string) {
	if _, ok := l.set[id]; ok {
		return
	}
	l.ids = append(l.ids, id)
	l.set[id] = struct{}{}
	for len(l.ids) > l.size {
		delete(l.set, l.ids[0])
		l.ids = l.ids[1:]
	}
}
