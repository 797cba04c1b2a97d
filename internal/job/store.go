package job

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gallerydl/gdlsync/internal/resource"
)

const (
	// DefaultTerminalMisses is how many consecutive successful snapshots
	// must omit a finished job before it is evicted.
	DefaultTerminalMisses = 2
	// DefaultRecency is how long a finished job stays in a key's history
	// once a newer job took over that key.
	DefaultRecency = 10 * time.Minute
)

// Store holds one canonical Record per job id plus an index from canonical
// resource key to job ids. Mutations are expected to come from a single
// writer; the lock only makes concurrent reads safe.
type Store struct {
	mu      sync.RWMutex
	records map[string]*entry
	byKey   map[string]map[string]struct{}
	seq     uint64

	normalize      func(string) string
	now            func() time.Time
	terminalMisses int
	recency        time.Duration
}

type entry struct {
	rec      Record
	firstSeq uint64
	misses   int
}

// Option configures a Store.
type Option func(*Store)

// WithNormalizer overrides the key normalizer (resource.Normalize by default).
func WithNormalizer(fn func(string) string) Option {
	return func(s *Store) { s.normalize = fn }
}

// WithClock overrides the wall clock used for history pruning.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTerminalMisses sets how many snapshots may omit a finished job before
// it is evicted. Values below 1 are treated as 1.
func WithTerminalMisses(n int) Option {
	return func(s *Store) { s.terminalMisses = max(n, 1) }
}

// WithRecency sets the history window for superseded finished jobs.
func WithRecency(d time.Duration) Option {
	return func(s *Store) { s.recency = d }
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		records:        make(map[string]*entry),
		byKey:          make(map[string]map[string]struct{}),
		normalize:      resource.Normalize,
		now:            time.Now,
		terminalMisses: DefaultTerminalMisses,
		recency:        DefaultRecency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MergeResult describes the effect of a merge.
type MergeResult struct {
	ID      string
	Created bool
	Changed bool
	// Keys are the record's canonical keys after the merge.
	Keys []string
	// Dropped are keys the record no longer carries.
	Dropped []string
}

// SnapshotResult describes the effect of applying a poll snapshot.
type SnapshotResult struct {
	Merged  []MergeResult
	Evicted []Record
	Skipped int
}

// Merge folds p into the record with the same id, creating it if needed.
func (s *Store) Merge(p Partial) (MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merge(p)
}

// ApplySnapshot merges a full poll result and evicts jobs the service no
// longer lists. Only records first seen at or before mark are eligible, so a
// snapshot requested before a job appeared cannot evict it. Local records are
// never evicted here.
func (s *Store) ApplySnapshot(ps []Partial, mark uint64) SnapshotResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out SnapshotResult
	listed := make(map[string]bool, len(ps))
	for _, p := range ps {
		p.Full = true
		p.Local = false
		res, err := s.merge(p)
		if err != nil {
			out.Skipped++
			continue
		}
		listed[p.ID] = true
		s.records[p.ID].misses = 0
		out.Merged = append(out.Merged, res)
	}

	for _, id := range s.sortedIDs() {
		e := s.records[id]
		if listed[id] || e.rec.Local || e.firstSeq > mark {
			continue
		}
		if e.rec.Status.IsTerminal() {
			e.misses++
			if e.misses < s.terminalMisses {
				continue
			}
		}
		if rec, ok := s.evict(id); ok {
			out.Evicted = append(out.Evicted, rec)
		}
	}
	return out
}

// Reset replaces the record for p.ID with a fresh one built from p. It is
// used when the service restarts a finished job under the same id, which a
// merge would refuse as a status regression.
func (s *Store) Reset(p Partial) (MergeResult, error) {
	if p.ID == "" {
		return MergeResult{}, ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, had := s.evict(p.ID)
	res, err := s.merge(p)
	if err != nil || !had {
		return res, err
	}
	cur := s.records[p.ID].rec
	res.Created = false
	res.Changed = !old.equal(cur)
	res.Dropped = difference(old.URLs, cur.URLs)
	return res, nil
}

// Evict removes a record and its index entries.
func (s *Store) Evict(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evict(id)
}

// Release clears the Local flag so the record becomes subject to snapshot
// eviction like any other.
func (s *Store) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id]
	if !ok || !e.rec.Local {
		return false
	}
	e.rec.Local = false
	return true
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return e.rec.clone(), true
}

// All returns copies of every record ordered by id.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, id := range s.sortedIDs() {
		out = append(out, s.records[id].rec.clone())
	}
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Mark returns the current creation sequence. Pass it to ApplySnapshot for a
// snapshot requested now.
func (s *Store) Mark() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// JobForKey returns the authoritative job for a canonical key: the most
// recently requested one, ties going to the most recently created record.
func (s *Store) JobForKey(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.authoritative(key)
	if e == nil {
		return Record{}, false
	}
	return e.rec.clone(), true
}

// IDsForKey returns the job ids indexed under key, sorted.
func (s *Store) IDsForKey(key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byKey[key]))
	for id := range s.byKey[key] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) merge(p Partial) (MergeResult, error) {
	if p.ID == "" {
		return MergeResult{}, ErrMissingID
	}
	e, ok := s.records[p.ID]
	if !ok {
		s.seq++
		e = &entry{
			rec:      Record{ID: p.ID, Status: StatusQueued, Local: p.Local},
			firstSeq: s.seq,
		}
		s.records[p.ID] = e
	}

	before := e.rec.clone()
	s.apply(&e.rec, p)

	dropped := difference(before.URLs, e.rec.URLs)
	for _, k := range dropped {
		s.unindex(k, p.ID)
	}
	for _, k := range e.rec.URLs {
		s.index(k, p.ID)
		s.prune(k)
	}

	return MergeResult{
		ID:      p.ID,
		Created: !ok,
		Changed: !ok || !before.equal(e.rec),
		Keys:    slices.Clone(e.rec.URLs),
		Dropped: dropped,
	}, nil
}

// apply implements the field-level merge policy.
func (s *Store) apply(r *Record, p Partial) {
	correction := false
	if p.Status.Valid() {
		if !r.Status.IsTerminal() && p.Status.rank() > r.Status.rank() {
			r.Status = p.Status
		}
		correction = p.Status.IsTerminal() && r.Status == p.Status
	}

	if p.URLs != nil {
		keys := s.keysOf(p.URLs)
		if p.Full && len(keys) > 0 {
			r.URLs = keys
		} else {
			r.URLs = union(r.URLs, keys)
		}
	}

	if p.Label != nil {
		r.Label = *p.Label
	}
	if p.Title != nil {
		r.Title = *p.Title
	}

	setOnce(&r.RequestedAt, p.RequestedAt, correction)
	setOnce(&r.StartedAt, p.StartedAt, correction)
	setOnce(&r.FinishedAt, p.FinishedAt, correction)

	if p.FailureReason != nil && r.Status == StatusFailed && (!p.Status.Valid() || p.Status == StatusFailed) {
		r.FailureReason = *p.FailureReason
	}
	if r.Status != StatusFailed {
		r.FailureReason = ""
	}
}

func (s *Store) evict(id string) (Record, bool) {
	e, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	for _, k := range e.rec.URLs {
		s.unindex(k, id)
	}
	delete(s.records, id)
	return e.rec.clone(), true
}

func (s *Store) index(key, id string) {
	ids, ok := s.byKey[key]
	if !ok {
		ids = make(map[string]struct{})
		s.byKey[key] = ids
	}
	ids[id] = struct{}{}
}

func (s *Store) unindex(key, id string) {
	ids, ok := s.byKey[key]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(s.byKey, key)
	}
}

// prune drops superseded finished jobs from a key's history once they fall
// out of the recency window.
func (s *Store) prune(key string) {
	head := s.authoritative(key)
	if head == nil {
		return
	}
	cutoff := s.now().Add(-s.recency)
	for id := range s.byKey[key] {
		e := s.records[id]
		if e == head || !e.rec.Status.IsTerminal() || e.rec.FinishedAt == nil {
			continue
		}
		if e.rec.FinishedAt.Before(cutoff) {
			s.unindex(key, id)
		}
	}
}

func (s *Store) authoritative(key string) *entry {
	var best *entry
	for id := range s.byKey[key] {
		e := s.records[id]
		if e == nil {
			continue
		}
		if best == nil || newer(e, best) {
			best = e
		}
	}
	return best
}

func newer(a, b *entry) bool {
	at, bt := a.rec.RequestedAt, b.rec.RequestedAt
	switch {
	case at != nil && bt != nil && !at.Equal(*bt):
		return at.After(*bt)
	case at != nil && bt == nil:
		return true
	case at == nil && bt != nil:
		return false
	}
	return a.firstSeq > b.firstSeq
}

func (s *Store) keysOf(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		k := s.normalize(u)
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

func (s *Store) sortedIDs() []string {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func setOnce(dst **time.Time, v *time.Time, override bool) {
	if v == nil {
		return
	}
	if *dst == nil || override {
		*dst = cloneTime(v)
	}
}

// union appends keys not yet in base, preserving first-seen order.
func union(base, keys []string) []string {
	out := slices.Clone(base)
	for _, k := range keys {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

// difference returns the elements of a missing from b.
func difference(a, b []string) []string {
	var out []string
	for _, k := range a {
		if !slices.Contains(b, k) {
			out = append(out, k)
		}
	}
	return out
}
