// Package engine owns the job store and binding registry and applies every
// mutation on a single goroutine.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gallerydl/gdlsync/internal/binding"
	"github.com/gallerydl/gdlsync/internal/job"
	"github.com/gallerydl/gdlsync/internal/notify"
	"github.com/gallerydl/gdlsync/internal/push"
	"github.com/gallerydl/gdlsync/internal/remote"
	"github.com/gallerydl/gdlsync/internal/resource"
	"github.com/gallerydl/gdlsync/internal/view"
)

// ErrStopped is returned by operations issued after Run has returned.
var ErrStopped = errors.New("engine stopped")

// Remote is the part of the service client the engine calls.
type Remote interface {
	Submit(ctx context.Context, urls []string, postTitle string) (remote.SubmitResult, error)
	Retry(ctx context.Context, id string) (job.Partial, error)
	Delete(ctx context.Context, id string) error
}

// KeyState is the resolved state of one canonical key.
type KeyState struct {
	Key string `json:"key"`
	// Status is empty when no job is known for the key.
	Status   job.Status       `json:"status,omitempty"`
	JobID    string           `json:"job_id,omitempty"`
	Triggers []binding.Handle `json:"triggers,omitempty"`
	Elements []binding.Handle `json:"elements,omitempty"`
}

// Update is broadcast after every change. Jobs is the full store contents;
// Keys lists only the keys that were recomputed.
type Update struct {
	Reason string
	Jobs   []job.Record
	Keys   []KeyState
}

// Engine serializes all store and registry mutations through Run.
type Engine struct {
	store    *job.Store
	reg      *binding.Registry
	remote   Remote
	notifier notify.Notifier
	ledger   *push.Ledger
	refresh  func(eventType string)
	logger   *slog.Logger
	now      func() time.Time

	ops  chan func()
	done chan struct{}

	mu   sync.RWMutex
	subs map[chan Update]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithRemote sets the service client used by Submit, Retry and Delete.
func WithRemote(r Remote) Option { return func(e *Engine) { e.remote = r } }

// WithNotifier sets where submit alerts go.
func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithAlertLedger shares the push channel's alert ledger so a job accepted
// by Submit does not alert again when its queued push arrives.
func WithAlertLedger(l *push.Ledger) Option { return func(e *Engine) { e.ledger = l } }

// WithRefresh is called with the event type after every push event,
// typically poll.Poller.Request.
func WithRefresh(fn func(eventType string)) Option { return func(e *Engine) { e.refresh = fn } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides the clock used for optimistic records.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an Engine around store and reg.
func New(store *job.Store, reg *binding.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		reg:    reg,
		logger: slog.Default(),
		now:    time.Now,
		ops:    make(chan func(), 256),
		done:   make(chan struct{}),
		subs:   make(map[chan Update]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Store returns the job store. Reads are safe from any goroutine.
func (e *Engine) Store() *job.Store { return e.store }

// Registry returns the binding registry. Reads are safe from any goroutine.
func (e *Engine) Registry() *binding.Registry { return e.reg }

// Run executes queued operations one at a time until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-e.ops:
			op()
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case e.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		// Run may have exited before picking the op up.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Subscribe returns a channel that receives every Update. Slow subscribers
// miss updates rather than blocking the loop.
func (e *Engine) Subscribe() chan Update {
	ch := make(chan Update, 64)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (e *Engine) Unsubscribe(ch chan Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[ch]; ok {
		delete(e.subs, ch)
		close(ch)
	}
}

func (e *Engine) broadcast(u Update) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for ch := range e.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// HandleEvent merges a push event and schedules a follow-up poll. It is the
// push.Handler for the channel.
func (e *Engine) HandleEvent(ev push.Event) {
	err := e.do(context.Background(), func() {
		res, err := e.store.Merge(ev.Job)
		if err != nil {
			e.logger.Warn("engine: push merge rejected", "job_id", ev.Job.ID, "error", err)
			return
		}
		if res.Changed {
			e.reconcile("push", append(res.Keys, res.Dropped...))
		}
	})
	if err != nil {
		return
	}
	if e.refresh != nil {
		e.refresh(ev.Type)
	}
}

// Mark implements poll.Sink.
func (e *Engine) Mark() uint64 { return e.store.Mark() }

// ApplySnapshot implements poll.Sink.
func (e *Engine) ApplySnapshot(ps []job.Partial, mark uint64) {
	_ = e.do(context.Background(), func() {
		res := e.store.ApplySnapshot(ps, mark)
		var keys []string
		for _, m := range res.Merged {
			if m.Changed {
				keys = append(keys, m.Keys...)
				keys = append(keys, m.Dropped...)
			}
		}
		for _, r := range res.Evicted {
			e.logger.Debug("engine: evicted job", "job_id", r.ID, "status", r.Status)
			keys = append(keys, r.URLs...)
		}
		if res.Skipped > 0 {
			e.logger.Warn("engine: snapshot entries skipped", "count", res.Skipped)
		}
		if len(keys) > 0 || len(res.Evicted) > 0 {
			e.reconcile("poll", keys)
		}
	})
}

// Restore seeds the store with cached records, skipping optimistic ones
// whose submit never completed.
func (e *Engine) Restore(ctx context.Context, recs []job.Record) error {
	return e.do(ctx, func() {
		var keys []string
		for _, r := range recs {
			if r.Local {
				continue
			}
			res, err := e.store.Merge(job.PartialFrom(r))
			if err != nil {
				continue
			}
			keys = append(keys, res.Keys...)
		}
		e.reconcile("restore", keys)
	})
}

// Bind registers a discovered element or trigger and brings a trigger up to
// date with the job already known for its key. It returns the canonical key.
func (e *Engine) Bind(ctx context.Context, ev binding.Event) (string, error) {
	key := resource.Normalize(ev.Locator)
	err := e.do(ctx, func() {
		if ev.Trigger != nil {
			e.reg.RegisterTrigger(key, ev.Trigger, ev.Origin)
			if rec, ok := e.store.JobForKey(key); ok {
				e.reg.SetTriggerState(ev.Trigger.Handle(), binding.StateFor(rec.Status))
			}
		} else {
			e.reg.RegisterElement(key, ev.Handle, ev.Origin)
		}
		e.broadcast(Update{Reason: "bind", Jobs: e.store.All(), Keys: []KeyState{e.keyState(key)}})
	})
	return key, err
}

// Unbind removes whatever is bound under h.
func (e *Engine) Unbind(ctx context.Context, h binding.Handle) (bool, error) {
	var removed bool
	err := e.do(ctx, func() {
		key, ok := e.reg.KeyOf(h)
		removed = e.reg.Unregister(h)
		if ok {
			e.broadcast(Update{Reason: "unbind", Jobs: e.store.All(), Keys: []KeyState{e.keyState(key)}})
		}
	})
	return removed, err
}

// Consume applies discovery events until events is closed or ctx is done.
func (e *Engine) Consume(ctx context.Context, events <-chan binding.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var err error
			switch ev.Kind {
			case binding.Added:
				_, err = e.Bind(ctx, ev)
			case binding.Removed:
				_, err = e.Unbind(ctx, ev.Handle)
			}
			if err != nil {
				return
			}
		}
	}
}

// KeyState returns the resolved state of key.
func (e *Engine) KeyState(key string) KeyState {
	return e.keyState(resource.Normalize(key))
}

// Projection returns the visible jobs for mode and origin.
func (e *Engine) Projection(mode view.Mode, origin string) view.Projection {
	return view.Project(e.store.All(), mode, origin, e.reg)
}

// reconcile pushes the authoritative job state of each key to its triggers
// and broadcasts the result. It must run on the loop.
func (e *Engine) reconcile(reason string, keys []string) {
	keys = dedupe(keys)
	states := make([]KeyState, 0, len(keys))
	for _, k := range keys {
		if rec, ok := e.store.JobForKey(k); ok {
			e.reg.ApplyStatus(k, rec.Status)
		} else {
			e.reg.ResetKey(k)
		}
		states = append(states, e.keyState(k))
	}
	e.broadcast(Update{Reason: reason, Jobs: e.store.All(), Keys: states})
}

func (e *Engine) keyState(key string) KeyState {
	ks := KeyState{
		Key:      key,
		Triggers: e.reg.TriggersFor(key),
		Elements: e.reg.ElementsFor(key),
	}
	if rec, ok := e.store.JobForKey(key); ok {
		ks.Status = rec.Status
		ks.JobID = rec.ID
	}
	return ks
}

func dedupe(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" && !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}
