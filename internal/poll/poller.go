// Package poll periodically fetches the full job list from the download
// service and applies it as an authoritative snapshot.
package poll

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gallerydl/gdlsync/internal/job"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultQueued   = time.Second
	DefaultOther    = 2 * time.Second
)

// Fetcher lists every job known to the service.
type Fetcher interface {
	List(ctx context.Context) ([]job.Partial, error)
}

// Sink receives snapshots. Mark is read before each fetch so that records
// created while the request is in flight survive the snapshot.
type Sink interface {
	Mark() uint64
	ApplySnapshot(ps []job.Partial, mark uint64)
}

// Poller runs the periodic fetch and the single-slot on-demand refresh.
type Poller struct {
	fetch    Fetcher
	sink     Sink
	interval time.Duration
	queued   time.Duration
	other    time.Duration
	logger   *slog.Logger
	req      chan time.Duration

	polls    atomic.Int64
	failures atomic.Int64
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the periodic poll interval.
func WithInterval(d time.Duration) Option { return func(p *Poller) { p.interval = d } }

// WithDebounce sets the refresh delays for queued events and for all others.
func WithDebounce(queued, other time.Duration) Option {
	return func(p *Poller) {
		p.queued = queued
		p.other = other
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Poller) { p.logger = l } }

// New creates a Poller.
func New(fetch Fetcher, sink Sink, opts ...Option) *Poller {
	p := &Poller{
		fetch:    fetch,
		sink:     sink,
		interval: DefaultInterval,
		queued:   DefaultQueued,
		other:    DefaultOther,
		logger:   slog.Default(),
		req:      make(chan time.Duration, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Request schedules a refresh after a push event of the given type. A newer
// request replaces one that has not fired yet.
func (p *Poller) Request(eventType string) {
	d := p.other
	if eventType == "queued" {
		d = p.queued
	}
	for {
		select {
		case p.req <- d:
			return
		default:
		}
		select {
		case <-p.req:
		default:
		}
	}
}

// PollOnce fetches the job list and hands it to the sink. On failure the
// sink is not touched.
func (p *Poller) PollOnce(ctx context.Context) error {
	mark := p.sink.Mark()
	ps, err := p.fetch.List(ctx)
	p.polls.Add(1)
	if err != nil {
		p.failures.Add(1)
		p.logger.Warn("poll: fetch failed", "error", err)
		return err
	}
	p.sink.ApplySnapshot(ps, mark)
	p.logger.Debug("poll: snapshot applied", "jobs", len(ps))
	return nil
}

// Stats returns how many polls ran and how many of them failed.
func (p *Poller) Stats() (polls, failures int64) {
	return p.polls.Load(), p.failures.Load()
}

// Run polls once immediately, then on every interval tick and after each
// debounced request, until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	_ = p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.PollOnce(ctx)
		case d := <-p.req:
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(d)
			fire = debounce.C
		case <-fire:
			fire = nil
			debounce = nil
			_ = p.PollOnce(ctx)
		}
	}
}
