// Package push keeps a long-lived notification connection to the download
// service and turns its messages into job updates.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gallerydl/gdlsync/internal/notify"
	"github.com/gallerydl/gdlsync/internal/resource"
)

// State is the connection state of a Channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	BackoffWait
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case BackoffWait:
		return "backoff"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Conn is an open notification connection.
type Conn interface {
	// Read blocks until the next message arrives, the connection fails or
	// ctx is done.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens notification connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Credentials supplies the service address and token, read on every dial.
type Credentials interface {
	Base() string
	Token() string
}

// Handler receives every decoded job event.
type Handler func(Event)

// Channel runs the reconnect loop. A single goroutine calls Run; Kick and
// State are safe from any goroutine.
type Channel struct {
	dialer    Dialer
	creds     Credentials
	handle    Handler
	ledger    *Ledger
	notifier  notify.Notifier
	normalize func(string) string
	logger    *slog.Logger
	onState   func(State)

	backoff Backoff
	kick    chan struct{}

	mu    sync.Mutex
	state State
	drop  context.CancelFunc
}

// Option configures a Channel.
type Option func(*Channel)

// WithLedger sets the queued-alert dedup ledger.
func WithLedger(l *Ledger) Option { return func(c *Channel) { c.ledger = l } }

// WithNotifier sets where queued alerts go.
func WithNotifier(n notify.Notifier) Option { return func(c *Channel) { c.notifier = n } }

// WithBackoffUnit scales the reconnect delays. The default is one second.
func WithBackoffUnit(d time.Duration) Option { return func(c *Channel) { c.backoff.Unit = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Channel) { c.logger = l } }

// WithStateHook is called on every state transition, from the run loop.
func WithStateHook(fn func(State)) Option { return func(c *Channel) { c.onState = fn } }

// New creates a Channel in the Disconnected state.
func New(d Dialer, creds Credentials, handle Handler, opts ...Option) *Channel {
	c := &Channel{
		dialer:    d,
		creds:     creds,
		handle:    handle,
		normalize: resource.Normalize,
		logger:    slog.Default(),
		backoff:   Backoff{Unit: time.Second},
		kick:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	if c.ledger == nil {
		c.ledger = NewLedger(DefaultLedgerSize, nil)
	}
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Kick cuts a pending backoff wait short. It does nothing while connected.
func (c *Channel) Kick() {
	if c.State() == Connected {
		return
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Reconnect closes the open connection so the next dial picks up changed
// credentials. The redial skips the backoff wait. When no connection is open
// it behaves like Kick.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	if c.drop != nil {
		c.drop()
	}
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run connects and reconnects until ctx is cancelled. Cancelling ctx closes
// the open connection and abandons any pending wait.
func (c *Channel) Run(ctx context.Context) {
	defer c.setState(Closed)
	for ctx.Err() == nil {
		c.setState(Connecting)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("push: connect failed", "error", err, "attempt", c.backoff.Attempt())
			if !c.wait(ctx) {
				return
			}
			continue
		}

		c.backoff.Reset()
		c.drainKick()
		readCtx, drop := context.WithCancel(ctx)
		c.mu.Lock()
		c.drop = drop
		c.mu.Unlock()
		c.setState(Connected)
		c.logger.Info("push: connected")

		err = c.read(readCtx, conn)
		c.mu.Lock()
		c.drop = nil
		c.mu.Unlock()
		drop()
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.setState(Disconnected)
		if readCtx.Err() != nil {
			c.logger.Info("push: reconnecting with new settings")
		} else {
			c.logger.Warn("push: connection lost", "error", err)
		}
		if !c.wait(ctx) {
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) (Conn, error) {
	u, err := NotificationURL(c.creds.Base(), c.creds.Token())
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if tok := c.creds.Token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	return c.dialer.Dial(ctx, u, header)
}

func (c *Channel) read(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.receive(ctx, data)
	}
}

func (c *Channel) receive(ctx context.Context, data []byte) {
	ev, ok, err := ParseEvent(data, c.normalize)
	if err != nil {
		c.logger.Warn("push: dropped message", "error", err)
		return
	}
	if !ok {
		return
	}
	if c.handle != nil {
		c.handle(ev)
	}
	if ev.Type == "queued" {
		c.alertQueued(ctx, ev)
	}
}

func (c *Channel) alertQueued(ctx context.Context, ev Event) {
	fresh, err := c.ledger.Add(ctx, ev.Job.ID)
	if err != nil {
		c.logger.Warn("push: persist alert ledger", "error", err)
	}
	if !fresh || c.notifier == nil {
		return
	}
	title, body := queuedText(ev.Job)
	c.notifier.Notify(ctx, notify.Alert{Title: title, Text: body, JobID: ev.Job.ID})
}

// wait sleeps for the next backoff delay. It returns false if ctx ended.
func (c *Channel) wait(ctx context.Context) bool {
	d := c.backoff.Next()
	c.setState(BackoffWait)
	c.logger.Debug("push: reconnect scheduled", "delay", d)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-c.kick:
	}
	return true
}

func (c *Channel) drainKick() {
	select {
	case <-c.kick:
	default:
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.onState != nil {
		c.onState(s)
	}
}

// NotificationURL derives the websocket endpoint from the service base
// address: http becomes ws, https becomes wss.
func NotificationURL(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("base %q: unsupported scheme %q", base, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base %q: missing host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/notifications"
	u.RawPath = ""
	u.RawQuery = url.Values{"token": {token}}.Encode()
	u.Fragment = ""
	return u.String(), nil
}
