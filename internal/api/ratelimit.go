package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// callerIdle is how long an unused caller budget is kept.
const callerIdle = 5 * time.Minute

type callerBudget struct {
	bucket   *rate.Limiter
	lastUsed time.Time
}

// SubmitLimiter gives every bridge caller its own budget of actions that
// start work on the download service. A caller is the page origin together
// with the client address.
type SubmitLimiter struct {
	mu      sync.Mutex
	callers map[string]*callerBudget
	perSec  rate.Limit
	burst   int
}

// NewSubmitLimiter allows perSec actions per second per caller, with a burst
// of the same size. Idle budgets are dropped until ctx is done.
func NewSubmitLimiter(ctx context.Context, perSec int) *SubmitLimiter {
	l := &SubmitLimiter{
		callers: make(map[string]*callerBudget),
		perSec:  rate.Limit(perSec),
		burst:   perSec,
	}
	go l.forgetIdle(ctx)
	return l
}

// Take spends one action from caller's budget. When the budget is empty it
// returns false and how long until the next action is allowed.
func (l *SubmitLimiter) Take(caller string) (bool, time.Duration) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.callers[caller]
	if !ok {
		b = &callerBudget{bucket: rate.NewLimiter(l.perSec, l.burst)}
		l.callers[caller] = b
	}
	b.lastUsed = now

	res := b.bucket.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

func (l *SubmitLimiter) callerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

func (l *SubmitLimiter) forget(before time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for caller, b := range l.callers {
		if b.lastUsed.Before(before) {
			delete(l.callers, caller)
		}
	}
}

func (l *SubmitLimiter) forgetIdle(ctx context.Context) {
	ticker := time.NewTicker(callerIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.forget(time.Now().Add(-callerIdle))
		}
	}
}

// RateLimit throttles submits and retries to perSec per caller and answers
// 429 with Retry-After once a caller's budget is spent. Zero disables it.
func RateLimit(ctx context.Context, perSec int) Middleware {
	if perSec <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	l := NewSubmitLimiter(ctx, perSec)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if startsWork(r) {
				if ok, wait := l.Take(callerOf(r)); !ok {
					secs := int(math.Ceil(wait.Seconds()))
					w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
					writeError(w, http.StatusTooManyRequests, "too many submissions, slow down")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// startsWork reports whether r asks the download service to run a job.
func startsWork(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	if r.URL.Path == "/api/v1/submit" {
		return true
	}
	rest, ok := strings.CutPrefix(r.URL.Path, "/api/v1/jobs/")
	if !ok {
		return false
	}
	id, ok := strings.CutSuffix(rest, "/retry")
	return ok && id != "" && !strings.Contains(id, "/")
}

// callerOf identifies the page behind a bridge request.
func callerOf(r *http.Request) string {
	return r.Header.Get("Origin") + "|" + clientIP(r)
}

// clientIP is the first X-Forwarded-For hop, or the connection's address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
