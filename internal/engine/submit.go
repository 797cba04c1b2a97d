package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/gallerydl/gdlsync/internal/binding"
	"github.com/gallerydl/gdlsync/internal/job"
	"github.com/gallerydl/gdlsync/internal/notify"
	"github.com/gallerydl/gdlsync/internal/remote"
	"github.com/gallerydl/gdlsync/internal/resource"
)

var (
	// ErrUnsupported is returned when a locator points at a provider the
	// service cannot download from.
	ErrUnsupported = errors.New("unsupported provider")
	// ErrNoRemote is returned when no service client is configured.
	ErrNoRemote = errors.New("no remote configured")
)

// SubmitRequest asks the service to download one resource.
type SubmitRequest struct {
	Locator string
	// PostTitle names the target folder. When empty, the title carried in
	// the locator's gdl_title parameter is used.
	PostTitle string
}

// Submit creates an optimistic queued record for the locator, sends it to
// the service and replaces the optimistic record with the service's answer.
// On failure the optimistic record is dropped and the key's triggers show
// the error.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (job.Record, error) {
	if e.remote == nil {
		return job.Record{}, ErrNoRemote
	}
	key := resource.Normalize(req.Locator)
	if !resource.IsSupported(key) {
		return job.Record{}, fmt.Errorf("%w: %s", ErrUnsupported, req.Locator)
	}
	title := req.PostTitle
	if title == "" {
		title = resource.TitleFrom(req.Locator)
	}
	title = resource.SanitizeSegment(title)

	localID := job.LocalPrefix + uuid.NewString()
	err := e.do(ctx, func() {
		now := e.now().UTC()
		p := job.Partial{ID: localID, Status: job.StatusQueued, URLs: []string{key}, RequestedAt: &now, Local: true}
		if title != "" {
			p.Title = &title
		}
		if _, err := e.store.Merge(p); err != nil {
			return
		}
		e.reconcile("submit", []string{key})
		e.reg.ApplyState(key, binding.StateSending)
	})
	if err != nil {
		return job.Record{}, err
	}

	res, err := e.remote.Submit(ctx, []string{key}, title)
	if err != nil {
		e.submitFailed(key, localID, err)
		return job.Record{}, err
	}

	var rec job.Record
	_ = e.do(context.WithoutCancel(ctx), func() {
		if res.Job.ID == "" {
			e.store.Release(localID)
			e.reconcile("submit", []string{key})
			rec, _ = e.store.Get(localID)
			return
		}
		e.store.Evict(localID)
		p := res.Job
		if len(p.URLs) == 0 {
			p.URLs = []string{key}
		}
		if p.Title == nil && title != "" {
			p.Title = &title
		}
		m, err := e.store.Merge(p)
		if err != nil {
			return
		}
		e.reconcile("submit", append(append(m.Keys, m.Dropped...), key))
		rec, _ = e.store.Get(m.ID)
	})

	e.logger.Info("engine: submitted", "job_id", rec.ID, "key", key, "existing", res.Existing)
	e.alertAccepted(ctx, rec, res.Existing)
	return rec, nil
}

func (e *Engine) submitFailed(key, localID string, cause error) {
	code := 0
	var se *remote.StatusError
	if errors.As(cause, &se) {
		code = se.Code
	}
	e.logger.Warn("engine: submit failed", "key", key, "status", code, "error", cause)

	_ = e.do(context.Background(), func() {
		e.store.Evict(localID)
		e.reconcile("submit", []string{key})
		v := binding.ErrorVisual(code)
		for _, h := range e.reg.TriggersFor(key) {
			e.reg.SetTriggerVisual(h, v)
		}
	})
	if e.notifier != nil {
		e.notifier.Notify(context.Background(), notify.Alert{
			Title: "Submit failed",
			Text:  binding.ErrorVisual(code).Label + ": " + key,
			Error: true,
		})
	}
}

func (e *Engine) alertAccepted(ctx context.Context, rec job.Record, existing bool) {
	if e.notifier == nil || rec.ID == "" {
		return
	}
	if e.ledger != nil && !rec.Local {
		fresh, err := e.ledger.Add(ctx, rec.ID)
		if err != nil {
			e.logger.Warn("engine: persist alert ledger", "error", err)
		}
		if !fresh {
			return
		}
	}
	title := rec.Title
	if title == "" {
		title = "Download queued"
	}
	text := "Queued"
	if existing {
		text = "Already queued"
	}
	if len(rec.URLs) > 0 {
		text += ": " + rec.URLs[0]
	}
	e.notifier.Notify(ctx, notify.Alert{Title: title, Text: text, JobID: rec.ID})
}

// Retry asks the service to run a finished job again. The service keeps the
// id and resets it to queued, so the local record is replaced rather than
// merged.
func (e *Engine) Retry(ctx context.Context, id string) (job.Record, error) {
	if e.remote == nil {
		return job.Record{}, ErrNoRemote
	}
	p, err := e.remote.Retry(ctx, id)
	if err != nil {
		return job.Record{}, err
	}
	if p.ID == "" {
		p.ID = id
	}
	var rec job.Record
	err = e.do(ctx, func() {
		m, err := e.store.Reset(p)
		if err != nil {
			return
		}
		e.reconcile("retry", append(m.Keys, m.Dropped...))
		rec, _ = e.store.Get(m.ID)
	})
	return rec, err
}

// Delete removes a finished job from the service and the store. Optimistic
// records only exist locally and are dropped without a request.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if !strings.HasPrefix(id, job.LocalPrefix) {
		if e.remote == nil {
			return ErrNoRemote
		}
		if err := e.remote.Delete(ctx, id); err != nil {
			return err
		}
	}
	return e.do(ctx, func() {
		if rec, ok := e.store.Evict(id); ok {
			e.reconcile("delete", rec.URLs)
		}
	})
}
