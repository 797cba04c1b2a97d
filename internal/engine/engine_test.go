package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gallerydl/gdlsync/internal/binding"
	"github.com/gallerydl/gdlsync/internal/job"
	"github.com/gallerydl/gdlsync/internal/notify"
	"github.com/gallerydl/gdlsync/internal/push"
	"github.com/gallerydl/gdlsync/internal/remote"
	"github.com/gallerydl/gdlsync/internal/view"
)

const key = "https://gofile.io/d/abc"

type fakeRemote struct {
	mu        sync.Mutex
	submitRes remote.SubmitResult
	submitErr error
	gate      chan struct{}
	retryRes  job.Partial
	deleted   []string
	submitted [][]string
	titles    []string
}

func (f *fakeRemote) Submit(ctx context.Context, urls []string, title string) (remote.SubmitResult, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, urls)
	f.titles = append(f.titles, title)
	return f.submitRes, f.submitErr
}

func (f *fakeRemote) Retry(ctx context.Context, id string) (job.Partial, error) {
	return f.retryRes, nil
}

func (f *fakeRemote) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeTrigger struct {
	mu     sync.Mutex
	handle binding.Handle
	visual binding.Visual
}

func newTrigger(h string) *fakeTrigger {
	return &fakeTrigger{handle: binding.Handle(h), visual: binding.Visual{Label: "Send", Enabled: true}}
}

func (f *fakeTrigger) Handle() binding.Handle { return f.handle }

func (f *fakeTrigger) Visual() binding.Visual {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visual
}

func (f *fakeTrigger) SetVisual(v binding.Visual) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visual = v
}

func (f *fakeTrigger) label() string { return f.Visual().Label }

type alertLog struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (a *alertLog) Notify(_ context.Context, al notify.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
}

func (a *alertLog) all() []notify.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]notify.Alert(nil), a.alerts...)
}

func ts(h int) *time.Time {
	t := time.Date(2024, 5, 1, h, 0, 0, 0, time.UTC)
	return &t
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return *ts(12) })}, opts...)
	e := New(job.NewStore(), binding.NewRegistry(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(cancel)
	return e
}

func bindTrigger(t *testing.T, e *Engine, h string) *fakeTrigger {
	t.Helper()
	tr := newTrigger(h)
	_, err := e.Bind(context.Background(), binding.Event{Kind: binding.Added, Locator: key, Handle: tr.Handle(), Trigger: tr, Origin: "thread"})
	require.NoError(t, err)
	return tr
}

func TestSubmitPushPollEvictScenario(t *testing.T) {
	t.Parallel()
	rem := &fakeRemote{submitRes: remote.SubmitResult{Job: job.Partial{ID: "j1", Status: job.StatusQueued, URLs: []string{key}, RequestedAt: ts(12)}}}
	var refreshed []string
	e := newTestEngine(t, WithRemote(rem), WithRefresh(func(typ string) { refreshed = append(refreshed, typ) }))
	ctx := context.Background()
	tr := bindTrigger(t, e, "btn")

	rec, err := e.Submit(ctx, SubmitRequest{Locator: key + "?gdl_title=My%20Post"})
	require.NoError(t, err)
	assert.Equal(t, "j1", rec.ID)
	assert.Equal(t, "Queued ✓", tr.label())
	assert.Equal(t, []string{"My_Post"}, rem.titles)
	assert.Equal(t, [][]string{{key}}, rem.submitted)
	require.Equal(t, 1, e.Store().Len(), "optimistic record replaced")

	e.HandleEvent(push.Event{Type: "running", Job: job.Partial{ID: "j1", Status: job.StatusRunning}})
	assert.Equal(t, "Downloading…", tr.label())
	assert.Equal(t, []string{"running"}, refreshed)

	e.ApplySnapshot([]job.Partial{{ID: "j1", Status: job.StatusSucceeded, URLs: []string{key}, FinishedAt: ts(13)}}, e.Mark())
	assert.Equal(t, "Downloaded ✓", tr.label())

	e.ApplySnapshot(nil, e.Mark())
	assert.Equal(t, "Downloaded ✓", tr.label(), "finished job survives one missing snapshot")
	_, ok := e.Store().Get("j1")
	require.True(t, ok)

	e.ApplySnapshot(nil, e.Mark())
	_, ok = e.Store().Get("j1")
	assert.False(t, ok)
	assert.Equal(t, "Send", tr.label(), "eviction restores the default visual")
}

func TestSubmit_ShowsSendingWhileInFlight(t *testing.T) {
	t.Parallel()
	rem := &fakeRemote{gate: make(chan struct{}), submitRes: remote.SubmitResult{Job: job.Partial{ID: "j1", Status: job.StatusQueued}}}
	e := newTestEngine(t, WithRemote(rem))
	tr := bindTrigger(t, e, "btn")

	done := make(chan job.Record)
	go func() {
		rec, _ := e.Submit(context.Background(), SubmitRequest{Locator: key})
		done <- rec
	}()

	require.Eventually(t, func() bool { return tr.label() == "Sending..." }, 5*time.Second, time.Millisecond)
	all := e.Store().All()
	require.Len(t, all, 1)
	assert.True(t, all[0].Local)
	assert.Equal(t, job.StatusQueued, all[0].Status)

	close(rem.gate)
	rec := <-done
	assert.Equal(t, "j1", rec.ID)
	assert.Equal(t, []string{key}, rec.URLs)
	assert.Equal(t, "Queued ✓", tr.label())
}

func TestSubmit_Failure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		err   error
		label string
	}{
		{"status", &remote.StatusError{Code: 500}, "Error 500"},
		{"transport", errors.New("connection refused"), "Network error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			alerts := &alertLog{}
			e := newTestEngine(t, WithRemote(&fakeRemote{submitErr: tt.err}), WithNotifier(alerts))
			tr := bindTrigger(t, e, "btn")

			_, err := e.Submit(context.Background(), SubmitRequest{Locator: key})
			require.Error(t, err)
			assert.Equal(t, tt.label, tr.label())
			assert.True(t, tr.Visual().Enabled)
			assert.Equal(t, 0, e.Store().Len())

			got := alerts.all()
			require.Len(t, got, 1)
			assert.True(t, got[0].Error)
		})
	}
}

func TestSubmit_WithoutServerID(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, WithRemote(&fakeRemote{}))
	rec, err := e.Submit(context.Background(), SubmitRequest{Locator: key})
	require.NoError(t, err)
	assert.False(t, rec.Local, "released record becomes subject to snapshots")

	e.ApplySnapshot(nil, e.Mark())
	assert.Equal(t, 0, e.Store().Len())
}

func TestSubmit_Unsupported(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, WithRemote(&fakeRemote{}))
	_, err := e.Submit(context.Background(), SubmitRequest{Locator: "https://example.com/file"})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSubmit_AlertsOnceWithLedger(t *testing.T) {
	t.Parallel()
	alerts := &alertLog{}
	ledger := push.NewLedger(push.DefaultLedgerSize, nil)
	rem := &fakeRemote{submitRes: remote.SubmitResult{Job: job.Partial{ID: "j1", Status: job.StatusQueued}, Existing: true}}
	e := newTestEngine(t, WithRemote(rem), WithNotifier(alerts), WithAlertLedger(ledger))

	_, err := e.Submit(context.Background(), SubmitRequest{Locator: key, PostTitle: "Post"})
	require.NoError(t, err)
	_, err = e.Submit(context.Background(), SubmitRequest{Locator: key})
	require.NoError(t, err)

	got := alerts.all()
	require.Len(t, got, 1)
	assert.Equal(t, "Post", got[0].Title)
	assert.Contains(t, got[0].Text, "Already queued")
	assert.True(t, ledger.Contains("j1"))
}

func TestEvictionFallsBackToOtherJob(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	tr := bindTrigger(t, e, "btn")

	e.ApplySnapshot([]job.Partial{
		{ID: "old", Status: job.StatusSucceeded, URLs: []string{key}, RequestedAt: ts(9), FinishedAt: ts(12)},
		{ID: "new", Status: job.StatusRunning, URLs: []string{key}, RequestedAt: ts(10)},
	}, e.Mark())
	assert.Equal(t, "Downloading…", tr.label())

	e.ApplySnapshot([]job.Partial{
		{ID: "old", Status: job.StatusSucceeded, URLs: []string{key}, RequestedAt: ts(9), FinishedAt: ts(12)},
	}, e.Mark())
	assert.Equal(t, "Downloaded ✓", tr.label())
}

func TestPushNeverRegresses(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	tr := bindTrigger(t, e, "btn")

	e.HandleEvent(push.Event{Type: "succeeded", Job: job.Partial{ID: "j1", Status: job.StatusSucceeded, URLs: []string{key}}})
	e.HandleEvent(push.Event{Type: "progress", Job: job.Partial{ID: "j1", Status: job.StatusRunning}})
	e.HandleEvent(push.Event{Type: "queued", Job: job.Partial{ID: "j1", Status: job.StatusQueued}})

	assert.Equal(t, "Downloaded ✓", tr.label())
	rec, ok := e.Store().Get("j1")
	require.True(t, ok)
	assert.Equal(t, job.StatusSucceeded, rec.Status)
}

func TestPollDuringPushDoesNotEvictNewJob(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	mark := e.Mark()
	e.HandleEvent(push.Event{Type: "queued", Job: job.Partial{ID: "j1", Status: job.StatusQueued, URLs: []string{key}}})

	// The snapshot was requested before the push arrived.
	e.ApplySnapshot(nil, mark)
	_, ok := e.Store().Get("j1")
	assert.True(t, ok)
}

func TestBindLateTriggerGetsCurrentState(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	e.HandleEvent(push.Event{Type: "failed", Job: job.Partial{ID: "j1", Status: job.StatusFailed, URLs: []string{key}}})

	tr := bindTrigger(t, e, "late")
	assert.Equal(t, "Failed ✗", tr.label())
	assert.Equal(t, KeyState{Key: key, Status: job.StatusFailed, JobID: "j1", Triggers: []binding.Handle{"late"}, Elements: []binding.Handle{}}, e.KeyState(key))
}

func TestConsume(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	events := make(chan binding.Event, 4)
	tr := newTrigger("b")
	events <- binding.Event{Kind: binding.Added, Locator: "https://bunkr.si/v/x", Handle: "el", Origin: "t1"}
	events <- binding.Event{Kind: binding.Added, Locator: "https://bunkr.si/v/x", Handle: "b", Trigger: tr, Origin: "t1"}
	events <- binding.Event{Kind: binding.Removed, Handle: "el"}
	close(events)

	e.Consume(context.Background(), events)

	assert.Equal(t, []string{"https://bunkr.ws/f/x"}, e.Registry().KeysForOrigin("t1"))
	assert.Equal(t, []binding.Handle{"b"}, e.Registry().TriggersFor("https://bunkr.ws/f/x"))
	assert.Empty(t, e.Registry().ElementsFor("https://bunkr.ws/f/x"))
}

func TestRetryResetsFinishedJob(t *testing.T) {
	t.Parallel()
	rem := &fakeRemote{retryRes: job.Partial{ID: "j1", Status: job.StatusQueued, URLs: []string{key}, RequestedAt: ts(14), Full: true}}
	e := newTestEngine(t, WithRemote(rem))
	tr := bindTrigger(t, e, "btn")
	e.HandleEvent(push.Event{Type: "failed", Job: job.Partial{ID: "j1", Status: job.StatusFailed, URLs: []string{key}, FailureReason: ptr("boom")}})
	require.Equal(t, "Failed ✗", tr.label())

	rec, err := e.Retry(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, rec.Status)
	assert.Empty(t, rec.FailureReason)
	assert.Equal(t, "Queued ✓", tr.label())
}

func TestDelete(t *testing.T) {
	t.Parallel()
	rem := &fakeRemote{}
	e := newTestEngine(t, WithRemote(rem))
	tr := bindTrigger(t, e, "btn")
	e.HandleEvent(push.Event{Type: "succeeded", Job: job.Partial{ID: "j1", Status: job.StatusSucceeded, URLs: []string{key}}})
	e.HandleEvent(push.Event{Type: "queued", Job: job.Partial{ID: job.LocalPrefix + "x", Status: job.StatusQueued, URLs: []string{"https://gofile.io/d/other"}}})

	require.NoError(t, e.Delete(context.Background(), "j1"))
	require.NoError(t, e.Delete(context.Background(), job.LocalPrefix+"x"))

	assert.Equal(t, []string{"j1"}, rem.deleted)
	assert.Equal(t, 0, e.Store().Len())
	assert.Equal(t, "Send", tr.label())
}

func TestRestoreSkipsLocal(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	err := e.Restore(context.Background(), []job.Record{
		{ID: "j1", Status: job.StatusRunning, URLs: []string{key}},
		{ID: job.LocalPrefix + "1", Status: job.StatusQueued, URLs: []string{key}, Local: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Store().Len())
	assert.Equal(t, job.StatusRunning, e.KeyState(key).Status)
}

func TestSubscribeAndProjection(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	bindTrigger(t, e, "btn")
	ch := e.Subscribe()
	defer e.Unsubscribe(ch)

	e.HandleEvent(push.Event{Type: "running", Job: job.Partial{ID: "j1", Status: job.StatusRunning, URLs: []string{key}}})

	select {
	case u := <-ch:
		assert.Equal(t, "push", u.Reason)
		require.Len(t, u.Jobs, 1)
		require.Len(t, u.Keys, 1)
		assert.Equal(t, job.StatusRunning, u.Keys[0].Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no update")
	}

	p := e.Projection(view.ModeThread, "thread")
	require.Len(t, p.Active, 1)
	assert.True(t, e.Projection(view.ModeThread, "elsewhere").Empty())
}

func TestStoppedEngine(t *testing.T) {
	t.Parallel()
	e := New(job.NewStore(), binding.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Run(ctx)

	_, err := e.Bind(context.Background(), binding.Event{Locator: key, Handle: "h"})
	assert.ErrorIs(t, err, ErrStopped)
}

func ptr[T any](v T) *T { return &v }
