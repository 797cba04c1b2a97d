package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gallerydl/gdlsync/internal/binding"
	"github.com/gallerydl/gdlsync/internal/config"
	"github.com/gallerydl/gdlsync/internal/engine"
	"github.com/gallerydl/gdlsync/internal/job"
	"github.com/gallerydl/gdlsync/internal/remote"
	"github.com/gallerydl/gdlsync/internal/view"
)

const testLocator = "https://gofile.io/d/abc"

type fakeRemote struct {
	mu        sync.Mutex
	submitRes remote.SubmitResult
	submitErr error
	retryRes  job.Partial
	retryErr  error
	deleteErr error
	deleted   []string
}

func (f *fakeRemote) Submit(ctx context.Context, urls []string, title string) (remote.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitRes, f.submitErr
}

func (f *fakeRemote) Retry(ctx context.Context, id string) (job.Partial, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retryRes, f.retryErr
}

func (f *fakeRemote) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func (f *fakeRemote) set(fn func(*fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type testEnv struct {
	srv      *httptest.Server
	eng      *engine.Engine
	remote   *fakeRemote
	settings *config.Settings
	changed  atomic.Int32
}

// newTestServer builds an httptest.Server with a running engine, a fake
// service and the production middleware chain.
func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rem := &fakeRemote{submitRes: remote.SubmitResult{Job: job.Partial{ID: "d1", Status: job.StatusQueued}}}
	eng := engine.New(job.NewStore(), binding.NewRegistry(), engine.WithRemote(rem))
	go eng.Run(ctx)

	settings, err := config.NewSettings(ctx, &config.Config{APIBase: "http://localhost:8080", APIToken: "secret-token"}, nil)
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}

	env := &testEnv{eng: eng, remote: rem, settings: settings}
	h := NewHandler(eng, NewHub(), settings,
		WithPushState(func() string { return "connected" }),
		WithSettingsHook(func() { env.changed.Add(1) }),
	)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	handler := Chain(mux,
		CORS([]string{"*"}),
		RequestID,
		Logging(nil),
		Auth([]string{apiKey()}),
		RateLimit(ctx, 100),
	)

	env.srv = httptest.NewServer(handler)
	t.Cleanup(env.srv.Close)
	return env
}

func apiKey() string { return "test-api-key" }

func doRequest(t *testing.T, srv *httptest.Server, method, path string, body any, withAuth bool) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(data)
	}
	var req *http.Request
	var err error
	if rdr != nil {
		req, err = http.NewRequest(method, srv.URL+path, rdr)
	} else {
		req, err = http.NewRequest(method, srv.URL+path, nil)
	}
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withAuth {
		req.Header.Set("X-API-Key", apiKey())
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth_ExemptFromAuth(t *testing.T) {
	env := newTestServer(t)

	resp := doRequest(t, env.srv, http.MethodGet, "/api/v1/health", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status = %d, want 200", resp.StatusCode)
	}
	var result map[string]any
	decodeBody(t, resp, &result)
	if result["status"] != "ok" || result["push"] != "connected" {
		t.Errorf("health = %v", result)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestAuth_NoAPIKey_Returns401(t *testing.T) {
	env := newTestServer(t)

	resp := doRequest(t, env.srv, http.MethodGet, "/api/v1/jobs", nil, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSubmit_Returns202WithServerJob(t *testing.T) {
	env := newTestServer(t)

	resp := doRequest(t, env.srv, http.MethodPost, "/api/v1/submit", map[string]string{"url": testLocator, "post_title": "Post"}, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var rec job.Record
	decodeBody(t, resp, &rec)
	if rec.ID != "d1" || rec.Status != job.StatusQueued {
		t.Errorf("record = %+v", rec)
	}

	get := doRequest(t, env.srv, http.MethodGet, "/api/v1/jobs/d1", nil, true)
	if get.StatusCode != http.StatusOK {
		t.Fatalf("get: status = %d, want 200", get.StatusCode)
	}
}

func TestSubmit_Errors(t *testing.T) {
	tests := []struct {
		name string
		body any
		err  error
		want int
	}{
		{"missing url", map[string]string{}, nil, http.StatusBadRequest},
		{"invalid json", "not an object", nil, http.StatusBadRequest},
		{"unsupported provider", map[string]string{"url": "https://example.com/file"}, nil, http.StatusUnprocessableEntity},
		{"service error", map[string]string{"url": testLocator}, &remote.StatusError{Code: 500}, http.StatusBadGateway},
		{"unreachable", map[string]string{"url": testLocator}, context.DeadlineExceeded, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestServer(t)
			env.remote.set(func(f *fakeRemote) { f.submitErr = tt.err })
			resp := doRequest(t, env.srv, http.MethodPost, "/api/v1/submit", tt.body, true)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var e map[string]string
			decodeBody(t, resp, &e)
			if e["error"] == "" {
				t.Error("response body missing error")
			}
		})
	}
}

func TestBind_TriggerMirrorsKnownJob(t *testing.T) {
	env := newTestServer(t)
	doRequest(t, env.srv, http.MethodPost, "/api/v1/submit", map[string]string{"url": testLocator}, true)

	resp := doRequest(t, env.srv, http.MethodPost, "/api/v1/bindings", map[string]any{
		"locator": "https://gofile.io/d/abc?gdl_title=Thread",
		"handle":  "btn-1",
		"origin":  "thread-1",
		"trigger": true,
	}, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var got bindResponse
	decodeBody(t, resp, &got)
	if got.Key != testLocator {
		t.Errorf("key = %q, want %q", got.Key, testLocator)
	}
	if got.Visual == nil || got.Visual.Label != "Queued ✓" {
		t.Errorf("visual = %+v, want queued presentation", got.Visual)
	}
	if got.State.JobID != "d1" || len(got.State.Triggers) != 1 {
		t.Errorf("state = %+v", got.State)
	}

	del := doRequest(t, env.srv, http.MethodDelete, "/api/v1/bindings/btn-1", nil, true)
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("unbind: status = %d, want 204", del.StatusCode)
	}
	again := doRequest(t, env.srv, http.MethodDelete, "/api/v1/bindings/btn-1", nil, true)
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("unbind twice: status = %d, want 404", again.StatusCode)
	}
}

func TestBind_RequiresLocatorAndHandle(t *testing.T) {
	env := newTestServer(t)
	resp := doRequest(t, env.srv, http.MethodPost, "/api/v1/bindings", map[string]string{"locator": testLocator}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListJobs_Modes(t *testing.T) {
	env := newTestServer(t)
	doRequest(t, env.srv, http.MethodPost, "/api/v1/submit", map[string]string{"url": testLocator}, true)
	doRequest(t, env.srv, http.MethodPost, "/api/v1/bindings", map[string]any{"locator": testLocator, "handle": "a1", "origin": "thread-1"}, true)

	var all view.Projection
	decodeBody(t, doRequest(t, env.srv, http.MethodGet, "/api/v1/jobs?mode=all", nil, true), &all)
	if len(all.Active) != 1 || all.Active[0].ID != "d1" {
		t.Errorf("all.Active = %+v", all.Active)
	}

	var other view.Projection
	decodeBody(t, doRequest(t, env.srv, http.MethodGet, "/api/v1/jobs?origin=thread-2", nil, true), &other)
	if !other.Empty() {
		t.Errorf("thread-2 should see nothing, got %+v", other)
	}

	var thread view.Projection
	decodeBody(t, doRequest(t, env.srv, http.MethodGet, "/api/v1/jobs?origin=thread-1", nil, true), &thread)
	if len(thread.Active) != 1 {
		t.Errorf("thread-1 Active = %+v", thread.Active)
	}

	bad := doRequest(t, env.srv, http.MethodGet, "/api/v1/jobs?mode=weird", nil, true)
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode: status = %d, want 400", bad.StatusCode)
	}
}

func TestGetKey(t *testing.T) {
	env := newTestServer(t)
	doRequest(t, env.srv, http.MethodPost, "/api/v1/submit", map[string]string{"url": testLocator}, true)

	var ks engine.KeyState
	decodeBody(t, doRequest(t, env.srv, http.MethodGet, "/api/v1/keys?locator=https%3A%2F%2Fgofile.io%2Fd%2Fabc%3Fgdl_title%3DT", nil, true), &ks)
	if ks.Status != job.StatusQueued || ks.JobID != "d1" {
		t.Errorf("key state = %+v", ks)
	}
}

func TestRetryJob(t *testing.T) {
	env := newTestServer(t)
	env.remote.set(func(f *fakeRemote) {
		f.retryRes = job.Partial{ID: "d9", Status: job.StatusQueued, URLs: []string{testLocator}}
	})

	resp := doRequest(t, env.srv, http.MethodPost, "/api/v1/jobs/d9/retry", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	env.remote.set(func(f *fakeRemote) {
		f.retryErr = &remote.StatusError{Code: http.StatusConflict, Detail: "job is active"}
	})
	conflict := doRequest(t, env.srv, http.MethodPost, "/api/v1/jobs/d9/retry", nil, true)
	if conflict.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", conflict.StatusCode)
	}
}

func TestDeleteJob(t *testing.T) {
	env := newTestServer(t)
	doRequest(t, env.srv, http.MethodPost, "/api/v1/submit", map[string]string{"url": testLocator}, true)

	resp := doRequest(t, env.srv, http.MethodDelete, "/api/v1/jobs/d1", nil, true)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if _, ok := env.eng.Store().Get("d1"); ok {
		t.Error("job still in store after delete")
	}

	env.remote.set(func(f *fakeRemote) { f.deleteErr = &remote.StatusError{Code: http.StatusNotFound} })
	missing := doRequest(t, env.srv, http.MethodDelete, "/api/v1/jobs/nope", nil, true)
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", missing.StatusCode)
	}
}

func TestSettings(t *testing.T) {
	env := newTestServer(t)

	var v config.View
	decodeBody(t, doRequest(t, env.srv, http.MethodGet, "/api/v1/settings", nil, true), &v)
	if v.Token != "********oken" || !v.TokenSet {
		t.Errorf("view = %+v", v)
	}

	bad := doRequest(t, env.srv, http.MethodPut, "/api/v1/settings", map[string]string{"api_base": "ftp://nope"}, true)
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", bad.StatusCode)
	}
	if env.changed.Load() != 0 {
		t.Errorf("hook called on rejected update")
	}

	ok := doRequest(t, env.srv, http.MethodPut, "/api/v1/settings", map[string]string{"api_base": "https://dl.example.com/", "api_token": "new"}, true)
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", ok.StatusCode)
	}
	if env.settings.Base() != "https://dl.example.com" || env.settings.Token() != "new" {
		t.Errorf("settings = %q %q", env.settings.Base(), env.settings.Token())
	}
	if n := env.changed.Load(); n != 1 {
		t.Errorf("hook calls = %d, want 1", n)
	}
}

func TestStreamEvents_DeliversTriggerUpdates(t *testing.T) {
	env := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/v1/events?origin=thread-1", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("X-API-Key", apiKey())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func(event string) string {
		t.Helper()
		for lines.Scan() {
			if lines.Text() != "event: "+event {
				continue
			}
			lines.Scan()
			return strings.TrimPrefix(lines.Text(), "data: ")
		}
		t.Fatalf("stream ended before %q event: %v", event, lines.Err())
		return ""
	}

	next("jobs")

	doRequest(t, env.srv, http.MethodPost, "/api/v1/submit", map[string]string{"url": testLocator}, true)
	doRequest(t, env.srv, http.MethodPost, "/api/v1/bindings", map[string]any{
		"locator": testLocator, "handle": "btn-1", "origin": "thread-1", "trigger": true,
	}, true)

	var tp triggerPayload
	if err := json.Unmarshal([]byte(next("trigger")), &tp); err != nil {
		t.Fatalf("decode trigger: %v", err)
	}
	if tp.Handle != "btn-1" || tp.Visual.Label != "Queued ✓" {
		t.Errorf("trigger = %+v", tp)
	}
}
