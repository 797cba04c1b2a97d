package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gallerydl/gdlsync/internal/job"
)

type staticCreds struct{ base, token string }

func (c staticCreds) Base() string  { return c.base }
func (c staticCreds) Token() string { return c.token }

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(staticCreds{base: srv.URL + "/", token: "tok"})
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		code     int
		existing bool
	}{
		{"created", http.StatusAccepted, false},
		{"existing", http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/downloads", r.URL.Path)
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				var body map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, []any{"https://gofile.io/d/abc"}, body["urls"])
				assert.Equal(t, "My Post", body["post_title"])

				w.WriteHeader(tt.code)
				w.Write([]byte(`{"id":"j1","status":"queued","urls":["https://GOFILE.io/d/abc"],"post_title":"My Post","requested_at":"2024-05-01T10:00:00"}`))
			})

			res, err := c.Submit(context.Background(), []string{"https://gofile.io/d/abc"}, "My Post")
			require.NoError(t, err)
			assert.Equal(t, tt.existing, res.Existing)
			assert.Equal(t, "j1", res.Job.ID)
			assert.Equal(t, job.StatusQueued, res.Job.Status)
			assert.Equal(t, []string{"https://gofile.io/d/abc"}, res.Job.URLs)
			require.NotNil(t, res.Job.Title)
			assert.Equal(t, "My Post", *res.Job.Title)
			require.NotNil(t, res.Job.RequestedAt)
			assert.Equal(t, 10, res.Job.RequestedAt.Hour())
		})
	}
}

func TestSubmit_NullTitle(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		v, ok := body["post_title"]
		assert.True(t, ok)
		assert.Nil(t, v)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"id":"j1","status":"queued","urls":[]}`))
	})
	_, err := c.Submit(context.Background(), []string{"https://gofile.io/d/abc"}, "")
	require.NoError(t, err)
}

func TestSubmit_StatusError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"bad url"}`))
	})
	_, err := c.Submit(context.Background(), []string{"x"}, "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Code)
	assert.Equal(t, "bad url", se.Detail)
}

func TestList(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/downloads", r.URL.Path)
		w.Write([]byte(`[
			{"id":"a","status":"running","urls":["https://bunkr.si/v/x"],"requested_at":"2024-05-01T10:00:00Z"},
			{"download_id":"b","status":"cancelled","urls":[],"queued_at":"2024-05-01 09:00:00","failure_reason":"stopped"},
			{"id":"c","status":"weird"}
		]`))
	})
	ps, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, ps, 3)

	assert.Equal(t, "a", ps[0].ID)
	assert.True(t, ps[0].Full)
	assert.Equal(t, []string{"https://bunkr.ws/f/x"}, ps[0].URLs)

	assert.Equal(t, "b", ps[1].ID)
	assert.Equal(t, job.StatusFailed, ps[1].Status)
	require.NotNil(t, ps[1].RequestedAt)
	require.NotNil(t, ps[1].FailureReason)

	assert.Equal(t, job.Status(""), ps[2].Status, "unknown status is absent")
	assert.Nil(t, ps[2].URLs)
}

func TestList_Malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"object", `{"not":"an array"}`},
		{"null", `null`},
		{"null with whitespace", " null\n"},
		{"truncated", `[{"id":"j1"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			ps, err := c.List(context.Background())
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Nil(t, ps)
		})
	}
}

func TestList_EmptyArrayIsAListing(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	ps, err := c.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, ps)
	assert.Empty(t, ps)
}

func TestList_EmptyStringsAreAbsent(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"j1","status":"running","label":"","post_title":""}]`))
	})
	ps, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Nil(t, ps[0].Label)
	assert.Nil(t, ps[0].Title)
}

func TestRetryAndDelete(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/downloads/j1/retry":
			w.Write([]byte(`{"id":"j1","status":"queued","urls":["https://gofile.io/d/abc"]}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/downloads/j1":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete && r.URL.Path == "/downloads/j2":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"detail":"Active downloads cannot be deleted."}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	p, err := c.Retry(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, p.Status)

	require.NoError(t, c.Delete(context.Background(), "j1"))

	err = c.Delete(context.Background(), "j2")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Code)

	_, err = c.Get(context.Background(), "missing")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestTransportError(t *testing.T) {
	t.Parallel()
	c := NewClient(staticCreds{base: "http://127.0.0.1:1"})
	_, err := c.List(context.Background())
	require.Error(t, err)
	var se *StatusError
	assert.False(t, errors.As(err, &se))
}
