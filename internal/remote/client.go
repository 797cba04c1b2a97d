// Package remote talks to the download service's HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gallerydl/gdlsync/internal/job"
	"github.com/gallerydl/gdlsync/internal/resource"
)

// ErrMalformed is returned when a response body cannot be decoded into the
// expected shape.
var ErrMalformed = errors.New("malformed response")

// StatusError is returned for any response outside the accepted status codes.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Credentials supplies the service address and bearer token. Both may change
// at runtime, so they are read on every request.
type Credentials interface {
	Base() string
	Token() string
}

// SubmitResult is the service's answer to a submit.
type SubmitResult struct {
	Job job.Partial
	// Existing is true when the service answered 200 with an already active
	// job for the same urls instead of creating a new one.
	Existing bool
}

// Client is a thin JSON client for the download service.
type Client struct {
	creds     Credentials
	http      *http.Client
	normalize func(string) string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// NewClient creates a Client. Urls in responses are normalized with
// resource.Normalize.
func NewClient(creds Credentials, opts ...Option) *Client {
	c := &Client{
		creds:     creds,
		http:      &http.Client{Timeout: 30 * time.Second},
		normalize: resource.Normalize,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit asks the service to download urls. Both 200 and 202 count as
// accepted.
func (c *Client) Submit(ctx context.Context, urls []string, postTitle string) (SubmitResult, error) {
	body := submitRequest{URLs: urls}
	if postTitle != "" {
		body.PostTitle = &postTitle
	}
	var w wireJob
	code, err := c.do(ctx, http.MethodPost, "/downloads", body, &w, http.StatusOK, http.StatusAccepted)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit: %w", err)
	}
	return SubmitResult{Job: w.partial(c.normalize), Existing: code == http.StatusOK}, nil
}

// List fetches every job the service knows about.
func (c *Client) List(ctx context.Context) ([]job.Partial, error) {
	var ws []wireJob
	if _, err := c.do(ctx, http.MethodGet, "/downloads", nil, &ws, http.StatusOK); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	// A null body decodes without error but is not a listing.
	if ws == nil {
		return nil, fmt.Errorf("list: %w: expected a JSON array", ErrMalformed)
	}
	out := make([]job.Partial, 0, len(ws))
	for _, w := range ws {
		p := w.partial(c.normalize)
		p.Full = true
		out = append(out, p)
	}
	return out, nil
}

// Get fetches one job.
func (c *Client) Get(ctx context.Context, id string) (job.Partial, error) {
	var w wireJob
	if _, err := c.do(ctx, http.MethodGet, "/downloads/"+url.PathEscape(id), nil, &w, http.StatusOK); err != nil {
		return job.Partial{}, fmt.Errorf("get %s: %w", id, err)
	}
	p := w.partial(c.normalize)
	p.Full = true
	return p, nil
}

// Retry restarts a finished job. The service keeps the id and resets the job
// to queued.
func (c *Client) Retry(ctx context.Context, id string) (job.Partial, error) {
	var w wireJob
	if _, err := c.do(ctx, http.MethodPost, "/downloads/"+url.PathEscape(id)+"/retry", nil, &w, http.StatusOK); err != nil {
		return job.Partial{}, fmt.Errorf("retry %s: %w", id, err)
	}
	p := w.partial(c.normalize)
	p.Full = true
	return p, nil
}

// Delete removes a finished job. Active jobs are refused with 409.
func (c *Client) Delete(ctx context.Context, id string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/downloads/"+url.PathEscape(id), nil, nil, http.StatusNoContent, http.StatusOK); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, accept ...int) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.creds.Base(), "/")+path, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.creds.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if !slices.Contains(accept, resp.StatusCode) {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Detail: detail(resp.Body)}
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return resp.StatusCode, nil
}

// detail extracts the service's {"detail": "..."} error message, if any.
func detail(r io.Reader) string {
	var e struct {
		Detail any `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&e); err != nil {
		return ""
	}
	if s, ok := e.Detail.(string); ok {
		return s
	}
	return ""
}
