package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gallerydl/gdlsync/internal/job"
)

// ErrMalformed marks a push message that could not be decoded.
var ErrMalformed = errors.New("malformed push message")

// Event is a decoded push notification.
type Event struct {
	// Type is the raw message type, e.g. "queued" or "progress".
	Type string
	Job  job.Partial
}

// eventStatus maps message types onto job statuses. Types not listed here
// are ignored.
var eventStatus = map[string]job.Status{
	"queued":    job.StatusQueued,
	"running":   job.StatusRunning,
	"progress":  job.StatusRunning,
	"succeeded": job.StatusSucceeded,
	"failed":    job.StatusFailed,
	"cancelled": job.StatusFailed,
}

type wireEvent struct {
	Type          string   `json:"type"`
	DownloadID    string   `json:"download_id"`
	URLs          []string `json:"urls"`
	Label         *string  `json:"label"`
	PostTitle     *string  `json:"post_title"`
	QueuedAt      *string  `json:"queued_at"`
	StartedAt     *string  `json:"started_at"`
	FinishedAt    *string  `json:"finished_at"`
	FailureReason *string  `json:"failure_reason"`
}

// ParseEvent decodes a push message. It returns false for messages that
// carry no job update, such as the welcome greeting.
func ParseEvent(data []byte, normalize func(string) string) (Event, bool, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	typ := strings.ToLower(strings.TrimSpace(w.Type))
	if typ == "" {
		return Event{}, false, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	status, ok := eventStatus[typ]
	if !ok {
		return Event{}, false, nil
	}
	if w.DownloadID == "" {
		return Event{}, false, fmt.Errorf("%w: %s event without download_id", ErrMalformed, typ)
	}

	p := job.Partial{
		ID:            w.DownloadID,
		Status:        status,
		Label:         job.NonEmpty(w.Label),
		Title:         job.NonEmpty(w.PostTitle),
		RequestedAt:   job.ParseTimePtr(w.QueuedAt),
		StartedAt:     job.ParseTimePtr(w.StartedAt),
		FinishedAt:    job.ParseTimePtr(w.FinishedAt),
		FailureReason: w.FailureReason,
	}
	if len(w.URLs) > 0 {
		p.URLs = make([]string, 0, len(w.URLs))
		for _, u := range w.URLs {
			p.URLs = append(p.URLs, normalize(u))
		}
	}
	return Event{Type: typ, Job: p}, true, nil
}

// queuedText builds the title and body of the alert raised for a queued job.
func queuedText(p job.Partial) (title, body string) {
	title = "Download queued"
	if p.Title != nil && *p.Title != "" {
		title = *p.Title
	}
	switch {
	case len(p.URLs) > 1:
		body = fmt.Sprintf("%d items queued", len(p.URLs))
	case len(p.URLs) == 1:
		body = p.URLs[0]
	default:
		body = "Queued"
	}
	return title, body
}
