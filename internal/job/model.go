package job

import (
	"errors"
	"slices"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// LocalPrefix marks ids synthesized by a local submit before the service
// assigned a real one.
const LocalPrefix = "local-"

// ErrMissingID is returned when a partial record carries no job id.
var ErrMissingID = errors.New("partial record has no job id")

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// IsActive returns true for statuses of jobs still waiting or running.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusRunning
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	return s == StatusQueued || s == StatusRunning || s.IsTerminal()
}

// rank orders statuses so that merges never move a job backwards.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed:
		return 2
	}
	return -1
}

// ParseStatus maps a service status string onto a Status. Unknown values
// return false.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if st == "cancelled" || st == "canceled" {
		return StatusFailed, true
	}
	return st, st.Valid()
}

// Record is the canonical local view of one remote job.
type Record struct {
	ID            string     `json:"id"`
	Status        Status     `json:"status"`
	URLs          []string   `json:"urls"`
	Label         string     `json:"label,omitempty"`
	Title         string     `json:"post_title,omitempty"`
	RequestedAt   *time.Time `json:"requested_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Local         bool       `json:"local,omitempty"`
}

// HasKey reports whether key is one of the record's urls.
func (r Record) HasKey(key string) bool {
	return slices.Contains(r.URLs, key)
}

func (r Record) clone() Record {
	c := r
	c.URLs = slices.Clone(r.URLs)
	c.RequestedAt = cloneTime(r.RequestedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.FinishedAt = cloneTime(r.FinishedAt)
	return c
}

func (r Record) equal(o Record) bool {
	return r.ID == o.ID &&
		r.Status == o.Status &&
		slices.Equal(r.URLs, o.URLs) &&
		r.Label == o.Label &&
		r.Title == o.Title &&
		sameTime(r.RequestedAt, o.RequestedAt) &&
		sameTime(r.StartedAt, o.StartedAt) &&
		sameTime(r.FinishedAt, o.FinishedAt) &&
		r.FailureReason == o.FailureReason &&
		r.Local == o.Local
}

// Partial is an update for a subset of a job's fields. Nil pointers, an empty
// Status and a nil URLs slice mean "absent".
type Partial struct {
	ID            string
	Status        Status
	URLs          []string
	Label         *string
	Title         *string
	RequestedAt   *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	FailureReason *string

	// Full marks a poll snapshot entry, which is authoritative for the set
	// of urls.
	Full bool
	// Local marks an optimistic record created by a local submit.
	Local bool
}

// PartialFrom converts a record into a full partial, used to restore cached
// records and to replay a server response.
func PartialFrom(r Record) Partial {
	p := Partial{
		ID:          r.ID,
		Status:      r.Status,
		URLs:        slices.Clone(r.URLs),
		RequestedAt: cloneTime(r.RequestedAt),
		StartedAt:   cloneTime(r.StartedAt),
		FinishedAt:  cloneTime(r.FinishedAt),
		Full:        true,
		Local:       r.Local,
	}
	if r.Label != "" {
		p.Label = ptr(r.Label)
	}
	if r.Title != "" {
		p.Title = ptr(r.Title)
	}
	if r.FailureReason != "" {
		p.FailureReason = ptr(r.FailureReason)
	}
	return p
}

// ParseTime accepts RFC 3339 timestamps with or without a zone. Values
// without a zone are taken as UTC, which is what the service emits.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseTimePtr is ParseTime for optional wire fields.
func ParseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, ok := ParseTime(*s)
	if !ok {
		return nil
	}
	return &t
}

// NonEmpty treats an empty optional string as absent.
func NonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func ptr[T any](v T) *T { return &v }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
