package remote

import (
	"github.com/gallerydl/gdlsync/internal/job"
)

// wireJob is the service's download record. Older builds send download_id
// and queued_at instead of id and requested_at.
type wireJob struct {
	ID            string   `json:"id"`
	DownloadID    string   `json:"download_id"`
	Status        string   `json:"status"`
	URLs          []string `json:"urls"`
	Label         *string  `json:"label"`
	PostTitle     *string  `json:"post_title"`
	OutputPath    *string  `json:"output_path"`
	RequestedAt   *string  `json:"requested_at"`
	QueuedAt      *string  `json:"queued_at"`
	StartedAt     *string  `json:"started_at"`
	FinishedAt    *string  `json:"finished_at"`
	FailureReason *string  `json:"failure_reason"`
}

type submitRequest struct {
	URLs      []string `json:"urls"`
	PostTitle *string  `json:"post_title"`
	Label     *string  `json:"label,omitempty"`
}

// partial converts a wire record. An unknown status is treated as absent so
// the rest of the record still merges; a missing id is left for the store to
// reject.
func (w wireJob) partial(normalize func(string) string) job.Partial {
	p := job.Partial{
		ID:            w.ID,
		Label:         job.NonEmpty(w.Label),
		Title:         job.NonEmpty(w.PostTitle),
		FailureReason: w.FailureReason,
		RequestedAt:   job.ParseTimePtr(w.RequestedAt),
		StartedAt:     job.ParseTimePtr(w.StartedAt),
		FinishedAt:    job.ParseTimePtr(w.FinishedAt),
	}
	if p.ID == "" {
		p.ID = w.DownloadID
	}
	if p.RequestedAt == nil {
		p.RequestedAt = job.ParseTimePtr(w.QueuedAt)
	}
	if st, ok := job.ParseStatus(w.Status); ok {
		p.Status = st
	}
	if w.URLs != nil {
		p.URLs = make([]string, 0, len(w.URLs))
		for _, u := range w.URLs {
			p.URLs = append(p.URLs, normalize(u))
		}
	}
	return p
}
