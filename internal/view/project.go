// Package view derives the visible job lists from the store and renders them
// for a terminal.
package view

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/gallerydl/gdlsync/internal/job"
)

// Mode selects which jobs are visible.
type Mode string

const (
	// ModeThread shows only jobs touching keys bound under the current origin.
	ModeThread Mode = "thread"
	// ModeAll shows every job.
	ModeAll Mode = "all"
)

// RecentLimit caps the number of finished jobs shown.
const RecentLimit = 10

// ParseMode parses a mode name. An empty name selects ModeThread.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeThread:
		return ModeThread, nil
	case ModeAll:
		return ModeAll, nil
	}
	return "", fmt.Errorf("unknown view mode %q (want thread or all)", s)
}

// OriginIndex resolves the keys bound under an origin.
type OriginIndex interface {
	KeysForOrigin(origin string) []string
}

// Projection is the visible state: jobs still in flight and the most
// recently finished ones.
type Projection struct {
	Mode   Mode         `json:"mode"`
	Origin string       `json:"origin,omitempty"`
	Active []job.Record `json:"active"`
	Recent []job.Record `json:"recent"`
}

// Empty reports whether nothing is visible.
func (p Projection) Empty() bool {
	return len(p.Active) == 0 && len(p.Recent) == 0
}

// Project filters and orders jobs. Active jobs are sorted by request time and
// finished jobs by finish time, newest first; missing timestamps sort last.
func Project(jobs []job.Record, mode Mode, origin string, idx OriginIndex) Projection {
	out := Projection{Mode: mode, Origin: origin, Active: []job.Record{}, Recent: []job.Record{}}

	var visible func(job.Record) bool
	if mode == ModeThread {
		keys := map[string]struct{}{}
		if idx != nil {
			for _, k := range idx.KeysForOrigin(origin) {
				keys[k] = struct{}{}
			}
		}
		visible = func(r job.Record) bool {
			return slices.ContainsFunc(r.URLs, func(u string) bool {
				_, ok := keys[u]
				return ok
			})
		}
	}

	for _, r := range jobs {
		if visible != nil && !visible(r) {
			continue
		}
		switch {
		case r.Status.IsTerminal():
			out.Recent = append(out.Recent, r)
		default:
			out.Active = append(out.Active, r)
		}
	}

	sortNewest(out.Active, func(r job.Record) *time.Time { return r.RequestedAt })
	sortNewest(out.Recent, func(r job.Record) *time.Time { return r.FinishedAt })
	if len(out.Recent) > RecentLimit {
		out.Recent = out.Recent[:RecentLimit]
	}
	return out
}

func sortNewest(rs []job.Record, at func(job.Record) *time.Time) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := at(rs[i]), at(rs[j])
		switch {
		case a == nil && b == nil:
			return rs[i].ID < rs[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		}
		return rs[i].ID < rs[j].ID
	})
}
