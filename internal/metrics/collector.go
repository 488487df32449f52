// Package metrics aggregates feature progress and session activity per project.
package metrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ijoka-dev/ijoka/internal/model"
)

// Stats summarizes a project. Blocked features are counted in Total and in
// their own bucket, never in Completed, InProgress or Pending.
type Stats struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	InProgress     int `json:"inProgress"`
	Pending        int `json:"pending"`
	Blocked        int `json:"blocked"`
	Percentage     int `json:"percentage"`
	ActiveSessions int `json:"activeSessions"`
}

// Tally buckets features by derived status. Percentage is
// round(completed/total*100), 0 for an empty project.
func Tally(features []*model.Feature) Stats {
	var s Stats
	for _, f := range features {
		s.Total++
		switch model.DeriveFeatureStatus(f) {
		case model.StatusCompleted:
			s.Completed++
		case model.StatusInProgress:
			s.InProgress++
		case model.StatusBlocked:
			s.Blocked++
		default:
			s.Pending++
		}
	}
	if s.Total > 0 {
		s.Percentage = int(math.Round(float64(s.Completed) / float64(s.Total) * 100))
	}
	return s
}

// CountActive returns how many sessions read as active at now.
func CountActive(sessions []*model.Session, now time.Time, idleAfter time.Duration) int {
	n := 0
	for _, s := range sessions {
		if model.DeriveSessionStatus(s, now, idleAfter) == model.SessionActive {
			n++
		}
	}
	return n
}

// Source is satisfied by both the authoritative store and the local cache.
type Source interface {
	ListFeatures(ctx context.Context, project string) ([]*model.Feature, error)
	ListSessions(ctx context.Context, project string) ([]*model.Session, error)
}

// Collector provides a query facade over a Source for stats aggregation.
type Collector struct {
	src       Source
	idleAfter time.Duration
	now       func() time.Time
}

// NewCollector creates a collector. idleAfter is the session idle window.
func NewCollector(src Source, idleAfter time.Duration) *Collector {
	return &Collector{src: src, idleAfter: idleAfter, now: time.Now}
}

// ProjectStats returns the stats of project. An unknown project yields zeros.
func (c *Collector) ProjectStats(ctx context.Context, project string) (Stats, error) {
	features, err := c.src.ListFeatures(ctx, project)
	if err != nil {
		return Stats{}, err
	}
	sessions, err := c.src.ListSessions(ctx, project)
	if err != nil {
		return Stats{}, err
	}
	s := Tally(features)
	s.ActiveSessions = CountActive(sessions, c.now(), c.idleAfter)
	return s, nil
}

// Summary returns a one-line rendering of s.
func Summary(s Stats) string {
	return fmt.Sprintf(
		"Features: %d | Completed: %d (%d%%) | In progress: %d | Pending: %d | Blocked: %d | Active sessions: %d",
		s.Total, s.Completed, s.Percentage, s.InProgress, s.Pending, s.Blocked, s.ActiveSessions,
	)
}
