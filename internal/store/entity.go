package store

import (
	"context"
	"time"

	"github.com/ijoka-dev/ijoka/internal/model"
)

// EntityStore is the authoritative store for projects, features, sessions,
// events and insights. Single-entity writes are atomic; multi-entity sequences
// are not, callers must tolerate partial application.
//
// Lookups of missing entities return an error with code NOT_FOUND; connectivity
// failures and timeouts return STORE_UNAVAILABLE.
type EntityStore interface {
	Ping(ctx context.Context) error
	Close() error

	EnsureProject(ctx context.Context, path string) error
	ListProjects(ctx context.Context) ([]string, error)

	// CreateFeature inserts f, assigning ID and timestamps when unset.
	CreateFeature(ctx context.Context, f *model.Feature) error
	GetFeature(ctx context.Context, id string) (*model.Feature, error)
	// ListFeatures returns the features of project ordered by priority
	// (highest first) then creation time.
	ListFeatures(ctx context.Context, project string) ([]*model.Feature, error)
	// ActiveFeatures returns the features of project with in_progress set.
	ActiveFeatures(ctx context.Context, project string) ([]*model.Feature, error)
	UpdateFeature(ctx context.Context, id string, patch FeaturePatch) (*model.Feature, error)
	// ClearInProgress unsets in_progress on every feature of project except
	// exceptID and returns the ids it changed.
	ClearInProgress(ctx context.Context, project, exceptID string) ([]string, error)
	// IncrementWorkCount adds one to the feature's work count and returns the
	// new value. A non-empty eventID makes the increment happen at most once
	// per event; repeats return the current count.
	IncrementWorkCount(ctx context.Context, id, eventID string) (int, error)
	ReplaceSteps(ctx context.Context, featureID string, steps []model.Step) error

	// CreateSession inserts s unless a session with the same id exists.
	// created reports whether a row was written.
	CreateSession(ctx context.Context, s *model.Session) (created bool, err error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (*model.Session, error)
	// ListSessions returns sessions of project, or of every project when empty.
	ListSessions(ctx context.Context, project string) ([]*model.Session, error)

	AppendEvent(ctx context.Context, e *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEvents(ctx context.Context, q EventQuery) ([]*model.Event, error)
	// LastSeq returns the highest event sequence stored for project, 0 if none.
	LastSeq(ctx context.Context, project string) (int64, error)
	MarkEffectApplied(ctx context.Context, eventID string) error
	EffectApplied(ctx context.Context, eventID string) (bool, error)

	// LinkWorkedOnBy records that sessionID did work on featureID. Idempotent.
	LinkWorkedOnBy(ctx context.Context, featureID, sessionID string) error
	FeatureSessions(ctx context.Context, featureID string) ([]string, error)

	AddInsight(ctx context.Context, in *model.Insight) error
	ListInsights(ctx context.Context, q InsightQuery) ([]*model.Insight, error)
}

// FeaturePatch is a partial update; nil fields are left untouched.
type FeaturePatch struct {
	Description   *string
	Category      *model.Category
	Passes        *bool
	InProgress    *bool
	Blocked       *bool
	BlockedReason *string
	Agent         *string
	Priority      *int
}

// SessionPatch is a partial update; nil fields are left untouched.
type SessionPatch struct {
	Status           *model.SessionStatus
	SourceAgent      *model.SourceAgent
	CurrentFeatureID *string
	LastActivity     *time.Time
	EndedAt          *time.Time
	IncrementEvents  bool
	// EventID, when set, applies IncrementEvents at most once for that event.
	EventID string
}

// EventQuery selects events, newest first. Empty fields do not filter.
type EventQuery struct {
	Project   string
	FeatureID string
	SessionID string
	Limit     int
}

// InsightQuery selects insights, newest first.
type InsightQuery struct {
	Project string
	Tag     string
	Limit   int
}

// Effect steps guarded per event by IncrementWorkCount and UpdateSession.
const (
	StepWorkCount  = "work_count"
	StepEventCount = "event_count"
)

// DefaultEventLimit applies when a query does not set a limit.
const DefaultEventLimit = 50

// ChangeKind names the entity a Change carries.
type ChangeKind string

const (
	ChangeFeature ChangeKind = "feature"
	ChangeSession ChangeKind = "session"
	ChangeEvent   ChangeKind = "event"
	ChangeInsight ChangeKind = "insight"
)

// Change is an entity delta the store accepted. Followers (cache, broadcast)
// consume changes and never query the store's native language.
type Change struct {
	Kind        ChangeKind
	ProjectPath string
	Feature     *model.Feature
	Session     *model.Session
	Event       *model.Event
	Insight     *model.Insight
}

// Sink receives committed changes. Notify must not block.
type Sink interface {
	Notify(c Change)
}

// Bool returns a pointer to b, for building patches.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s, for building patches.
func String(s string) *string { return &s }

// Sinks fans a change out to several sinks in order.
type Sinks []Sink

// Notify forwards c to every sink.
func (s Sinks) Notify(c Change) {
	for _, sink := range s {
		sink.Notify(c)
	}
}

// FeatureChange wraps f as a Change.
func FeatureChange(f *model.Feature) Change {
	return Change{Kind: ChangeFeature, ProjectPath: f.ProjectPath, Feature: f}
}

// SessionChange wraps s as a Change.
func SessionChange(s *model.Session) Change {
	return Change{Kind: ChangeSession, ProjectPath: s.ProjectPath, Session: s}
}

// EventChange wraps e as a Change.
func EventChange(e *model.Event) Change {
	return Change{Kind: ChangeEvent, ProjectPath: e.ProjectPath, Event: e}
}

// InsightChange wraps in as a Change.
func InsightChange(in *model.Insight) Change {
	return Change{Kind: ChangeInsight, ProjectPath: in.ProjectPath, Insight: in}
}
