// Package memstore is an in-memory EntityStore with the same semantics as the
// SQL store. It backs unit tests and throwaway servers.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/model"
	"github.com/ijoka-dev/ijoka/internal/store"
)

// Store holds every entity in maps guarded by a single mutex.
// Returned entities are copies; mutating them does not affect the store.
type Store struct {
	mu       sync.Mutex
	projects map[string]time.Time
	features map[string]*model.Feature
	sessions map[string]*model.Session
	events   map[string]*model.Event
	order    []string
	effects  map[string]bool
	steps    map[string]bool
	links    map[string][]string
	insights []*model.Insight
	closed   bool
	failures map[string]error

	// Now is the clock used for timestamps the store assigns.
	Now func() time.Time
}

var _ store.EntityStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		projects: make(map[string]time.Time),
		features: make(map[string]*model.Feature),
		sessions: make(map[string]*model.Session),
		events:   make(map[string]*model.Event),
		effects:  make(map[string]bool),
		steps:    make(map[string]bool),
		links:    make(map[string][]string),
		failures: make(map[string]error),
		Now:      time.Now,
	}
}

// FailOn makes every later call of the named method return err. A nil err
// clears the failure. Method names match the EntityStore interface.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// check returns the injected failure for method or an unavailable error after
// Close. Caller must hold the lock.
func (s *Store) check(method string) error {
	if s.closed {
		return ierrors.StoreUnavailable(method, fmt.Errorf("store is closed"))
	}
	if err, ok := s.failures[method]; ok {
		return err
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.Now().UTC()
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check("Ping")
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// --- Projects ---

func (s *Store) EnsureProject(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("EnsureProject"); err != nil {
		return err
	}
	if _, ok := s.projects[path]; !ok {
		s.projects[path] = s.now()
	}
	return nil
}

func (s *Store) ListProjects(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ListProjects"); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(s.projects))
	for p := range s.projects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// --- Features ---

func copyFeature(f *model.Feature) *model.Feature {
	c := *f
	if f.Agent != nil {
		a := *f.Agent
		c.Agent = &a
	}
	c.Steps = append([]model.Step(nil), f.Steps...)
	return &c
}

func (s *Store) CreateFeature(ctx context.Context, f *model.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("CreateFeature"); err != nil {
		return err
	}
	if _, ok := s.projects[f.ProjectPath]; !ok {
		return ierrors.NotFound("project", f.ProjectPath)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if _, exists := s.features[f.ID]; exists {
		return ierrors.Internal("create feature", fmt.Errorf("feature %s already exists", f.ID))
	}
	if f.Category == "" {
		f.Category = model.CategoryFunctional
	}
	now := s.now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	for i := range f.Steps {
		f.Steps[i].Position = i
	}
	s.features[f.ID] = copyFeature(f)
	return nil
}

func (s *Store) GetFeature(ctx context.Context, id string) (*model.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("GetFeature"); err != nil {
		return nil, err
	}
	f, ok := s.features[id]
	if !ok {
		return nil, ierrors.NotFound("feature", id)
	}
	return copyFeature(f), nil
}

func (s *Store) ListFeatures(ctx context.Context, project string) ([]*model.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ListFeatures"); err != nil {
		return nil, err
	}
	features := []*model.Feature{}
	for _, f := range s.features {
		if f.ProjectPath == project {
			features = append(features, copyFeature(f))
		}
	}
	sort.Slice(features, func(i, j int) bool {
		a, b := features[i], features[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return features, nil
}

func (s *Store) ActiveFeatures(ctx context.Context, project string) ([]*model.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ActiveFeatures"); err != nil {
		return nil, err
	}
	features := []*model.Feature{}
	for _, f := range s.features {
		if f.ProjectPath == project && f.InProgress {
			features = append(features, copyFeature(f))
		}
	}
	sort.Slice(features, func(i, j int) bool {
		return features[i].UpdatedAt.After(features[j].UpdatedAt)
	})
	return features, nil
}

func (s *Store) UpdateFeature(ctx context.Context, id string, patch store.FeaturePatch) (*model.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpdateFeature"); err != nil {
		return nil, err
	}
	f, ok := s.features[id]
	if !ok {
		return nil, ierrors.NotFound("feature", id)
	}
	if patch.Description != nil {
		f.Description = *patch.Description
	}
	if patch.Category != nil {
		f.Category = *patch.Category
	}
	if patch.Passes != nil {
		f.Passes = *patch.Passes
	}
	if patch.InProgress != nil {
		f.InProgress = *patch.InProgress
	}
	if patch.Blocked != nil {
		f.Blocked = *patch.Blocked
	}
	if patch.BlockedReason != nil {
		f.BlockedReason = *patch.BlockedReason
	}
	if patch.Agent != nil {
		a := *patch.Agent
		f.Agent = &a
	}
	if patch.Priority != nil {
		f.Priority = *patch.Priority
	}
	f.UpdatedAt = s.now()
	return copyFeature(f), nil
}

func (s *Store) ClearInProgress(ctx context.Context, project, exceptID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ClearInProgress"); err != nil {
		return nil, err
	}
	var cleared []string
	for _, f := range s.features {
		if f.ProjectPath == project && f.InProgress && f.ID != exceptID {
			f.InProgress = false
			f.UpdatedAt = s.now()
			cleared = append(cleared, f.ID)
		}
	}
	sort.Strings(cleared)
	return cleared, nil
}

func (s *Store) IncrementWorkCount(ctx context.Context, id, eventID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("IncrementWorkCount"); err != nil {
		return 0, err
	}
	f, ok := s.features[id]
	if !ok {
		return 0, ierrors.NotFound("feature", id)
	}
	if !s.claimStep(eventID, store.StepWorkCount) {
		return f.WorkCount, nil
	}
	f.WorkCount++
	f.UpdatedAt = s.now()
	return f.WorkCount, nil
}

func (s *Store) ReplaceSteps(ctx context.Context, featureID string, steps []model.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ReplaceSteps"); err != nil {
		return err
	}
	f, ok := s.features[featureID]
	if !ok {
		return ierrors.NotFound("feature", featureID)
	}
	f.Steps = make([]model.Step, len(steps))
	for i, st := range steps {
		f.Steps[i] = model.Step{Position: i, Text: st.Text, Completed: st.Completed}
	}
	return nil
}

// claimStep records step for eventID and reports whether it was new. An empty
// eventID is never recorded. Caller must hold the lock.
func (s *Store) claimStep(eventID, step string) bool {
	if eventID == "" {
		return true
	}
	key := eventID + "/" + step
	if s.steps[key] {
		return false
	}
	s.steps[key] = true
	return true
}

// --- Sessions ---

func copySession(sess *model.Session) *model.Session {
	c := *sess
	if sess.EndedAt != nil {
		t := *sess.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func (s *Store) CreateSession(ctx context.Context, sess *model.Session) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("CreateSession"); err != nil {
		return false, err
	}
	if _, exists := s.sessions[sess.ID]; exists {
		return false, nil
	}
	if _, ok := s.projects[sess.ProjectPath]; !ok {
		return false, ierrors.NotFound("project", sess.ProjectPath)
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.now()
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.StartedAt
	}
	if sess.Status == "" {
		sess.Status = model.SessionActive
	}
	s.sessions[sess.ID] = copySession(sess)
	return true, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("GetSession"); err != nil {
		return nil, err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ierrors.NotFound("session", id)
	}
	return copySession(sess), nil
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch store.SessionPatch) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpdateSession"); err != nil {
		return nil, err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ierrors.NotFound("session", id)
	}
	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.SourceAgent != nil {
		sess.SourceAgent = *patch.SourceAgent
	}
	if patch.CurrentFeatureID != nil {
		sess.CurrentFeatureID = *patch.CurrentFeatureID
	}
	if patch.LastActivity != nil {
		sess.LastActivity = patch.LastActivity.UTC()
	}
	if patch.EndedAt != nil {
		t := patch.EndedAt.UTC()
		sess.EndedAt = &t
	}
	if patch.IncrementEvents && s.claimStep(patch.EventID, store.StepEventCount) {
		sess.EventCount++
	}
	return copySession(sess), nil
}

func (s *Store) ListSessions(ctx context.Context, project string) ([]*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ListSessions"); err != nil {
		return nil, err
	}
	sessions := []*model.Session{}
	for _, sess := range s.sessions {
		if project == "" || sess.ProjectPath == project {
			sessions = append(sessions, copySession(sess))
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})
	return sessions, nil
}

// --- Events ---

func copyEvent(e *model.Event) *model.Event {
	c := *e
	if e.ToolName != nil {
		t := *e.ToolName
		c.ToolName = &t
	}
	if e.Payload != nil {
		p := *e.Payload
		c.Payload = &p
	}
	return &c
}

func (s *Store) AppendEvent(ctx context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("AppendEvent"); err != nil {
		return err
	}
	if _, ok := s.projects[e.ProjectPath]; !ok {
		return ierrors.NotFound("project", e.ProjectPath)
	}
	for _, existing := range s.events {
		if existing.ProjectPath == e.ProjectPath && existing.Seq == e.Seq {
			return ierrors.Internal("append event",
				fmt.Errorf("sequence %d already used in %s", e.Seq, e.ProjectPath))
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, exists := s.events[e.ID]; exists {
		return ierrors.Internal("append event", fmt.Errorf("event %s already exists", e.ID))
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.events[e.ID] = copyEvent(e)
	s.order = append(s.order, e.ID)
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("GetEvent"); err != nil {
		return nil, err
	}
	e, ok := s.events[id]
	if !ok {
		return nil, ierrors.NotFound("event", id)
	}
	return copyEvent(e), nil
}

func (s *Store) ListEvents(ctx context.Context, q store.EventQuery) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ListEvents"); err != nil {
		return nil, err
	}
	events := []*model.Event{}
	for _, id := range s.order {
		e := s.events[id]
		if q.Project != "" && e.ProjectPath != q.Project {
			continue
		}
		if q.FeatureID != "" {
			if fid, ok := e.Attribution.FeatureID(); !ok || fid != q.FeatureID {
				continue
			}
		}
		if q.SessionID != "" && e.SessionID != q.SessionID {
			continue
		}
		events = append(events, copyEvent(e))
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Seq > b.Seq
	})
	limit := q.Limit
	if limit <= 0 {
		limit = store.DefaultEventLimit
	}
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Store) LastSeq(ctx context.Context, project string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("LastSeq"); err != nil {
		return 0, err
	}
	var last int64
	for _, e := range s.events {
		if e.ProjectPath == project && e.Seq > last {
			last = e.Seq
		}
	}
	return last, nil
}

func (s *Store) MarkEffectApplied(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("MarkEffectApplied"); err != nil {
		return err
	}
	s.effects[eventID] = true
	return nil
}

func (s *Store) EffectApplied(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("EffectApplied"); err != nil {
		return false, err
	}
	return s.effects[eventID], nil
}

// --- Relationships ---

func (s *Store) LinkWorkedOnBy(ctx context.Context, featureID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("LinkWorkedOnBy"); err != nil {
		return err
	}
	if _, ok := s.features[featureID]; !ok {
		return ierrors.NotFound("feature", featureID)
	}
	for _, id := range s.links[featureID] {
		if id == sessionID {
			return nil
		}
	}
	s.links[featureID] = append(s.links[featureID], sessionID)
	return nil
}

func (s *Store) FeatureSessions(ctx context.Context, featureID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("FeatureSessions"); err != nil {
		return nil, err
	}
	return append([]string{}, s.links[featureID]...), nil
}

// --- Insights ---

func (s *Store) AddInsight(ctx context.Context, in *model.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("AddInsight"); err != nil {
		return err
	}
	if _, ok := s.projects[in.ProjectPath]; !ok {
		return ierrors.NotFound("project", in.ProjectPath)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = s.now()
	}
	if in.Tags == nil {
		in.Tags = []string{}
	}
	c := *in
	c.Tags = append([]string{}, in.Tags...)
	s.insights = append(s.insights, &c)
	return nil
}

func (s *Store) ListInsights(ctx context.Context, q store.InsightQuery) ([]*model.Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ListInsights"); err != nil {
		return nil, err
	}
	insights := []*model.Insight{}
	for i := len(s.insights) - 1; i >= 0; i-- {
		in := s.insights[i]
		if q.Project != "" && in.ProjectPath != q.Project {
			continue
		}
		if q.Tag != "" && !hasTag(in.Tags, q.Tag) {
			continue
		}
		c := *in
		c.Tags = append([]string{}, in.Tags...)
		insights = append(insights, &c)
		if q.Limit > 0 && len(insights) >= q.Limit {
			break
		}
	}
	return insights, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
