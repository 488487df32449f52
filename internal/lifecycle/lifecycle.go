// Package lifecycle drives the session state machine: sessions start active,
// read as idle after a quiet period and end terminally.
package lifecycle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/logging"
	"github.com/ijoka-dev/ijoka/internal/model"
	"github.com/ijoka-dev/ijoka/internal/store"
)

// DefaultIdleAfter is the quiet period after which an active session reads as idle.
const DefaultIdleAfter = 10 * time.Minute

// Activity describes one observation of a session.
type Activity struct {
	SessionID   string
	SourceAgent model.SourceAgent
	ProjectPath string
	// At is when the activity happened; zero means now.
	At time.Time
	// CountEvent bumps the session's event count.
	CountEvent bool
	// EventID identifies the counted event; the count moves once per id.
	EventID string
}

// Manager applies lifecycle transitions. Callers serialize transitions for a
// project with the shared project lock.
type Manager struct {
	store     store.EntityStore
	sink      store.Sink
	idleAfter time.Duration
	now       func() time.Time
	log       *logrus.Entry
}

// New creates a Manager. A zero idleAfter uses DefaultIdleAfter.
func New(st store.EntityStore, sink store.Sink, idleAfter time.Duration) *Manager {
	if sink == nil {
		sink = store.Sinks(nil)
	}
	if idleAfter == 0 {
		idleAfter = DefaultIdleAfter
	}
	return &Manager{
		store:     st,
		sink:      sink,
		idleAfter: idleAfter,
		now:       time.Now,
		log:       logging.NewLogger("lifecycle"),
	}
}

func (m *Manager) at(a Activity) time.Time {
	if a.At.IsZero() {
		return m.now().UTC()
	}
	return a.At.UTC()
}

// Start moves a session to active, creating it when absent. Starting an active
// or idle session refreshes it. An ended session is never revived.
func (m *Manager) Start(ctx context.Context, a Activity) (*model.Session, error) {
	sess, err := m.getOrCreate(ctx, a)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.SessionEnded {
		return sess, m.conflict(sess, "session already ended")
	}

	active := model.SessionActive
	at := m.at(a)
	patch := store.SessionPatch{
		Status:          &active,
		LastActivity:    &at,
		IncrementEvents: a.CountEvent,
		EventID:         a.EventID,
	}
	if a.SourceAgent != "" && a.SourceAgent != sess.SourceAgent {
		patch.SourceAgent = &a.SourceAgent
	}
	return m.update(ctx, sess.ID, patch)
}

// Touch records activity. Absent sessions are created active; ended sessions
// are left alone.
func (m *Manager) Touch(ctx context.Context, a Activity) (*model.Session, error) {
	sess, err := m.getOrCreate(ctx, a)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.SessionEnded {
		return sess, m.conflict(sess, "activity on ended session")
	}

	active := model.SessionActive
	at := m.at(a)
	return m.update(ctx, sess.ID, store.SessionPatch{
		Status:          &active,
		LastActivity:    &at,
		IncrementEvents: a.CountEvent,
		EventID:         a.EventID,
	})
}

// End terminates a session. Ending an unknown session is NotFound, ending it
// twice is ConflictIgnored.
func (m *Manager) End(ctx context.Context, a Activity) (*model.Session, error) {
	sess, err := m.store.GetSession(ctx, a.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.SessionEnded {
		return sess, m.conflict(sess, "session already ended")
	}

	ended := model.SessionEnded
	at := m.at(a)
	return m.update(ctx, sess.ID, store.SessionPatch{
		Status:          &ended,
		EndedAt:         &at,
		LastActivity:    &at,
		IncrementEvents: a.CountEvent,
		EventID:         a.EventID,
	})
}

// Status returns the derived status of a session.
func (m *Manager) Status(ctx context.Context, id string) (model.SessionStatus, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	return model.DeriveSessionStatus(sess, m.now(), m.idleAfter), nil
}

// Derive applies idle detection to sessions read from the store, in place.
func (m *Manager) Derive(sessions []*model.Session) []*model.Session {
	now := m.now()
	for _, s := range sessions {
		s.Status = model.DeriveSessionStatus(s, now, m.idleAfter)
	}
	return sessions
}

// ActiveCount returns the number of sessions of project that read as active.
func (m *Manager) ActiveCount(ctx context.Context, project string) (int, error) {
	sessions, err := m.store.ListSessions(ctx, project)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range m.Derive(sessions) {
		if s.Status == model.SessionActive {
			n++
		}
	}
	return n, nil
}

// getOrCreate returns the session, creating it active with no counted events
// when absent. The caller's update then counts the event.
func (m *Manager) getOrCreate(ctx context.Context, a Activity) (*model.Session, error) {
	sess, err := m.store.GetSession(ctx, a.SessionID)
	if err == nil {
		return sess, nil
	}
	if !ierrors.Is(err, ierrors.ErrCodeNotFound) {
		return nil, err
	}

	agent := a.SourceAgent
	if agent == "" {
		agent = model.AgentUnknown
	}
	at := m.at(a)
	fresh := &model.Session{
		ID:           a.SessionID,
		SourceAgent:  agent,
		ProjectPath:  a.ProjectPath,
		Status:       model.SessionActive,
		StartedAt:    at,
		LastActivity: at,
	}
	if err := m.store.EnsureProject(ctx, a.ProjectPath); err != nil {
		return nil, err
	}
	created, err := m.store.CreateSession(ctx, fresh)
	if err != nil {
		return nil, err
	}
	sess, err = m.store.GetSession(ctx, a.SessionID)
	if err != nil {
		return nil, err
	}
	if created {
		m.sink.Notify(store.SessionChange(sess))
		m.log.WithFields(logrus.Fields{
			"session": sess.ID,
			"project": sess.ProjectPath,
			"agent":   sess.SourceAgent,
		}).Info("session started")
	}
	return sess, nil
}

func (m *Manager) update(ctx context.Context, id string, patch store.SessionPatch) (*model.Session, error) {
	sess, err := m.store.UpdateSession(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	m.sink.Notify(store.SessionChange(sess))
	if patch.Status != nil && *patch.Status == model.SessionEnded {
		m.log.WithField("session", id).Info("session ended")
	}
	return sess, nil
}

func (m *Manager) conflict(sess *model.Session, reason string) error {
	m.log.WithFields(logrus.Fields{
		"session": sess.ID,
		"kind":    ierrors.ErrCodeConflictIgnored,
	}).Info(reason)
	return ierrors.ConflictIgnored(reason).WithDetail("sessionId", sess.ID)
}
