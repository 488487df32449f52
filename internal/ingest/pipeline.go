// Package ingest accepts agent events, stores them and applies their effects
// on sessions and features.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ijoka-dev/ijoka/internal/attribution"
	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/keylock"
	"github.com/ijoka-dev/ijoka/internal/lifecycle"
	"github.com/ijoka-dev/ijoka/internal/logging"
	"github.com/ijoka-dev/ijoka/internal/model"
	"github.com/ijoka-dev/ijoka/internal/store"
)

// Result statuses.
const (
	StatusCreated = "created"
	StatusPartial = "partial"
)

// Result reports the outcome of a successful write.
type Result struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Event  *model.Event `json:"-"`
	// Conflict is set when a lifecycle transition was ignored, e.g. activity
	// on an ended session. The event itself is stored.
	Conflict bool `json:"-"`
}

// Pipeline runs ingestion. Events of one project are processed one at a time;
// different projects proceed in parallel.
type Pipeline struct {
	store      store.EntityStore
	locks      *keylock.Map
	attributor *attribution.Attributor
	lifecycle  *lifecycle.Manager
	sink       store.Sink
	log        *logrus.Entry

	mu     sync.Mutex
	clocks map[string]*projectClock
	now    func() time.Time
}

// New wires a pipeline. locks must be the map shared with attributor.
func New(st store.EntityStore, locks *keylock.Map, attr *attribution.Attributor, lc *lifecycle.Manager, sink store.Sink) *Pipeline {
	if sink == nil {
		sink = store.Sinks(nil)
	}
	return &Pipeline{
		store:      st,
		locks:      locks,
		attributor: attr,
		lifecycle:  lc,
		sink:       sink,
		log:        logging.NewLogger("ingest"),
		clocks:     make(map[string]*projectClock),
		now:        time.Now,
	}
}

// Ingest validates, stores and applies in. Validation failures and store
// failures before the event is written return an error with nothing stored.
// Once the event is written a non-nil Result is always returned; if applying
// its effects failed the error is a PartialIngestion and Result.Status is
// StatusPartial.
func (p *Pipeline) Ingest(ctx context.Context, in Input) (*Result, error) {
	e, err := in.validate()
	if err != nil {
		return nil, err
	}

	unlock := p.locks.Lock(e.ProjectPath)
	defer unlock()

	if err := p.store.EnsureProject(ctx, e.ProjectPath); err != nil {
		return nil, err
	}

	e.Attribution, err = p.resolve(ctx, e, in.FeatureID)
	if err != nil {
		return nil, err
	}

	clock, err := p.clockFor(ctx, e.ProjectPath)
	if err != nil {
		return nil, err
	}
	e.Seq, e.CreatedAt = clock.next(p.now())
	if err := p.store.AppendEvent(ctx, e); err != nil {
		// The row may have committed anyway; reseed from the store next time.
		p.forgetClock(e.ProjectPath)
		return nil, err
	}
	clock.commit(e.Seq, e.CreatedAt)

	res := &Result{ID: e.ID, Status: StatusCreated, Event: e}
	conflict, effErr := p.applyEffects(ctx, e)
	res.Conflict = conflict

	// Subscribers see the event even when its effects failed; it is stored.
	p.sink.Notify(store.EventChange(e))

	fields := logrus.Fields{
		"event":       e.ID,
		"type":        e.Type,
		"project":     e.ProjectPath,
		"session":     e.SessionID,
		"seq":         e.Seq,
		"attribution": e.Attribution.String(),
	}
	if effErr != nil {
		res.Status = StatusPartial
		p.log.WithFields(fields).WithField("kind", ierrors.ErrCodePartialIngestion).
			WithError(effErr).Error("event stored but effects failed")
		return res, effErr
	}
	p.log.WithFields(fields).Debug("event ingested")
	return res, nil
}

// Redrive re-applies the effects of a stored event whose effects never
// completed. Events whose effects are recorded as applied are left alone.
func (p *Pipeline) Redrive(ctx context.Context, eventID string) (*Result, error) {
	e, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	unlock := p.locks.Lock(e.ProjectPath)
	defer unlock()

	res := &Result{ID: e.ID, Status: StatusCreated, Event: e}
	applied, err := p.store.EffectApplied(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if applied {
		return res, nil
	}

	conflict, effErr := p.applyEffects(ctx, e)
	res.Conflict = conflict
	if effErr != nil {
		res.Status = StatusPartial
		return res, effErr
	}
	p.log.WithField("event", e.ID).Info("event effects re-applied")
	return res, nil
}

// resolve computes the attribution before the event is written, so the
// stored event never changes afterwards.
func (p *Pipeline) resolve(ctx context.Context, e *model.Event, explicitID string) (model.Attribution, error) {
	switch e.Type {
	case model.EventSessionStart, model.EventSessionEnd:
		return model.Attribution{}, nil
	}
	return p.attributor.Resolve(ctx, e.ProjectPath, explicitID)
}

// applyEffects runs the lifecycle and attribution transitions for e and marks
// them applied. Every step is safe to repeat for the same event, so a redrive
// converges on the state a clean first run would have produced. Caller must
// hold the project lock.
func (p *Pipeline) applyEffects(ctx context.Context, e *model.Event) (conflict bool, err error) {
	activity := lifecycle.Activity{
		SessionID:   e.SessionID,
		SourceAgent: e.SourceAgent,
		ProjectPath: e.ProjectPath,
		At:          e.CreatedAt,
		CountEvent:  true,
		EventID:     e.ID,
	}

	var lcErr error
	switch e.Type {
	case model.EventSessionStart:
		_, lcErr = p.lifecycle.Start(ctx, activity)
	case model.EventSessionEnd:
		_, lcErr = p.lifecycle.End(ctx, activity)
		if ierrors.Is(lcErr, ierrors.ErrCodeNotFound) {
			p.log.WithFields(logrus.Fields{
				"session": e.SessionID,
				"kind":    ierrors.ErrCodeConflictIgnored,
			}).Info("end of unknown session")
			lcErr = ierrors.ConflictIgnored("session not found")
		}
	default:
		_, lcErr = p.lifecycle.Touch(ctx, activity)
	}
	switch {
	case ierrors.Is(lcErr, ierrors.ErrCodeConflictIgnored):
		conflict = true
	case lcErr != nil:
		return false, ierrors.PartialIngestion(e.ID, "session", lcErr)
	}

	featureID, _ := e.Attribution.FeatureID()
	switch {
	case e.Type.IsActivity():
		if _, err := p.attributor.Apply(ctx, e); err != nil {
			return conflict, ierrors.PartialIngestion(e.ID, "attribution", err)
		}
	case e.Type == model.EventFeatureStarted:
		if _, err := p.attributor.StartFeatureLocked(ctx, e.ProjectPath, featureID, string(e.SourceAgent), e.SessionID); err != nil {
			return conflict, ierrors.PartialIngestion(e.ID, "feature", err)
		}
	case e.Type == model.EventFeatureCompleted:
		if _, err := p.attributor.CompleteFeatureLocked(ctx, e.ProjectPath, featureID); err != nil {
			return conflict, ierrors.PartialIngestion(e.ID, "feature", err)
		}
	}

	if err := p.store.MarkEffectApplied(ctx, e.ID); err != nil {
		return conflict, ierrors.PartialIngestion(e.ID, "mark", err)
	}
	return conflict, nil
}
