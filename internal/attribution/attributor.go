// Package attribution decides which feature an event counts towards and owns
// the feature state transitions that change that answer.
package attribution

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/keylock"
	"github.com/ijoka-dev/ijoka/internal/logging"
	"github.com/ijoka-dev/ijoka/internal/model"
	"github.com/ijoka-dev/ijoka/internal/store"
)

// Attributor serializes feature transitions per project. Methods with the
// Locked suffix expect the caller to already hold the project lock from the
// shared keylock.Map.
type Attributor struct {
	store store.EntityStore
	locks *keylock.Map
	sink  store.Sink
	log   *logrus.Entry
}

// New creates an Attributor. locks must be shared with every other writer of
// the same store.
func New(st store.EntityStore, locks *keylock.Map, sink store.Sink) *Attributor {
	if sink == nil {
		sink = store.Sinks(nil)
	}
	return &Attributor{
		store: st,
		locks: locks,
		sink:  sink,
		log:   logging.NewLogger("attribution"),
	}
}

// Resolve picks the attribution for an activity event in project. An explicit
// feature must exist in the same project. Otherwise the in-progress feature
// wins, and with none the event counts as session work.
func (a *Attributor) Resolve(ctx context.Context, project, explicitID string) (model.Attribution, error) {
	if explicitID != "" {
		f, err := a.store.GetFeature(ctx, explicitID)
		if err != nil {
			return model.Attribution{}, err
		}
		if f.ProjectPath != project {
			return model.Attribution{}, ierrors.NotFound("feature", explicitID).
				WithDetail("project", project)
		}
		return model.Attributed(f.ID), nil
	}

	active, err := a.store.ActiveFeatures(ctx, project)
	if err != nil {
		return model.Attribution{}, err
	}
	switch len(active) {
	case 0:
		return model.Unattributed(), nil
	case 1:
	default:
		a.log.WithFields(logrus.Fields{
			"project": project,
			"count":   len(active),
		}).Warn("multiple features in progress, attributing to most recently updated")
	}
	return model.Attributed(active[0].ID), nil
}

// Apply records the effect of an attributed event: one more unit of work on
// the feature and a WORKED_ON_BY link to the session. Applying the same event
// again leaves the work count unchanged. Session-work and
// unattributed events leave features untouched and return nil.
func (a *Attributor) Apply(ctx context.Context, e *model.Event) (*model.Feature, error) {
	featureID, ok := e.Attribution.FeatureID()
	if !ok {
		return nil, nil
	}
	if _, err := a.store.IncrementWorkCount(ctx, featureID, e.ID); err != nil {
		return nil, err
	}
	if err := a.store.LinkWorkedOnBy(ctx, featureID, e.SessionID); err != nil {
		return nil, err
	}
	f, err := a.store.GetFeature(ctx, featureID)
	if err != nil {
		return nil, err
	}
	a.sink.Notify(store.FeatureChange(f))
	return f, nil
}

// CreateFeature validates and inserts a new pending feature.
func (a *Attributor) CreateFeature(ctx context.Context, f *model.Feature) (*model.Feature, error) {
	project, ok := model.CleanProjectPath(f.ProjectPath)
	if !ok {
		return nil, ierrors.Validation("project_path", "must be an absolute path")
	}
	f.ProjectPath = project
	f.Description = strings.TrimSpace(f.Description)
	if f.Description == "" {
		return nil, ierrors.Validation("description", "must not be empty")
	}
	if f.Category == "" {
		f.Category = model.CategoryFunctional
	}
	if !f.Category.Valid() {
		return nil, ierrors.Validation("category", "unknown category "+string(f.Category))
	}
	if f.Priority == 0 {
		f.Priority = model.DefaultPriority
	}
	// New features start pending regardless of flags supplied by the caller.
	f.Passes, f.InProgress, f.Blocked, f.WorkCount = false, false, false, 0

	unlock := a.locks.Lock(project)
	defer unlock()

	if err := a.store.EnsureProject(ctx, project); err != nil {
		return nil, err
	}
	if err := a.store.CreateFeature(ctx, f); err != nil {
		return nil, err
	}
	created, err := a.store.GetFeature(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	a.sink.Notify(store.FeatureChange(created))
	return created, nil
}

// lockFeature looks up the feature's project and holds its lock.
func (a *Attributor) lockFeature(ctx context.Context, id string) (*model.Feature, func(), error) {
	f, err := a.store.GetFeature(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock := a.locks.Lock(f.ProjectPath)
	return f, unlock, nil
}

// StartFeature makes id the only in-progress feature of its project.
func (a *Attributor) StartFeature(ctx context.Context, id, agent, sessionID string) (*model.Feature, error) {
	f, unlock, err := a.lockFeature(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return a.StartFeatureLocked(ctx, f.ProjectPath, id, agent, sessionID)
}

// StartFeatureLocked clears in_progress on every other feature of project,
// marks id in progress and not passing, and clears any block. When sessionID
// names a known session its current feature is updated.
func (a *Attributor) StartFeatureLocked(ctx context.Context, project, id, agent, sessionID string) (*model.Feature, error) {
	f, err := a.store.GetFeature(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.ProjectPath != project {
		return nil, ierrors.NotFound("feature", id).WithDetail("project", project)
	}

	cleared, err := a.store.ClearInProgress(ctx, project, id)
	if err != nil {
		return nil, err
	}
	for _, otherID := range cleared {
		other, err := a.store.GetFeature(ctx, otherID)
		if err != nil {
			return nil, err
		}
		a.sink.Notify(store.FeatureChange(other))
	}

	patch := store.FeaturePatch{
		InProgress:    store.Bool(true),
		Passes:        store.Bool(false),
		Blocked:       store.Bool(false),
		BlockedReason: store.String(""),
	}
	if agent != "" {
		patch.Agent = store.String(agent)
	}
	started, err := a.store.UpdateFeature(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	a.sink.Notify(store.FeatureChange(started))

	if sessionID != "" {
		sess, err := a.store.UpdateSession(ctx, sessionID, store.SessionPatch{CurrentFeatureID: store.String(id)})
		switch {
		case ierrors.Is(err, ierrors.ErrCodeNotFound):
			a.log.WithField("session", sessionID).Debug("start feature for unknown session")
		case err != nil:
			return nil, err
		default:
			a.sink.Notify(store.SessionChange(sess))
		}
	}

	a.log.WithFields(logrus.Fields{
		"project": project,
		"feature": id,
		"cleared": len(cleared),
	}).Info("feature started")
	return started, nil
}

// StartNext starts the highest-priority pending feature of project. Features
// that are completed, blocked or already in progress are never picked.
func (a *Attributor) StartNext(ctx context.Context, project, agent, sessionID string) (*model.Feature, error) {
	project, ok := model.CleanProjectPath(project)
	if !ok {
		return nil, ierrors.Validation("project_path", "must be an absolute path")
	}
	unlock := a.locks.Lock(project)
	defer unlock()

	features, err := a.store.ListFeatures(ctx, project)
	if err != nil {
		return nil, err
	}
	for _, f := range features {
		if model.DeriveFeatureStatus(f) == model.StatusPending {
			return a.StartFeatureLocked(ctx, project, f.ID, agent, sessionID)
		}
	}
	return nil, ierrors.NotFound("pending feature", project)
}

// FeatureUpdate carries the editable properties of a feature. Nil fields are
// left untouched.
type FeatureUpdate struct {
	Description *string
	Category    *model.Category
	Priority    *int
}

// UpdateFeature edits the description, category or priority of id. Status
// flags only change through the transitions.
func (a *Attributor) UpdateFeature(ctx context.Context, id string, u FeatureUpdate) (*model.Feature, error) {
	var patch store.FeaturePatch
	if u.Description != nil {
		desc := strings.TrimSpace(*u.Description)
		if desc == "" {
			return nil, ierrors.Validation("description", "must not be empty")
		}
		patch.Description = &desc
	}
	if u.Category != nil {
		if !u.Category.Valid() {
			return nil, ierrors.Validation("category", "unknown category "+string(*u.Category))
		}
		patch.Category = u.Category
	}
	patch.Priority = u.Priority

	f, unlock, err := a.lockFeature(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if patch == (store.FeaturePatch{}) {
		return f, nil
	}
	return a.transition(ctx, f.ProjectPath, id, "updated", patch)
}

// CompleteFeature marks id as passing.
func (a *Attributor) CompleteFeature(ctx context.Context, id string) (*model.Feature, error) {
	f, unlock, err := a.lockFeature(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return a.CompleteFeatureLocked(ctx, f.ProjectPath, id)
}

// CompleteFeatureLocked sets passes, clears in_progress and any block.
func (a *Attributor) CompleteFeatureLocked(ctx context.Context, project, id string) (*model.Feature, error) {
	return a.transition(ctx, project, id, "completed", store.FeaturePatch{
		Passes:        store.Bool(true),
		InProgress:    store.Bool(false),
		Blocked:       store.Bool(false),
		BlockedReason: store.String(""),
	})
}

// BlockFeature sets the explicit blocked override on id.
func (a *Attributor) BlockFeature(ctx context.Context, id, reason string) (*model.Feature, error) {
	f, unlock, err := a.lockFeature(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return a.transition(ctx, f.ProjectPath, id, "blocked", store.FeaturePatch{
		Blocked:       store.Bool(true),
		BlockedReason: store.String(strings.TrimSpace(reason)),
		InProgress:    store.Bool(false),
	})
}

// ReopenFeature returns a completed or blocked feature to pending.
func (a *Attributor) ReopenFeature(ctx context.Context, id string) (*model.Feature, error) {
	f, unlock, err := a.lockFeature(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return a.transition(ctx, f.ProjectPath, id, "reopened", store.FeaturePatch{
		Passes:        store.Bool(false),
		Blocked:       store.Bool(false),
		BlockedReason: store.String(""),
	})
}

func (a *Attributor) transition(ctx context.Context, project, id, verb string, patch store.FeaturePatch) (*model.Feature, error) {
	current, err := a.store.GetFeature(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.ProjectPath != project {
		return nil, ierrors.NotFound("feature", id).WithDetail("project", project)
	}
	f, err := a.store.UpdateFeature(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	a.sink.Notify(store.FeatureChange(f))
	a.log.WithFields(logrus.Fields{"project": project, "feature": id}).Info("feature " + verb)
	return f, nil
}

// ReplaceSteps swaps the plan of id for steps.
func (a *Attributor) ReplaceSteps(ctx context.Context, id string, steps []model.Step) (*model.Feature, error) {
	for i, st := range steps {
		if strings.TrimSpace(st.Text) == "" {
			return nil, ierrors.Validation("steps", "step text must not be empty").WithDetail("index", i)
		}
	}
	_, unlock, err := a.lockFeature(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := a.store.ReplaceSteps(ctx, id, steps); err != nil {
		return nil, err
	}
	f, err := a.store.GetFeature(ctx, id)
	if err != nil {
		return nil, err
	}
	a.sink.Notify(store.FeatureChange(f))
	return f, nil
}
