package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/model"
	"github.com/ijoka-dev/ijoka/internal/store"
)

const project = "/work/demo"

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	require.NoError(t, s.EnsureProject(context.Background(), project))
	return s
}

func TestFeatureRequiresProject(t *testing.T) {
	s := New()
	err := s.CreateFeature(context.Background(), &model.Feature{ProjectPath: "/nope", Description: "x"})
	assert.True(t, ierrors.Is(err, ierrors.ErrCodeNotFound))
}

func TestReturnedEntitiesAreCopies(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	f := &model.Feature{ProjectPath: project, Description: "original"}
	require.NoError(t, s.CreateFeature(ctx, f))
	f.Description = "mutated by caller"

	got, err := s.GetFeature(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Description)

	got.Passes = true
	again, err := s.GetFeature(ctx, f.ID)
	require.NoError(t, err)
	assert.False(t, again.Passes)
}

func TestListFeatures_PriorityThenCreation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateFeature(ctx, &model.Feature{ID: "b", ProjectPath: project, Priority: 100, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, s.CreateFeature(ctx, &model.Feature{ID: "a", ProjectPath: project, Priority: 100, CreatedAt: base}))
	require.NoError(t, s.CreateFeature(ctx, &model.Feature{ID: "c", ProjectPath: project, Priority: 300, CreatedAt: base.Add(time.Hour)}))

	features, err := s.ListFeatures(ctx, project)
	require.NoError(t, err)
	var ids []string
	for _, f := range features {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestClearInProgress(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateFeature(ctx, &model.Feature{ID: id, ProjectPath: project, InProgress: true}))
	}

	cleared, err := s.ClearInProgress(ctx, project, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, cleared)

	active, err := s.ActiveFeatures(ctx, project)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].ID)
}

func TestSessions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, &model.Session{ID: "s1", SourceAgent: model.AgentHook, ProjectPath: project})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateSession(ctx, &model.Session{ID: "s1", ProjectPath: project})
	require.NoError(t, err)
	assert.False(t, created)

	sess, err := s.UpdateSession(ctx, "s1", store.SessionPatch{IncrementEvents: true, EventID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, 1, sess.EventCount)
	assert.Equal(t, model.SessionActive, sess.Status)

	sess, err = s.UpdateSession(ctx, "s1", store.SessionPatch{IncrementEvents: true, EventID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, 1, sess.EventCount, "an event is counted once")
}

func TestEventsNewestFirstWithLimit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, &model.Event{
			Type:        model.EventProgress,
			SourceAgent: model.AgentHook,
			SessionID:   "s1",
			ProjectPath: project,
			Seq:         int64(i),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := s.ListEvents(ctx, store.EventQuery{Limit: 3})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(5), events[0].Seq)
	assert.Equal(t, int64(3), events[2].Seq)

	last, err := s.LastSeq(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)

	err = s.AppendEvent(ctx, &model.Event{ProjectPath: project, Seq: 5})
	assert.Error(t, err)
}

func TestFailOn(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	s.FailOn("GetFeature", boom)
	_, err := s.GetFeature(ctx, "x")
	assert.ErrorIs(t, err, boom)

	s.FailOn("GetFeature", nil)
	_, err = s.GetFeature(ctx, "x")
	assert.True(t, ierrors.Is(err, ierrors.ErrCodeNotFound))
}

func TestClose(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Close())
	err := s.Ping(context.Background())
	assert.True(t, ierrors.Is(err, ierrors.ErrCodeStoreUnavailable))
}

func TestInsightsFilterByTag(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddInsight(ctx, &model.Insight{ProjectPath: project, Text: "one", Tags: []string{"go"}}))
	require.NoError(t, s.AddInsight(ctx, &model.Insight{ProjectPath: project, Text: "two"}))

	all, err := s.ListInsights(ctx, store.InsightQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "two", all[0].Text)

	tagged, err := s.ListInsights(ctx, store.InsightQuery{Tag: "go"})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
}
