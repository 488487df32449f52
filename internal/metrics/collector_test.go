package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ijoka-dev/ijoka/internal/memstore"
	"github.com/ijoka-dev/ijoka/internal/model"
)

const project = "/work/demo"

func TestTallyMixedProject(t *testing.T) {
	var features []*model.Feature
	for i := 0; i < 10; i++ {
		f := &model.Feature{ID: fmt.Sprintf("f%d", i)}
		switch {
		case i < 4:
			f.Passes = true
		case i == 4:
			f.Blocked = true
		}
		features = append(features, f)
	}

	s := Tally(features)
	assert.Equal(t, 10, s.Total)
	assert.Equal(t, 4, s.Completed)
	assert.Equal(t, 1, s.Blocked)
	assert.Equal(t, 5, s.Pending)
	assert.Equal(t, 0, s.InProgress)
	assert.Equal(t, 40, s.Percentage)
}

func TestTallyEmpty(t *testing.T) {
	assert.Equal(t, Stats{}, Tally(nil))
}

func TestTallyRoundsPercentage(t *testing.T) {
	features := []*model.Feature{{Passes: true}, {Passes: true}, {}}
	assert.Equal(t, 67, Tally(features).Percentage)
}

func TestTallyBlockedOverridesFlags(t *testing.T) {
	s := Tally([]*model.Feature{{Passes: true, Blocked: true}, {InProgress: true}})
	assert.Equal(t, 1, s.Blocked)
	assert.Equal(t, 0, s.Completed)
	assert.Equal(t, 1, s.InProgress)
}

func TestCountActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sessions := []*model.Session{
		{Status: model.SessionActive, LastActivity: now.Add(-time.Minute)},
		{Status: model.SessionActive, LastActivity: now.Add(-time.Hour)},
		{Status: model.SessionEnded, LastActivity: now},
	}
	assert.Equal(t, 1, CountActive(sessions, now, 10*time.Minute))
	assert.Equal(t, 2, CountActive(sessions, now, 0))
}

func TestCollectorProjectStats(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.EnsureProject(ctx, project))

	require.NoError(t, st.CreateFeature(ctx, &model.Feature{ID: "a", ProjectPath: project, Description: "a", Passes: true}))
	require.NoError(t, st.CreateFeature(ctx, &model.Feature{ID: "b", ProjectPath: project, Description: "b", InProgress: true}))
	_, err := st.CreateSession(ctx, &model.Session{
		ID: "s1", SourceAgent: model.AgentClaudeCode, ProjectPath: project,
		Status: model.SessionActive, StartedAt: time.Now(), LastActivity: time.Now(),
	})
	require.NoError(t, err)

	c := NewCollector(st, 10*time.Minute)
	s, err := c.ProjectStats(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Completed: 1, InProgress: 1, Percentage: 50, ActiveSessions: 1}, s)

	empty, err := c.ProjectStats(ctx, "/work/unknown")
	require.NoError(t, err)
	assert.Equal(t, Stats{}, empty)
}

func TestSummary(t *testing.T) {
	out := Summary(Stats{Total: 10, Completed: 4, Percentage: 40, Pending: 5, Blocked: 1})
	assert.Contains(t, out, "Completed: 4 (40%)")
	assert.Contains(t, out, "Blocked: 1")
}
