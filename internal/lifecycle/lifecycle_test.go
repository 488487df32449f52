package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/memstore"
	"github.com/ijoka-dev/ijoka/internal/model"
)

const project = "/work/demo"

func newManager(t *testing.T) (*Manager, *memstore.Store, *time.Time) {
	t.Helper()
	st := memstore.New()
	m := New(st, nil, 10*time.Minute)
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, st, &clock
}

func activity(id string) Activity {
	return Activity{SessionID: id, SourceAgent: model.AgentClaudeCode, ProjectPath: project, CountEvent: true}
}

func TestStartCreatesActiveSession(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	sess, err := m.Start(ctx, activity("s1"))
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, sess.Status)
	assert.Equal(t, 1, sess.EventCount)
	assert.Equal(t, model.AgentClaudeCode, sess.SourceAgent)

	again, err := m.Start(ctx, activity("s1"))
	require.NoError(t, err, "starting an active session is idempotent")
	assert.Equal(t, model.SessionActive, again.Status)
	assert.Equal(t, 2, again.EventCount)
}

func TestCountsEachEventOnce(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	a := activity("s1")
	a.EventID = "e1"
	sess, err := m.Start(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.EventCount)

	sess, err = m.Start(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.EventCount, "same event counted twice")

	a.EventID = "e2"
	sess, err = m.Touch(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.EventCount)

	sess, err = m.Touch(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.EventCount)
}

func TestTouchCreatesAbsentSession(t *testing.T) {
	m, _, _ := newManager(t)

	sess, err := m.Touch(context.Background(), Activity{SessionID: "s2", ProjectPath: project, CountEvent: true})
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, sess.Status)
	assert.Equal(t, model.AgentUnknown, sess.SourceAgent)
}

func TestIdleIsDerived(t *testing.T) {
	m, _, clock := newManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, activity("s1"))
	require.NoError(t, err)

	*clock = clock.Add(11 * time.Minute)
	status, err := m.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionIdle, status)

	n, err := m.ActiveCount(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Activity on an idle session makes it active again.
	_, err = m.Touch(ctx, activity("s1"))
	require.NoError(t, err)
	status, err = m.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, status)
}

func TestEndedIsTerminal(t *testing.T) {
	m, st, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, activity("s1"))
	require.NoError(t, err)

	sess, err := m.End(ctx, activity("s1"))
	require.NoError(t, err)
	assert.Equal(t, model.SessionEnded, sess.Status)
	require.NotNil(t, sess.EndedAt)

	_, err = m.End(ctx, activity("s1"))
	assert.True(t, ierrors.Is(err, ierrors.ErrCodeConflictIgnored))

	_, err = m.Start(ctx, activity("s1"))
	assert.True(t, ierrors.Is(err, ierrors.ErrCodeConflictIgnored))

	_, err = m.Touch(ctx, activity("s1"))
	assert.True(t, ierrors.Is(err, ierrors.ErrCodeConflictIgnored))

	stored, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionEnded, stored.Status)
	assert.Equal(t, 2, stored.EventCount, "ignored transitions do not touch the session")
}

func TestEndUnknownSession(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.End(context.Background(), activity("ghost"))
	assert.True(t, ierrors.Is(err, ierrors.ErrCodeNotFound))
}

func TestActiveCount(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Start(ctx, activity(id))
		require.NoError(t, err)
	}
	_, err := m.End(ctx, activity("c"))
	require.NoError(t, err)

	n, err := m.ActiveCount(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
