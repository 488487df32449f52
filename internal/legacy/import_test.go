package legacy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ijoka-dev/ijoka/internal/attribution"
	"github.com/ijoka-dev/ijoka/internal/keylock"
	"github.com/ijoka-dev/ijoka/internal/memstore"
	"github.com/ijoka-dev/ijoka/internal/model"
	"github.com/ijoka-dev/ijoka/internal/store"
)

const sample = `[
  {"description": "Login form", "category": "ui", "passes": true, "steps": ["render", " ", "submit"]},
  {"description": "Search", "category": "functional", "inProgress": true, "priority": 200},
  {"description": "Export", "category": "reporting", "inProgress": true, "workCount": 7},
  {"description": "login FORM", "category": "ui"},
  {"description": "   "}
]`

func setup(t *testing.T) (*Importer, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	attr := attribution.New(st, keylock.New(), store.Sinks{})
	return NewImporter(attr, st), st
}

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(sample), 0o644))
	return dir
}

func TestImportDir(t *testing.T) {
	ctx := context.Background()
	im, st := setup(t)
	dir := writeSample(t)

	report, err := im.ImportDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Imported)
	assert.Equal(t, 2, report.Skipped)
	assert.Len(t, report.FeatureIDs, 3)

	features, err := st.ListFeatures(ctx, dir)
	require.NoError(t, err)
	require.Len(t, features, 3)

	byDesc := map[string]*model.Feature{}
	for _, f := range features {
		byDesc[f.Description] = f
	}

	login := byDesc["Login form"]
	require.NotNil(t, login)
	assert.Equal(t, model.StatusCompleted, login.Status())
	assert.Equal(t, model.CategoryUI, login.Category)

	search := byDesc["Search"]
	require.NotNil(t, search)
	assert.Equal(t, model.StatusInProgress, search.Status())
	assert.Equal(t, 200, search.Priority)

	export := byDesc["Export"]
	require.NotNil(t, export)
	assert.Equal(t, model.StatusPending, export.Status())
	assert.Equal(t, model.CategoryFunctional, export.Category)
	assert.Equal(t, 0, export.WorkCount)

	loginFull, err := st.GetFeature(ctx, login.ID)
	require.NoError(t, err)
	require.Len(t, loginFull.Steps, 2)
	assert.Equal(t, "submit", loginFull.Steps[1].Text)
}

func TestImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	im, st := setup(t)
	dir := writeSample(t)

	_, err := im.ImportDir(ctx, dir)
	require.NoError(t, err)
	again, err := im.ImportDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Imported)

	features, err := st.ListFeatures(ctx, dir)
	require.NoError(t, err)
	assert.Len(t, features, 3)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), FileName))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = LoadFile(bad)
	assert.Error(t, err)
}
