// Package legacy migrates features from the old per-project feature_list.json
// file into the authoritative store.
package legacy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ijoka-dev/ijoka/internal/attribution"
	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/logging"
	"github.com/ijoka-dev/ijoka/internal/model"
)

// FileName is the legacy feature file looked up in a project directory.
const FileName = "feature_list.json"

var log = logging.NewLogger("legacy")

// Feature is one entry of feature_list.json.
type Feature struct {
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Passes      bool     `json:"passes"`
	InProgress  bool     `json:"inProgress"`
	Priority    int      `json:"priority,omitempty"`
	Steps       []string `json:"steps,omitempty"`
	WorkCount   int      `json:"workCount,omitempty"`
}

// LoadFile reads and parses a feature_list.json file.
func LoadFile(path string) ([]Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading feature list: %w", err)
	}

	var features []Feature
	if err := json.Unmarshal(data, &features); err != nil {
		return nil, fmt.Errorf("parsing feature list: %w", err)
	}
	return features, nil
}

// Report summarizes an import run.
type Report struct {
	Imported   int      `json:"imported"`
	Skipped    int      `json:"skipped"`
	FeatureIDs []string `json:"featureIds"`
}

// FeatureLister returns the features already stored for a project.
type FeatureLister interface {
	ListFeatures(ctx context.Context, project string) ([]*model.Feature, error)
}

// Importer writes legacy features through the attributor so that at most one
// feature per project ends up in progress.
type Importer struct {
	attr  *attribution.Attributor
	store FeatureLister
}

// NewImporter creates an importer. st is consulted to skip duplicates.
func NewImporter(attr *attribution.Attributor, st FeatureLister) *Importer {
	return &Importer{attr: attr, store: st}
}

// ImportDir imports <dir>/feature_list.json into the project at dir.
func (im *Importer) ImportDir(ctx context.Context, dir string) (*Report, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving project dir: %w", err)
	}
	features, err := LoadFile(filepath.Join(abs, FileName))
	if err != nil {
		return nil, err
	}
	return im.Import(ctx, abs, features)
}

// Import creates every feature whose description is not already present in
// project (case-insensitive). Re-running an import is a no-op. Work counts
// are not carried over, they are only ever derived from attributed events.
func (im *Importer) Import(ctx context.Context, project string, features []Feature) (*Report, error) {
	project, ok := model.CleanProjectPath(project)
	if !ok {
		return nil, ierrors.Validation("project_path", "must be an absolute path")
	}
	existing, err := im.store.ListFeatures(ctx, project)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing))
	for _, f := range existing {
		seen[strings.ToLower(f.Description)] = true
	}

	report := &Report{FeatureIDs: []string{}}
	var startID string
	for i, lf := range features {
		desc := strings.TrimSpace(lf.Description)
		key := strings.ToLower(desc)
		if desc == "" || seen[key] {
			report.Skipped++
			continue
		}
		seen[key] = true

		category := model.Category(lf.Category)
		if !category.Valid() {
			log.WithField("index", i).WithField("category", lf.Category).Warn("unknown legacy category, using functional")
			category = model.CategoryFunctional
		}

		f, err := im.attr.CreateFeature(ctx, &model.Feature{
			ProjectPath: project,
			Description: desc,
			Category:    category,
			Priority:    lf.Priority,
		})
		if err != nil {
			return report, fmt.Errorf("importing feature %d: %w", i, err)
		}
		report.Imported++
		report.FeatureIDs = append(report.FeatureIDs, f.ID)

		if steps := toSteps(lf.Steps); len(steps) > 0 {
			if _, err := im.attr.ReplaceSteps(ctx, f.ID, steps); err != nil {
				return report, fmt.Errorf("importing steps of feature %d: %w", i, err)
			}
		}

		switch {
		case lf.Passes:
			if _, err := im.attr.CompleteFeature(ctx, f.ID); err != nil {
				return report, err
			}
		case lf.InProgress && startID == "":
			startID = f.ID
		}
	}

	// The first in-progress entry wins, later ones import as pending.
	if startID != "" {
		if _, err := im.attr.StartFeature(ctx, startID, "", ""); err != nil {
			return report, err
		}
	}

	log.WithField("project", project).
		WithField("imported", report.Imported).
		WithField("skipped", report.Skipped).
		Info("legacy feature list imported")
	return report, nil
}

func toSteps(texts []string) []model.Step {
	var steps []model.Step
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		steps = append(steps, model.Step{Position: len(steps), Text: t})
	}
	return steps
}
