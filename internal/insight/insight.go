// Package insight provides the append-only learning log attached to projects.
package insight

import (
	"context"
	"fmt"
	"sort"
	"strings"

	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/logging"
	"github.com/ijoka-dev/ijoka/internal/model"
	"github.com/ijoka-dev/ijoka/internal/store"
)

var log = logging.NewLogger("insight")

// Log is a thin wrapper over the store for recording and exporting insights.
type Log struct {
	store store.EntityStore
	sink  store.Sink
}

// New creates an insight log. sink may be nil.
func New(st store.EntityStore, sink store.Sink) *Log {
	return &Log{store: st, sink: sink}
}

// Add records an insight for project. Tags are trimmed, lowercased and deduplicated.
func (l *Log) Add(ctx context.Context, project, text string, tags []string) (*model.Insight, error) {
	path, ok := model.CleanProjectPath(project)
	if !ok {
		return nil, ierrors.Validation("project_path", "must be an absolute path")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ierrors.Validation("text", "must not be empty")
	}

	if err := l.store.EnsureProject(ctx, path); err != nil {
		return nil, err
	}
	in := &model.Insight{ProjectPath: path, Text: text, Tags: NormalizeTags(tags)}
	if err := l.store.AddInsight(ctx, in); err != nil {
		return nil, err
	}
	log.WithField("project", path).WithField("id", in.ID).Debug("insight recorded")

	if l.sink != nil {
		l.sink.Notify(store.InsightChange(in))
	}
	return in, nil
}

// List returns insights matching q, newest first.
func (l *Log) List(ctx context.Context, q store.InsightQuery) ([]*model.Insight, error) {
	if q.Project != "" {
		path, ok := model.CleanProjectPath(q.Project)
		if !ok {
			return nil, ierrors.Validation("project_path", "must be an absolute path")
		}
		q.Project = path
	}
	q.Tag = strings.ToLower(strings.TrimSpace(q.Tag))
	return l.store.ListInsights(ctx, q)
}

// ExportMarkdown renders every insight of project, oldest first.
func (l *Log) ExportMarkdown(ctx context.Context, project string) (string, error) {
	insights, err := l.List(ctx, store.InsightQuery{Project: project})
	if err != nil {
		return "", err
	}
	return RenderMarkdown(project, insights), nil
}

// NormalizeTags trims, lowercases and deduplicates tags, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// RenderMarkdown formats insights as a markdown document.
func RenderMarkdown(project string, insights []*model.Insight) string {
	sorted := make([]*model.Insight, len(insights))
	copy(sorted, insights)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Insights: %s\n\n", project))
	if len(sorted) == 0 {
		sb.WriteString("_No insights recorded._\n")
		return sb.String()
	}
	for _, in := range sorted {
		sb.WriteString(RenderEntry(in))
		sb.WriteString("\n")
	}
	return sb.String()
}

// RenderEntry formats a single insight as markdown.
func RenderEntry(in *model.Insight) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s\n", in.CreatedAt.UTC().Format("2006-01-02 15:04")))
	if len(in.Tags) > 0 {
		sb.WriteString(fmt.Sprintf("**Tags: %s**\n", strings.Join(in.Tags, ", ")))
	}
	sb.WriteString("\n")
	sb.WriteString(in.Text)
	sb.WriteString("\n")
	return sb.String()
}
