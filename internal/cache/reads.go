package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/ijoka-dev/ijoka/internal/model"
)

// ListProjects returns every cached project path.
func (c *Cache) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT path FROM projects ORDER BY path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// ListFeatures returns the cached features of project, highest priority first.
// Plans are not cached; Steps is always empty.
func (c *Cache) ListFeatures(ctx context.Context, project string) ([]*model.Feature, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, project_path, description, category, passes,
		in_progress, blocked, blocked_reason, agent, work_count, priority, created_at, updated_at
		FROM features WHERE project_path = ? ORDER BY priority DESC, created_at ASC, id ASC`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	features := []*model.Feature{}
	for rows.Next() {
		f := &model.Feature{}
		var category, createdAt, updatedAt string
		var agent sql.NullString
		if err := rows.Scan(&f.ID, &f.ProjectPath, &f.Description, &category, &f.Passes,
			&f.InProgress, &f.Blocked, &f.BlockedReason, &agent, &f.WorkCount, &f.Priority,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		f.Category = model.Category(category)
		if agent.Valid {
			f.Agent = &agent.String
		}
		f.CreatedAt = parseTime(createdAt)
		f.UpdatedAt = parseTime(updatedAt)
		features = append(features, f)
	}
	return features, rows.Err()
}

// ListSessions returns cached sessions of project (all when empty), most recent first.
func (c *Cache) ListSessions(ctx context.Context, project string) ([]*model.Session, error) {
	query := `SELECT id, source_agent, project_path, status, current_feature_id, event_count,
		started_at, last_activity, ended_at FROM sessions`
	var args []any
	if project != "" {
		query += " WHERE project_path = ?"
		args = append(args, project)
	}
	query += " ORDER BY last_activity DESC"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*model.Session{}
	for rows.Next() {
		s := &model.Session{}
		var agent, status, startedAt, lastActivity string
		var current, endedAt sql.NullString
		if err := rows.Scan(&s.ID, &agent, &s.ProjectPath, &status, &current, &s.EventCount,
			&startedAt, &lastActivity, &endedAt); err != nil {
			return nil, err
		}
		s.SourceAgent = model.SourceAgent(agent)
		s.Status = model.SessionStatus(status)
		s.CurrentFeatureID = current.String
		s.StartedAt = parseTime(startedAt)
		s.LastActivity = parseTime(lastActivity)
		if endedAt.Valid {
			s.EndedAt = model.ParseTimestamp(endedAt.String)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RecentEvents returns up to limit cached events, newest first.
func (c *Cache) RecentEvents(ctx context.Context, project string, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, event_type, source_agent, session_id, project_path, tool_name, payload,
		attribution, feature_id, seq, created_at FROM events`
	var args []any
	if project != "" {
		query += " WHERE project_path = ?"
		args = append(args, project)
	}
	query += " ORDER BY created_at DESC, seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*model.Event{}
	for rows.Next() {
		e := &model.Event{}
		var eventType, agent, attribution, createdAt string
		var toolName, payload, featureID sql.NullString
		if err := rows.Scan(&e.ID, &eventType, &agent, &e.SessionID, &e.ProjectPath, &toolName,
			&payload, &attribution, &featureID, &e.Seq, &createdAt); err != nil {
			return nil, err
		}
		e.Type = model.EventType(eventType)
		e.SourceAgent = model.SourceAgent(agent)
		if toolName.Valid {
			e.ToolName = &toolName.String
		}
		if payload.Valid {
			e.Payload = &payload.String
		}
		var fid *string
		if featureID.Valid {
			fid = &featureID.String
		}
		if e.Attribution, err = model.ParseAttribution(attribution, fid); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

func parseTime(s string) time.Time {
	if p := model.ParseTimestamp(s); p != nil {
		return *p
	}
	return time.Time{}
}
