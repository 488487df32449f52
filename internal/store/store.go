// Package store provides the SQL-backed authoritative store for ijoka.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 2

// DefaultTimeout bounds every store call when Options.Timeout is unset.
const DefaultTimeout = 5 * time.Second

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options configures Open.
type Options struct {
	// Driver is DriverSQLite (default) or DriverPostgres.
	Driver string
	// DSN is a file path (or ":memory:") for SQLite, a connection URL for PostgreSQL.
	DSN     string
	Timeout time.Duration
}

// Store is the SQL implementation of EntityStore.
type Store struct {
	db       *sql.DB
	timeout  time.Duration
	postgres bool
	now      func() time.Time
}

var _ EntityStore = (*Store)(nil)

// Open opens or creates the database and runs migrations.
func Open(opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	var sqlDriver string
	switch opts.Driver {
	case DriverSQLite:
		sqlDriver = "sqlite"
	case DriverPostgres:
		sqlDriver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}

	db, err := sql.Open(sqlDriver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:       db,
		timeout:  opts.Timeout,
		postgres: opts.Driver == DriverPostgres,
		now:      time.Now,
	}

	if !s.postgres {
		// One connection: SQLite has a single writer anyway, and ":memory:"
		// databases are per-connection.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, s.fail("connect", err)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema if not already at the current version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	// Every version so far only adds tables, which the schema above creates.
	switch {
	case version > currentSchemaVersion:
		return fmt.Errorf("schema version %d is newer than supported version %d", version, currentSchemaVersion)
	case version < currentSchemaVersion:
		_, err := s.db.Exec(s.q("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"),
			currentSchemaVersion, model.FormatTimestamp(s.now()))
		return err
	}
	return nil
}

// q rebinds "?" placeholders to "$n" for PostgreSQL.
func (s *Store) q(query string) string {
	if !s.postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func (s *Store) stamp() string {
	return model.FormatTimestamp(s.now())
}

// fail classifies a driver error into the ijoka error taxonomy.
func (s *Store) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded),
		stderrors.Is(err, context.Canceled),
		stderrors.Is(err, sql.ErrConnDone),
		stderrors.Is(err, driver.ErrBadConn),
		stderrors.As(err, &netErr),
		strings.Contains(err.Error(), "database is closed"),
		strings.Contains(err.Error(), "connection refused"):
		return ierrors.StoreUnavailable(op, err)
	}
	return ierrors.Internal(op, err)
}

// Ping checks connectivity with the store.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.fail("ping", s.db.PingContext(ctx))
}

// --- Projects ---

// EnsureProject creates the project row if it does not exist.
func (s *Store) EnsureProject(ctx context.Context, path string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		s.q("INSERT INTO projects (path, created_at) VALUES (?, ?) ON CONFLICT (path) DO NOTHING"),
		path, s.stamp())
	return s.fail("ensure project", err)
}

// ListProjects returns every known project path in lexical order.
func (s *Store) ListProjects(ctx context.Context) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, "SELECT path FROM projects ORDER BY path ASC")
	if err != nil {
		return nil, s.fail("list projects", err)
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, s.fail("list projects", err)
		}
		paths = append(paths, p)
	}
	return paths, s.fail("list projects", rows.Err())
}

// --- Features ---

const featureColumns = `id, project_path, description, category, passes, in_progress,
	blocked, blocked_reason, agent, work_count, priority, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeature(row rowScanner) (*model.Feature, error) {
	f := &model.Feature{}
	var agent sql.NullString
	var category, createdAt, updatedAt string
	if err := row.Scan(&f.ID, &f.ProjectPath, &f.Description, &category, &f.Passes,
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
	return f, nil
}

func parseTime(s string) time.Time {
	if t := model.ParseTimestamp(s); t != nil {
		return *t
	}
	return time.Time{}
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	return model.ParseTimestamp(ns.String)
}

// CreateFeature inserts a feature and its steps.
func (s *Store) CreateFeature(ctx context.Context, f *model.Feature) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Category == "" {
		f.Category = model.CategoryFunctional
	}
	now := s.now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	cctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(cctx, s.q(`INSERT INTO features (`+featureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		f.ID, f.ProjectPath, f.Description, string(f.Category), f.Passes, f.InProgress,
		f.Blocked, f.BlockedReason, f.Agent, f.WorkCount, f.Priority,
		model.FormatTimestamp(f.CreatedAt), model.FormatTimestamp(f.UpdatedAt))
	if err != nil {
		return s.fail("create feature", err)
	}
	if len(f.Steps) > 0 {
		return s.ReplaceSteps(ctx, f.ID, f.Steps)
	}
	return nil
}

// GetFeature returns a feature with its steps.
func (s *Store) GetFeature(ctx context.Context, id string) (*model.Feature, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	f, err := scanFeature(s.db.QueryRowContext(cctx,
		s.q("SELECT "+featureColumns+" FROM features WHERE id = ?"), id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ierrors.NotFound("feature", id)
	}
	if err != nil {
		return nil, s.fail("get feature", err)
	}
	steps, err := s.steps(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	f.Steps = steps[id]
	return f, nil
}

// ListFeatures returns all features of a project with their steps.
func (s *Store) ListFeatures(ctx context.Context, project string) ([]*model.Feature, error) {
	features, err := s.queryFeatures(ctx, "list features",
		"SELECT "+featureColumns+` FROM features WHERE project_path = ?
		 ORDER BY priority DESC, created_at ASC, id ASC`, project)
	if err != nil {
		return nil, err
	}
	return s.withSteps(ctx, features)
}

// ActiveFeatures returns features of a project with in_progress set.
func (s *Store) ActiveFeatures(ctx context.Context, project string) ([]*model.Feature, error) {
	return s.queryFeatures(ctx, "active features",
		"SELECT "+featureColumns+` FROM features WHERE project_path = ? AND in_progress = ?
		 ORDER BY updated_at DESC`, project, true)
}

func (s *Store) queryFeatures(ctx context.Context, op, query string, args ...any) ([]*model.Feature, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.fail(op, err)
	}
	defer rows.Close()

	features := []*model.Feature{}
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, s.fail(op, err)
		}
		features = append(features, f)
	}
	return features, s.fail(op, rows.Err())
}

func (s *Store) withSteps(ctx context.Context, features []*model.Feature) ([]*model.Feature, error) {
	if len(features) == 0 {
		return features, nil
	}
	ids := make([]string, len(features))
	for i, f := range features {
		ids[i] = f.ID
	}
	steps, err := s.steps(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, f := range features {
		f.Steps = steps[f.ID]
	}
	return features, nil
}

func (s *Store) steps(ctx context.Context, featureIDs []string) (map[string][]model.Step, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(featureIDs)), ", ")
	args := make([]any, len(featureIDs))
	for i, id := range featureIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT feature_id, position, text, completed
		FROM feature_steps WHERE feature_id IN (`+placeholders+`) ORDER BY feature_id, position`), args...)
	if err != nil {
		return nil, s.fail("list steps", err)
	}
	defer rows.Close()

	out := make(map[string][]model.Step)
	for rows.Next() {
		var featureID string
		var st model.Step
		if err := rows.Scan(&featureID, &st.Position, &st.Text, &st.Completed); err != nil {
			return nil, s.fail("list steps", err)
		}
		out[featureID] = append(out[featureID], st)
	}
	return out, s.fail("list steps", rows.Err())
}

// UpdateFeature applies a partial patch and returns the updated feature.
func (s *Store) UpdateFeature(ctx context.Context, id string, patch FeaturePatch) (*model.Feature, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.stamp()}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Category != nil {
		add("category", string(*patch.Category))
	}
	if patch.Passes != nil {
		add("passes", *patch.Passes)
	}
	if patch.InProgress != nil {
		add("in_progress", *patch.InProgress)
	}
	if patch.Blocked != nil {
		add("blocked", *patch.Blocked)
	}
	if patch.BlockedReason != nil {
		add("blocked_reason", *patch.BlockedReason)
	}
	if patch.Agent != nil {
		add("agent", *patch.Agent)
	}
	if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	args = append(args, id)

	cctx, cancel := s.ctx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(cctx,
		s.q("UPDATE features SET "+strings.Join(sets, ", ")+" WHERE id = ?"), args...)
	if err != nil {
		return nil, s.fail("update feature", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ierrors.NotFound("feature", id)
	}
	return s.GetFeature(ctx, id)
}

// ClearInProgress unsets in_progress on the other features of a project.
func (s *Store) ClearInProgress(ctx context.Context, project, exceptID string) ([]string, error) {
	active, err := s.ActiveFeatures(ctx, project)
	if err != nil {
		return nil, err
	}
	var cleared []string
	for _, f := range active {
		if f.ID != exceptID {
			cleared = append(cleared, f.ID)
		}
	}
	if len(cleared) == 0 {
		return nil, nil
	}

	ctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, s.q(`UPDATE features SET in_progress = ?, updated_at = ?
		WHERE project_path = ? AND in_progress = ? AND id <> ?`),
		false, s.stamp(), project, true, exceptID)
	if err != nil {
		return nil, s.fail("clear in progress", err)
	}
	return cleared, nil
}

// IncrementWorkCount adds one to a feature's work count and returns the new
// value. With an eventID the increment and its step marker commit together.
func (s *Store) IncrementWorkCount(ctx context.Context, id, eventID string) (int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.fail("increment work count", err)
	}
	defer tx.Rollback()

	var count int
	first := true
	if eventID != "" {
		if first, err = s.claimStep(ctx, tx, eventID, StepWorkCount); err != nil {
			return 0, s.fail("increment work count", err)
		}
	}
	if first {
		err = tx.QueryRowContext(ctx, s.q(`UPDATE features SET work_count = work_count + 1, updated_at = ?
			WHERE id = ? RETURNING work_count`), s.stamp(), id).Scan(&count)
	} else {
		err = tx.QueryRowContext(ctx, s.q("SELECT work_count FROM features WHERE id = ?"), id).Scan(&count)
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, ierrors.NotFound("feature", id)
	}
	if err != nil {
		return 0, s.fail("increment work count", err)
	}
	return count, s.fail("increment work count", tx.Commit())
}

// claimStep records step for eventID and reports whether this call recorded it.
func (s *Store) claimStep(ctx context.Context, tx *sql.Tx, eventID, step string) (bool, error) {
	res, err := tx.ExecContext(ctx, s.q(`INSERT INTO event_effect_steps (event_id, step, applied_at)
		VALUES (?, ?, ?) ON CONFLICT (event_id, step) DO NOTHING`), eventID, step, s.stamp())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReplaceSteps swaps a feature's plan for steps, renumbering positions from 0.
func (s *Store) ReplaceSteps(ctx context.Context, featureID string, steps []model.Step) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("replace steps", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM feature_steps WHERE feature_id = ?"), featureID); err != nil {
		return s.fail("replace steps", err)
	}
	for i, st := range steps {
		if _, err := tx.ExecContext(ctx,
			s.q("INSERT INTO feature_steps (feature_id, position, text, completed) VALUES (?, ?, ?, ?)"),
			featureID, i, st.Text, st.Completed); err != nil {
			return s.fail("replace steps", err)
		}
	}
	return s.fail("replace steps", tx.Commit())
}

// --- Sessions ---

const sessionColumns = `id, source_agent, project_path, status, current_feature_id,
	event_count, started_at, last_activity, ended_at`

func scanSession(row rowScanner) (*model.Session, error) {
	sess := &model.Session{}
	var agent, status, startedAt, lastActivity string
	var currentFeature, endedAt sql.NullString
	if err := row.Scan(&sess.ID, &agent, &sess.ProjectPath, &status, &currentFeature,
		&sess.EventCount, &startedAt, &lastActivity, &endedAt); err != nil {
		return nil, err
	}
	sess.SourceAgent = model.SourceAgent(agent)
	sess.Status = model.SessionStatus(status)
	sess.CurrentFeatureID = currentFeature.String
	sess.StartedAt = parseTime(startedAt)
	sess.LastActivity = parseTime(lastActivity)
	sess.EndedAt = parseTimePtr(endedAt)
	return sess, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return model.FormatTimestamp(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateSession inserts a session unless one with the same id exists.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) (bool, error) {
	now := s.now().UTC()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.StartedAt
	}
	if sess.Status == "" {
		sess.Status = model.SessionActive
	}

	ctx, cancel := s.ctx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		sess.ID, string(sess.SourceAgent), sess.ProjectPath, string(sess.Status),
		nullString(sess.CurrentFeatureID), sess.EventCount,
		model.FormatTimestamp(sess.StartedAt), model.FormatTimestamp(sess.LastActivity),
		nullTime(sess.EndedAt))
	if err != nil {
		return false, s.fail("create session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("create session", err)
	}
	return n > 0, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		s.q("SELECT "+sessionColumns+" FROM sessions WHERE id = ?"), id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ierrors.NotFound("session", id)
	}
	if err != nil {
		return nil, s.fail("get session", err)
	}
	return sess, nil
}

// UpdateSession applies a partial patch and returns the updated session.
func (s *Store) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*model.Session, error) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.SourceAgent != nil {
		add("source_agent", string(*patch.SourceAgent))
	}
	if patch.CurrentFeatureID != nil {
		add("current_feature_id", nullString(*patch.CurrentFeatureID))
	}
	if patch.LastActivity != nil {
		add("last_activity", model.FormatTimestamp(*patch.LastActivity))
	}
	if patch.EndedAt != nil {
		add("ended_at", model.FormatTimestamp(*patch.EndedAt))
	}
	if len(sets) == 0 && !patch.IncrementEvents {
		return s.GetSession(ctx, id)
	}

	cctx, cancel := s.ctx(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(cctx, nil)
	if err != nil {
		return nil, s.fail("update session", err)
	}
	defer tx.Rollback()

	if patch.IncrementEvents {
		count := true
		if patch.EventID != "" {
			if count, err = s.claimStep(cctx, tx, patch.EventID, StepEventCount); err != nil {
				return nil, s.fail("update session", err)
			}
		}
		if count {
			sets = append(sets, "event_count = event_count + 1")
		}
	}
	if len(sets) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, s.fail("update session", err)
		}
		return s.GetSession(ctx, id)
	}

	args = append(args, id)
	res, err := tx.ExecContext(cctx,
		s.q("UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?"), args...)
	if err != nil {
		return nil, s.fail("update session", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ierrors.NotFound("session", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.fail("update session", err)
	}
	return s.GetSession(ctx, id)
}

// ListSessions returns sessions of a project (or all), most recently active first.
func (s *Store) ListSessions(ctx context.Context, project string) ([]*model.Session, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	query := "SELECT " + sessionColumns + " FROM sessions"
	var args []any
	if project != "" {
		query += " WHERE project_path = ?"
		args = append(args, project)
	}
	query += " ORDER BY last_activity DESC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.fail("list sessions", err)
	}
	defer rows.Close()

	sessions := []*model.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, s.fail("list sessions", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, s.fail("list sessions", rows.Err())
}

// --- Events ---

const eventColumns = `id, event_type, source_agent, session_id, project_path, tool_name,
	payload, attribution, feature_id, seq, created_at`

func scanEvent(row rowScanner) (*model.Event, error) {
	e := &model.Event{}
	var eventType, agent, attribution, createdAt string
	var toolName, payload, featureID sql.NullString
	if err := row.Scan(&e.ID, &eventType, &agent, &e.SessionID, &e.ProjectPath, &toolName,
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
	attr, err := model.ParseAttribution(attribution, fid)
	if err != nil {
		return nil, err
	}
	e.Attribution = attr
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// AppendEvent writes an immutable event row, assigning an id when unset.
func (s *Store) AppendEvent(ctx context.Context, e *model.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	var featureID any
	if id, ok := e.Attribution.FeatureID(); ok {
		featureID = id
	}

	ctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, string(e.Type), string(e.SourceAgent), e.SessionID, e.ProjectPath, e.ToolName,
		e.Payload, string(e.Attribution.Kind()), featureID, e.Seq, model.FormatTimestamp(e.CreatedAt))
	return s.fail("append event", err)
}

// GetEvent returns an event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	e, err := scanEvent(s.db.QueryRowContext(ctx,
		s.q("SELECT "+eventColumns+" FROM events WHERE id = ?"), id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ierrors.NotFound("event", id)
	}
	if err != nil {
		return nil, s.fail("get event", err)
	}
	return e, nil
}

// ListEvents returns events matching q, newest first.
func (s *Store) ListEvents(ctx context.Context, q EventQuery) ([]*model.Event, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	query := "SELECT " + eventColumns + " FROM events WHERE 1 = 1"
	var args []any
	if q.Project != "" {
		query += " AND project_path = ?"
		args = append(args, q.Project)
	}
	if q.FeatureID != "" {
		query += " AND feature_id = ?"
		args = append(args, q.FeatureID)
	}
	if q.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, q.SessionID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	query += " ORDER BY created_at DESC, seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.fail("list events", err)
	}
	defer rows.Close()

	events := []*model.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, s.fail("list events", err)
		}
		events = append(events, e)
	}
	return events, s.fail("list events", rows.Err())
}

// LastSeq returns the highest sequence number stored for a project.
func (s *Store) LastSeq(ctx context.Context, project string) (int64, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	var seq int64
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT COALESCE(MAX(seq), 0) FROM events WHERE project_path = ?"), project).Scan(&seq)
	return seq, s.fail("last seq", err)
}

// MarkEffectApplied records that derived state for an event has been applied.
func (s *Store) MarkEffectApplied(ctx context.Context, eventID string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO event_effects (event_id, applied_at)
		VALUES (?, ?) ON CONFLICT (event_id) DO NOTHING`), eventID, s.stamp())
	return s.fail("mark effect", err)
}

// EffectApplied reports whether MarkEffectApplied was recorded for an event.
func (s *Store) EffectApplied(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT COUNT(*) FROM event_effects WHERE event_id = ?"), eventID).Scan(&n)
	if err != nil {
		return false, s.fail("effect applied", err)
	}
	return n > 0, nil
}

// --- Relationships ---

// LinkWorkedOnBy records a WORKED_ON_BY edge.
func (s *Store) LinkWorkedOnBy(ctx context.Context, featureID, sessionID string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO feature_sessions (feature_id, session_id, linked_at)
		VALUES (?, ?, ?) ON CONFLICT (feature_id, session_id) DO NOTHING`),
		featureID, sessionID, s.stamp())
	return s.fail("link worked on by", err)
}

// FeatureSessions returns the ids of sessions that worked on a feature.
func (s *Store) FeatureSessions(ctx context.Context, featureID string) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT session_id FROM feature_sessions
		WHERE feature_id = ? ORDER BY linked_at ASC, session_id ASC`), featureID)
	if err != nil {
		return nil, s.fail("feature sessions", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.fail("feature sessions", err)
		}
		ids = append(ids, id)
	}
	return ids, s.fail("feature sessions", rows.Err())
}

// --- Insights ---

// AddInsight appends an insight.
func (s *Store) AddInsight(ctx context.Context, in *model.Insight) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = s.now().UTC()
	}
	if in.Tags == nil {
		in.Tags = []string{}
	}
	tags, err := json.Marshal(in.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	ctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO insights (id, project_path, text, tags, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		in.ID, in.ProjectPath, in.Text, string(tags), model.FormatTimestamp(in.CreatedAt))
	return s.fail("add insight", err)
}

// ListInsights returns insights matching q, newest first.
func (s *Store) ListInsights(ctx context.Context, q InsightQuery) ([]*model.Insight, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	query := "SELECT id, project_path, text, tags, created_at FROM insights WHERE 1 = 1"
	var args []any
	if q.Project != "" {
		query += " AND project_path = ?"
		args = append(args, q.Project)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.fail("list insights", err)
	}
	defer rows.Close()

	insights := []*model.Insight{}
	for rows.Next() {
		in := &model.Insight{}
		var tags, createdAt string
		if err := rows.Scan(&in.ID, &in.ProjectPath, &in.Text, &tags, &createdAt); err != nil {
			return nil, s.fail("list insights", err)
		}
		if err := json.Unmarshal([]byte(tags), &in.Tags); err != nil {
			in.Tags = []string{}
		}
		in.CreatedAt = parseTime(createdAt)
		if q.Tag != "" && !hasTag(in.Tags, q.Tag) {
			continue
		}
		insights = append(insights, in)
		if q.Limit > 0 && len(insights) >= q.Limit {
			break
		}
	}
	return insights, s.fail("list insights", rows.Err())
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
