// Package cache maintains a disposable local SQLite projection of features,
// sessions and recent events. It only follows the authoritative store and can
// always be rebuilt from it.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/ijoka-dev/ijoka/internal/logging"
	"github.com/ijoka-dev/ijoka/internal/model"
	"github.com/ijoka-dev/ijoka/internal/store"
)

// DefaultQueueSize bounds pending deltas when Open is given no size.
const DefaultQueueSize = 1024

// ResyncEventLimit is how many recent events a full resync copies.
const ResyncEventLimit = 500

// Config keys maintained by the cache.
const (
	KeyLastResync = "last_resync"
	KeyStoreURL   = "store_url"
)

// Cache is the read-side projection.
type Cache struct {
	db     *sql.DB
	queue  chan store.Change
	kick   chan struct{}
	stale  atomic.Bool
	log    *logrus.Entry
	now    func() time.Time
	events int
}

var _ store.Sink = (*Cache)(nil)

// Open opens or creates the cache database at path.
func Open(path string, queueSize int) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &Cache{
		db:     db,
		queue:  make(chan store.Change, queueSize),
		kick:   make(chan struct{}, 1),
		log:    logging.NewLogger("cache"),
		now:    time.Now,
		events: ResyncEventLimit,
	}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating cache: %w", err)
	}
	return c, nil
}

func (c *Cache) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS features (
			id TEXT PRIMARY KEY,
			project_path TEXT NOT NULL,
			description TEXT NOT NULL,
			category TEXT NOT NULL,
			passes INTEGER NOT NULL,
			in_progress INTEGER NOT NULL,
			blocked INTEGER NOT NULL,
			blocked_reason TEXT NOT NULL,
			agent TEXT,
			work_count INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			source_agent TEXT NOT NULL,
			project_path TEXT NOT NULL,
			status TEXT NOT NULL,
			current_feature_id TEXT,
			event_count INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			ended_at TEXT
		);

		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			source_agent TEXT NOT NULL,
			session_id TEXT NOT NULL,
			project_path TEXT NOT NULL,
			tool_name TEXT,
			payload TEXT,
			attribution TEXT NOT NULL,
			feature_id TEXT,
			seq INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS projects (
			path TEXT PRIMARY KEY
		);

		CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cache_features_project ON features(project_path);
		CREATE INDEX IF NOT EXISTS idx_cache_sessions_project ON sessions(project_path);
		CREATE INDEX IF NOT EXISTS idx_cache_events_created ON events(created_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Close closes the cache database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Stale reports whether deltas were dropped since the last resync.
func (c *Cache) Stale() bool {
	return c.stale.Load()
}

// Notify enqueues a change without blocking. When the queue is full the
// change is dropped and the cache is marked stale, which forces a full resync
// on the next turn of Run.
func (c *Cache) Notify(ch store.Change) {
	select {
	case c.queue <- ch:
	default:
		if !c.stale.Swap(true) {
			c.log.WithField("kind", ch.Kind).Warn("cache queue full, scheduling full resync")
		}
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// Run performs a full resync from src and then applies queued deltas until ctx
// is cancelled.
func (c *Cache) Run(ctx context.Context, src store.EntityStore) error {
	if err := c.Resync(ctx, src); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.kick:
			c.resyncIfStale(ctx, src)
		case ch := <-c.queue:
			if c.stale.Load() {
				c.resyncIfStale(ctx, src)
				continue
			}
			if err := c.Apply(ctx, ch); err != nil {
				c.log.WithError(err).WithField("kind", ch.Kind).Error("applying cache delta")
				c.stale.Store(true)
			}
		}
	}
}

func (c *Cache) resyncIfStale(ctx context.Context, src store.EntityStore) {
	if !c.stale.Load() {
		return
	}
	c.drain()
	if err := c.Resync(ctx, src); err != nil {
		c.stale.Store(true)
		c.log.WithError(err).Error("cache resync failed")
	}
}

func (c *Cache) drain() {
	for {
		select {
		case <-c.queue:
		default:
			return
		}
	}
}

// Resync rebuilds every table from src in one transaction.
func (c *Cache) Resync(ctx context.Context, src store.EntityStore) error {
	// Cleared first: changes dropped while reading are covered by this resync.
	c.stale.Store(false)

	projects, err := src.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}
	var features []*model.Feature
	for _, p := range projects {
		fs, err := src.ListFeatures(ctx, p)
		if err != nil {
			return fmt.Errorf("listing features of %s: %w", p, err)
		}
		features = append(features, fs...)
	}
	sessions, err := src.ListSessions(ctx, "")
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	events, err := src.ListEvents(ctx, store.EventQuery{Limit: c.events})
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"features", "sessions", "events", "projects"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	for _, p := range projects {
		if err := upsertProject(ctx, tx, p); err != nil {
			return err
		}
	}
	for _, f := range features {
		if err := upsertFeature(ctx, tx, f); err != nil {
			return err
		}
	}
	for _, s := range sessions {
		if err := upsertSession(ctx, tx, s); err != nil {
			return err
		}
	}
	for _, e := range events {
		if err := upsertEvent(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := setConfig(ctx, tx, KeyLastResync, model.FormatTimestamp(c.now())); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{
		"projects": len(projects),
		"features": len(features),
		"sessions": len(sessions),
		"events":   len(events),
	}).Info("cache resynced")
	return nil
}

// Apply writes a single delta.
func (c *Cache) Apply(ctx context.Context, ch store.Change) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ch.ProjectPath != "" {
		if err := upsertProject(ctx, tx, ch.ProjectPath); err != nil {
			return err
		}
	}
	switch ch.Kind {
	case store.ChangeFeature:
		err = upsertFeature(ctx, tx, ch.Feature)
	case store.ChangeSession:
		err = upsertSession(ctx, tx, ch.Session)
	case store.ChangeEvent:
		err = upsertEvent(ctx, tx, ch.Event)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// SetConfig stores a cache-local setting.
func (c *Cache) SetConfig(ctx context.Context, key, value string) error {
	return setConfig(ctx, c.db, key, value)
}

// Config returns a cache-local setting, "" when unset.
func (c *Cache) Config(ctx context.Context, key string) (string, error) {
	var v string
	err := c.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setConfig(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)", key, value)
	return err
}

func upsertProject(ctx context.Context, db execer, path string) error {
	_, err := db.ExecContext(ctx, "INSERT OR IGNORE INTO projects (path) VALUES (?)", path)
	return err
}

func upsertFeature(ctx context.Context, db execer, f *model.Feature) error {
	if f == nil {
		return nil
	}
	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO features
		(id, project_path, description, category, passes, in_progress, blocked, blocked_reason,
		 agent, work_count, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ProjectPath, f.Description, string(f.Category), f.Passes, f.InProgress, f.Blocked,
		f.BlockedReason, f.Agent, f.WorkCount, f.Priority,
		model.FormatTimestamp(f.CreatedAt), model.FormatTimestamp(f.UpdatedAt))
	return err
}

func upsertSession(ctx context.Context, db execer, s *model.Session) error {
	if s == nil {
		return nil
	}
	var current, ended any
	if s.CurrentFeatureID != "" {
		current = s.CurrentFeatureID
	}
	if s.EndedAt != nil {
		ended = model.FormatTimestamp(*s.EndedAt)
	}
	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO sessions
		(id, source_agent, project_path, status, current_feature_id, event_count,
		 started_at, last_activity, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, string(s.SourceAgent), s.ProjectPath, string(s.Status), current, s.EventCount,
		model.FormatTimestamp(s.StartedAt), model.FormatTimestamp(s.LastActivity), ended)
	return err
}

func upsertEvent(ctx context.Context, db execer, e *model.Event) error {
	if e == nil {
		return nil
	}
	var featureID any
	if id, ok := e.Attribution.FeatureID(); ok {
		featureID = id
	}
	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO events
		(id, event_type, source_agent, session_id, project_path, tool_name, payload,
		 attribution, feature_id, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), string(e.SourceAgent), e.SessionID, e.ProjectPath, e.ToolName,
		e.Payload, string(e.Attribution.Kind()), featureID, e.Seq, model.FormatTimestamp(e.CreatedAt))
	return err
}
