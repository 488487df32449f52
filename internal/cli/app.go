package cli

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ijoka-dev/ijoka/internal/attribution"
	"github.com/ijoka-dev/ijoka/internal/config"
	"github.com/ijoka-dev/ijoka/internal/hub"
	"github.com/ijoka-dev/ijoka/internal/ingest"
	"github.com/ijoka-dev/ijoka/internal/insight"
	"github.com/ijoka-dev/ijoka/internal/keylock"
	"github.com/ijoka-dev/ijoka/internal/lifecycle"
	"github.com/ijoka-dev/ijoka/internal/memstore"
	"github.com/ijoka-dev/ijoka/internal/metrics"
	"github.com/ijoka-dev/ijoka/internal/store"
)

// openStore opens the authoritative store selected by cfg.
func openStore(cfg *config.Config) (store.EntityStore, error) {
	switch cfg.Store.Driver {
	case "memory":
		return memstore.New(), nil
	case store.DriverSQLite, store.DriverPostgres:
		if cfg.Store.Driver == store.DriverSQLite && cfg.Store.DSN != ":memory:" && !strings.HasPrefix(cfg.Store.DSN, "file:") {
			if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("creating store directory: %w", err)
			}
		}
		st, err := store.Open(store.Options{
			Driver:  cfg.Store.Driver,
			DSN:     cfg.Store.DSN,
			Timeout: cfg.Store.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// storeLabel names the authoritative store for display, without credentials.
func storeLabel(cfg *config.Config) string {
	switch cfg.Store.Driver {
	case store.DriverPostgres:
		u, err := url.Parse(cfg.Store.DSN)
		if err != nil || u.Host == "" {
			return store.DriverPostgres
		}
		return u.Redacted()
	case store.DriverSQLite:
		return "sqlite:" + cfg.Store.DSN
	default:
		return cfg.Store.Driver
	}
}

// core holds the components shared by every command that writes state.
type core struct {
	store      store.EntityStore
	locks      *keylock.Map
	attributor *attribution.Attributor
	lifecycle  *lifecycle.Manager
	pipeline   *ingest.Pipeline
	insights   *insight.Log
	stats      *metrics.Collector
}

// newCore wires the domain components over st. Every accepted change is
// forwarded to sink.
func newCore(cfg *config.Config, st store.EntityStore, sink store.Sink) *core {
	locks := keylock.New()
	attr := attribution.New(st, locks, sink)
	lc := lifecycle.New(st, sink, cfg.Sessions.IdleAfter)
	return &core{
		store:      st,
		locks:      locks,
		attributor: attr,
		lifecycle:  lc,
		pipeline:   ingest.New(st, locks, attr, lc, sink),
		insights:   insight.New(st, sink),
		stats:      metrics.NewCollector(st, cfg.Sessions.IdleAfter),
	}
}

func hubOptions(cfg *config.Config) hub.Options {
	return hub.Options{
		Buffer:      cfg.Broadcast.Buffer,
		SendTimeout: cfg.Broadcast.SendTimeout,
		QueueSize:   cfg.Broadcast.QueueSize,
	}
}
