package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ijoka-dev/ijoka/internal/api"
	"github.com/ijoka-dev/ijoka/internal/cache"
	"github.com/ijoka-dev/ijoka/internal/hub"
	"github.com/ijoka-dev/ijoka/internal/legacy"
	"github.com/ijoka-dev/ijoka/internal/logging"
	"github.com/ijoka-dev/ijoka/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ijoka server",
	Long: `Serve opens the authoritative store, rebuilds the local cache from it,
and accepts events over HTTP until interrupted.

Examples:
  ijoka serve
  ijoka serve --addr 127.0.0.1:9000
  IJOKA_STORE_DRIVER=postgres IJOKA_STORE_DSN=postgres://localhost/ijoka ijoka serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	log := logging.NewLogger("serve")

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	h := hub.New(hubOptions(cfg))
	sinks := store.Sinks{h}

	var c *cache.Cache
	if cfg.Cache.Enabled {
		c, err = cache.Open(cfg.Cache.Path, cfg.Cache.QueueSize)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.SetConfig(cmd.Context(), cache.KeyStoreURL, storeLabel(cfg)); err != nil {
			log.WithError(err).Warn("recording cache source")
		}
		sinks = append(store.Sinks{c}, sinks...)
	}

	app := newCore(cfg, st, sinks)
	srv := api.NewServer(api.Deps{
		Store:      st,
		Pipeline:   app.pipeline,
		Attributor: app.attributor,
		Lifecycle:  app.lifecycle,
		Stats:      app.stats,
		Insights:   app.insights,
		Importer:   legacy.NewImporter(app.attributor, st),
		Hub:        h,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(ctx) })
	if c != nil {
		g.Go(func() error {
			if err := c.Run(ctx, st); err != nil {
				// The cache is disposable; the server keeps running without it.
				log.WithError(err).Error("cache synchronizer stopped")
			}
			return nil
		})
	}
	if cfg.Kafka.Enabled {
		bridge := hub.NewKafkaBridge(h, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		g.Go(func() error { return bridge.Run(ctx) })
	}
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Server.Addr) })

	log.WithField("driver", cfg.Store.Driver).
		WithField("addr", cfg.Server.Addr).
		WithField("cache", cfg.Cache.Enabled).
		WithField("kafka", cfg.Kafka.Enabled).
		Info("ijoka server starting")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("ijoka server stopped")
	return nil
}
