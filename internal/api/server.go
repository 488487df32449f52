// Package api exposes ingestion, queries and the live event stream over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ijoka-dev/ijoka/internal/attribution"
	"github.com/ijoka-dev/ijoka/internal/hub"
	"github.com/ijoka-dev/ijoka/internal/ingest"
	"github.com/ijoka-dev/ijoka/internal/insight"
	"github.com/ijoka-dev/ijoka/internal/legacy"
	"github.com/ijoka-dev/ijoka/internal/lifecycle"
	"github.com/ijoka-dev/ijoka/internal/logging"
	"github.com/ijoka-dev/ijoka/internal/metrics"
	"github.com/ijoka-dev/ijoka/internal/store"
)

// Deps are the components the API serves.
type Deps struct {
	Store      store.EntityStore
	Pipeline   *ingest.Pipeline
	Attributor *attribution.Attributor
	Lifecycle  *lifecycle.Manager
	Stats      *metrics.Collector
	Insights   *insight.Log
	Importer   *legacy.Importer
	Hub        *hub.Hub
}

// Server is the ijoka HTTP server.
type Server struct {
	Deps
	router *gin.Engine
	server *http.Server
	log    *logrus.Entry
	now    func() time.Time
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewServer creates a server and registers its routes.
func NewServer(deps Deps) *Server {
	router := gin.New()

	s := &Server{
		Deps:   deps,
		router: router,
		log:    logging.NewLogger("api"),
		now:    time.Now,
	}

	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)

	router.POST("/events", s.handleIngest)
	router.GET("/events", s.handleListEvents)
	router.POST("/events/:id/redrive", s.handleRedrive)

	router.GET("/projects", s.handleProjects)
	router.GET("/stats", s.handleStats)

	router.GET("/features", s.handleListFeatures)
	router.POST("/features", s.handleCreateFeature)
	router.POST("/features/next/start", s.handleStartNext)
	router.GET("/features/:id", s.handleGetFeature)
	router.PATCH("/features/:id", s.handleUpdateFeature)
	router.GET("/features/:id/events", s.handleFeatureEvents)
	router.POST("/features/:id/start", s.handleStartFeature)
	router.POST("/features/:id/complete", s.handleCompleteFeature)
	router.POST("/features/:id/block", s.handleBlockFeature)
	router.POST("/features/:id/reopen", s.handleReopenFeature)
	router.PUT("/features/:id/steps", s.handleReplaceSteps)

	router.GET("/sessions", s.handleListSessions)
	router.POST("/sessions/start", s.handleSessionStart)
	router.POST("/sessions/end", s.handleSessionEnd)

	router.POST("/import", s.handleImport)

	router.POST("/insights", s.handleAddInsight)
	router.GET("/insights", s.handleListInsights)
	router.GET("/insights/export", s.handleExportInsights)

	router.GET("/stream", s.handleStream)

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("API listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	if s.server == nil {
		return nil
	}
	s.log.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}
