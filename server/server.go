// Package server exposes the OpenAI-shaped HTTP and SSE surface.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Skryldev/imagegen-server/config"
	"github.com/Skryldev/imagegen-server/gallery"
	"github.com/Skryldev/imagegen-server/prompt"
	"github.com/Skryldev/imagegen-server/worker"
)

const serverVersion = "1.0.0"

// Server binds the HTTP routes to the worker pool, gallery store, and prompt
// rewriter.
type Server struct {
	cfg      config.Config
	pool     *worker.Pool
	store    *gallery.Store
	rewriter *prompt.Client
	logger   *zap.Logger
	engine   *gin.Engine
	httpSrv  *http.Server
}

// New assembles the router.  Listening starts with Run.
func New(cfg config.Config, pool *worker.Pool, store *gallery.Store, rewriter *prompt.Client, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(requestLogger(logger.Named("http")))

	s := &Server{
		cfg:      cfg,
		pool:     pool,
		store:    store,
		rewriter: rewriter,
		logger:   logger.Named("server"),
		engine:   engine,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.engine

	e.POST("/v1/images/generations", s.handleGenerate)
	e.GET("/v1/models", s.handleModels)
	e.GET("/health", s.handleHealth)
	e.GET("/status", s.handleStatus)

	e.POST("/v1/prompt/optimize", s.handleOptimize)
	e.POST("/v1/prompt/translate", s.handleTranslate)

	e.GET("/v1/gallery", s.handleGalleryList)
	e.POST("/v1/gallery/save", s.handleGallerySave)
	e.DELETE("/v1/gallery/delete/:id", s.handleGalleryDelete)

	e.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusTemporaryRedirect, "/static/index.html")
	})
	e.GET("/gallery", func(c *gin.Context) {
		c.Redirect(http.StatusTemporaryRedirect, "/static/gallery.html")
	})
	e.Static("/static", s.cfg.StaticDir)

	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run listens on the configured address and blocks until the listener fails
// or Shutdown is called.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.engine}
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
