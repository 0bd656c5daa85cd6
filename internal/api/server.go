// Package api serves stored scores, drift records and run summaries over a
// read-only JSON API.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/cache"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/database"
	apperrors "github.com/Yisonco-Stellargold/larue-civic-intel/internal/errors"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/monitoring"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/ratelimit"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/rubric"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/security"
)

// Options configure optional server components. Nil fields are disabled.
type Options struct {
	Cache          *cache.Cache
	Limiter        *ratelimit.RateLimiter
	Redis          *ratelimit.RedisClient
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Server is the HTTP read API
type Server struct {
	repo    *database.Repository
	rubric  *rubric.Rubric
	cache   *cache.Cache
	redis   *ratelimit.RedisClient
	metrics *monitoring.Metrics
	logger  *monitoring.Logger
	router  *gin.Engine
}

// NewServer builds the router
func NewServer(repo *database.Repository, r *rubric.Rubric, metrics *monitoring.Metrics, logger *monitoring.Logger, opts Options) *Server {
	s := &Server{
		repo:    repo,
		rubric:  r,
		cache:   opts.Cache,
		redis:   opts.Redis,
		metrics: metrics,
		logger:  logger,
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.MonitoringMiddleware(metrics, logger))
	router.Use(cors.New(corsConfig(opts.AllowedOrigins)))
	router.Use(security.SecurityHeadersMiddleware())
	router.Use(security.RequestTimeout(opts.RequestTimeout))
	router.Use(apperrors.ErrorHandler())
	if opts.Limiter != nil {
		router.Use(opts.Limiter.Middleware("/health", "/metrics"))
	}

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/scores", s.handleScores)
	api.GET("/officials/:name/drift", s.handleDrift)
	api.GET("/runs", s.handleRuns)
	api.GET("/rubric", s.handleRubric)

	s.router = router
	return s
}

func corsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Accept", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return config
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return apperrors.WrapError(err, "listen on %s", addr)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return apperrors.WrapError(err, "shutdown server")
	}
	s.logger.Info("Server exited")
	return nil
}
