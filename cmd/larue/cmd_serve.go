package main

import (
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/api"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/cache"
	apperrors "github.com/Yisonco-Stellargold/larue-civic-intel/internal/errors"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/ratelimit"
)

func serveCmd(a *app) *cobra.Command {
	var (
		port    string
		origins string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored scores, drift records and runs over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Port = port
			}

			r, err := a.loadRubric()
			if err != nil {
				return err
			}
			db, repo, err := a.openStore()
			if err != nil {
				return err
			}
			defer apperrors.SafeClose(db, "database")

			// A missing or unreachable Redis falls back to in-memory limits and cache
			redisClient, err := ratelimit.NewRedisClient(a.cfg.RedisAddr, a.cfg.RedisPassword, a.logger.Logger)
			if err != nil {
				a.logger.Warn("Redis unavailable, using in-memory fallback", "error", err)
			}
			defer apperrors.SafeClose(redisClient, "redis")

			limiter := ratelimit.NewRateLimiter(redisClient, ratelimit.Config{
				RequestsPerSecond: a.cfg.RateLimitRPS,
				Burst:             a.cfg.RateLimitBurst,
			}, a.metrics, a.logger.Logger)
			defer limiter.Close()

			responseCache := cache.NewCache(a.cfg.CacheTTL, redisClient.Client(), a.metrics, a.logger.Logger)
			defer responseCache.Close()

			if a.logger.Enabled(cmd.Context(), slog.LevelDebug) {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}

			server := api.NewServer(repo, r, a.metrics, a.logger, api.Options{
				Cache:          responseCache,
				Limiter:        limiter,
				Redis:          redisClient,
				AllowedOrigins: splitOrigins(origins),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.logger.SystemLogger("startup", "rubric "+r.Version())
			return server.Run(ctx, net.JoinHostPort("", a.cfg.Port))
		},
	}

	cmd.Flags().StringVar(&port, "port", "8080", "HTTP port (overrides PORT)")
	cmd.Flags().StringVar(&origins, "allowed-origins", os.Getenv("ALLOWED_ORIGINS"), "Comma separated CORS origins (default: any)")
	return cmd
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
