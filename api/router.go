// Package api serves a read-only view of a running batch over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/chatrelay/api/handler"
	"github.com/use-agent/chatrelay/api/middleware"
	"github.com/use-agent/chatrelay/config"
)

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery
//	API:     Auth (if keys are configured) → RateLimit
//
// Health stays outside auth so monitoring checks always work. ctx bounds the
// rate limiter's cleanup goroutine.
func NewRouter(ctx context.Context, cfg config.StatusConfig, src handler.Source, startTime time.Time) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/api/v1")
	v1.GET("/health", handler.Health(src, startTime))

	protected := v1.Group("")
	protected.Use(middleware.Auth(cfg.APIKeys))
	protected.Use(middleware.RateLimit(ctx, cfg))

	protected.GET("/progress", handler.Progress(src))
	protected.GET("/results", handler.Results(src))
	protected.GET("/results/:query_index", handler.Result(src))

	return r
}

// Serve runs the status server on addr until ctx is done, then drains
// in-flight requests for up to five seconds.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("status server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Error("status server forced shutdown", "error", err)
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("status server drained gracefully")
	return nil
}
