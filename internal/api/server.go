// Package api serves the nestwatch JSON API.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/nestwatch/internal/alert"
	"github.com/zulandar/nestwatch/internal/metrics"
	"github.com/zulandar/nestwatch/internal/privacy"
	"github.com/zulandar/nestwatch/internal/session"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB       *gorm.DB
	Sessions *session.Coordinator
	Privacy  *privacy.Timer
	Alerts   *alert.Dispatcher // optional
	Port     int
	Out      io.Writer
}

// deps is what handlers close over.
type deps struct {
	db       *gorm.DB
	sessions *session.Coordinator
	privacy  *privacy.Timer
	alerts   *alert.Dispatcher
}

// Start launches the API HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "nestwatch API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("api: session coordinator is required")
	}
	if opts.Privacy == nil {
		return nil, fmt.Errorf("api: privacy timer is required")
	}
	if err := registerValidators(); err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery(), metrics.Middleware())
	registerRoutes(router, deps{
		db:       opts.DB,
		sessions: opts.Sessions,
		privacy:  opts.Privacy,
		alerts:   opts.Alerts,
	})
	return router, nil
}
