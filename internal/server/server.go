// Package server exposes the assistant's HTTP surface: webhook receivers
// for GitLab and SonarQube, and the session API operators and UIs talk to.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"pipemedic/internal/agent"
	"pipemedic/internal/triage"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB      *gorm.DB
	Triager *triage.Triager
	Agent   *agent.Service
	Port    int
	// WebhookSecret, when set, gates the webhook endpoints on the
	// X-Gitlab-Token header.
	WebhookSecret string
	Version       string
	Out           io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("server: db is required")
	}
	if opts.Triager == nil {
		return fmt.Errorf("server: triager is required")
	}
	if opts.Agent == nil {
		return fmt.Errorf("server: agent service is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "CI/CD failure assistant listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func newRouter(opts StartOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}
