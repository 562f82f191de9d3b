// Package server exposes the chunked upload API over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"time"

	"lfingest/pkg/log"
	"lfingest/pkg/metrics"
	"lfingest/pkg/models"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	shutdownTimeout = 10
	syncTimeout     = 30
)

// SessionService runs the upload session lifecycle for an owner.
type SessionService interface {
	Init(ctx context.Context, owner string, req models.InitRequest) (*models.UploadSession, error)
	WriteChunk(ctx context.Context, owner, sessionID string, index int, declaredHash string, body io.Reader, contentLength int64) error
	Status(ctx context.Context, owner, sessionID string) (*models.SessionStatusView, error)
	Complete(ctx context.Context, owner, sessionID string) (*models.ResourceFile, error)
	Abort(ctx context.Context, owner, sessionID string) error
}

// QuotaReader reports an owner's quota.
type QuotaReader interface {
	GetQuota(ctx context.Context, owner string) (models.Quota, error)
}

// FileReader loads resource files.
type FileReader interface {
	Get(ctx context.Context, id string) (*models.ResourceFile, error)
}

// Deps are the collaborators of the server. Metrics and Gatherer are optional.
type Deps struct {
	Sessions   SessionService
	Quotas     QuotaReader
	Files      FileReader
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	StorageDir string
	JWTSecret  string
	Version    string
}

// IngestServer serves the upload API.
type IngestServer struct {
	echo       *echo.Echo
	sessions   SessionService
	quotas     QuotaReader
	files      FileReader
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	storageDir string
	jwtSecret  []byte
	version    string
	started    time.Time
}

// NewIngestServer creates a server with its routes registered.
func NewIngestServer(deps Deps) *IngestServer {
	srv := &IngestServer{
		echo:       echo.New(),
		sessions:   deps.Sessions,
		quotas:     deps.Quotas,
		files:      deps.Files,
		metrics:    deps.Metrics,
		gatherer:   deps.Gatherer,
		storageDir: deps.StorageDir,
		jwtSecret:  []byte(deps.JWTSecret),
		version:    deps.Version,
		started:    time.Now(),
	}
	srv.setupRoutes()
	return srv
}

// Handler returns the HTTP handler of the server.
func (srv *IngestServer) Handler() http.Handler {
	return srv.echo
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (srv *IngestServer) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", addr).
			Str("storage_dir", srv.storageDir).
			Str("version", srv.version).
			Bool("jwt", len(srv.jwtSecret) > 0).
			Msg("Starting ingest server")

		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			log.Error().Err(err).Msg("Server startup failed")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	return srv.Shutdown()
}

// Shutdown stops accepting requests and flushes filesystem buffers so
// acknowledged chunks reach the disk.
func (srv *IngestServer) Shutdown() error {
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout*time.Second)
	defer cancel()

	if err := srv.echo.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		return err
	}

	log.Info().Msg("Server gracefully stopped")

	syncCtx, syncCancel := context.WithTimeout(context.Background(), syncTimeout*time.Second)
	defer syncCancel()

	cmd := exec.CommandContext(syncCtx, "sync")
	if err := cmd.Run(); err != nil {
		log.Warn().Err(err).Msg("Sync command failed")
	} else {
		log.Info().Msg("Filesystem buffers flushed successfully")
	}
	return nil
}

func (srv *IngestServer) setupRoutes() {
	srv.echo.HideBanner = true
	srv.echo.HidePort = true
	srv.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${time_rfc3339} ${status} ${method} ${uri} (${latency_human})\n",
	}))
	srv.echo.Use(middleware.Recover())
	srv.echo.Use(srv.observe)

	srv.echo.GET("/healthz", srv.healthz)
	if srv.gatherer != nil {
		srv.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{})))
	}

	uploads := srv.echo.Group("/uploads", IdentityMiddleware(srv.jwtSecret))
	uploads.POST("/large/init", srv.initUpload)
	uploads.PUT("/large/:id/chunks/:index", srv.putChunk)
	uploads.GET("/large/:id/status", srv.getStatus)
	uploads.PATCH("/large/:id/complete", srv.completeUpload)
	uploads.DELETE("/large/:id", srv.abortUpload)
	uploads.GET("/quota", srv.getQuota)
	uploads.GET("/files/:id", srv.getFile)
}

// observe records request metrics by route template.
func (srv *IngestServer) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		status := c.Response().Status
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			status = httpErr.Code
		}
		srv.metrics.ObserveRequest(c.Request().Method, c.Path(), strconv.Itoa(status), time.Since(start))
		return err
	}
}
