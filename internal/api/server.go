// Package api exposes the snapshot service over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fclairamb/snapapi/internal/version"
)

const (
	// HTTP server timeouts.
	readHeaderTimeout = 10 * time.Second // Timeout for reading request headers
	shutdownTimeout   = 30 * time.Second // Timeout for graceful shutdown, lets snapshots finish
)

// Server represents the API HTTP server.
type Server struct {
	handler    *Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new API server listening on addr.
func NewServer(addr, apiKey string, handler *Handler, logger *slog.Logger) *Server {
	return &Server{
		handler: handler,
		logger:  logger,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           Routes(handler, apiKey, logger),
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Routes builds the request router. Everything except health and version requires the API key.
func Routes(handler *Handler, apiKey string, logger *slog.Logger) http.Handler {
	protect := requireAPIKey(apiKey, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.HandleHealth)
	mux.HandleFunc("GET /api/version", handler.HandleVersion)
	mux.Handle("POST /get_snapshot_list", protect(http.HandlerFunc(handler.HandleListSnapshots)))
	mux.Handle("POST /get_snapshot_file_list", protect(http.HandlerFunc(handler.HandleListFiles)))
	mux.Handle("POST /get_snapshot_file", protect(http.HandlerFunc(handler.HandleGetFile)))
	mux.Handle("POST /get_snapshot_zip", protect(http.HandlerFunc(handler.HandleGetZip)))
	mux.Handle("POST /put_student_report", protect(http.HandlerFunc(handler.HandleUpload)))
	mux.Handle("POST /snapshot", protect(http.HandlerFunc(handler.HandleSnapshot)))
	mux.Handle("POST /snapshot_all", protect(http.HandlerFunc(handler.HandleSnapshotAll)))

	return loggingMiddleware(mux, logger)
}

// Start starts the HTTP server. This method blocks until ctx is done or serving fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.InfoContext(ctx, "starting api server",
		"addr", listener.Addr().String(),
		"version", version.Version,
		"commit", version.Commit,
		"build_time", version.GitTime)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "shutting down api server")
		// Detached from ctx, which is already canceled, so in-flight snapshots can finish.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the server's address. Useful for testing.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
