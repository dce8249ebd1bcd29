package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/audience-engine/internal/bulk"
	"github.com/ignite/audience-engine/internal/config"
	"github.com/ignite/audience-engine/internal/contactstore"
	"github.com/ignite/audience-engine/internal/importer"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/tenant"
)

// Server hosts the audience HTTP API.
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// Handlers carries the collaborators every endpoint may need.
type Handlers struct {
	db   *sql.DB
	ops  *bulk.Operator
	imp  *importer.Importer
	dir  *tenant.Directory
	sink contactstore.Notifier
}

// NewHandlers builds the handler set.
func NewHandlers(db *sql.DB, ops *bulk.Operator, imp *importer.Importer, dir *tenant.Directory, sink contactstore.Notifier) *Handlers {
	return &Handlers{db: db, ops: ops, imp: imp, dir: dir, sink: sink}
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, h *Handlers) *Server {
	return &Server{config: cfg, handler: SetupRoutes(h)}
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.GetHost(), s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
