package knowledge

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/courseatlas/internal/knowledge/handler"
	"github.com/kart-io/courseatlas/internal/knowledge/router"
	httpopts "github.com/kart-io/courseatlas/pkg/options/http"
)

// Server wraps the HTTP server and its shutdown hooks.
type Server struct {
	srv      *http.Server
	opts     *httpopts.Options
	closeFns []func()
}

// NewServer builds the gin engine, registers routes, and prepares the
// HTTP server. closeFns run after the server stops, in order.
func NewServer(opts *httpopts.Options, h *handler.KnowledgeHandler, closeFns ...func()) *Server {
	gin.SetMode(opts.Mode)

	engine := gin.New()
	engine.Use(gin.Recovery())
	router.Register(engine, h)

	return &Server{
		srv: &http.Server{
			Addr:         opts.Addr,
			Handler:      engine,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
		},
		opts:     opts,
		closeFns: closeFns,
	}
}

// Run starts the server and blocks until SIGINT or SIGTERM, then shuts
// down gracefully within the configured timeout.
func (s *Server) Run() error {
	defer func() {
		for _, fn := range s.closeFns {
			fn()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("HTTP server stopped")
	return nil
}
