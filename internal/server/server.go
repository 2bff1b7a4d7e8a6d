package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/chat-relay/internal/auth"
)

const (
	defaultRequestTimeout = 10 * time.Minute
	shutdownTimeout       = 30 * time.Second
)

// Options configures a Server.
type Options struct {
	Port           int
	Logger         *slog.Logger
	Authenticator  *auth.Authenticator
	RequestTimeout time.Duration
}

type Server struct {
	Router *chi.Mux
	Port   int

	logger         *slog.Logger
	authenticator  *auth.Authenticator
	requestTimeout time.Duration
	httpServer     *http.Server
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(CORSMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return &Server{
		Router:         r,
		Port:           opts.Port,
		logger:         logger,
		authenticator:  opts.Authenticator,
		requestTimeout: timeout,
	}
}

// MountAPI registers authenticated routes under /v1.
func (s *Server) MountAPI(routes func(r chi.Router)) {
	s.Router.Route("/v1", func(r chi.Router) {
		if s.authenticator != nil {
			r.Use(AuthMiddleware(s.authenticator))
		}
		r.Use(TimeoutMiddleware(s.requestTimeout))
		r.Use(middleware.Recoverer)

		// Wrap with OpenTelemetry HTTP instrumentation
		r.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "chat-relay")
		})

		routes(r)
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
