// Package server exposes the command surface over a loopback HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/proxypal/proxypal/internal/commands"
)

// DefaultListenAddr is where proxypald listens unless told otherwise.
const DefaultListenAddr = "127.0.0.1:8316"

const (
	maxBodyBytes      = 1 << 20
	readHeaderTimeout = 10 * time.Second
	requestTimeout    = 2 * time.Minute
)

// Options configures a Server.
type Options struct {
	Service        *commands.Service
	Listen         string
	AllowedOrigins []string
}

// Server serves the local API.
type Server struct {
	svc      *commands.Service
	listen   string
	origins  []string
	router   chi.Router
	upgrader websocket.Upgrader
	hub      streamHub

	httpServer *http.Server
	listener   net.Listener
	errs       chan error
}

// New creates a Server and its routes.
func New(opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = DefaultListenAddr
	}
	s := &Server{
		svc:     opts.Service,
		listen:  opts.Listen,
		origins: opts.AllowedOrigins,
		errs:    make(chan error, 1),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), s.origins)
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return originAllowed(origin, s.origins)
		},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	// The stream is long-lived and must not get the request timeout.
	r.Get("/ws/status", s.handleStatusStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/version", s.handleVersion)

		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handlePutConfig)

		r.Get("/status", s.handleGetStatus)
		r.Post("/status/refresh", s.handleRefreshStatus)

		r.Route("/processes/{kind}", func(r chi.Router) {
			r.Post("/start", s.handleProcessStart)
			r.Post("/stop", s.handleProcessStop)
			r.Post("/restart", s.handleProcessRestart)
		})

		r.Post("/providers/test", s.handleTestProvider)
		r.Get("/system-proxy", s.handleSystemProxy)

		r.Route("/oauth", func(r chi.Router) {
			r.Get("/", s.handleListOAuth)
			r.Get("/{provider}", s.handlePendingOAuth)
			r.Post("/{provider}/begin", s.handleBeginOAuth)
			r.Post("/{provider}/complete", s.handleCompleteOAuth)
			r.Delete("/{provider}", s.handleCancelOAuth)
		})

		r.Get("/events", s.handleEvents)
	})
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background. A serve
// failure after Start is reported on Errors.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.listen, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Server] serve error: %v", err)
			select {
			case s.errs <- err:
			default:
			}
		}
	}()
	log.Printf("[Server] Listening on http://%s", ln.Addr())
	return nil
}

// Errors reports fatal serve errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.listen
	}
	return s.listener.Addr().String()
}

// Shutdown closes status streams and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
