// Package server is the development HTTP server. It serves HTML entry
// pages with the HMR client injected, transforms module requests through
// the session pipeline and pushes hot updates over a websocket.
package server

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/plugins/builtin"
	"github.com/conneroisu/kiln/internal/session"
	"github.com/conneroisu/kiln/internal/telemetry"
	"github.com/conneroisu/kiln/internal/watcher"
)

// Internal endpoints.
const (
	WebSocketPath = "/__kiln/ws"
	PingPath      = "/__kiln/ping"
	MetricsPath   = "/__kiln/metrics"
	GraphPath     = "/__kiln/graph"
	HealthPath    = "/__kiln/health"
)

//go:embed client.js
var clientSource string

var clientScript = strings.NewReplacer(
	"__KILN_WS_PATH__", WebSocketPath,
	"__KILN_PING_PATH__", PingPath,
).Replace(clientSource)

// Options configures a Server.
type Options struct {
	Session *session.Session
	// Hub must be the broadcaster the session was created with.
	Hub *Hub
	// Watcher is optional. Without it no file change reaches the session.
	Watcher *watcher.FileWatcher
	Metrics *telemetry.Metrics
	Health  *telemetry.HealthMonitor
	Logger  logging.Logger
}

// Server is the dev server.
type Server struct {
	session *session.Session
	hub     *Hub
	watcher *watcher.FileWatcher
	metrics *telemetry.Metrics
	health  *telemetry.HealthMonitor
	logger  logging.Logger

	httpServer *http.Server
}

// New creates a server.
func New(opts Options) *Server {
	return &Server{
		session: opts.Session,
		hub:     opts.Hub,
		watcher: opts.Watcher,
		metrics: opts.Metrics,
		health:  opts.Health,
		logger:  logging.OrNop(opts.Logger).WithComponent("server"),
	}
}

// Handler returns the server's routes wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.hub != nil {
		mux.Handle(WebSocketPath, s.hub)
	}
	mux.HandleFunc(PingPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if s.metrics != nil {
		mux.Handle(MetricsPath, s.metrics.Handler())
	}
	if s.health != nil {
		mux.Handle(HealthPath, s.health.HTTPHandler())
	}
	mux.HandleFunc(GraphPath, s.handleGraph)
	mux.HandleFunc(builtin.ClientURL, s.handleClient)
	mux.HandleFunc("/", s.handleApp)

	return s.addMiddleware(mux)
}

// Start serves until ctx is done, then shuts down the HTTP server, the
// watcher and the session's plugins.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.session.Config

	if s.hub != nil {
		go s.hub.Run(ctx)
	}
	if s.watcher != nil {
		s.watcher.AddHandler(s.session.HMR.HandleEvents)
		if cfg.ConfigFile != "" {
			if err := s.watcher.AddPath(cfg.ConfigFile); err != nil {
				s.logger.Warn(ctx, err, "Cannot watch config file", "file", cfg.ConfigFile)
			}
		}
		if err := s.watcher.Start(ctx); err != nil {
			return err
		}
	}
	s.session.Warmup(ctx, cfg.Server.Warmup)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Dev server listening", "url", "http://"+cfg.Addr())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.closeResources(context.Background())
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.closeResources(shutdownCtx)
	return err
}

func (s *Server) closeResources(ctx context.Context) {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warn(ctx, err, "Failed to stop watcher")
		}
	}
	if err := s.session.Close(ctx); err != nil {
		s.logger.Warn(ctx, err, "Plugin close hooks failed")
	}
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "client.js", time.Time{}, strings.NewReader(clientScript))
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.session.Graph.Snapshot()); err != nil {
		s.logger.Error(r.Context(), err, "Failed to encode module graph")
	}
}

func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		} else if len(s.session.Config.Server.AllowedOrigins) == 0 {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(rec, r)
		s.logger.Debug(r.Context(), "Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *Server) isAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range s.session.Config.Server.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// statusRecorder captures the response status for the request log. It
// keeps the websocket upgrade working by exposing the hijacker.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
