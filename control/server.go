// Package control serves the HTTP and websocket surface of the engine.
//
// Endpoints:
//
//   - /healthz: liveness probe, always 200.
//   - /readyz: 200 when the controller is running.
//   - /status: JSON snapshot of the controller.
//   - /metrics: Prometheus metrics.
//   - /ws: websocket with JSON commands, see [Command].
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pipelined.dev/live"
	"pipelined.dev/live/config"
	"pipelined.dev/live/log"
)

// ShutdownTimeout bounds the graceful shutdown of the HTTP server.
const ShutdownTimeout = 5 * time.Second

// Controller is the part of the controller the server drives.
type Controller interface {
	Start(context.Context) error
	Stop(context.Context) error
	Pause(context.Context) error
	Resume(context.Context) error
	Apply(context.Context, *config.Config) error
	SetVolume(ctx context.Context, db float64, mute bool) error
	Volume() (float64, bool)
	State() live.State
	Status() live.Status
}

// ErrReloadUnavailable is returned by Reload command when the server has
// no config source.
var ErrReloadUnavailable = errors.New("reload is not configured")

// Option configures the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) {
		s.logger = log.Component(l, "control")
	}
}

// WithGatherer sets the source of /metrics. Default is
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithReload sets the function used by the Reload command to read the
// config.
func WithReload(fn func() (*config.Config, error)) Option {
	return func(s *Server) {
		s.reload = fn
	}
}

// WithCommandTimeout bounds the execution of a single websocket command.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.commandTimeout = d
	}
}

// Server serves the control endpoints.
type Server struct {
	ctl            Controller
	logger         *logrus.Entry
	gatherer       prometheus.Gatherer
	reload         func() (*config.Config, error)
	commandTimeout time.Duration
	mux            *http.ServeMux

	conns sync.WaitGroup
}

// New creates a server for the controller.
func New(ctl Controller, opts ...Option) *Server {
	s := &Server{
		ctl:            ctl,
		logger:         log.Component(log.Discard(), "control"),
		gatherer:       prometheus.DefaultGatherer,
		commandTimeout: 10 * time.Second,
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /healthz", s.healthz)
	s.mux.HandleFunc("GET /readyz", s.readyz)
	s.mux.HandleFunc("GET /status", s.status)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/ws", s.serveWS)
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve accepts connections on l until ctx is done. Websocket sessions are
// closed and waited for before it returns.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(l)
	}()

	s.logger.WithField("address", l.Addr().String()).Info("control server listening")
	select {
	case err := <-errc:
		s.conns.Wait()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serr := <-errc; !errors.Is(serr, http.ErrServerClosed) {
		err = errors.Join(err, serr)
	}
	s.conns.Wait()
	return err
}

// ListenAndServe listens on the TCP address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// probe is the body of health endpoints.
type probe struct {
	Status string     `json:"status"`
	State  live.State `json:"state,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probe{Status: "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	st := s.ctl.State()
	if st != live.Running {
		writeJSON(w, http.StatusServiceUnavailable, probe{Status: "fail", State: st})
		return
	}
	writeJSON(w, http.StatusOK, probe{Status: "ok", State: st})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
