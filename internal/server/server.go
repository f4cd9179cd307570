// Package server is the HTTP gateway in front of the week counter.
package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni"
	"go.uber.org/zap"

	weekcount "github.com/KunoSayo/how-long-until-next-teacon-opens"
	"github.com/KunoSayo/how-long-until-next-teacon-opens/internal/identity"
	"github.com/KunoSayo/how-long-until-next-teacon-opens/store"
)

//go:embed static/index.html
var indexHTML []byte

// Counter is the part of weekcount.Counter the gateway serves.
type Counter interface {
	Count(ctx context.Context) (uint64, error)
	Record(ctx context.Context) (store.Record, error)
	Increment(ctx context.Context) (uint64, error)
	IncrementOnce(ctx context.Context, identity string) (bool, error)
}

// Visits accepts passive visits for background processing.
type Visits interface {
	Enqueue(identity string) bool
}

type options struct {
	listen          string
	shutdownTimeout time.Duration
	registry        *prometheus.Registry
}

// Option configures a Server.
type Option func(o *options)

// WithListen sets the address to listen on. The default is 0.0.0.0:8080.
func WithListen(addr string) Option {
	return func(o *options) { o.listen = addr }
}

// WithShutdownTimeout bounds how long Stop waits for in-flight requests.
// The default is 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

// WithRegistry registers the HTTP metrics in r and serves r on /metrics.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// Server serves the counter page and its JSON API.
type Server struct {
	counter Counter
	visits  Visits
	logger  *zap.Logger
	opts    options
	handler http.Handler
	srv     *http.Server
}

type apiResponse struct {
	Success   bool   `json:"success"`
	WeekCount uint64 `json:"week_count"`
	Message   string `json:"message,omitempty"`
}

type recordResponse struct {
	Success       bool       `json:"success"`
	WeekCount     uint64     `json:"week_count"`
	LastIncrement *time.Time `json:"last_increment,omitempty"`
	Date          time.Time  `json:"date"`
}

// New builds a Server around counter. Passive page visits are handed to
// visits; the HTTP listener is not started until Start.
func New(counter Counter, visits Visits, logger *zap.Logger, opts ...Option) *Server {
	o := options{
		listen:          "0.0.0.0:8080",
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		counter: counter,
		visits:  visits,
		logger:  logger,
		opts:    o,
	}
	s.handler = s.routes()
	s.srv = &http.Server{
		Addr:              o.listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	var reg prometheus.Registerer
	if s.opts.registry != nil {
		reg = s.opts.registry
	}
	m := newMetricsMiddleware(reg)

	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/", m.Handler("index", s.handleIndex))
	router.HandlerFunc(http.MethodGet, "/api/data", m.Handler("data", s.handleData))
	router.HandlerFunc(http.MethodPost, "/api/increment", m.Handler("increment", s.handleIncrement))
	router.HandlerFunc(http.MethodGet, "/api/record", m.Handler("record", s.handleRecord))
	router.HandlerFunc(http.MethodGet, "/health", m.Handler("health", s.handleHealth))
	if s.opts.registry != nil {
		router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.registry, promhttp.HandlerOpts{}))
	}

	recovery := negroni.NewRecovery()
	recovery.PrintStack = false
	recovery.Logger = zap.NewStdLog(s.logger)

	n := negroni.New(recovery, cors.AllowAll(), requestLogger(s.logger))
	n.UseHandler(router)
	return n
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.listen)
	if err != nil {
		return err
	}
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully, waiting at most the shutdown timeout.
func (s *Server) Stop(reason error) {
	s.logger.Info("stopping http server", zap.NamedError("reason", reason))

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("http server shutdown", zap.Error(err))
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	id := identity.FromRequest(r)
	s.logger.Info("index visit", zap.String("identity", id), zap.String("request_id", RequestID(r.Context())))
	s.visits.Enqueue(id)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity.FromRequest(r)
	logger := s.logger.With(zap.String("identity", id), zap.String("request_id", RequestID(ctx)))

	if _, err := s.counter.IncrementOnce(ctx, id); err != nil {
		logger.Error("conditional increment failed", zap.Error(err))
	}

	n, err := s.counter.Count(ctx)
	if err != nil {
		logger.Error("read week count failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, apiResponse{Message: "failed to read week count"})
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, WeekCount: n})
}

func (s *Server) handleIncrement(w http.ResponseWriter, r *http.Request) {
	n, err := s.counter.Increment(r.Context())
	if err != nil {
		s.logger.Error("increment failed", zap.Error(err), zap.String("request_id", RequestID(r.Context())))
		s.writeJSON(w, http.StatusInternalServerError, apiResponse{Message: "increment failed, try again later"})
		return
	}
	s.logger.Info("week count incremented", zap.Uint64("week_count", n))
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, WeekCount: n})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.counter.Record(r.Context())
	if err != nil {
		s.logger.Error("read record failed", zap.Error(err), zap.String("request_id", RequestID(r.Context())))
		s.writeJSON(w, http.StatusInternalServerError, apiResponse{Message: "failed to read week count"})
		return
	}

	res := recordResponse{
		Success:   true,
		WeekCount: rec.Count,
		Date:      weekcount.DateFromWeeks(rec.Count),
	}
	if rec.HasLastIncrement() {
		res.LastIncrement = &rec.LastIncrement
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "teacon-counter",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}
