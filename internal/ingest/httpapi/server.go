// Package httpapi exposes the publish path over HTTP:
//
//	POST /event-types/{name}/events   publish the request body
//	GET  /event-types                 list registered event types
//	GET  /event-types/{name}          show one event type
//	GET  /health                      storage health
//
// Errors are application/problem+json documents.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"eventgate/internal/domain"
	"eventgate/internal/logging"
	"eventgate/internal/problem"
	"eventgate/internal/publish"
	"eventgate/internal/registry"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	HeaderRequestID     = "X-Request-Id"
	DefaultMaxBodyBytes = 1 << 20
)

type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
	// RateLimit is the sustained number of requests per second accepted
	// across all clients; zero disables limiting.
	RateLimit float64
	Burst     int
}

func (c *Config) withDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.RateLimit > 0 && c.Burst <= 0 {
		c.Burst = int(c.RateLimit)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
}

// Catalog is the read side of the event type registry.
type Catalog interface {
	registry.Resolver
	List() []domain.EventType
}

type HealthChecker interface {
	Health(context.Context) (bool, string)
}

type Server struct {
	cfg       Config
	publisher publish.Publisher
	catalog   Catalog
	health    HealthChecker
	limiter   *rate.Limiter
	logger    *slog.Logger
	srv       *http.Server
}

func NewServer(cfg Config, publisher publish.Publisher, catalog Catalog, health HealthChecker, logger *slog.Logger) *Server {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		publisher: publisher,
		catalog:   catalog,
		health:    health,
		logger:    logger.With(logging.Component("http")),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /event-types/{name}/events", s.handlePublish)
	mux.HandleFunc("GET /event-types", s.handleListEventTypes)
	mux.HandleFunc("GET /event-types/{name}", s.handleGetEventType)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.withRequestID(s.withRateLimit(mux))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		// in-flight requests outlive ctx so Shutdown can finish them
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	s.logger.Info("http listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	name := domain.EventTypeName(r.PathValue("name"))
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeProblem(w, r, problem.New(http.StatusRequestEntityTooLarge, fmt.Sprintf("Payload exceeds %d bytes.", tooLarge.Limit)))
			return
		}
		s.writeProblem(w, r, problem.New(http.StatusBadRequest, "Could not read request body."))
		return
	}

	out := s.publisher.Publish(r.Context(), name, body)
	if p, ok := problem.Render(out); ok {
		s.writeProblem(w, r, p)
		return
	}
	w.WriteHeader(problem.Status(out))
}

type eventTypeView struct {
	Name      string    `json:"name"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toView(et domain.EventType) eventTypeView {
	return eventTypeView{Name: string(et.Name), Topic: string(et.Topic), CreatedAt: et.CreatedAt, UpdatedAt: et.UpdatedAt}
}

func (s *Server) handleListEventTypes(w http.ResponseWriter, r *http.Request) {
	items := s.catalog.List()
	out := make([]eventTypeView, 0, len(items))
	for _, et := range items {
		out = append(out, toView(et))
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleGetEventType(w http.ResponseWriter, r *http.Request) {
	name := domain.EventTypeName(r.PathValue("name"))
	et, ok := s.catalog.Resolve(name)
	if !ok {
		s.writeProblem(w, r, problem.EventTypeNotFound(name))
		return
	}
	s.writeJSON(w, r, http.StatusOK, toView(et))
}

type healthView struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := healthView{OK: true, Message: "ok"}
	if s.health != nil {
		view.OK, view.Message = s.health.Health(r.Context())
	}
	status := http.StatusOK
	if !view.OK {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, status, view)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeProblem(w, r, problem.New(http.StatusTooManyRequests, "Rate limit exceeded."))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.DebugContext(r.Context(), "http request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(started)))
	})
}

func (s *Server) writeProblem(w http.ResponseWriter, r *http.Request, p problem.Problem) {
	if err := problem.Write(w, p); err != nil {
		s.logger.WarnContext(r.Context(), "write problem", logging.Error(err))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "encode response", logging.Error(err))
		s.writeProblem(w, r, problem.New(http.StatusInternalServerError, ""))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
