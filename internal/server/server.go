package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stakevrun/fee/internal/charges"
	"github.com/stakevrun/fee/internal/ledger"
	"github.com/stakevrun/fee/internal/metrics"
	"github.com/stakevrun/fee/internal/state"
	"github.com/stakevrun/fee/internal/verify"
)

// Server is the read/claim HTTP surface. All state it serves is owned by
// the registry and the services; handlers never mutate chain state
// directly.
type Server struct {
	registry   *state.Registry
	charges    *charges.Service
	verifier   *verify.Verifier
	replicator *ledger.Replicator
	logger     *slog.Logger

	httpServer *http.Server
}

func New(
	addr string,
	registry *state.Registry,
	chargeSvc *charges.Service,
	verifier *verify.Verifier,
	replicator *ledger.Replicator,
	readTimeout, writeTimeout time.Duration,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:   registry,
		charges:    chargeSvc,
		verifier:   verifier,
		replicator: replicator,
		logger:     logger.With("component", "server"),
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/{chainId}", func(r chi.Router) {
		r.Get("/prices", s.handlePrices)
		r.Route("/{address}", func(r chi.Router) {
			r.Get("/payments", s.handlePayments)
			r.Get("/charges", s.handleCharges)
			r.Get("/balance", s.handleBalance)
			r.Post("/credit", s.handleCredit)
		})
	})
	return r
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

// observe logs each request and feeds the HTTP metrics, keyed by chi
// route pattern so path parameters don't explode label cardinality.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		s.logger.Info("request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration_ms", elapsed.Milliseconds(), "request_id", requestIDFrom(r.Context()),
		)
	})
}

type ctxKey int

const requestIDKey ctxKey = iota

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
