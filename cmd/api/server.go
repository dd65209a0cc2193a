package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/lockgame/duelcore/src/app/battles"
	leaderboardsvc "github.com/lockgame/duelcore/src/app/leaderboard"
	"github.com/lockgame/duelcore/src/app/snapshot"
	"github.com/lockgame/duelcore/src/infra/auth"
	"github.com/lockgame/duelcore/src/infra/gateway"
)

type ServerConfig struct {
	Logger             *zap.Logger
	BattleService      *battles.Service
	LeaderboardService *leaderboardsvc.Service
	Snapshots          *snapshot.Cache
	Gateway            *gateway.Gateway
	Verifier           auth.TokenVerifier
	Registry           *prometheus.Registry
	AllowedOrigins     []string
}

// Server wires HTTP endpoints to application services with observability
// instrumentation.
type Server struct {
	cfg            ServerConfig
	router         *mux.Router
	httpMetrics    *prometheus.HistogramVec
	requestCounter *prometheus.CounterVec
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	srv := &Server{cfg: cfg}
	srv.initMetrics()
	srv.buildRouter()
	return srv
}

func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "X-Request-Id"}),
	)(s.router)
}

func (s *Server) initMetrics() {
	s.httpMetrics = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "duelcore",
		Subsystem: "http",
		Name:      "request_latency_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "code"})
	s.requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duelcore",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route",
	}, []string{"route", "method", "code"})
	s.cfg.Registry.MustRegister(s.httpMetrics, s.requestCounter)

	if s.cfg.Snapshots != nil {
		s.cfg.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "duelcore",
			Subsystem: "snapshot",
			Name:      "cached_battles",
			Help:      "Battles currently held in the snapshot cache.",
		}, func() float64 { return float64(s.cfg.Snapshots.Stats().Snapshots) }))
		s.cfg.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "duelcore",
			Subsystem: "snapshot",
			Name:      "global_version",
			Help:      "Monotonic counter of snapshot refreshes.",
		}, func() float64 { return float64(s.cfg.Snapshots.GlobalVersion()) }))
	}
}

func (s *Server) buildRouter() {
	r := mux.NewRouter()
	r.Use(s.correlationMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.metricsMiddleware)

	apiRouter := r.PathPrefix("/v1").Subrouter()
	apiRouter.Use(s.authMiddleware)
	apiRouter.Handle("/battles/create", otelhttp.NewHandler(http.HandlerFunc(s.handleCreateBattle), "CreateBattle")).Methods(http.MethodPost)
	apiRouter.Handle("/battles/matchmaking/ranked", otelhttp.NewHandler(http.HandlerFunc(s.handleMatchmake), "Matchmake")).Methods(http.MethodPost)
	apiRouter.Handle("/battles/find", otelhttp.NewHandler(http.HandlerFunc(s.handleFindWaiting), "FindWaiting")).Methods(http.MethodGet)
	apiRouter.Handle("/battles/find-friendly/{roomId}", otelhttp.NewHandler(http.HandlerFunc(s.handleFindFriendlyRoom), "FindFriendlyRoom")).Methods(http.MethodGet)
	apiRouter.Handle("/battles/join/{id}", otelhttp.NewHandler(http.HandlerFunc(s.handleJoinBattle), "JoinBattle")).Methods(http.MethodPost)
	apiRouter.Handle("/battles/{id}", otelhttp.NewHandler(http.HandlerFunc(s.handleGetBattle), "GetBattle")).Methods(http.MethodGet)
	apiRouter.Handle("/battles/{id}", otelhttp.NewHandler(http.HandlerFunc(s.handleDeleteBattle), "DeleteBattle")).Methods(http.MethodDelete)
	apiRouter.Handle("/battles/{id}/score", otelhttp.NewHandler(http.HandlerFunc(s.handleAnswer), "RecordAnswer")).Methods(http.MethodPost)
	apiRouter.Handle("/battles/{id}/next", otelhttp.NewHandler(http.HandlerFunc(s.handleSkip), "SkipQuestion")).Methods(http.MethodPost)
	apiRouter.Handle("/battles/{id}/abandon", otelhttp.NewHandler(http.HandlerFunc(s.handleAbandon), "AbandonBattle")).Methods(http.MethodPost)
	apiRouter.Handle("/battles/{id}/finish", otelhttp.NewHandler(http.HandlerFunc(s.handleFinish), "FinishBattle")).Methods(http.MethodPost)
	apiRouter.Handle("/battles/{id}/updates", otelhttp.NewHandler(http.HandlerFunc(s.handleUpdates), "BattleUpdates")).Methods(http.MethodGet)
	apiRouter.Handle("/leaderboard", otelhttp.NewHandler(http.HandlerFunc(s.handleLeaderboard), "Leaderboard")).Methods(http.MethodGet)

	if s.cfg.Gateway != nil {
		r.Handle("/ws", s.cfg.Gateway)
	}
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router = r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.cfg.Logger.Info("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", correlationIDFromContext(r.Context())),
		)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := mux.CurrentRoute(r)
		routeName := "unknown"
		if route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				routeName = tmpl
			}
		}
		codeLabel := strconv.Itoa(rw.status)
		labels := prometheus.Labels{"route": routeName, "method": r.Method, "code": codeLabel}
		s.httpMetrics.With(labels).Observe(time.Since(start).Seconds())
		s.requestCounter.With(labels).Inc()
	})
}

// responseWriter captures HTTP status codes for logging/metrics.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade reach the underlying connection
// through the logging and metrics wrappers.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
