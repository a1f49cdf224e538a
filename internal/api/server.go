// Package api is the HTTP surface of the round clock: the development session
// server (/session), health probes and the verification API (/api/v1).
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-roundclock/internal/scan"
	"github.com/MJE43/pf-roundclock/internal/seeds"
	"github.com/MJE43/pf-roundclock/internal/settlebus"
	"github.com/MJE43/pf-roundclock/internal/store"
)

// Config tunes the server. Zero values fall back to defaults.
type Config struct {
	AllowedOrigins  []string
	RequestTimeout  time.Duration
	StartingBalance decimal.Decimal
	MaxScanRounds   int64
	Clock           clockwork.Clock
	Logger          zerolog.Logger
}

// Server handles HTTP requests
type Server struct {
	cfg          Config
	db           store.DB
	issuer       *seeds.Issuer
	bus          settlebus.Publisher
	scanner      *scan.Scanner
	clock        clockwork.Clock
	logger       zerolog.Logger
	errorHandler *ErrorHandler
	grids        *gridCache
	startTime    time.Time
}

// NewServer creates a new API server. A nil bus disables settlement events.
func NewServer(db store.DB, issuer *seeds.Issuer, bus settlebus.Publisher, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxScanRounds <= 0 {
		cfg.MaxScanRounds = 100_000
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if bus == nil {
		bus = settlebus.Nop{}
	}
	logger := cfg.Logger.With().Str("component", "api").Logger()
	return &Server{
		cfg:          cfg,
		db:           db,
		issuer:       issuer,
		bus:          bus,
		scanner:      scan.NewScanner(),
		clock:        cfg.Clock,
		logger:       logger,
		errorHandler: NewErrorHandler(logger),
		grids:        newGridCache(issuer),
		startTime:    cfg.Clock.Now(),
	}
}

// Routes sets up the HTTP routes
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.errorHandler.RecoveryHandler)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-User-ID", "X-User-Name"},
		ExposedHeaders: []string{"X-Engine-Version", "X-Error-Type", "X-Error-Category"},
		MaxAge:         86400,
	}).Handler)

	r.Get("/health", s.handleHealthCheck)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/health/live", s.handleLiveness)

	r.Route("/session", func(r chi.Router) {
		r.Get("/init", s.handleInit)
		r.Get("/bets", s.handleBets)
		r.Get("/balance", s.handleBalance)
		r.Post("/bet", s.handlePlaceBet)
		r.Post("/settle", s.handleSettle)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/games", s.handleListGames)
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			s.writeJSON(w, http.StatusOK, GetVersionInfo())
		})
		r.Post("/verify", s.handleVerify)
		r.Post("/scan", s.handleScan)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/seeds/{game}/{periodStart}", s.handleRevealSeed)
	})

	return r
}

// requestLogger logs each request once it completes. Seeds travel in
// bodies only, so paths and queries are safe to log.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("user_id", r.Header.Get("X-User-ID")).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Engine-Version", EngineVersion)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
