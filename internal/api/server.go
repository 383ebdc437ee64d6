package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/takeback/internal/allocator"
	"github.com/flowpbx/takeback/internal/api/middleware"
	"github.com/flowpbx/takeback/internal/config"
	"github.com/flowpbx/takeback/internal/sma"
	"github.com/flowpbx/takeback/internal/storage"
	"github.com/flowpbx/takeback/internal/transfer"
)

// Deps are the components the HTTP surface serves.
type Deps struct {
	Config    *config.Config
	Store     storage.Store
	StoreName string
	Allocator *allocator.Allocator
	Router    *sma.Router
	Transfer  *transfer.Service
	// Associations is nil when no contact center instance is configured.
	Associations Associator
	Gatherer     prometheus.Gatherer
	JWTSecret    []byte
	Logger       *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	mux             *chi.Mux
	cfg             *config.Config
	store           storage.Store
	storeName       string
	alloc           *allocator.Allocator
	router          *sma.Router
	transfer        *transfer.Service
	transferEnabled bool
	associations    Associator
	gatherer        prometheus.Gatherer
	jwtSecret       []byte
	logger          *slog.Logger
	startTime       time.Time

	smaLimiter    *middleware.Limiter
	lookupLimiter *middleware.Limiter
	adminLimiter  *middleware.Limiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		mux:             chi.NewRouter(),
		cfg:             d.Config,
		store:           d.Store,
		storeName:       d.StoreName,
		alloc:           d.Allocator,
		router:          d.Router,
		transfer:        d.Transfer,
		transferEnabled: d.Config.TransferEnabled(),
		associations:    d.Associations,
		gatherer:        gatherer,
		jwtSecret:       d.JWTSecret,
		logger:          logger.With("subsystem", "api"),
		startTime:       time.Now(),
		smaLimiter:      middleware.NewLimiter("sma", middleware.TransactionLimits()),
		lookupLimiter:   middleware.NewLimiter("lookup", middleware.LookupLimits()),
		adminLimiter:    middleware.NewLimiter("admin", middleware.AdminLimits()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close stops the rate limiters' background cleanup.
func (s *Server) Close() {
	s.smaLimiter.Stop()
	s.lookupLimiter.Stop()
	s.adminLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.mux

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Call platform callbacks. These are reached by the telephony
		// platform and the contact flow, not by operators.
		r.With(middleware.Throttle(s.smaLimiter, middleware.KeyByTransaction)).
			Post("/sma/events", s.handleSMAEvent)
		r.With(middleware.Throttle(s.lookupLimiter, middleware.KeyByClientIP)).
			Post("/connect/lookup", s.handleConnectLookup)

		// Operator routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Throttle(s.adminLimiter, middleware.KeyByClientIP))
			r.Use(middleware.RequireAdmin(s.jwtSecret))

			r.Route("/pairs", func(r chi.Router) {
				r.Get("/", s.handleListPairs)
				r.Post("/", s.handleSeedPairs)
				r.Post("/release", s.handleReleasePair)
				r.Post("/reap", s.handleReapPairs)
			})

			r.Post("/associations", s.handleAssociateNumbers)
			r.Delete("/associations", s.handleDisassociateNumbers)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Info("api routes mounted",
		"transfer_enabled", s.transferEnabled,
		"associations_enabled", s.associations != nil,
	)
}
