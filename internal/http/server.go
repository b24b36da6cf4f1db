package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Clark-Hu/vendor-ratings/internal/cache"
	"github.com/Clark-Hu/vendor-ratings/internal/config"
	"github.com/Clark-Hu/vendor-ratings/internal/domain"
	"github.com/Clark-Hu/vendor-ratings/internal/logging"
	"github.com/Clark-Hu/vendor-ratings/internal/metrics"
	"github.com/Clark-Hu/vendor-ratings/internal/repository"
	"github.com/Clark-Hu/vendor-ratings/internal/store"
)

// RatingSubmitter records a user's rating and returns the vendor's new
// aggregate.
type RatingSubmitter interface {
	SubmitRating(ctx context.Context, userID, vendorID string, value float64) (domain.VendorAggregate, error)
}

// Dependencies bundles the collaborators the handlers need.
type Dependencies struct {
	Store   *store.Store
	Repo    *repository.Repository
	Ratings RatingSubmitter
	Cache   cache.VendorCache
	Metrics *metrics.Manager
	Logger  *zap.Logger
}

// Server wires HTTP routing, middleware, and handlers.
type Server struct {
	cfg      config.Config
	store    *store.Store
	repo     *repository.Repository
	ratings  RatingSubmitter
	cache    cache.VendorCache
	metrics  *metrics.Manager
	limiter  *limiter
	validate *validator.Validate
	logger   *zap.Logger
	router   chi.Router
	httpSrv  *http.Server
}

// New constructs the HTTP server with base middleware and routes.
func New(cfg config.Config, deps Dependencies) *Server {
	logger := logging.Component(deps.Logger, "http")
	vendorCache := deps.Cache
	if vendorCache == nil {
		vendorCache = cache.Noop{}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}

	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		repo:     deps.Repo,
		ratings:  deps.Ratings,
		cache:    vendorCache,
		metrics:  deps.Metrics,
		limiter:  newLimiter(logger, cfg.RatingRateLimit, cfg.RatingRateBurst),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		router:   r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	s.router.Route("/api", func(r chi.Router) {
		r.Route("/vendors", func(r chi.Router) {
			r.Get("/", s.handleListVendors)
			r.Post("/", s.handleCreateVendor)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetVendor)
				r.Put("/", s.handleUpdateVendor)
				r.Delete("/", s.handleDeleteVendor)
			})
		})
		r.Route("/rate-vendors", func(r chi.Router) {
			r.Get("/", s.handleListUnrated)
			r.Post("/", s.handleSubmitRating)
		})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start boots the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSecs) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Database unreachable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
