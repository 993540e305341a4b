package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/thenexusengine/ladbid/internal/adapters"
	"github.com/thenexusengine/ladbid/internal/adapters/lockerdome"
	"github.com/thenexusengine/ladbid/internal/config"
	"github.com/thenexusengine/ladbid/internal/consent"
	"github.com/thenexusengine/ladbid/internal/endpoints"
	"github.com/thenexusengine/ladbid/internal/metrics"
	"github.com/thenexusengine/ladbid/internal/middleware"
	"github.com/thenexusengine/ladbid/internal/storage"
	"github.com/thenexusengine/ladbid/pkg/breaker"
	"github.com/thenexusengine/ladbid/pkg/logger"
	"github.com/thenexusengine/ladbid/pkg/redis"
)

// exchangeBreakerName labels the exchange circuit breaker in metrics
const exchangeBreakerName = "lockerdome_exchange"

// Server represents the adapter service
type Server struct {
	config     *ServerConfig
	httpServer *http.Server
	metrics    *metrics.Metrics
	registry   *adapters.Registry

	breaker     *breaker.CircuitBreaker
	consentHost *consent.Host
	responder   *consent.Responder

	db          *sql.DB
	consents    *storage.ConsentStore
	redisClient *redis.Client
}

// NewServer creates a server using the process-wide metrics and registry
func NewServer(cfg *ServerConfig) (*Server, error) {
	return newServer(cfg, metrics.NewMetrics("ladbid"), adapters.DefaultRegistry)
}

func newServer(cfg *ServerConfig, m *metrics.Metrics, registry *adapters.Registry) (*Server, error) {
	s := &Server{
		config:   cfg,
		metrics:  m,
		registry: registry,
	}

	if err := s.initialize(); err != nil {
		return nil, err
	}

	return s, nil
}

// initialize sets up all server components
func (s *Server) initialize() error {
	log := logger.Log

	log.Info().
		Str("port", s.config.Port).
		Str("endpoint", s.config.ExchangeEndpoint).
		Dur("timeout", s.config.ExchangeTimeout).
		Bool("consent_enabled", s.config.ConsentEnabled).
		Dur("consent_timeout", s.config.ConsentTimeout).
		Msg("Initializing LockerDome adapter service")

	// Database and Redis failures are non-fatal; consent lookups degrade
	// to "no CMP"
	if err := s.initDatabase(); err != nil {
		log.Warn().Err(err).Msg("Database initialization failed, continuing without consent platform")
	}
	if err := s.initRedis(); err != nil {
		log.Warn().Err(err).Msg("Redis initialization failed, continuing without CMP messenger")
	}

	s.initConsent()

	if err := s.initAdapter(); err != nil {
		return err
	}

	bidders := s.registry.ListBidders()
	log.Info().
		Int("count", len(bidders)).
		Strs("bidders", bidders).
		Msg("Bidders registered")

	s.initHandlers()
	return nil
}

// initDatabase connects the consent store
func (s *Server) initDatabase() error {
	log := logger.Log

	if s.config.DatabaseConfig == nil {
		log.Info().Msg("DB_HOST not set, consent platform disabled")
		return nil
	}

	dbCfg := s.config.DatabaseConfig
	db, err := storage.NewDBConnection(
		dbCfg.Host,
		dbCfg.Port,
		dbCfg.User,
		dbCfg.Password,
		dbCfg.Name,
		dbCfg.SSLMode,
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := storage.NewConsentStore(db)
	if err := store.CreateTables(ctx); err != nil {
		db.Close()
		return err
	}

	s.db = db
	s.consents = store
	log.Info().Str("host", dbCfg.Host).Msg("Consent store connected to PostgreSQL")
	return nil
}

// initRedis initializes the Redis client
func (s *Server) initRedis() error {
	log := logger.Log

	if s.config.RedisURL == "" {
		log.Info().Msg("REDIS_URL not set, cross-frame CMP disabled")
		return nil
	}

	client, err := redis.New(s.config.RedisURL)
	if err != nil {
		return err
	}
	s.redisClient = client

	log.Info().Msg("Redis client initialized")
	return nil
}

// initConsent picks the consent environment. With Redis the adapter talks
// to the CMP over pub/sub, answered by our responder when a consent store
// is available. Without Redis the store is queried directly.
func (s *Server) initConsent() {
	log := logger.Consent()
	s.consentHost = &consent.Host{}

	switch {
	case s.redisClient != nil:
		s.consentHost.Messenger = consent.NewPubSubMessenger(s.redisClient, s.config.CMPCallChannel, s.config.CMPReturnChannel)

		if s.consents != nil && s.config.CMPResponderEnabled {
			s.responder = consent.NewResponder(s.redisClient, s.consents, s.config.CMPCallChannel, s.config.CMPReturnChannel)
			if err := s.responder.Start(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to start CMP responder")
				s.responder = nil
			}
		}
	case s.consents != nil:
		s.consentHost.Platform = s.consents
	}

	log.Info().
		Str("strategy", string(s.consentHost.Strategy())).
		Bool("responder", s.responder != nil).
		Msg("Consent environment initialized")
}

// initAdapter builds the guarded exchange transport and registers the
// adapter
func (s *Server) initAdapter() error {
	s.breaker = breaker.New(s.config.ToBreakerConfig(func(from, to breaker.State) {
		s.metrics.SetCircuitState(exchangeBreakerName, string(to))
		logger.Bidder(lockerdome.BidderCode).Warn().
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Exchange circuit breaker state changed")
	}))
	s.metrics.SetCircuitState(exchangeBreakerName, string(breaker.StateClosed))

	transport := adapters.NewGuardedTransport(
		adapters.NewHTTPClient(s.config.ExchangeTimeout),
		s.breaker,
		s.config.ExchangeTimeout,
	)

	adapter := lockerdome.New(
		s.config.ToAdapterConfig(),
		transport,
		lockerdome.WithConsentHost(s.consentHost),
		lockerdome.WithRecorder(s.metrics),
	)

	info := lockerdome.Info()
	info.Endpoint = s.config.ExchangeEndpoint
	return s.registry.Register(lockerdome.BidderCode, adapter, info)
}

// initHandlers initializes HTTP handlers and builds the handler chain
func (s *Server) initHandlers() {
	mux := http.NewServeMux()
	mux.Handle("/bids", endpoints.NewBidsHandler(s.registry))
	mux.Handle("/status", endpoints.NewStatusHandler())
	mux.Handle("/health", healthHandler())
	mux.Handle("/health/ready", readyHandler(s.redisClient, s.consents))
	mux.Handle("/info/bidders", endpoints.NewInfoBiddersHandler(s.registry))
	mux.Handle("/metrics", s.metrics.Handler())

	// Admin endpoints
	mux.HandleFunc("/admin/circuit-breaker", s.circuitBreakerHandler)
	var records endpoints.ConsentRecords
	if s.consents != nil {
		records = s.consents
	}
	consentAdmin := endpoints.NewConsentAdminHandler(records)
	mux.Handle("/admin/consents", consentAdmin)
	mux.Handle("/admin/consents/", consentAdmin)

	s.httpServer = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.buildHandler(mux),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
		IdleTimeout:  config.ServerIdleTimeout,
	}
}

// buildHandler builds the middleware chain: Logging -> Size Limit -> Metrics -> Handler
func (s *Server) buildHandler(mux *http.ServeMux) http.Handler {
	sizeLimiter := middleware.NewSizeLimiter(middleware.DefaultSizeLimitConfig())

	limits := sizeLimiter.Config()
	logger.Log.Info().
		Bool("size_limit_enabled", limits.Enabled).
		Int64("max_body_size", limits.MaxBodySize).
		Msg("Middleware chain built")

	handler := http.Handler(mux)
	handler = s.metrics.Middleware(handler)
	handler = sizeLimiter.Middleware(handler)
	handler = middleware.Logging(handler)
	return handler
}

// circuitBreakerHandler returns exchange circuit breaker stats. POST closes
// the breaker first.
func (s *Server) circuitBreakerHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		s.breaker.Reset()
		logger.Bidder(lockerdome.BidderCode).Info().Msg("Exchange circuit breaker reset by admin")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		exchangeBreakerName: s.breaker.Stats(),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Log.Error().Err(err).Msg("failed to encode circuit breaker stats")
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	logger.Log.Info().Str("addr", s.httpServer.Addr).Msg("Server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown performs graceful shutdown
func (s *Server) Shutdown(ctx context.Context) error {
	log := logger.Log
	log.Info().Msg("Starting graceful shutdown")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	if s.responder != nil {
		s.responder.Stop()
	}
	if s.breaker != nil {
		s.breaker.Close()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing Redis client")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing database")
		}
	}

	log.Info().Msg("Server stopped gracefully")
	return nil
}

// healthHandler returns a simple liveness check
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   "1.0.0",
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Log.Error().Err(err).Msg("failed to encode health response")
		}
	})
}

// pinger is a dependency the readiness check pings
type pinger interface {
	Ping(ctx context.Context) error
}

// readyHandler returns a readiness check with dependency verification
func readyHandler(redisClient *redis.Client, consents *storage.ConsentStore) http.Handler {
	deps := map[string]pinger{}
	if redisClient != nil {
		deps["redis"] = redisClient
	}
	if consents != nil {
		deps["database"] = consents
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]interface{}{
			"redis":    map[string]interface{}{"status": "disabled"},
			"database": map[string]interface{}{"status": "disabled"},
		}
		allHealthy := true

		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				checks[name] = map[string]interface{}{
					"status": "unhealthy",
					"error":  err.Error(),
				}
				allHealthy = false
				continue
			}
			checks[name] = map[string]interface{}{"status": "healthy"}
		}

		status := http.StatusOK
		if !allHealthy {
			status = http.StatusServiceUnavailable
		}

		response := map[string]interface{}{
			"ready":     allHealthy,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Log.Error().Err(err).Msg("failed to encode readiness response")
		}
	})
}
