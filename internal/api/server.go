package api

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"

	"leaddispatch/internal/config"
	"leaddispatch/internal/dispatch"
	"leaddispatch/internal/ledger"
	"leaddispatch/internal/logx"
	"leaddispatch/internal/store"
	"leaddispatch/internal/webhooks"
)

type Server struct {
	Store    store.Store
	Ledger   ledger.Ledger
	Coord    *dispatch.Coordinator
	Config   *config.Live
	Broker   EventBroker
	Hub      *Hub
	Webhooks *webhooks.Worker

	base    context.Context // parent of every dispatch run
	limiter *ipLimiter
	closers []io.Closer
	log     *logx.Logger
}

// NewServer wires the service from cfg. Without DATABASE_URL the store is
// in-memory; without REDIS_URL the ledger and event broker are in-process.
// Dispatch runs are children of ctx.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	s := &Server{base: ctx, log: logx.New("api")}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s.Store = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if os.Getenv("DB_MIGRATE") != "false" {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, err
			}
		}
		s.Store = pg
		s.closers = append(s.closers, pg)
	}

	if strings.TrimSpace(cfg.RedisURL) == "" {
		s.Ledger = ledger.NewMemory()
		s.Broker = NewBroker()
	} else {
		rl, err := ledger.NewRedis(cfg.RedisURL, "leaddispatch:capacity:")
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Ledger = rl
		s.closers = append(s.closers, rl)
		if rb, err := NewRedisBroker(cfg.RedisURL); err == nil {
			s.Broker = rb
			s.closers = append(s.closers, rb)
		} else {
			s.log.Warnf("redis broker unavailable, using in-process broker: %v", err)
			s.Broker = NewBroker()
		}
	}

	s.Config = config.NewLive(cfg)
	s.Hub = NewHub()
	s.Webhooks = webhooks.NewWorker(cfg.Webhooks.Secret, cfg.Webhooks.Timeout, cfg.Webhooks.MaxAttempts)
	s.Coord = dispatch.New(s.Store, s.Ledger,
		dispatch.WithNotifier(webhooks.NewPublisher(s.Hub, s.Webhooks)),
		dispatch.WithEvents(brokerSink{b: s.Broker}),
		dispatch.WithSettings(s.Config.Settings),
	)
	s.limiter = newIPLimiter(cfg.HTTP.RateRPS, cfg.HTTP.RateBurst)
	return s, nil
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Leads
	mux.HandleFunc("/v1/leads", s.LeadsHandler)
	mux.HandleFunc("/v1/leads/", s.LeadByIDHandler) // includes /cancel, /responses, /complete, /events

	// Contractors
	mux.HandleFunc("/v1/contractors", s.ContractorsHandler)
	mux.HandleFunc("/v1/contractors/", s.ContractorByIDHandler) // includes /capacity, /offers/ws

	// Admin
	mux.HandleFunc("/v1/admin/capacity", s.AdminCapacityHandler)
	mux.HandleFunc("/v1/admin/config", s.AdminConfigHandler)

	// Ops
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", metricsHandler())
	mux.HandleFunc("/debug", s.DebugJSON)
	return mux
}

// Handler is the full middleware chain around Routes.
func (s *Server) Handler() http.Handler {
	return withMetrics(s.withRateLimit(logMiddleware(s.Routes())))
}

// Close waits for in-flight dispatches and releases backing connections.
// Cancel the context given to NewServer first.
func (s *Server) Close() {
	if s.Coord != nil {
		s.Coord.Wait()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
}
