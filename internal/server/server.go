package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nainya/scoresync/internal/auth"
	"github.com/nainya/scoresync/internal/config"
	"github.com/nainya/scoresync/internal/logger"
	"github.com/nainya/scoresync/internal/metrics"
	"github.com/nainya/scoresync/internal/relay"
	"github.com/nainya/scoresync/pkg/collab"
	"github.com/nainya/scoresync/pkg/version"
)

// Server runs the relay hub with its health, observability and janitor
// companions
type Server struct {
	cfg     config.ServerConfig
	log     *logger.Logger
	hub     *Hub
	http    *http.Server
	health  *HealthServer
	obs     *ObservabilityServer
	janitor *Janitor
}

// New assembles a relay from configuration. reg receives the metrics; a nil
// reg uses a private registry.
func New(ctx context.Context, cfg config.ServerConfig, log *logger.Logger, reg *prometheus.Registry) (*Server, error) {
	log = logger.OrNop(log)
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.NewMetrics(reg)

	store := collab.NewStore(
		collab.WithLogger(log),
		collab.WithMetrics(m),
		collab.WithHistory(version.NewVersionStore(cfg.HistoryLimit)),
	)

	var broker relay.Broker = relay.NewMemoryBroker()
	if cfg.Redis.Addr != "" {
		rdb, err := relay.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		broker = relay.NewRedisBroker(rdb, cfg.Redis.Channel, log)
	}

	hubCfg := DefaultHubConfig()
	hubCfg.ReadLimit = cfg.MaxMessageSize
	hub, err := NewHub(hubCfg,
		WithHubLogger(log),
		WithHubMetrics(m),
		WithStore(store),
		WithBroker(broker),
		WithAuth(auth.NewJWTService(cfg.AuthSecret, 0), cfg.AllowAnonymous),
	)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}

	janitor, err := NewJanitor(store, cfg.SweepSchedule, cfg.IdleSessionTTL, log, m)
	if err != nil {
		_ = hub.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, hub)

	s := &Server{
		cfg:     cfg,
		log:     log,
		hub:     hub,
		health:  NewHealthServer(m, log),
		janitor: janitor,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.obs = NewObservabilityServer(cfg.MetricsAddr, reg, func() bool { return !hub.isClosed() }, log)
	return s, nil
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves until ctx is cancelled or a listener fails, then shuts down
func (s *Server) Run(ctx context.Context) error {
	s.log.LogServerStart(s.cfg.Addr, s.cfg.GRPCAddr, s.cfg.MetricsAddr)

	grpcLis, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
	}

	errc := make(chan error, 3)
	go func() { errc <- s.health.Serve(grpcLis) }()
	go func() { errc <- s.obs.Start() }()
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("relay server failed: %w", err)
			return
		}
		errc <- nil
	}()
	s.janitor.Start()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}

	s.shutdown()
	return runErr
}

func (s *Server) shutdown() {
	s.log.LogServerShutdown()
	s.health.SetServing(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.janitor.Stop()
	if err := s.hub.Close(); err != nil {
		s.log.Warn("Hub close failed").Err(err).Send()
	}
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Warn("Relay shutdown failed").Err(err).Send()
	}
	if err := s.obs.Shutdown(ctx); err != nil {
		s.log.Warn("Observability shutdown failed").Err(err).Send()
	}
	s.health.Stop()
}
