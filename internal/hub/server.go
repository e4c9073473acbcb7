package hub

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"github.com/kioskhub/kioskhub/internal/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const auditPurgeSchedule = "@daily"

// Server owns the hub's services and their lifecycle.
type Server struct {
	cfg     *config.HubConfig
	db      *sql.DB
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	bus      *Bus
	registry *Registry
	storage  *StorageService
	status   *StatusMachine
	admin    *AdminAggregator
	bridge   *Bridge
	router   *Router
	coord    *Coordinator
	hub      *Hub
	audit    *AuditLogger
	httpAPI  *HTTPAPI
	cron     *cron.Cron

	listener     net.Listener
	httpShutdown func(ctx context.Context) error
}

// NewServer builds every service and restores persisted state. Nothing
// listens until Start.
func NewServer(cfg *config.HubConfig, db *sql.DB, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		db:     db,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		bus:    NewBus(logger),
	}
	if err := s.build(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Server) build() error {
	cfg := s.cfg

	if cfg.Audit.Enabled {
		s.audit = NewAuditLogger(s.db, s.logger)
	}

	regOpts := []RegistryOption{
		WithHistoryRetention(time.Duration(cfg.Registry.HistoryRetentionHours) * time.Hour),
	}
	if cfg.Clients.MinSDKVersion != "" {
		constraint, err := semver.NewConstraint(cfg.Clients.MinSDKVersion)
		if err != nil {
			return fmt.Errorf("parse min sdk version: %w", err)
		}
		regOpts = append(regOpts, WithSDKConstraint(constraint))
	}
	var history HistoryStore
	if s.db != nil {
		history = NewSQLHistoryStore(s.db)
	}
	s.registry = NewRegistry(s.bus, history, s.logger, regOpts...)
	if err := s.registry.LoadHistory(); err != nil {
		return fmt.Errorf("load device history: %w", err)
	}

	persister := NewPersister(cfg.Storage.PersistPath, time.Duration(cfg.Storage.DebounceMS)*time.Millisecond, s.logger)
	s.storage = NewStorageService(s.bus, s.logger, WithPersister(persister))
	s.storage.LoadPersisted()

	s.status = NewStatusMachine(s.storage, s.bus, s.logger,
		WithDefaultDuration(time.Duration(cfg.Status.DefaultDurationSec)*time.Second),
	)
	s.status.Publish()

	s.admin = NewAdminAggregator(s.storage, s.bus, s.logger,
		WithAdminLimits(cfg.Admin.MaxEvents, cfg.Admin.MaxLatencySamples),
		WithAdminDebounce(time.Duration(cfg.Admin.FlushDebounceMS)*time.Millisecond),
	)
	s.admin.Start()

	hardwareTimeout := time.Duration(cfg.Hardware.TimeoutSec) * time.Second
	s.bridge = NewBridge(cfg.Hardware.ControlPort, hardwareTimeout, s.logger)

	s.hub = NewHub(s.ctx, nil, s.bus, HubOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		StrictOrigin:   cfg.Server.StrictOrigin,
		PingInterval:   time.Duration(cfg.Server.PingIntervalSec) * time.Second,
		SendBuffer:     cfg.Server.SendBufferSize,
	}, s.logger)

	s.router = NewRouter(s.registry, s.hub, s.bridge, s.bus, s.logger,
		WithPermissiveCommands(cfg.Router.PermissiveCommands),
		WithHardwareTimeout(hardwareTimeout),
	)

	s.coord = NewCoordinator(CoordinatorConfig{
		Registry:          s.registry,
		Router:            s.router,
		Storage:           s.storage,
		Status:            s.status,
		Admin:             s.admin,
		Bridge:            s.bridge,
		Bus:               s.bus,
		Audit:             s.audit,
		DefaultDeviceType: cfg.Hardware.DefaultDeviceType,
	}, s.logger)
	s.hub.bindCoordinator(s.coord)

	s.httpAPI = NewHTTPAPI(s.coord, s.logger)
	s.httpAPI.SetHub(s.hub)
	s.httpAPI.SetAuditLogger(s.audit)
	s.httpAPI.SetHealthChecker(NewHealthChecker(s.db, s.hub, s.coord))

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(cfg.Registry.SweepSchedule, s.sweepRegistry); err != nil {
		return fmt.Errorf("schedule registry sweep: %w", err)
	}
	if s.audit != nil {
		if _, err := s.cron.AddFunc(auditPurgeSchedule, s.purgeAudit); err != nil {
			return fmt.Errorf("schedule audit purge: %w", err)
		}
	}
	return nil
}

// Start binds the listener and starts every background loop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.mu.Unlock()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		s.logger.Error("failed to bind to port", zap.Error(err))
		return fmt.Errorf("failed to bind to port %d: %w", s.cfg.Server.Port, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	s.wg.Add(1)
	go s.maintenanceLoop()

	s.cron.Start()

	httpSrv := &http.Server{
		Handler:     s.httpAPI.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("http server starting", zap.String("addr", listener.Addr().String()))
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
	s.httpShutdown = httpSrv.Shutdown

	s.logger.Info("kioskhub started",
		zap.String("addr", listener.Addr().String()),
		zap.Int("ping_interval_sec", s.cfg.Server.PingIntervalSec),
		zap.String("storage_path", s.cfg.Storage.PersistPath),
	)
	return nil
}

// Stop shuts down the listener, the loops and then the services so that
// pending storage and admin writes are flushed.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("kioskhub shutting down gracefully")

	if s.httpShutdown != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpShutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown error", zap.Error(err))
		}
		shutdownCancel()
	}

	<-s.cron.Stop().Done()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("shutdown timeout exceeded")
	}

	s.router.Close()
	s.admin.Close()
	s.status.Close()
	s.storage.Close()
	s.registry.Close()

	s.logger.Info("kioskhub shutdown complete")
	return nil
}

func (s *Server) maintenanceLoop() {
	defer s.wg.Done()

	timeout := time.Duration(s.cfg.Hardware.HeartbeatTimeoutSec) * time.Second
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if expired := s.coord.ExpireHardware(timeout); len(expired) > 0 {
				s.logger.Info("expired silent hardware devices", zap.Int("count", len(expired)))
			}
		}
	}
}

func (s *Server) sweepRegistry() {
	s.registry.SweepStale()
}

func (s *Server) purgeAudit() {
	n, err := s.audit.PurgeOlderThan(s.cfg.Audit.RetentionDays)
	if err != nil {
		s.logger.Error("audit purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("purged audit entries", zap.Int64("removed", n))
	}
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) Coordinator() *Coordinator { return s.coord }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Bus() *Bus { return s.bus }
