package bms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ServiceConfig carries the process-level settings (transport addresses,
// intervals), as opposed to ThresholdConfig which describes the simulated
// pack itself.
type ServiceConfig struct {
	RedisServerAddress string // empty disables Redis telemetry
	RedisServerPort    uint16
	ConfigPath         string // optional threshold config YAML, watched for changes
	Seed               int64
	PublishInterval    time.Duration
}

// Service owns the simulation and its telemetry: the Redis publisher, the
// mode state machine and the config watcher. Transports (CAN, UDS, HTTP)
// are wired by the caller and consume the Simulation directly.
type Service struct {
	sync.Mutex
	config *ServiceConfig
	sim    *Simulation
	mode   *ModeMachine
	logger *Logger
	redis  *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastPublished *Status
	lastMode      string
}

// NewService builds the service: loads the threshold config (file or
// defaults), creates the simulation and the mode machine, and connects to
// Redis when an address is configured.
func NewService(config *ServiceConfig, logger *Logger, slogger *slog.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())

	thresholds := DefaultThresholdConfig()
	if config.ConfigPath != "" {
		loaded, err := LoadThresholdConfig(config.ConfigPath)
		if err != nil {
			cancel()
			return nil, err
		}
		thresholds = loaded
	}

	sim, err := NewSimulation(thresholds, config.Seed, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	mode, err := NewModeMachine(slogger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build mode machine: %w", err)
	}

	s := &Service{
		config: config,
		sim:    sim,
		mode:   mode,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if config.RedisServerAddress != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", config.RedisServerAddress, config.RedisServerPort),
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	} else {
		logger.Infof("Redis telemetry disabled")
	}

	return s, nil
}

// Sim exposes the simulation facade to the transport layers.
func (s *Service) Sim() *Simulation { return s.sim }

// Mode returns the current operating mode as tracked by the mode machine.
func (s *Service) Mode() string { return s.mode.Mode() }

// Start brings up the simulation and the background loops.
func (s *Service) Start() error {
	s.sim.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mode.Run(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.publishLoop()
	}()

	if s.config.ConfigPath != "" {
		updates := make(chan *ThresholdConfig, 1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			WatchConfig(s.ctx, s.config.ConfigPath, updates, s.logger)
		}()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ctx.Done():
					return
				case cfg := <-updates:
					if err := s.sim.Reconfigure(cfg); err != nil {
						s.logger.Warnf("Rejected reloaded config: %v", err)
						continue
					}
					s.logger.Infof("New threshold config staged, applies on next start")
				}
			}
		}()
	}

	return nil
}

// Stop shuts the service down with a bounded wait so a stuck consumer
// cannot deadlock process exit.
func (s *Service) Stop() {
	s.sim.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warnf("Timed out waiting for background loops to stop")
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warnf("Failed to close Redis client: %v", err)
		}
	}
}

// publishLoop feeds the mode machine and, when Redis is configured, pushes
// telemetry on every tick. Snapshots are taken outside any transport I/O.
func (s *Service) publishLoop() {
	interval := s.config.PublishInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			st := s.sim.Status()
			s.mode.Observe(st)
			if s.redis != nil {
				if err := s.publishStatus(s.ctx); err != nil {
					s.logger.Warnf("Telemetry publish failed: %v", err)
				}
			}
		}
	}
}
