package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/irwin/switchboard/internal/config"
	"github.com/irwin/switchboard/internal/logger"
	"github.com/irwin/switchboard/internal/observability"
	"github.com/irwin/switchboard/internal/tracing"
	"github.com/irwin/switchboard/pkg/agent"
	"github.com/irwin/switchboard/pkg/approval"
	"github.com/irwin/switchboard/pkg/driftwatch"
	"github.com/irwin/switchboard/pkg/gateway"
	"github.com/irwin/switchboard/pkg/multiplex"
	"github.com/irwin/switchboard/pkg/schedule"
	"github.com/irwin/switchboard/pkg/usage"
)

// Daemon owns the long-lived pieces of the switchboard service: the session
// manager, the approval broker, the usage ledger, the scheduler, and the
// gateway that exposes them.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	factory   agent.Factory
	manager   *multiplex.Manager
	allowlist *approval.Allowlist
	broker    *approval.Broker
	ledger    *usage.Ledger
	scheduler *schedule.Service

	gatewayServer *gateway.Server

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lastTurn tracks when each session last retired a turn, for idle
	// reaping. Guarded by activityMu.
	activityMu sync.Mutex
	lastTurn   map[string]time.Time

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes the running daemon.
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time,omitempty"`
}

// New creates a new daemon instance. Nothing is started until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	tracingEnabled := false
	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetryWithRatio("switchboard-daemon", cfg.Tracing.SamplingRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			tracingEnabled = true
			log.Info().Msg("Tracing initialized")
		}
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		lastTurn:       make(map[string]time.Time),
		tracingEnabled: tracingEnabled,
	}

	if err := d.initializeCore(); err != nil {
		cancel()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		d.closeCore()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCore builds everything the session manager depends on, then the
// manager itself.
func (d *Daemon) initializeCore() error {
	if err := os.MkdirAll(d.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	allowlistPath := d.config.Approvals.AllowlistPath
	if allowlistPath == "" {
		allowlistPath = filepath.Join(d.config.DataDir, "allowlist.json")
	}
	allowlist, err := approval.NewAllowlist(allowlistPath)
	if err != nil {
		return fmt.Errorf("failed to load allowlist: %w", err)
	}
	d.allowlist = allowlist

	timeout := time.Duration(d.config.Approvals.TimeoutSeconds) * time.Second
	d.broker = approval.NewBroker(allowlist, timeout)
	d.logger.Info().Str("allowlist", allowlistPath).Msg("Approval broker initialized")

	if d.config.Usage.Enabled {
		ledgerPath := d.config.Usage.Path
		if ledgerPath == "" {
			ledgerPath = filepath.Join(d.config.DataDir, "usage.db")
		}
		ledger, err := usage.Open(ledgerPath, d.logger.GetZerolog())
		if err != nil {
			return fmt.Errorf("failed to open usage ledger: %w", err)
		}
		d.ledger = ledger
		d.logger.Info().Str("path", ledgerPath).Msg("Usage ledger initialized")
	}

	factory, err := agent.NewFactory(agent.FactoryConfig{
		Backend:   d.config.Connection.Backend,
		Command:   d.config.Connection.Command,
		Args:      d.config.Connection.Args,
		APIKey:    d.config.Connection.APIKey,
		MaxTokens: d.config.Connection.MaxTokens,
	}, d.logger.GetZerolog())
	if err != nil {
		return fmt.Errorf("failed to create connection factory: %w", err)
	}
	d.factory = factory
	d.logger.Info().Str("backend", d.config.Connection.Backend).Msg("Connection factory initialized")

	d.manager = multiplex.NewManager(multiplex.ManagerOptions{
		Factory: factory,
		Defaults: multiplex.SessionConfig{
			WorkingDir:      d.config.Session.WorkingDir,
			AdditionalDirs:  d.config.Session.AdditionalDirs,
			Env:             d.config.Session.Env,
			Model:           d.config.Session.Model,
			PermissionMode:  d.config.Session.PermissionMode,
			SettingsSources: d.config.Session.SettingsSources,
		},
		Authorizer:  d.broker,
		Hooks:       d.sessionHooks(),
		NewDetector: d.newDetector(),
		Logger:      d.logger.GetZerolog(),
	})
	d.logger.Info().Msg("Session manager initialized")

	return nil
}

// initializeServices wires the scheduler and the gateway over the core. The
// scheduler comes first so the gateway can register its jobs.* methods.
func (d *Daemon) initializeServices() error {
	if d.config.Schedule.Enabled {
		storePath := d.config.Schedule.StorePath
		if storePath == "" {
			storePath = filepath.Join(d.config.DataDir, "jobs.json")
		}
		scheduler, err := schedule.NewService(schedule.ServiceOptions{
			StorePath: storePath,
			RunTurn:   d.runScheduledTurn,
			OnEvent:   d.handleJobEvent,
		})
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		d.scheduler = scheduler
		d.logger.Info().Str("store", storePath).Msg("Scheduler initialized")
	}

	if d.config.Gateway.Enabled {
		secret, err := d.loadSharedSecret()
		if err != nil {
			return err
		}

		server, err := gateway.NewServer(gateway.Config{
			Host:         d.config.Gateway.Host,
			Port:         d.config.Gateway.Port,
			SharedSecret: secret,
			Manager:      d.manager,
			Broker:       d.broker,
			Ledger:       d.ledger,
			Scheduler:    d.scheduler,
			Logger:       d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
		d.broker.SetForwarder(gateway.NewApprovalForwarder(server))
		d.logger.Info().Msg("Gateway server initialized")
	}

	return nil
}

// newDetector builds the per-session drift detector factory. Sessions watch
// the configured settings sources and restart between turns when they change.
func (d *Daemon) newDetector() func() multiplex.Detector {
	sources := d.config.Session.SettingsSources
	if len(sources) == 0 {
		return nil
	}
	log := d.logger.GetZerolog()
	return func() multiplex.Detector {
		det := driftwatch.New(sources)
		if err := det.Watch(); err != nil {
			log.Warn().Err(err).Strs("sources", sources).Msg("drift watch unavailable for session")
		}
		return det
	}
}

// loadSharedSecret reads the gateway secret from config, falling back to a
// generated secret persisted in the data directory so restarts keep it.
func (d *Daemon) loadSharedSecret() (string, error) {
	if s := strings.TrimSpace(d.config.Gateway.SharedSecret); s != "" {
		return s, nil
	}

	secretPath := filepath.Join(d.config.DataDir, "gateway.secret")
	if data, err := os.ReadFile(secretPath); err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate gateway secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	if err := os.WriteFile(secretPath, []byte(secret), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist gateway secret: %w", err)
	}
	d.logger.Info().Str("path", secretPath).Msg("Generated gateway shared secret")
	return secret, nil
}

// Start starts the daemon services.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Starting switchboard daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		log.Info().
			Str("host", d.config.Gateway.Host).
			Int("port", d.config.Gateway.Port).
			Msg("Gateway server started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	log.Info().Msg("Daemon started")
	return nil
}

// Stop stops the daemon gracefully.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Stopping switchboard daemon")

	if d.scheduler != nil {
		d.scheduler.Stop()
		log.Info().Msg("Scheduler stopped")
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	d.manager.Shutdown()
	log.Info().Msg("Sessions disposed")

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.closeCore()
	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close audit logger")
	}

	log.Info().Msg("Daemon stopped")
	return nil
}

func (d *Daemon) closeCore() {
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.ledger != nil {
		if err := d.ledger.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close usage ledger")
		}
		d.ledger = nil
	}
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	cancel()
	d.tracingEnabled = false
}

// Status returns the daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until the process receives SIGINT or SIGTERM, then stops the
// daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger.
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetManager returns the session manager.
func (d *Daemon) GetManager() *multiplex.Manager {
	return d.manager
}

// GetBroker returns the approval broker.
func (d *Daemon) GetBroker() *approval.Broker {
	return d.broker
}

// GetLedger returns the usage ledger, nil when disabled.
func (d *Daemon) GetLedger() *usage.Ledger {
	return d.ledger
}

// GetScheduler returns the scheduler, nil when disabled.
func (d *Daemon) GetScheduler() *schedule.Service {
	return d.scheduler
}

// GetGatewayServer returns the gateway server, nil when disabled.
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
