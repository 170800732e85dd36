package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/easzlab/ezhole/pkg/config"
	"github.com/easzlab/ezhole/pkg/ddns"
	"github.com/easzlab/ezhole/pkg/forward"
	"github.com/easzlab/ezhole/pkg/metrics"
	"github.com/easzlab/ezhole/pkg/nat"
	"github.com/easzlab/ezhole/pkg/proxyproto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// shutdownGrace bounds how long in-flight sessions may keep relaying after a
// shutdown signal before they are force-closed.
const shutdownGrace = 10 * time.Second

// providerCallTimeout bounds a single DDNS provider API call.
const providerCallTimeout = 30 * time.Second

// backendDialTimeout bounds the backend connect of a new session.
const backendDialTimeout = 10 * time.Second

// proberFactory builds the endpoint prober for one forwarding rule.
// Tests inject fakes here.
type proberFactory func(cfg config.STUNConfig, rule config.RuleConfig) nat.Prober

// Server coordinates all modules and manages the overall service lifecycle.
type Server struct {
	configMgr  *config.Manager
	metrics    *metrics.Metrics
	monitors   []*nat.Monitor
	reconciler *ddns.Reconciler
	listeners  []*forward.Listener
	logger     *zap.Logger
	logLevel   *zap.AtomicLevel
}

// NewServer initializes all modules and returns a ready-to-run Server.
// logLevel, when non-nil, is kept in sync with the configured log level,
// including on config reload.
func NewServer(configPath string, logger *zap.Logger, logLevel *zap.AtomicLevel) (*Server, error) {
	return newServer(configPath, nil, defaultProberFactory, logger, logLevel)
}

// defaultProberFactory probes via STUN from the rule's forwarded local port.
func defaultProberFactory(cfg config.STUNConfig, rule config.RuleConfig) nat.Prober {
	return nat.NewSTUNProber(cfg.Server, rule.GetFamily(), rule.ListenPort, cfg.GetProbeTimeout())
}

// newServer initializes a Server with injectable provider and prober.
// A nil provider selects the configured DDNS provider.
func newServer(configPath string, provider ddns.Provider, probers proberFactory, logger *zap.Logger, logLevel *zap.AtomicLevel) (*Server, error) {
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}
	cfg := configMgr.GetConfig()

	if provider == nil {
		provider, err = newProvider(cfg.DDNS, logger)
		if err != nil {
			return nil, err
		}
	}

	server := &Server{
		configMgr: configMgr,
		metrics:   metrics.New(),
		logger:    logger,
		logLevel:  logLevel,
	}
	server.applyLogLevel(cfg)

	spec := ddns.RecordSpec{
		Domain:    cfg.DDNS.Domain,
		SubDomain: cfg.DDNS.SubDomain,
		Service:   cfg.DDNS.GetService(),
		TTL:       cfg.DDNS.GetTTL(),
	}
	server.reconciler = ddns.NewReconciler(provider, spec, ddns.ReconcilerOptions{
		MaxRetries:     cfg.DDNS.GetMaxRetries(),
		BackoffInitial: cfg.STUN.GetBackoffInitial(),
		BackoffMax:     cfg.STUN.GetBackoffMax(),
		CallTimeout:    providerCallTimeout,
	}, server.metrics, clock.New(), logger.Named("reconciler"))

	for _, rule := range cfg.Forward.Rules {
		family := rule.GetFamily()

		monitor := nat.NewMonitor(family, probers(cfg.STUN, rule), nat.MonitorOptions{
			ProbeInterval:     cfg.STUN.GetProbeInterval(),
			KeepaliveInterval: cfg.STUN.GetKeepaliveInterval(),
			BackoffInitial:    cfg.STUN.GetBackoffInitial(),
			BackoffMax:        cfg.STUN.GetBackoffMax(),
		}, server.metrics, clock.New(), logger.Named("monitor"))
		server.monitors = append(server.monitors, monitor)

		version, err := proxyproto.ParseVersion(rule.ProxyProtocol)
		if err != nil {
			return nil, err
		}
		listener := forward.NewListener(forward.Rule{
			ListenPort:    rule.ListenPort,
			Family:        family,
			Backend:       rule.Backend,
			ProxyProtocol: version,
		}, backendDialTimeout, server.metrics, logger.Named("forward"))
		server.listeners = append(server.listeners, listener)
	}

	return server, nil
}

// newProvider constructs the configured DDNS provider.
func newProvider(cfg config.DDNSConfig, logger *zap.Logger) (ddns.Provider, error) {
	switch cfg.Provider {
	case "cloudflare":
		return ddns.NewCloudflare(cfg.Token, cfg.Domain, logger.Named("cloudflare")), nil
	default:
		return nil, fmt.Errorf("unsupported ddns provider %q", cfg.Provider)
	}
}

// Run starts the server in daemon mode: binds listeners, starts monitors and
// the reconciler, then blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.configMgr.GetConfig()

	// Bind failures are fatal at startup.
	for _, listener := range s.listeners {
		if err := listener.Listen(); err != nil {
			return fmt.Errorf("startup bind failed: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var background sync.WaitGroup

	background.Add(1)
	go func() {
		defer background.Done()
		if err := s.metrics.Serve(runCtx, cfg.Global.MetricsListen, s.logger.Named("metrics")); err != nil {
			s.logger.Error("metrics listener failed", zap.Error(err))
		}
	}()

	// Fan binding events from all monitors into the reconciler. Events stay
	// strictly ordered per family because each monitor probes serially.
	events := make(chan nat.BindingEvent, 32)
	var producers sync.WaitGroup
	for _, monitor := range s.monitors {
		background.Add(1)
		go func(monitor *nat.Monitor) {
			defer background.Done()
			monitor.Run(runCtx)
		}(monitor)

		producers.Add(1)
		go func(monitor *nat.Monitor) {
			defer producers.Done()
			for event := range monitor.Events() {
				select {
				case events <- event:
				case <-runCtx.Done():
					return
				}
			}
		}(monitor)
	}
	go func() {
		producers.Wait()
		close(events)
	}()

	background.Add(1)
	go func() {
		defer background.Done()
		s.reconciler.Run(runCtx, events)
	}()

	for _, listener := range s.listeners {
		background.Add(1)
		go func(listener *forward.Listener) {
			defer background.Done()
			listener.Serve(runCtx)
		}(listener)
	}

	s.configMgr.WatchConfig()
	s.logger.Info("server started, entering main loop")

	for {
		select {
		case <-s.configMgr.OnChange():
			// Listener and monitor wiring is fixed for the process lifetime;
			// only log level and DDNS retry tunables apply live.
			s.applyReload()

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			s.shutdown(cancel)
			background.Wait()
			s.logger.Info("server stopped")
			return nil
		}
	}
}

// applyReload applies the subset of a reloaded config that can change at
// runtime.
func (s *Server) applyReload() {
	cfg := s.configMgr.GetConfig()
	s.applyLogLevel(cfg)
	s.reconciler.SetOptions(ddns.ReconcilerOptions{
		MaxRetries:     cfg.DDNS.GetMaxRetries(),
		BackoffInitial: cfg.STUN.GetBackoffInitial(),
		BackoffMax:     cfg.STUN.GetBackoffMax(),
		CallTimeout:    providerCallTimeout,
	})
	s.logger.Warn("config reloaded; stun and forward changes take effect on restart")
}

func (s *Server) applyLogLevel(cfg *config.Config) {
	if s.logLevel == nil || cfg.Global.LogLevel == "" {
		return
	}
	level, err := zapcore.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		s.logger.Warn("invalid log level in config", zap.String("log_level", cfg.Global.LogLevel))
		return
	}
	s.logLevel.SetLevel(level)
}

// shutdown stops accepting, gives in-flight sessions a grace period, then
// cancels everything still running.
func (s *Server) shutdown(cancel context.CancelFunc) {
	for _, listener := range s.listeners {
		listener.Close()
	}
	for _, listener := range s.listeners {
		listener.Drain(shutdownGrace)
	}
	cancel()
}

// RunOnce performs a single probe per family and one reconcile pass, then
// exits. Used for manual synchronization (e.g., via CLI or cron).
func (s *Server) RunOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var probeErrors []error
	for _, monitor := range s.monitors {
		endpoint, err := monitor.ProbeOnce(ctx)
		if err != nil {
			probeErrors = append(probeErrors, err)
			continue
		}
		s.reconciler.Apply(ctx, nat.BindingEvent{Family: endpoint.Family, Current: endpoint})
	}
	s.reconciler.Wait()

	if len(probeErrors) > 0 {
		return fmt.Errorf("probe failed: %w", errors.Join(probeErrors...))
	}
	return nil
}
