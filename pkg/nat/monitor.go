package nat

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/easzlab/ezhole/pkg/metrics"
	"go.uber.org/zap"
)

// MonitorOptions holds the timing parameters of a Monitor.
type MonitorOptions struct {
	// ProbeInterval is the cadence of full change-detection probes.
	ProbeInterval time.Duration
	// KeepaliveInterval is the cadence of binding keepalive probes. It must be
	// shorter than the NAT's idle-binding timeout or the router recycles the
	// mapped port while no forwarded traffic flows.
	KeepaliveInterval time.Duration
	// BackoffInitial and BackoffMax bound the retry backoff applied after a
	// failed probe.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Monitor owns the NAT binding lifecycle for one address family: it probes
// the public endpoint periodically, keeps the binding alive between probes,
// and emits a BindingEvent whenever the observed endpoint changes.
//
// The monitor processes probes serially, so events on the channel are
// strictly ordered. The current endpoint is owned here exclusively; consumers
// see changes only through the event channel.
type Monitor struct {
	family  Family
	prober  Prober
	opts    MonitorOptions
	metrics *metrics.Metrics
	clock   clock.Clock
	events  chan BindingEvent
	logger  *zap.Logger
	mu      sync.Mutex
	current *PublicEndpoint
}

// NewMonitor creates a Monitor for one family. The clock is injectable for
// tests; pass clock.New() in production.
func NewMonitor(family Family, prober Prober, opts MonitorOptions, m *metrics.Metrics, clk clock.Clock, logger *zap.Logger) *Monitor {
	return &Monitor{
		family:  family,
		prober:  prober,
		opts:    opts,
		metrics: m,
		clock:   clk,
		events:  make(chan BindingEvent, 16),
		logger:  logger,
	}
}

// Events returns the channel on which binding changes are delivered.
// The channel is closed when Run returns.
func (m *Monitor) Events() <-chan BindingEvent {
	return m.events
}

// Current returns the last observed public endpoint, or nil if no probe has
// succeeded yet.
func (m *Monitor) Current() *PublicEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	endpoint := *m.current
	return &endpoint
}

// Run drives the probe/keepalive loop until the context is cancelled.
// It closes the event channel on return.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.events)

	probeTicker := m.clock.Ticker(m.opts.ProbeInterval)
	defer probeTicker.Stop()
	keepaliveTicker := m.clock.Ticker(m.opts.KeepaliveInterval)
	defer keepaliveTicker.Stop()

	m.logger.Info("binding monitor started",
		zap.String("family", m.family.String()),
		zap.Duration("probe_interval", m.opts.ProbeInterval),
		zap.Duration("keepalive_interval", m.opts.KeepaliveInterval),
	)

	// Establish the binding immediately rather than waiting a full interval.
	m.probeUntilSuccess(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("binding monitor stopped", zap.String("family", m.family.String()))
			return
		case <-probeTicker.C:
			m.probeUntilSuccess(ctx)
		case <-keepaliveTicker.C:
			m.probeUntilSuccess(ctx)
		}
	}
}

// ProbeOnce performs a single probe attempt and updates the current endpoint.
// Used by one-shot mode; the periodic loop uses probeUntilSuccess.
func (m *Monitor) ProbeOnce(ctx context.Context) (PublicEndpoint, error) {
	endpoint, err := m.probe(ctx)
	if err != nil {
		return PublicEndpoint{}, err
	}
	m.observe(ctx, endpoint)
	return endpoint, nil
}

// probe runs one probe attempt and counts its outcome.
func (m *Monitor) probe(ctx context.Context) (PublicEndpoint, error) {
	endpoint, err := m.prober.Probe(ctx)
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.metrics.Probes.WithLabelValues(m.family.String(), result).Inc()
	return endpoint, err
}

// probeUntilSuccess retries a failed probe with exponential backoff until it
// succeeds or the context is cancelled. Transient failures are logged and
// never emit an event, so probe flaps cannot cause DNS churn.
func (m *Monitor) probeUntilSuccess(ctx context.Context) {
	backoff := m.opts.BackoffInitial
	for {
		endpoint, err := m.probe(ctx)
		if err == nil {
			m.observe(ctx, endpoint)
			return
		}
		if ctx.Err() != nil {
			return
		}

		m.logger.Warn("probe failed, backing off",
			zap.String("family", m.family.String()),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		timer := m.clock.Timer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > m.opts.BackoffMax {
			backoff = m.opts.BackoffMax
		}
	}
}

// observe records a successful probe result and emits a BindingEvent iff the
// endpoint differs from the current one (or none was known).
func (m *Monitor) observe(ctx context.Context, endpoint PublicEndpoint) {
	m.mu.Lock()
	previous := m.current
	if previous != nil && previous.Equal(endpoint) {
		m.mu.Unlock()
		m.logger.Debug("binding unchanged",
			zap.String("family", m.family.String()),
			zap.String("endpoint", endpoint.String()),
		)
		return
	}
	m.current = &endpoint
	m.mu.Unlock()

	m.metrics.BindingChanges.WithLabelValues(m.family.String()).Inc()
	m.logger.Info("public binding changed",
		zap.String("family", m.family.String()),
		zap.String("endpoint", endpoint.String()),
	)

	event := BindingEvent{Family: m.family, Previous: previous, Current: endpoint}
	select {
	case m.events <- event:
	case <-ctx.Done():
	}
}
