package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/easzlab/ezhole/pkg/metrics"
	"github.com/easzlab/ezhole/pkg/nat"
	"github.com/easzlab/ezhole/pkg/proxyproto"
	"go.uber.org/zap"
)

// Rule is the static forwarding configuration for one address family.
// ListenPort must be the local port whose NAT binding the monitor maintains,
// or inbound traffic arrives at a stale public port.
type Rule struct {
	ListenPort    uint16
	Family        nat.Family
	Backend       string // host:port
	ProxyProtocol proxyproto.Version
}

// Listener accepts inbound connections for one rule and spawns a Session per
// connection. It binds at startup without waiting for a confirmed binding.
type Listener struct {
	rule        Rule
	dialTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger

	listener   net.Listener
	sessionSeq atomic.Uint64
	sessions   sync.WaitGroup
}

// NewListener creates a Listener for one rule.
func NewListener(rule Rule, dialTimeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Listener {
	return &Listener{
		rule:        rule,
		dialTimeout: dialTimeout,
		metrics:     m,
		logger:      logger,
	}
}

// Listen binds the listening socket. A bind failure is fatal at startup and
// is returned to the caller rather than retried.
func (l *Listener) Listen() error {
	network := "tcp4"
	if l.rule.Family == nat.FamilyV6 {
		network = "tcp6"
	}

	listener, err := net.Listen(network, fmt.Sprintf(":%d", l.rule.ListenPort))
	if err != nil {
		return fmt.Errorf("bind %s port %d: %w", l.rule.Family, l.rule.ListenPort, err)
	}
	l.listener = listener

	l.logger.Info("forward listener bound",
		zap.String("family", l.rule.Family.String()),
		zap.String("listen", listener.Addr().String()),
		zap.String("backend", l.rule.Backend),
		zap.String("proxy_protocol", string(l.rule.ProxyProtocol)),
	)
	return nil
}

// Addr returns the bound listen address. Valid after Listen.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops accepting new connections. In-flight sessions keep relaying;
// use Drain to wait for them.
func (l *Listener) Close() {
	if l.listener != nil {
		l.listener.Close()
	}
}

// Serve accepts connections until the context is cancelled. Transient accept
// errors are logged and the loop continues; they never terminate serving.
func (l *Listener) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Info("forward listener stopped",
					zap.String("family", l.rule.Family.String()),
				)
				return
			}
			l.logger.Error("accept failed", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		id := l.sessionSeq.Add(1)
		l.metrics.Sessions.WithLabelValues(l.rule.Family.String()).Inc()
		l.logger.Info("connection accepted",
			zap.Uint64("session", id),
			zap.String("client", conn.RemoteAddr().String()),
		)

		session := newSession(id, l.rule, l.dialTimeout, l.metrics, l.logger)
		l.sessions.Add(1)
		go func() {
			defer l.sessions.Done()
			// Session failures are contained; they are logged inside Run.
			session.Run(ctx, conn)
		}()
	}
}

// Drain waits for in-flight sessions to finish, up to the grace period.
// Sessions still running afterwards are force-closed by context cancellation.
func (l *Listener) Drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		l.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		l.logger.Warn("grace period elapsed with sessions still open")
	}
}
