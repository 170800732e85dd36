package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/easzlab/ezhole/pkg/metrics"
	"github.com/easzlab/ezhole/pkg/proxyproto"
	"go.uber.org/zap"
)

// Session errors. They are local to one session and never escalate to the
// listener or sibling sessions.
var (
	// ErrBackendUnreachable indicates the backend dial failed; the client
	// connection is closed without writing anything.
	ErrBackendUnreachable = errors.New("backend unreachable")
	// ErrWriteIncomplete indicates the proxy-protocol preamble could not be
	// written in full before relaying.
	ErrWriteIncomplete = errors.New("incomplete preamble write")
)

// sessionState tracks a session through its lifecycle.
type sessionState int32

const (
	stateConnecting sessionState = iota
	stateRelaying
	stateClosed
)

// Session relays one accepted client connection to the backend, injecting
// the configured proxy-protocol preamble first. A session owns both socket
// halves exclusively for its lifetime and shares no state with siblings.
type Session struct {
	id          uint64
	rule        Rule
	dialTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger

	state    atomic.Int32
	bytesIn  atomic.Int64 // client -> backend
	bytesOut atomic.Int64 // backend -> client
}

func newSession(id uint64, rule Rule, dialTimeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Session {
	return &Session{
		id:          id,
		rule:        rule,
		dialTimeout: dialTimeout,
		metrics:     m,
		logger:      logger.With(zap.Uint64("session", id)),
	}
}

// BytesIn returns the bytes relayed from client to backend so far.
func (s *Session) BytesIn() int64 { return s.bytesIn.Load() }

// BytesOut returns the bytes relayed from backend to client so far.
func (s *Session) BytesOut() int64 { return s.bytesOut.Load() }

// Run executes the session: dial the backend, write the preamble in full,
// then relay both directions until either one terminates. The client
// connection is always closed by the time Run returns.
func (s *Session) Run(ctx context.Context, client net.Conn) error {
	defer client.Close()

	s.metrics.ActiveSessions.Inc()
	defer s.metrics.ActiveSessions.Dec()

	backend, err := net.DialTimeout("tcp", s.rule.Backend, s.dialTimeout)
	if err != nil {
		// Nothing has been written to the client; just drop it.
		s.logger.Warn("backend dial failed",
			zap.String("backend", s.rule.Backend),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer backend.Close()

	if err := s.writePreamble(client, backend); err != nil {
		s.logger.Warn("preamble write failed", zap.Error(err))
		return err
	}

	s.state.Store(int32(stateRelaying))
	err = s.relay(ctx, client, backend)
	s.state.Store(int32(stateClosed))

	s.logger.Info("session closed",
		zap.String("client", client.RemoteAddr().String()),
		zap.Int64("bytes_in", s.BytesIn()),
		zap.Int64("bytes_out", s.BytesOut()),
	)
	return err
}

// writePreamble encodes and writes the proxy-protocol header to the backend
// before any payload byte. net.Conn.Write only returns short on error, so a
// short write is surfaced as ErrWriteIncomplete rather than silently dropped.
func (s *Session) writePreamble(client, backend net.Conn) error {
	if s.rule.ProxyProtocol == proxyproto.VersionOff {
		return nil
	}

	clientAddr, ok := client.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("unexpected client address type %T", client.RemoteAddr())
	}
	backendAddr, ok := backend.LocalAddr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("unexpected backend address type %T", backend.LocalAddr())
	}

	header := proxyproto.Header{Source: clientAddr, Destination: backendAddr}
	preamble, err := header.Encode(s.rule.ProxyProtocol)
	if err != nil {
		return fmt.Errorf("encode preamble: %w", err)
	}

	written, err := backend.Write(preamble)
	if err != nil {
		return fmt.Errorf("%w: %d of %d bytes: %v", ErrWriteIncomplete, written, len(preamble), err)
	}
	return nil
}

// relay copies both directions concurrently; the first direction to finish
// (EOF or error) closes both sockets, which unblocks the other copy.
func (s *Session) relay(ctx context.Context, client, backend net.Conn) error {
	type result struct {
		direction string
		err       error
	}
	done := make(chan result, 2)

	go func() {
		n, err := io.Copy(backend, client)
		s.bytesIn.Add(n)
		s.metrics.RelayBytes.WithLabelValues("in").Add(float64(n))
		done <- result{"client->backend", err}
	}()
	go func() {
		n, err := io.Copy(client, backend)
		s.bytesOut.Add(n)
		s.metrics.RelayBytes.WithLabelValues("out").Add(float64(n))
		done <- result{"backend->client", err}
	}()

	var first result
	select {
	case first = <-done:
	case <-ctx.Done():
		first = result{"shutdown", ctx.Err()}
	}

	client.Close()
	backend.Close()
	<-done

	if first.err != nil && !errors.Is(first.err, net.ErrClosed) {
		s.logger.Debug("relay terminated with error",
			zap.String("direction", first.direction),
			zap.Error(first.err),
		)
	}
	return nil
}
