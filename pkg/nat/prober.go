package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pion/stun"
)

// Probe errors. The Monitor retries all of them with backoff; callers may
// distinguish kinds with errors.Is.
var (
	// ErrProbeTimeout indicates the STUN server did not answer within the
	// probe timeout.
	ErrProbeTimeout = errors.New("stun probe timed out")
	// ErrMalformedResponse indicates the response could not be decoded or
	// carried no mapped-address attribute.
	ErrMalformedResponse = errors.New("malformed stun response")
)

// Prober performs a single endpoint discovery attempt.
// Retry policy lives in the Monitor, not here.
type Prober interface {
	Probe(ctx context.Context) (PublicEndpoint, error)
}

// STUNProber discovers the NAT-mapped public endpoint of a fixed local UDP
// port by performing one STUN Binding Request/Response exchange per call.
// The local port must be the port whose NAT binding is being maintained.
type STUNProber struct {
	server    string
	family    Family
	localPort uint16
	timeout   time.Duration
}

// NewSTUNProber creates a prober against the given STUN server ("host:port")
// for one address family, probing from the given local port.
func NewSTUNProber(server string, family Family, localPort uint16, timeout time.Duration) *STUNProber {
	return &STUNProber{
		server:    server,
		family:    family,
		localPort: localPort,
		timeout:   timeout,
	}
}

// Probe sends one Binding Request and returns the XOR-MAPPED-ADDRESS from the
// response. Each call is a single attempt.
func (p *STUNProber) Probe(ctx context.Context) (PublicEndpoint, error) {
	network := "udp4"
	localIP := net.IPv4zero
	if p.family == FamilyV6 {
		network = "udp6"
		localIP = net.IPv6unspecified
	}

	serverAddr, err := net.ResolveUDPAddr(network, p.server)
	if err != nil {
		return PublicEndpoint{}, fmt.Errorf("resolve stun server %q: %w", p.server, err)
	}

	// Bind the probe to the forwarded port so the NAT mapping under test is
	// the one the listener depends on.
	conn, err := net.DialUDP(network, &net.UDPAddr{IP: localIP, Port: int(p.localPort)}, serverAddr)
	if err != nil {
		return PublicEndpoint{}, fmt.Errorf("dial stun server %s: %w", serverAddr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(p.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return PublicEndpoint{}, fmt.Errorf("set probe deadline: %w", err)
	}

	// Unblock the read promptly on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	request, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return PublicEndpoint{}, fmt.Errorf("build binding request: %w", err)
	}
	if _, err := request.WriteTo(conn); err != nil {
		return PublicEndpoint{}, fmt.Errorf("send binding request: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return PublicEndpoint{}, ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return PublicEndpoint{}, ErrProbeTimeout
		}
		return PublicEndpoint{}, fmt.Errorf("read binding response: %w", err)
	}

	response := new(stun.Message)
	response.Raw = buf[:n]
	if err := response.Decode(); err != nil {
		return PublicEndpoint{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(response); err != nil {
		// Legacy servers answer with MAPPED-ADDRESS only.
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(response); err != nil {
			return PublicEndpoint{}, fmt.Errorf("%w: no mapped address attribute", ErrMalformedResponse)
		}
		return p.endpoint(mapped.IP, mapped.Port), nil
	}

	return p.endpoint(xorAddr.IP, xorAddr.Port), nil
}

func (p *STUNProber) endpoint(ip net.IP, port int) PublicEndpoint {
	return PublicEndpoint{
		Addr:       ip,
		Port:       uint16(port),
		Family:     p.family,
		ObservedAt: time.Now(),
	}
}
