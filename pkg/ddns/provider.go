package ddns

import (
	"context"
	"errors"
	"fmt"

	"github.com/easzlab/ezhole/pkg/nat"
)

// RecordType is the DNS record type published for a binding.
type RecordType string

const (
	RecordTypeA    RecordType = "A"
	RecordTypeAAAA RecordType = "AAAA"
	RecordTypeSRV  RecordType = "SRV"
)

// Provider errors. Providers wrap one of these so the reconciler can decide
// between hot retry and retry-on-next-event.
var (
	// ErrUnauthorized indicates rejected credentials; retried only on the
	// next binding event.
	ErrUnauthorized = errors.New("dns provider rejected credentials")
	// ErrNotFound indicates a missing zone or record scope; retried only on
	// the next binding event.
	ErrNotFound = errors.New("dns zone or record not found")
	// ErrRateLimited indicates the provider throttled the call; retried with
	// backoff.
	ErrRateLimited = errors.New("dns provider rate limited")
	// ErrTransient indicates a temporary provider or transport failure;
	// retried with backoff.
	ErrTransient = errors.New("transient dns provider failure")
)

// Retryable reports whether the reconciler should hot-retry the error with
// backoff. Unauthorized and NotFound are configuration-level problems and are
// only retried when the next binding event recomputes the desired state.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

// RecordTarget is the desired state of one DNS record, derived
// deterministically from a binding event.
type RecordTarget struct {
	Type    RecordType
	Name    string // record FQDN
	Content string // A/AAAA: IP literal; SRV: target host
	TTL     int

	// SRV-only fields.
	Service  string // e.g. "_minecraft"
	Proto    string // e.g. "_tcp"
	SubName  string // owner name within the zone
	Priority int
	Weight   int
	Port     uint16
}

// Key identifies the record a target belongs to; newer targets for the same
// key supersede older ones.
type Key struct {
	Type RecordType
	Name string
}

// String returns a log-friendly representation of the key.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Type, k.Name)
}

// Key returns the (type, name) identity of the target.
func (t RecordTarget) Key() Key {
	return Key{Type: t.Type, Name: t.Name}
}

// Provider issues record upserts against a DNS API.
// Implementations classify failures with the sentinel errors above.
type Provider interface {
	UpsertRecord(ctx context.Context, target RecordTarget) error
}

// RecordSpec holds the configured naming of the published records.
type RecordSpec struct {
	Domain    string // zone apex, e.g. "example.com"
	SubDomain string // "" or "@" publishes at the apex
	Service   string // SRV service label, e.g. "_minecraft"
	TTL       int
}

// HostName returns the FQDN the address records are published under.
func (s RecordSpec) HostName() string {
	if s.SubDomain == "" || s.SubDomain == "@" {
		return s.Domain
	}
	return s.SubDomain + "." + s.Domain
}

// SRVName returns the FQDN of the SRV record, e.g. "_minecraft._tcp.mc.example.com".
func (s RecordSpec) SRVName() string {
	return s.Service + "._tcp." + s.HostName()
}

// TargetsFor derives the desired record set from a binding event: one address
// record (A for IPv4, AAAA for IPv6) and one SRV record encoding the mapped
// port and pointing at the address record.
func (s RecordSpec) TargetsFor(event nat.BindingEvent) []RecordTarget {
	addressType := RecordTypeA
	if event.Family == nat.FamilyV6 {
		addressType = RecordTypeAAAA
	}

	return []RecordTarget{
		{
			Type:    addressType,
			Name:    s.HostName(),
			Content: event.Current.Addr.String(),
			TTL:     s.TTL,
		},
		{
			Type:     RecordTypeSRV,
			Name:     s.SRVName(),
			Content:  s.HostName(),
			TTL:      s.TTL,
			Service:  s.Service,
			Proto:    "_tcp",
			SubName:  s.SubDomain,
			Priority: 10,
			Weight:   0,
			Port:     event.Current.Port,
		},
	}
}
