// Package proxyproto encodes PROXY protocol v1 and v2 preambles as published
// at https://www.haproxy.org/download/1.8/doc/proxy-protocol.txt.
//
// The preamble is written to a backend connection before any relayed payload
// so the backend learns the original client address. The layouts here are a
// compatibility contract with downstream parsers and must stay byte-exact.
package proxyproto

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Version selects a PROXY protocol header format.
type Version string

const (
	VersionOff Version = "off"
	VersionV1  Version = "v1"
	VersionV2  Version = "v2"
)

// ParseVersion converts a config string into a Version.
func ParseVersion(s string) (Version, error) {
	switch Version(s) {
	case VersionOff, VersionV1, VersionV2:
		return Version(s), nil
	case "":
		return VersionOff, nil
	default:
		return "", fmt.Errorf("unsupported proxy protocol version %q (supported: off, v1, v2)", s)
	}
}

// v1MaxLen is the maximum v1 line length including CRLF (TCP6 worst case).
const v1MaxLen = 107

// v2Signature is the fixed 12-byte v2 preamble signature.
var v2Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	v2VersionCommandProxy = 0x21 // version 2, PROXY command
	v2VersionCommandLocal = 0x20 // version 2, LOCAL command
	v2FamilyTCP4          = 0x11 // AF_INET, STREAM
	v2FamilyTCP6          = 0x21 // AF_INET6, STREAM
	v2FamilyUnspec        = 0x00 // AF_UNSPEC
)

// Header describes one proxied connection: the real client (source) and the
// address our side used to reach the backend (destination).
type Header struct {
	Source      *net.TCPAddr
	Destination *net.TCPAddr
}

// Encode renders the header in the given version. VersionOff yields nil.
func (h Header) Encode(version Version) ([]byte, error) {
	switch version {
	case VersionOff:
		return nil, nil
	case VersionV1:
		return h.EncodeV1()
	case VersionV2:
		return h.EncodeV2()
	default:
		return nil, fmt.Errorf("unsupported proxy protocol version %q", version)
	}
}

// EncodeV1 renders the human-readable v1 line, CRLF terminated. Endpoint
// pairs that are not representable (mixed families) fall back to the UNKNOWN
// form, which instructs the backend to ignore the addresses.
func (h Header) EncodeV1() ([]byte, error) {
	src4, dst4 := h.Source.IP.To4(), h.Destination.IP.To4()

	var line string
	switch {
	case src4 != nil && dst4 != nil:
		line = fmt.Sprintf("PROXY TCP4 %s %s %d %d\r\n",
			src4, dst4, h.Source.Port, h.Destination.Port)
	case src4 == nil && dst4 == nil:
		line = fmt.Sprintf("PROXY TCP6 %s %s %d %d\r\n",
			h.Source.IP, h.Destination.IP, h.Source.Port, h.Destination.Port)
	default:
		line = "PROXY UNKNOWN\r\n"
	}

	if len(line) > v1MaxLen {
		return nil, fmt.Errorf("proxy protocol v1 line exceeds %d bytes: %q", v1MaxLen, line)
	}
	return []byte(line), nil
}

// EncodeV2 renders the binary v2 header. The 2-byte length field is derived
// from the encoded address block itself so it can never disagree with the
// bytes that follow it. Mixed-family endpoint pairs encode as a LOCAL/UNSPEC
// header with an empty address block.
func (h Header) EncodeV2() ([]byte, error) {
	src4, dst4 := h.Source.IP.To4(), h.Destination.IP.To4()

	var (
		versionCommand byte
		familyProtocol byte
		addresses      []byte
	)
	switch {
	case src4 != nil && dst4 != nil:
		versionCommand = v2VersionCommandProxy
		familyProtocol = v2FamilyTCP4
		addresses = appendV2Addresses(nil, src4, dst4, h.Source.Port, h.Destination.Port)
	case src4 == nil && dst4 == nil:
		src16, dst16 := h.Source.IP.To16(), h.Destination.IP.To16()
		if src16 == nil || dst16 == nil {
			return nil, fmt.Errorf("address not representable in proxy protocol v2: %s -> %s",
				h.Source.IP, h.Destination.IP)
		}
		versionCommand = v2VersionCommandProxy
		familyProtocol = v2FamilyTCP6
		addresses = appendV2Addresses(nil, src16, dst16, h.Source.Port, h.Destination.Port)
	default:
		versionCommand = v2VersionCommandLocal
		familyProtocol = v2FamilyUnspec
	}

	header := make([]byte, 0, len(v2Signature)+4+len(addresses))
	header = append(header, v2Signature[:]...)
	header = append(header, versionCommand, familyProtocol)
	header = binary.BigEndian.AppendUint16(header, uint16(len(addresses)))
	header = append(header, addresses...)
	return header, nil
}

// appendV2Addresses writes the fixed-width v2 address block: source address,
// destination address, source port, destination port, all network order.
func appendV2Addresses(buf []byte, src, dst net.IP, srcPort, dstPort int) []byte {
	buf = append(buf, src...)
	buf = append(buf, dst...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(srcPort))
	buf = binary.BigEndian.AppendUint16(buf, uint16(dstPort))
	return buf
}
