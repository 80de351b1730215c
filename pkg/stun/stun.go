// Package stun implements the RFC 5389 binding-discovery subset needed to
// classify a host's NAT mapping behavior: a single plain bind request,
// plus the CHANGE-REQUEST dance against a dual-homed STUN server to tell
// full-cone, (address/port) restricted and symmetric NATs apart.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/fluggageheimen/p2ptest/pkg/netaddr"
	"github.com/fluggageheimen/p2ptest/pkg/socket"
)

// Message types (RFC 5389).
const (
	msgBindRequest  uint16 = 0x0001
	msgBindResponse uint16 = 0x0101
	msgBindError    uint16 = 0x0111
)

// Attribute types.
const (
	attrMappedAddress  uint16 = 0x0001
	attrChangeRequest  uint16 = 0x0003
	attrResponseOrigin uint16 = 0x802b
	attrOtherAddress   uint16 = 0x802c
)

const (
	familyIPv4 uint8 = 0x01

	changeIPFlag   byte = 0x04
	changePortFlag byte = 0x02

	magicCookie uint32 = 0x2112A442

	// MaxRetries is the send-loop retry budget per bind request.
	MaxRetries = 3
	// LongTimeout is used for requests expected to reach the primary
	// server without a changed-address/port hint.
	LongTimeout = 1000 * time.Millisecond
	// ShortTimeout is used for the CHANGE-REQUEST probes, which are
	// expected to either answer quickly or not at all.
	ShortTimeout    = 100 * time.Millisecond
	pollInterval    = 10 * time.Millisecond
	headerSize      = 20
	attrHeaderSize  = 4
	addressAttrSize = 8
)

// DefaultServerHost is the STUN server the original client resolves
// against when the caller doesn't supply its own.
const DefaultServerHost = "stun.hydrapi.net:3478"

// NatType classifies the mapping behavior discovered by Classify.
type NatType int

const (
	Unknown NatType = iota
	Open
	FullCone
	AddressRestricted
	PortRestricted
	Symmetric
	Blocked
)

func (t NatType) String() string {
	switch t {
	case Open:
		return "Open"
	case FullCone:
		return "FullCone"
	case AddressRestricted:
		return "AddressRestricted"
	case PortRestricted:
		return "PortRestricted"
	case Symmetric:
		return "Symmetric"
	case Blocked:
		return "Blocked"
	default:
		return "Unknown"
	}
}

// Result is the outcome of Classify.
type Result struct {
	Type  NatType
	Gray  netaddr.Address
	White netaddr.Address
}

type response struct {
	mapped       netaddr.Address
	other        netaddr.Address
	responseOrig netaddr.Address
}

// Classify runs the seven-step NAT classification procedure against the
// given STUN server, reading and writing through sock.
func Classify(sock socket.Provider, server netaddr.Address) Result {
	result := Result{Type: Unknown, Gray: resolveGrayAddress(sock)}

	resp, ok := sendBindRequest(sock, server, LongTimeout, false, false)
	if !ok {
		result.Type = Blocked
		return result
	}
	result.White = resp.mapped

	altServer := resp.other
	altServer.Port = resp.responseOrig.Port

	if result.Gray == result.White {
		result.Type = Open
		return result
	}

	if resp.other.Port == 0 {
		result.Type = Unknown
		return result
	}

	if _, ok := sendBindRequest(sock, server, ShortTimeout, true, true); ok {
		result.Type = FullCone
		return result
	}

	if _, ok := sendBindRequest(sock, server, ShortTimeout, false, true); ok {
		result.Type = AddressRestricted
	} else {
		result.Type = PortRestricted
	}

	altResp, ok := sendBindRequest(sock, altServer, LongTimeout, false, false)
	if !ok {
		result.Type = Unknown
		return result
	}
	if altResp.mapped != result.White {
		result.Type = Symmetric
	}
	return result
}

// resolveGrayAddress connects a scratch TCP socket to a public host to learn
// the local address the kernel would route traffic from, falling back to
// sock's own bound name if the dial fails (no route, DNS failure, or the
// handshake itself is refused/blocked).
func resolveGrayAddress(sock socket.Provider) netaddr.Address {
	conn, err := net.DialTimeout("tcp4", "stackoverflow.com:80", LongTimeout)
	if err != nil {
		return sock.LocalAddr()
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok || localAddr.IP.To4() == nil {
		return sock.LocalAddr()
	}

	addr := netaddr.FromIPPort(localAddr.IP, sock.LocalAddr().Port)
	return addr
}

func sendBindRequest(sock socket.Provider, server netaddr.Address, timeout time.Duration, changeIP, changePort bool) (response, bool) {
	req, txID := buildBindRequest(changeIP, changePort)

	buf := make([]byte, 512)
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if err := sock.SendTo(server, req); err != nil {
			continue
		}

		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			time.Sleep(pollInterval)
			n, _, err := sock.RecvFrom(buf)
			if err == socket.ErrWouldBlock {
				continue
			}
			if err != nil {
				break
			}
			if resp, ok := parseBindResponse(buf[:n], txID); ok {
				return resp, true
			}
		}
	}
	return response{}, false
}

func buildBindRequest(changeIP, changePort bool) ([]byte, [12]byte) {
	var txID [12]byte
	rand.Read(txID[:])

	buf := make([]byte, headerSize+attrHeaderSize+4)
	binary.BigEndian.PutUint16(buf[0:2], msgBindRequest)
	binary.BigEndian.PutUint16(buf[2:4], attrHeaderSize+4)
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], txID[:])

	binary.BigEndian.PutUint16(buf[20:22], attrChangeRequest)
	binary.BigEndian.PutUint16(buf[22:24], 4)
	var flags byte
	if changeIP {
		flags |= changeIPFlag
	}
	if changePort {
		flags |= changePortFlag
	}
	buf[27] = flags
	return buf, txID
}

func parseBindResponse(buf []byte, wantTxID [12]byte) (response, bool) {
	if len(buf) < headerSize {
		return response{}, false
	}
	msgType := binary.BigEndian.Uint16(buf[0:2])
	length := binary.BigEndian.Uint16(buf[2:4])
	cookie := binary.BigEndian.Uint32(buf[4:8])

	if cookie != magicCookie || msgType != msgBindResponse {
		return response{}, false
	}
	var txID [12]byte
	copy(txID[:], buf[8:20])
	if txID != wantTxID {
		return response{}, false
	}
	if len(buf) < headerSize+int(length) {
		return response{}, false
	}

	var resp response
	off := headerSize
	end := headerSize + int(length)
	for off+attrHeaderSize <= end {
		attrType := binary.BigEndian.Uint16(buf[off : off+2])
		attrLen := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
		off += attrHeaderSize
		if off+attrLen > end {
			break
		}

		switch attrType {
		case attrMappedAddress:
			if addr, ok := parseAddressAttr(buf[off : off+attrLen]); ok {
				resp.mapped = addr
			}
		case attrOtherAddress:
			if addr, ok := parseAddressAttr(buf[off : off+attrLen]); ok {
				resp.other = addr
			}
		case attrResponseOrigin:
			if addr, ok := parseAddressAttr(buf[off : off+attrLen]); ok {
				resp.responseOrig = addr
			}
		}
		off += attrLen
	}
	return resp, true
}

func parseAddressAttr(buf []byte) (netaddr.Address, bool) {
	if len(buf) < addressAttrSize {
		return netaddr.Address{}, false
	}
	family := buf[1]
	port := binary.BigEndian.Uint16(buf[2:4])
	ip := binary.BigEndian.Uint32(buf[4:8])
	return netaddr.Address{IP: ip, Port: port}, family == familyIPv4
}
