// Package socket defines the UDP transport boundary the STUN probe, hole
// puncher and host state machine all send and receive through, plus a
// reference implementation over net.ListenUDP.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fluggageheimen/p2ptest/pkg/netaddr"
	"golang.org/x/net/ipv4"
)

// ErrWouldBlock is returned by Provider.RecvFrom when no datagram is
// currently queued. It is not a failure; callers poll again on the next
// Update tick.
var ErrWouldBlock = errors.New("socket: would block")

// Provider is the external collaborator a Host runs its protocol over.
// Implementations need not be safe for concurrent use from more than one
// goroutine; the network loop owns the socket exclusively.
type Provider interface {
	// Bind opens the socket on local. An unset (zero) port lets the
	// operating system pick one.
	Bind(local netaddr.Address) error
	// RecvFrom never blocks: it returns ErrWouldBlock immediately if no
	// datagram is queued.
	RecvFrom(buf []byte) (int, netaddr.Address, error)
	SendTo(to netaddr.Address, buf []byte) error
	LocalAddr() netaddr.Address
	// LastError is the most recent non-ErrWouldBlock error observed by
	// RecvFrom or SendTo, for diagnostics; it does not clear itself.
	LastError() error
	Close() error
}

// UDPSocket is the reference Provider, backed by a single net.UDPConn.
type UDPSocket struct {
	conn       *net.UDPConn
	pktInfo    bool
	packetConn *ipv4.PacketConn
	lastErr    error
	lastDest   netaddr.Address
}

// NewUDPSocket constructs an unbound UDPSocket. Pass wantPktInfo to layer
// golang.org/x/net/ipv4 control messages on top, recovering the
// per-packet destination address on platforms that support IP_PKTINFO;
// this is optional and only consulted by callers that need to learn which
// local address a datagram arrived on.
func NewUDPSocket(wantPktInfo bool) *UDPSocket {
	return &UDPSocket{pktInfo: wantPktInfo}
}

func (s *UDPSocket) Bind(local netaddr.Address) error {
	lc := listenConfig()
	pc, err := lc.ListenPacket(context.Background(), "udp4", local.String())
	if err != nil {
		return fmt.Errorf("socket: bind %s: %w", local, err)
	}
	conn := pc.(*net.UDPConn)
	s.conn = conn

	if s.pktInfo {
		pc := ipv4.NewPacketConn(conn)
		if err := pc.SetControlMessage(ipv4.FlagDst, true); err == nil {
			s.packetConn = pc
		}
		// Not every platform implements IP_PKTINFO; silently falling
		// back to the plain conn keeps Bind's contract "best effort".
	}
	return nil
}

func (s *UDPSocket) RecvFrom(buf []byte) (int, netaddr.Address, error) {
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		s.lastErr = err
		return 0, netaddr.Address{}, err
	}

	if s.packetConn != nil {
		return s.recvFromWithPktInfo(buf)
	}

	n, raddr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, netaddr.Address{}, ErrWouldBlock
		}
		s.lastErr = err
		return 0, netaddr.Address{}, err
	}
	return n, netaddr.FromUDPAddr(raddr), nil
}

func (s *UDPSocket) recvFromWithPktInfo(buf []byte) (int, netaddr.Address, error) {
	n, cm, src, err := s.packetConn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, netaddr.Address{}, ErrWouldBlock
		}
		s.lastErr = err
		return 0, netaddr.Address{}, err
	}

	raddr, _ := src.(*net.UDPAddr)
	if cm != nil {
		s.lastDest = netaddr.FromIPPort(cm.Dst, s.LocalAddr().Port)
	}
	return n, netaddr.FromUDPAddr(raddr), nil
}

// LastDestAddr returns the destination address recovered from the most
// recent datagram via IP_PKTINFO, or the zero Address if PKTINFO wasn't
// requested, isn't supported on this platform, or no control message has
// been observed yet.
func (s *UDPSocket) LastDestAddr() netaddr.Address {
	return s.lastDest
}

func (s *UDPSocket) SendTo(to netaddr.Address, buf []byte) error {
	_, err := s.conn.WriteToUDP(buf, to.ToUDPAddr())
	if err != nil {
		s.lastErr = err
	}
	return err
}

func (s *UDPSocket) LocalAddr() netaddr.Address {
	return netaddr.FromUDPAddr(s.conn.LocalAddr().(*net.UDPAddr))
}

func (s *UDPSocket) LastError() error {
	return s.lastErr
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}
