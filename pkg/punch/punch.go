// Package punch implements symmetric UDP hole punching: both ends of a
// pending connection exchange PING/PONG probes against every candidate
// address until one lands on an open pinhole.
package punch

import (
	"time"

	"github.com/fluggageheimen/p2ptest/pkg/netaddr"
	"github.com/fluggageheimen/p2ptest/pkg/pool"
	"github.com/fluggageheimen/p2ptest/pkg/socket"
	"github.com/fluggageheimen/p2ptest/pkg/wire"
)

// ResendPeriod is how often Update resends PING probes to every still-
// pending host.
const ResendPeriod = 1000 * time.Millisecond

// autopingTarget is a fixed, unreachable-on-purpose address pinged when a
// pending host has no candidate addresses yet. It only exists to prime
// this node's own NAT mapping; no reply is expected or handled.
var autopingTarget = netaddr.IPv4(8, 8, 8, 8, 48800)

// Callback is invoked exactly once, with the address the first PONG
// arrived from, when a pending host resolves.
type Callback func(src netaddr.Address)

type pendingHost struct {
	addresses    []netaddr.Address
	validAddress netaddr.Address
	callback     Callback
}

// Puncher owns the set of in-flight punch attempts, keyed by the same
// handle the host state machine uses for the corresponding peer.
type Puncher struct {
	autoping    bool
	resendTimer time.Time
	pendings    pool.PoolMirror[pendingHost]
}

// New constructs a Puncher. autoping should be true for the master role,
// which has no peer to learn candidates from until a joiner's Request
// arrives.
func New(autoping bool) *Puncher {
	return &Puncher{
		autoping:    autoping,
		resendTimer: time.Now().Add(ResendPeriod),
	}
}

// AddRemoteHost registers a new punch target under id, storing the
// candidate list verbatim. timeout is accepted for interface parity with
// the original protocol but is not currently enforced — nothing expires a
// pending punch early; callers that give up call DelRemoteHost themselves.
func (p *Puncher) AddRemoteHost(id pool.Handle, addresses []netaddr.Address, timeout time.Duration, callback Callback) {
	if !id.Valid() {
		return
	}
	host := p.pendings.Make(id, pendingHost{})
	host.addresses = append([]netaddr.Address(nil), addresses...)
	host.callback = callback
}

// DelRemoteHost removes id, if present. No-op otherwise.
func (p *Puncher) DelRemoteHost(id pool.Handle) {
	if p.pendings.Get(id) != nil {
		p.pendings.Destroy(id)
	}
}

// OnPingReceived extracts the embedded handle from a PING frame and
// replies with a PONG to src carrying the same handle.
func (p *Puncher) OnPingReceived(sock socket.Provider, src netaddr.Address, buf []byte) {
	id, err := wire.DecodePingPong(buf)
	if err != nil {
		return
	}
	sock.SendTo(src, wire.EncodePong(id))
}

// OnPongReceived extracts the embedded handle, looks up the pending entry
// and, if present, records validAddress and invokes the callback exactly
// once. If absent, the pong is dropped silently (the entry may already
// have resolved via a different candidate, or been deleted).
func (p *Puncher) OnPongReceived(src netaddr.Address, buf []byte) {
	id, err := wire.DecodePingPong(buf)
	if err != nil {
		return
	}
	host := p.pendings.Get(id)
	if host == nil {
		return
	}
	host.validAddress = src

	callback := host.callback
	host.callback = nil
	if callback != nil {
		callback(src)
	}
}

// Update resends PING probes to every live pending host once per
// ResendPeriod.
func (p *Puncher) Update(sock socket.Provider) {
	now := time.Now()
	if now.Before(p.resendTimer) {
		return
	}
	p.resendTimer = now.Add(ResendPeriod)

	p.pendings.Each(func(id pool.Handle, host *pendingHost) {
		if p.autoping && len(host.addresses) == 0 {
			sock.SendTo(autopingTarget, wire.EncodePing(pool.Handle{}))
		}
		for _, addr := range host.addresses {
			sock.SendTo(addr, wire.EncodePing(id))
		}
	})
}
