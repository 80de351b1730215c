// Package host implements the rendezvous state machine: the master
// accepts Request frames and hands out a roster of existing peers, and
// every ordinary node connects to the master, then to every peer on that
// roster, punching a hole to each before marking it Connected.
package host

import (
	"time"

	"github.com/fluggageheimen/p2ptest/pkg/netaddr"
	"github.com/fluggageheimen/p2ptest/pkg/netlog"
	"github.com/fluggageheimen/p2ptest/pkg/pool"
	"github.com/fluggageheimen/p2ptest/pkg/punch"
	"github.com/fluggageheimen/p2ptest/pkg/socket"
	"github.com/fluggageheimen/p2ptest/pkg/stun"
	"github.com/fluggageheimen/p2ptest/pkg/wire"
)

// Timing constants, per the original rendezvous protocol.
const (
	ConnectMaxRetries   = 5
	ConnectInitTimeout  = 1000 * time.Millisecond
	ConnectRetryTimeout = 1000 * time.Millisecond
)

// ConnFailReason explains why Connect's onFailed callback fired.
type ConnFailReason int

const (
	InitiateConnectionTimeout ConnFailReason = iota
	ConnectionResponseTimeout
	ConnectionNotMaster
	CorruptedChannel
)

// PeerStatus is the lifecycle stage of a tracked peer.
type PeerStatus int

const (
	Connecting PeerStatus = iota
	Connected
	Inactive
	Offline
	Disconnecting
)

func (s PeerStatus) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Inactive:
		return "Inactive"
	case Offline:
		return "Offline"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// PeerInfo is everything the host tracks about one peer.
type PeerInfo struct {
	Nickname  string
	Addresses [3]netaddr.Address // host, gray, white
	Status    PeerStatus
	LastSeen  time.Time
}

// INetClient is the message-delivery collaborator, wired for a future
// payload path; Host.Send is currently a stub so none of these fire yet.
type INetClient interface {
	OnPeerConnected(peer pool.Handle)
	OnPeerDisconnected(peer pool.Handle)
	OnMessageReceived(peer pool.Handle, id int, msg []byte)
}

type stateType int

const (
	stateIdle stateType = iota
	stateNotConnected
	stateWaitResponse
	stateWaitClients
)

type waitResponseState struct {
	failReason ConnFailReason
	address    netaddr.Address
	deadline   time.Time
	retries    int
}

type waitClientsState struct {
	count int
}

type hostState struct {
	typ          stateType
	waitResponse waitResponseState
	waitClients  waitClientsState
}

// Host drives the master/ordinary rendezvous handshake. It is not safe
// for concurrent use; the owning network loop calls Update from a single
// goroutine.
type Host struct {
	master bool
	state  hostState

	clients  []INetClient
	selfAddr [2]netaddr.Address // gray, white
	puncher  *punch.Puncher
	sock     socket.Provider
	log      netlog.Sink
	nickname string

	peers *pool.Pool[PeerInfo]

	connFailedCallback func(ConnFailReason)

	// PeersInfoChanged is set on every peer add, delete or status change;
	// external observers poll it and call QueryPeerInfos to refresh.
	PeersInfoChanged bool
}

// New constructs a Host. natInfo is the result of the STUN classification
// probe run at startup; logger may be nil, in which case logging is
// discarded.
func New(isMaster bool, sock socket.Provider, natInfo stun.Result, nickname string, clients []INetClient, logger netlog.Sink) *Host {
	if logger == nil {
		logger = netlog.Nop{}
	}
	h := &Host{
		master:           isMaster,
		clients:          clients,
		puncher:          punch.New(isMaster),
		sock:             sock,
		log:              logger,
		nickname:         nickname,
		peers:            pool.NewPool[PeerInfo](),
		PeersInfoChanged: true,
	}
	h.selfAddr[0] = natInfo.Gray
	h.selfAddr[1] = natInfo.White
	if isMaster {
		h.state.typ = stateIdle
	} else {
		h.state.typ = stateNotConnected
	}
	return h
}

// Connect starts the ordinary-node handshake against a master reachable
// at any of addresses. Returns the zero Handle if already connecting or
// addresses is empty.
func (h *Host) Connect(addresses []netaddr.Address, onFailed func(ConnFailReason)) pool.Handle {
	if len(addresses) == 0 || h.state.typ != stateNotConnected {
		return pool.Handle{}
	}

	alt := netaddr.Address{}
	if len(addresses) > 1 {
		alt = addresses[1]
	}
	peerID := h.addPeer(netaddr.Address{}, addresses[0], alt)
	h.connFailedCallback = onFailed

	h.puncher.AddRemoteHost(peerID, addresses, ConnectInitTimeout, func(address netaddr.Address) {
		h.state = hostState{
			typ: stateWaitResponse,
			waitResponse: waitResponseState{
				failReason: ConnectionResponseTimeout,
				address:    address,
				deadline:   time.Now().Add(ConnectRetryTimeout),
			},
		}
		if info := h.peers.Get(peerID); info != nil {
			info.Addresses[0] = address
		}
		h.sendRequest(address)
	})
	return peerID
}

// FindPeerByAddress returns the handle of the peer whose host address
// (Addresses[0]) equals address, or the zero Handle if none match.
func (h *Host) FindPeerByAddress(address netaddr.Address) pool.Handle {
	var found pool.Handle
	h.peers.Each(func(id pool.Handle, info *PeerInfo) {
		if found.Valid() {
			return
		}
		if info.Addresses[0] == address {
			found = id
		}
	})
	return found
}

// FindPeerByNonce returns the handle whose generation nonce equals nonce.
func (h *Host) FindPeerByNonce(nonce uint32) pool.Handle {
	var found pool.Handle
	h.peers.Each(func(id pool.Handle, _ *PeerInfo) {
		if !found.Valid() && id.Nonce == nonce {
			found = id
		}
	})
	return found
}

// QueryPeerInfos calls callback once per peer whose nickname has been
// set (i.e. the handshake has progressed far enough to know it).
func (h *Host) QueryPeerInfos(callback func(pool.Handle, PeerInfo)) {
	h.peers.Each(func(id pool.Handle, info *PeerInfo) {
		if info.Nickname == "" {
			return
		}
		callback(id, *info)
	})
}

// Send is a stub: payload delivery over an established peer connection
// is out of scope for this rendezvous implementation.
func (h *Host) Send(dst pool.Handle, data []byte) bool {
	return false
}

// Update drains at most one datagram, ticks the puncher, then checks the
// current state's timer. Call this from a tight loop; spec.md's original
// cadence is ~100kHz (10µs sleep) but the loop's own sleep, not Update,
// governs that.
func (h *Host) Update() {
	h.receive()
	h.puncher.Update(h.sock)

	if h.state.typ == stateWaitResponse {
		if !h.state.waitResponse.deadline.After(time.Now()) {
			if h.state.waitResponse.retries != ConnectMaxRetries {
				h.log.Log(netlog.LevelDebug, "connection response not received, retrying request")
				h.sendRequest(h.state.waitResponse.address)
				h.state.waitResponse.retries++
				h.state.waitResponse.deadline = time.Now().Add(ConnectRetryTimeout)
			} else {
				h.log.Log(netlog.LevelDebug, "connection failed, master not responding")
				h.onConnectionFailed(h.state.waitResponse.failReason)
			}
		}
	}
}

func (h *Host) receive() {
	buf := make([]byte, 2048)
	n, src, err := h.sock.RecvFrom(buf)
	if err != nil || n < 2 {
		return
	}
	buf = buf[:n]

	id, err := wire.PeekMsgID(buf)
	if err != nil {
		return
	}

	switch id {
	case wire.MsgPing:
		h.puncher.OnPingReceived(h.sock, src, buf)
	case wire.MsgPong:
		h.puncher.OnPongReceived(src, buf)
	case wire.MsgHeartbeat:
	case wire.MsgRequest:
		h.onRequest(src, buf)
	case wire.MsgReject:
		h.onReject(src, buf)
	case wire.MsgResponse:
		h.onResponse(src, buf)
	case wire.MsgJoin:
		h.onJoin(src, buf)
	case wire.MsgJoinOk:
		h.onJoinOk(src, buf)
	case wire.MsgPingA:
		h.onPingA(src, buf)
	default:
		h.log.Log(netlog.LevelWarning, "invalid message received [id=%d], skip", id)
	}
}

func (h *Host) addPeer(hostAddr, gray, white netaddr.Address) pool.Handle {
	h.PeersInfoChanged = true
	return h.peers.Alloc(PeerInfo{
		Addresses: [3]netaddr.Address{hostAddr, gray, white},
		Status:    Connecting,
		LastSeen:  time.Now(),
	})
}

func (h *Host) delPeer(id pool.Handle) {
	h.PeersInfoChanged = true
	if !id.Valid() {
		return
	}
	h.puncher.DelRemoteHost(id)
	h.peers.Dealloc(id)
}

func (h *Host) onConnectionFailed(reason ConnFailReason) {
	if h.connFailedCallback != nil {
		h.connFailedCallback(reason)
	}
	h.peers.Each(func(id pool.Handle, _ *PeerInfo) {
		h.delPeer(id)
	})
	h.state = hostState{typ: stateNotConnected}
}

func (h *Host) sendRequest(target netaddr.Address) {
	h.log.Log(netlog.LevelDebug, "send Request to %s", target)
	buf := wire.EncodeInitRequest(wire.InitRequest{
		Request: wire.Request{
			Gray:  h.selfAddr[0],
			White: h.selfAddr[1],
		},
		Nickname: h.nickname,
	})
	h.sock.SendTo(target, buf)
}

func (h *Host) setPeerStatus(addr netaddr.Address, status PeerStatus) {
	if info := h.peers.Get(h.FindPeerByAddress(addr)); info != nil {
		info.Status = status
		info.LastSeen = time.Now()
	}
	h.PeersInfoChanged = true
}

func (h *Host) onReject(src netaddr.Address, data []byte) {
	reason, err := wire.DecodeReject(data)
	if err != nil {
		h.log.Log(netlog.LevelWarning, "Reject message has invalid format")
		return
	}
	h.log.Log(netlog.LevelDebug, "receive Reject message")

	switch wire.RejectReason(reason) {
	case wire.ReasonNotMaster:
		h.onConnectionFailed(ConnectionNotMaster)
	case wire.ReasonInvalidMessageFormat:
		h.state.waitResponse.failReason = CorruptedChannel
		h.state.waitResponse.deadline = time.Now()
	}
}

func (h *Host) onRequest(src netaddr.Address, data []byte) {
	h.log.Log(netlog.LevelDebug, "receive Request message from %s", src)

	if !h.master || h.state.typ != stateIdle {
		h.sock.SendTo(src, wire.EncodeReject(wire.ReasonNotMaster))
		return
	}

	req, err := wire.DecodeInitRequest(data)
	if err != nil {
		h.log.Log(netlog.LevelWarning, "Request message has invalid format")
		h.sock.SendTo(src, wire.EncodeReject(wire.ReasonInvalidMessageFormat))
		return
	}

	h.delPeer(h.FindPeerByAddress(src))
	peerID := h.addPeer(src, req.Gray, req.White)
	if info := h.peers.Get(peerID); info != nil {
		info.Nickname = req.Nickname
		info.Status = Connected
	}

	var fragments []wire.ResponseFragment
	h.peers.Each(func(id pool.Handle, info *PeerInfo) {
		if id == peerID {
			return
		}
		h.log.Log(netlog.LevelDebug, "send connected client %s", info.Addresses[0])
		h.sock.SendTo(info.Addresses[0], wire.EncodePingA(wire.Request{Gray: req.Gray, White: req.White}))

		fragments = append(fragments, wire.ResponseFragment{
			Addresses: info.Addresses,
			Nickname:  info.Nickname,
		})
	})

	h.sock.SendTo(src, wire.EncodeResponse(wire.Response{
		Nickname:  h.nickname,
		Fragments: fragments,
	}))
}

func (h *Host) onResponse(src netaddr.Address, data []byte) {
	resp, err := wire.DecodeResponse(data)
	if err != nil {
		h.log.Log(netlog.LevelWarning, "Response message has invalid format")
		return
	}
	h.log.Log(netlog.LevelDebug, "receive Response message")

	h.state = hostState{
		typ:         stateWaitClients,
		waitClients: waitClientsState{count: len(resp.Fragments)},
	}
	h.puncher.DelRemoteHost(h.FindPeerByAddress(src))

	for _, frag := range resp.Fragments {
		addrs := frag.Addresses
		peerID := h.addPeer(addrs[0], addrs[1], addrs[2])
		if info := h.peers.Get(peerID); info != nil {
			info.Nickname = frag.Nickname
		}

		h.puncher.AddRemoteHost(peerID, addrs[:], ConnectInitTimeout, func(addr netaddr.Address) {
			h.log.Log(netlog.LevelDebug, "send Join to %s", addr)
			h.sock.SendTo(addr, wire.EncodeJoin(h.nickname))

			h.state.waitClients.count--
			if h.state.waitClients.count == 0 {
				h.state.typ = stateIdle
			}
		})
	}

	h.setPeerStatus(src, Connected)
	if info := h.peers.Get(h.FindPeerByAddress(src)); info != nil {
		info.Nickname = resp.Nickname
	}
}

func (h *Host) onJoin(src netaddr.Address, data []byte) {
	nickname, err := wire.DecodeJoin(data)
	if err != nil {
		h.log.Log(netlog.LevelWarning, "Join message has invalid format")
		return
	}
	h.log.Log(netlog.LevelDebug, "receive Join message from %s", src)

	peerID := h.FindPeerByAddress(src)
	if !peerID.Valid() {
		peerID = h.addPeer(src, netaddr.Address{}, netaddr.Address{})
	}

	h.PeersInfoChanged = true
	if info := h.peers.Get(peerID); info != nil {
		info.Status = Connected
		info.Nickname = nickname
	}
	h.sock.SendTo(src, wire.EncodeJoinOk())
}

func (h *Host) onJoinOk(src netaddr.Address, data []byte) {
	h.log.Log(netlog.LevelDebug, "receive JoinOk message from %s", src)
	h.puncher.DelRemoteHost(h.FindPeerByAddress(src))
	h.setPeerStatus(src, Connected)
}

func (h *Host) onPingA(src netaddr.Address, data []byte) {
	req, err := wire.DecodePingA(data)
	if err != nil {
		h.log.Log(netlog.LevelWarning, "PingA message has invalid format")
		return
	}
	h.log.Log(netlog.LevelDebug, "receive PingA message from %s, ping host %s/%s", src, req.Gray, req.White)

	peerID := h.addPeer(netaddr.Address{}, req.Gray, req.White)
	h.puncher.AddRemoteHost(peerID, []netaddr.Address{req.Gray, req.White}, 0, func(netaddr.Address) {
		h.puncher.DelRemoteHost(peerID)
	})
}
