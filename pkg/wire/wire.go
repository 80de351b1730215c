// Package wire implements the fixed-layout, network-byte-order message
// framing used by the host state machine and hole puncher, plus the
// NetAddress wire form shared by both. All numeric fields are encoded
// explicitly with encoding/binary, never by reinterpreting Go struct
// layout, since Go gives no packing guarantees analogous to the original
// protocol's #pragma pack(push, 1).
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/fluggageheimen/p2ptest/pkg/netaddr"
	"github.com/fluggageheimen/p2ptest/pkg/pool"
)

// MsgID identifies the 16-bit message-type prefix every frame on the wire
// starts with.
type MsgID uint16

const (
	MsgPing      MsgID = 0
	MsgPong      MsgID = 1
	MsgHeartbeat MsgID = 2
	MsgRequest   MsgID = 3
	MsgReject    MsgID = 4
	MsgResponse  MsgID = 5
	MsgPingA     MsgID = 6
	MsgJoin      MsgID = 8
	MsgJoinOk    MsgID = 9
)

func (id MsgID) String() string {
	switch id {
	case MsgPing:
		return "Ping"
	case MsgPong:
		return "Pong"
	case MsgHeartbeat:
		return "Heartbeat"
	case MsgRequest:
		return "Request"
	case MsgReject:
		return "Reject"
	case MsgResponse:
		return "Response"
	case MsgPingA:
		return "PingA"
	case MsgJoin:
		return "Join"
	case MsgJoinOk:
		return "JoinOk"
	default:
		return fmt.Sprintf("MsgID(%d)", uint16(id))
	}
}

// RejectReason is the Reject message's repurposed length field.
type RejectReason uint16

const (
	ReasonNotMaster            RejectReason = 0
	ReasonInvalidMessageFormat RejectReason = 1
	ReasonAlreadyRegistered    RejectReason = 2
)

func (r RejectReason) String() string {
	switch r {
	case ReasonNotMaster:
		return "NotMaster"
	case ReasonInvalidMessageFormat:
		return "InvalidMessageFormat"
	case ReasonAlreadyRegistered:
		return "AlreadyRegistered"
	default:
		return fmt.Sprintf("RejectReason(%d)", uint16(r))
	}
}

// NicknameSize is the wire width of a nickname field: up to 31 bytes of
// text plus a mandatory NUL terminator.
const NicknameSize = 32

const (
	msgIDSize      = 2
	handleSize     = 8  // index uint32 + nonce uint32
	netAddrSize    = 16 // reserved+family+port+ip, zero-padded to match the original's opaque sockaddr-shaped block
	rejectSize     = msgIDSize + 2
	pingPongSize   = msgIDSize + handleSize
	heartbeatSize  = msgIDSize
	requestSize    = msgIDSize + 2*netAddrSize
	initRequestSz  = requestSize + NicknameSize
	responseHdrSz  = msgIDSize + 2 + NicknameSize
	responseFragSz = 3*netAddrSize + NicknameSize
	joinSize       = msgIDSize + NicknameSize
	joinOkSize     = msgIDSize
)

// ErrTooShort is returned by decoders when the buffer is shorter than the
// frame they attempted to parse.
type ErrTooShort struct {
	Msg  MsgID
	Want int
	Got  int
}

func (e *ErrTooShort) Error() string {
	return fmt.Sprintf("wire: %s frame too short: want %d bytes, got %d", e.Msg, e.Want, e.Got)
}

// ErrLengthMismatch is returned when a variable-length frame's declared
// length field disagrees with the buffer's actual size.
type ErrLengthMismatch struct {
	Msg      MsgID
	Declared int
	Actual   int
}

func (e *ErrLengthMismatch) Error() string {
	return fmt.Sprintf("wire: %s declared length %d does not match frame size %d", e.Msg, e.Declared, e.Actual)
}

// ErrUnknownMsgID is returned by PeekMsgID callers that reject ids outside
// the known table.
type ErrUnknownMsgID struct {
	ID uint16
}

func (e *ErrUnknownMsgID) Error() string {
	return fmt.Sprintf("wire: unknown message id %#x", e.ID)
}

// PeekMsgID reads the 16-bit message-type prefix without consuming or
// validating the remainder of the frame.
func PeekMsgID(buf []byte) (MsgID, error) {
	if len(buf) < msgIDSize {
		return 0, &ErrTooShort{Want: msgIDSize, Got: len(buf)}
	}
	return MsgID(binary.BigEndian.Uint16(buf)), nil
}

// --- NetAddress wire form -------------------------------------------------

func putNetAddress(dst []byte, a netaddr.Address) {
	dst[0] = 0 // reserved
	dst[1] = 1 // family: IPv4
	binary.BigEndian.PutUint16(dst[2:4], a.Port)
	binary.BigEndian.PutUint32(dst[4:8], a.IP)
	for i := 8; i < netAddrSize; i++ {
		dst[i] = 0
	}
}

func getNetAddress(src []byte) netaddr.Address {
	port := binary.BigEndian.Uint16(src[2:4])
	ip := binary.BigEndian.Uint32(src[4:8])
	return netaddr.Address{IP: ip, Port: port}
}

func putHandle(dst []byte, h pool.Handle) {
	binary.BigEndian.PutUint32(dst[0:4], h.Index)
	binary.BigEndian.PutUint32(dst[4:8], h.Nonce)
}

func getHandle(src []byte) pool.Handle {
	return pool.Handle{
		Index: binary.BigEndian.Uint32(src[0:4]),
		Nonce: binary.BigEndian.Uint32(src[4:8]),
	}
}

func putNickname(dst []byte, nickname string) {
	n := copy(dst[:NicknameSize-1], nickname)
	for i := n; i < NicknameSize; i++ {
		dst[i] = 0
	}
}

func getNickname(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}

// --- Ping / Pong -----------------------------------------------------------

// EncodePing builds a Ping frame carrying handle h.
func EncodePing(h pool.Handle) []byte {
	return encodePingPong(MsgPing, h)
}

// EncodePong builds a Pong frame carrying handle h.
func EncodePong(h pool.Handle) []byte {
	return encodePingPong(MsgPong, h)
}

func encodePingPong(id MsgID, h pool.Handle) []byte {
	buf := make([]byte, pingPongSize)
	binary.BigEndian.PutUint16(buf, uint16(id))
	putHandle(buf[msgIDSize:], h)
	return buf
}

// DecodePingPong decodes the shared Ping/Pong payload (just a Handle).
// Callers dispatch on the already-peeked MsgID.
func DecodePingPong(buf []byte) (pool.Handle, error) {
	if len(buf) < pingPongSize {
		return pool.Handle{}, &ErrTooShort{Want: pingPongSize, Got: len(buf)}
	}
	return getHandle(buf[msgIDSize:]), nil
}

// --- Heartbeat ---------------------------------------------------------

// EncodeHeartbeat builds a bare Heartbeat frame.
func EncodeHeartbeat() []byte {
	buf := make([]byte, heartbeatSize)
	binary.BigEndian.PutUint16(buf, uint16(MsgHeartbeat))
	return buf
}

// --- Request / InitRequest -----------------------------------------------
//
// The codec table lists Request's payload as two NetAddress; in practice
// the host state machine always sends the nickname-bearing variant
// (InitRequest) as its Request frame, matching the original's
// MsgInitRequest. The bare two-NetAddress layout is reused, unmodified,
// as PingA's payload.

// Request is the base two-NetAddress payload shared by Request and PingA.
type Request struct {
	Gray  netaddr.Address
	White netaddr.Address
}

func encodeRequestBody(dst []byte, r Request) {
	putNetAddress(dst[0:netAddrSize], r.Gray)
	putNetAddress(dst[netAddrSize:2*netAddrSize], r.White)
}

func decodeRequestBody(src []byte) Request {
	return Request{
		Gray:  getNetAddress(src[0:netAddrSize]),
		White: getNetAddress(src[netAddrSize : 2*netAddrSize]),
	}
}

// InitRequest is the Request frame the ordinary node sends the master:
// gray/white addresses plus the connecting node's nickname.
type InitRequest struct {
	Request
	Nickname string
}

// EncodeInitRequest builds a Request (id=3) frame.
func EncodeInitRequest(r InitRequest) []byte {
	buf := make([]byte, initRequestSz)
	binary.BigEndian.PutUint16(buf, uint16(MsgRequest))
	encodeRequestBody(buf[msgIDSize:], r.Request)
	putNickname(buf[requestSize:], r.Nickname)
	return buf
}

// DecodeInitRequest parses a Request frame. Returns ErrLengthMismatch if
// the buffer isn't exactly the expected size, per the parsing contract:
// callers must discard without state change on error.
func DecodeInitRequest(buf []byte) (InitRequest, error) {
	if len(buf) != initRequestSz {
		return InitRequest{}, &ErrLengthMismatch{Msg: MsgRequest, Declared: initRequestSz, Actual: len(buf)}
	}
	body := decodeRequestBody(buf[msgIDSize:])
	nickname := getNickname(buf[requestSize:])
	return InitRequest{Request: body, Nickname: nickname}, nil
}

// EncodePingA builds a PingA (id=6) frame: the bare Request layout, no
// nickname, identifying the newcomer's addresses for an existing peer.
func EncodePingA(r Request) []byte {
	buf := make([]byte, requestSize)
	binary.BigEndian.PutUint16(buf, uint16(MsgPingA))
	encodeRequestBody(buf[msgIDSize:], r)
	return buf
}

// DecodePingA parses a PingA frame.
func DecodePingA(buf []byte) (Request, error) {
	if len(buf) != requestSize {
		return Request{}, &ErrLengthMismatch{Msg: MsgPingA, Declared: requestSize, Actual: len(buf)}
	}
	return decodeRequestBody(buf[msgIDSize:]), nil
}

// --- Reject ----------------------------------------------------------------

// EncodeReject builds a Reject frame whose length field carries reason.
func EncodeReject(reason RejectReason) []byte {
	buf := make([]byte, rejectSize)
	binary.BigEndian.PutUint16(buf, uint16(MsgReject))
	binary.BigEndian.PutUint16(buf[msgIDSize:], uint16(reason))
	return buf
}

// DecodeReject parses a Reject frame.
func DecodeReject(buf []byte) (RejectReason, error) {
	if len(buf) != rejectSize {
		return 0, &ErrLengthMismatch{Msg: MsgReject, Declared: rejectSize, Actual: len(buf)}
	}
	return RejectReason(binary.BigEndian.Uint16(buf[msgIDSize:])), nil
}

// --- Response ----------------------------------------------------------------

// ResponseFragment describes one already-connected peer in a Response.
type ResponseFragment struct {
	Addresses [3]netaddr.Address
	Nickname  string
}

// Response is the master's roster reply to a Request.
type Response struct {
	Nickname  string
	Fragments []ResponseFragment
}

// EncodeResponse builds a Response (id=5) frame.
func EncodeResponse(r Response) []byte {
	buf := make([]byte, responseHdrSz+len(r.Fragments)*responseFragSz)
	binary.BigEndian.PutUint16(buf, uint16(MsgResponse))
	binary.BigEndian.PutUint16(buf[msgIDSize:], uint16(len(r.Fragments)))
	putNickname(buf[msgIDSize+2:], r.Nickname)

	off := responseHdrSz
	for _, f := range r.Fragments {
		for i, a := range f.Addresses {
			putNetAddress(buf[off+i*netAddrSize:off+(i+1)*netAddrSize], a)
		}
		putNickname(buf[off+3*netAddrSize:], f.Nickname)
		off += responseFragSz
	}
	return buf
}

// DecodeResponse parses a Response frame, verifying that its declared
// fragment count agrees with the frame's actual size, per spec.md's
// parsing contract.
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) < responseHdrSz {
		return Response{}, &ErrTooShort{Msg: MsgResponse, Want: responseHdrSz, Got: len(buf)}
	}
	length := int(binary.BigEndian.Uint16(buf[msgIDSize:]))
	want := responseHdrSz + length*responseFragSz
	if len(buf) != want {
		return Response{}, &ErrLengthMismatch{Msg: MsgResponse, Declared: want, Actual: len(buf)}
	}

	resp := Response{
		Nickname:  getNickname(buf[msgIDSize+2 : responseHdrSz]),
		Fragments: make([]ResponseFragment, length),
	}
	off := responseHdrSz
	for i := 0; i < length; i++ {
		var frag ResponseFragment
		for j := 0; j < 3; j++ {
			frag.Addresses[j] = getNetAddress(buf[off+j*netAddrSize : off+(j+1)*netAddrSize])
		}
		frag.Nickname = getNickname(buf[off+3*netAddrSize : off+responseFragSz])
		resp.Fragments[i] = frag
		off += responseFragSz
	}
	return resp, nil
}

// --- Join / JoinOk -----------------------------------------------------------

// EncodeJoin builds a Join (id=8) frame.
func EncodeJoin(nickname string) []byte {
	buf := make([]byte, joinSize)
	binary.BigEndian.PutUint16(buf, uint16(MsgJoin))
	putNickname(buf[msgIDSize:], nickname)
	return buf
}

// DecodeJoin parses a Join frame.
func DecodeJoin(buf []byte) (string, error) {
	if len(buf) != joinSize {
		return "", &ErrLengthMismatch{Msg: MsgJoin, Declared: joinSize, Actual: len(buf)}
	}
	return getNickname(buf[msgIDSize:]), nil
}

// EncodeJoinOk builds a bare JoinOk (id=9) frame.
func EncodeJoinOk() []byte {
	buf := make([]byte, joinOkSize)
	binary.BigEndian.PutUint16(buf, uint16(MsgJoinOk))
	return buf
}
