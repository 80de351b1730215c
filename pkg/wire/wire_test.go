package wire

import (
	"testing"

	"github.com/fluggageheimen/p2ptest/pkg/netaddr"
	"github.com/fluggageheimen/p2ptest/pkg/pool"
)

func TestPeekMsgID(t *testing.T) {
	buf := EncodeJoinOk()
	id, err := PeekMsgID(buf)
	if err != nil {
		t.Fatalf("PeekMsgID: %v", err)
	}
	if id != MsgJoinOk {
		t.Errorf("PeekMsgID = %v, want %v", id, MsgJoinOk)
	}
}

func TestPeekMsgIDTooShort(t *testing.T) {
	if _, err := PeekMsgID([]byte{0}); err == nil {
		t.Error("PeekMsgID on a 1-byte buffer must error")
	}
}

func TestPingPongRoundTrip(t *testing.T) {
	h := pool.Handle{Index: 7, Nonce: 42}

	buf := EncodePing(h)
	id, err := PeekMsgID(buf)
	if err != nil || id != MsgPing {
		t.Fatalf("PeekMsgID = %v, %v, want Ping", id, err)
	}
	got, err := DecodePingPong(buf)
	if err != nil {
		t.Fatalf("DecodePingPong: %v", err)
	}
	if got != h {
		t.Errorf("Ping round trip = %v, want %v", got, h)
	}

	buf = EncodePong(h)
	id, _ = PeekMsgID(buf)
	if id != MsgPong {
		t.Errorf("EncodePong id = %v, want Pong", id)
	}
	got, err = DecodePingPong(buf)
	if err != nil || got != h {
		t.Errorf("Pong round trip = %v, %v, want %v, nil", got, err, h)
	}
}

func TestInitRequestRoundTrip(t *testing.T) {
	want := InitRequest{
		Request: Request{
			Gray:  netaddr.IPv4(10, 0, 0, 5, 40000),
			White: netaddr.IPv4(203, 0, 113, 9, 48800),
		},
		Nickname: "alice",
	}

	buf := EncodeInitRequest(want)
	got, err := DecodeInitRequest(buf)
	if err != nil {
		t.Fatalf("DecodeInitRequest: %v", err)
	}
	if got != want {
		t.Errorf("InitRequest round trip = %+v, want %+v", got, want)
	}
}

func TestInitRequestLengthMismatch(t *testing.T) {
	buf := EncodeInitRequest(InitRequest{Nickname: "bob"})
	if _, err := DecodeInitRequest(buf[:len(buf)-1]); err == nil {
		t.Error("truncated InitRequest must fail to decode")
	}
}

func TestPingARoundTrip(t *testing.T) {
	want := Request{
		Gray:  netaddr.IPv4(192, 168, 0, 2, 51000),
		White: netaddr.IPv4(198, 51, 100, 4, 48800),
	}

	buf := EncodePingA(want)
	id, _ := PeekMsgID(buf)
	if id != MsgPingA {
		t.Fatalf("EncodePingA id = %v, want PingA", id)
	}
	got, err := DecodePingA(buf)
	if err != nil {
		t.Fatalf("DecodePingA: %v", err)
	}
	if got != want {
		t.Errorf("PingA round trip = %+v, want %+v", got, want)
	}
}

func TestRejectRoundTrip(t *testing.T) {
	buf := EncodeReject(ReasonAlreadyRegistered)
	got, err := DecodeReject(buf)
	if err != nil {
		t.Fatalf("DecodeReject: %v", err)
	}
	if got != ReasonAlreadyRegistered {
		t.Errorf("DecodeReject = %v, want %v", got, ReasonAlreadyRegistered)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	want := Response{
		Nickname: "master",
		Fragments: []ResponseFragment{
			{
				Addresses: [3]netaddr.Address{
					netaddr.IPv4(10, 0, 0, 1, 1),
					netaddr.IPv4(10, 0, 0, 2, 2),
					netaddr.IPv4(10, 0, 0, 3, 3),
				},
				Nickname: "bob",
			},
			{
				Addresses: [3]netaddr.Address{
					netaddr.IPv4(10, 0, 1, 1, 11),
					netaddr.IPv4(10, 0, 1, 2, 12),
					netaddr.IPv4(10, 0, 1, 3, 13),
				},
				Nickname: "carol",
			},
		},
	}

	buf := EncodeResponse(want)
	got, err := DecodeResponse(buf)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got.Nickname != want.Nickname || len(got.Fragments) != len(want.Fragments) {
		t.Fatalf("DecodeResponse = %+v, want %+v", got, want)
	}
	for i := range want.Fragments {
		if got.Fragments[i] != want.Fragments[i] {
			t.Errorf("fragment %d = %+v, want %+v", i, got.Fragments[i], want.Fragments[i])
		}
	}
}

func TestResponseEmptyRoster(t *testing.T) {
	buf := EncodeResponse(Response{Nickname: "solo"})
	got, err := DecodeResponse(buf)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if len(got.Fragments) != 0 {
		t.Errorf("expected no fragments, got %d", len(got.Fragments))
	}
}

func TestResponseMalformedLength(t *testing.T) {
	buf := EncodeResponse(Response{
		Nickname: "master",
		Fragments: []ResponseFragment{
			{Nickname: "bob"},
		},
	})
	// Corrupt the declared fragment count so it disagrees with the frame size.
	buf[msgIDSize] = 0xff
	if _, err := DecodeResponse(buf); err == nil {
		t.Error("a Response whose declared length disagrees with its size must fail to decode")
	}
}

func TestJoinRoundTrip(t *testing.T) {
	buf := EncodeJoin("dave")
	got, err := DecodeJoin(buf)
	if err != nil {
		t.Fatalf("DecodeJoin: %v", err)
	}
	if got != "dave" {
		t.Errorf("DecodeJoin = %q, want %q", got, "dave")
	}
}

func TestJoinOkHasNoPayload(t *testing.T) {
	buf := EncodeJoinOk()
	if len(buf) != joinOkSize {
		t.Errorf("EncodeJoinOk length = %d, want %d", len(buf), joinOkSize)
	}
}

func TestNicknameTruncatedAtNUL(t *testing.T) {
	buf := EncodeJoin("x")
	// Byte after the nickname's terminator must not leak into the decode.
	buf[msgIDSize+2] = 'y'
	got, err := DecodeJoin(buf)
	if err != nil {
		t.Fatalf("DecodeJoin: %v", err)
	}
	if got != "x" {
		t.Errorf("DecodeJoin = %q, want %q (stop at NUL)", got, "x")
	}
}
