package stun

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/fluggageheimen/p2ptest/pkg/netaddr"
	"github.com/fluggageheimen/p2ptest/pkg/socket"
)

// fakeServer answers every bind request it receives with a canned
// response built by respond, echoing the request's transaction id.
func fakeServer(t *testing.T, addr netaddr.Address, respond func(txID [12]byte, src netaddr.Address) []byte) func() {
	srv := socket.NewUDPSocket(false)
	if err := srv.Bind(addr); err != nil {
		t.Fatalf("fakeServer bind: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 512)
		for {
			select {
			case <-stop:
				srv.Close()
				return
			default:
			}
			n, src, err := srv.RecvFrom(buf)
			if err == socket.ErrWouldBlock {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			if err != nil || n < headerSize {
				continue
			}
			var txID [12]byte
			copy(txID[:], buf[8:20])
			if reply := respond(txID, src); reply != nil {
				srv.SendTo(src, reply)
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func encodeAddressAttr(attrType uint16, a netaddr.Address) []byte {
	buf := make([]byte, attrHeaderSize+addressAttrSize)
	binary.BigEndian.PutUint16(buf[0:2], attrType)
	binary.BigEndian.PutUint16(buf[2:4], addressAttrSize)
	buf[4] = 0
	buf[5] = familyIPv4
	binary.BigEndian.PutUint16(buf[6:8], a.Port)
	binary.BigEndian.PutUint32(buf[8:12], a.IP)
	return buf
}

func encodeBindResponse(txID [12]byte, attrs ...[]byte) []byte {
	total := 0
	for _, a := range attrs {
		total += len(a)
	}
	buf := make([]byte, headerSize+total)
	binary.BigEndian.PutUint16(buf[0:2], msgBindResponse)
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], txID[:])

	off := headerSize
	for _, a := range attrs {
		copy(buf[off:], a)
		off += len(a)
	}
	return buf
}

func TestClassifyBlocked(t *testing.T) {
	client := socket.NewUDPSocket(false)
	if err := client.Bind(netaddr.IPv4(127, 0, 0, 1, 39901)); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer client.Close()

	// No server listening on this address: every request times out.
	result := Classify(client, netaddr.IPv4(127, 0, 0, 1, 39999))
	if result.Type != Blocked {
		t.Errorf("Classify with no server = %v, want Blocked", result.Type)
	}
}

func TestClassifyOpen(t *testing.T) {
	serverAddr := netaddr.IPv4(127, 0, 0, 1, 39902)
	stop := fakeServer(t, serverAddr, func(txID [12]byte, src netaddr.Address) []byte {
		// Mapped address equals the client's own source: no NAT in the way.
		return encodeBindResponse(txID, encodeAddressAttr(attrMappedAddress, src))
	})
	defer stop()

	client := socket.NewUDPSocket(false)
	if err := client.Bind(netaddr.IPv4(127, 0, 0, 1, 39903)); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer client.Close()

	result := Classify(client, serverAddr)
	if result.Type != Open {
		t.Errorf("Classify with self-mapped response = %v, want Open", result.Type)
	}
}

func TestClassifyFullCone(t *testing.T) {
	serverAddr := netaddr.IPv4(127, 0, 0, 1, 39906)
	altAddr := netaddr.IPv4(127, 0, 0, 1, 39907)
	stop := fakeServer(t, serverAddr, func(txID [12]byte, src netaddr.Address) []byte {
		mapped := src
		mapped.Port++ // differ from the client's own address to force past "Open"
		return encodeBindResponse(txID,
			encodeAddressAttr(attrMappedAddress, mapped),
			encodeAddressAttr(attrOtherAddress, altAddr),
			encodeAddressAttr(attrResponseOrigin, serverAddr))
	})
	defer stop()

	client := socket.NewUDPSocket(false)
	if err := client.Bind(netaddr.IPv4(127, 0, 0, 1, 39908)); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer client.Close()

	result := Classify(client, serverAddr)
	if result.Type != FullCone {
		t.Errorf("Classify with a server that always answers CHANGE-IP+CHANGE-PORT = %v, want FullCone", result.Type)
	}
}

func TestClassifyUnknownWithoutOtherAddress(t *testing.T) {
	serverAddr := netaddr.IPv4(127, 0, 0, 1, 39904)
	stop := fakeServer(t, serverAddr, func(txID [12]byte, src netaddr.Address) []byte {
		mapped := src
		mapped.Port++ // differ from the client's own address to force past "Open"
		return encodeBindResponse(txID, encodeAddressAttr(attrMappedAddress, mapped))
	})
	defer stop()

	client := socket.NewUDPSocket(false)
	if err := client.Bind(netaddr.IPv4(127, 0, 0, 1, 39905)); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer client.Close()

	result := Classify(client, serverAddr)
	if result.Type != Unknown {
		t.Errorf("Classify with no OTHER-ADDRESS = %v, want Unknown", result.Type)
	}
}

func TestNatTypeString(t *testing.T) {
	cases := map[NatType]string{
		Open:              "Open",
		FullCone:          "FullCone",
		AddressRestricted: "AddressRestricted",
		PortRestricted:    "PortRestricted",
		Symmetric:         "Symmetric",
		Blocked:           "Blocked",
		Unknown:           "Unknown",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("NatType(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
