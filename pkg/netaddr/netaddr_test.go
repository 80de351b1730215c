package netaddr

import (
	"net"
	"testing"
)

func TestEquality(t *testing.T) {
	a := IPv4(127, 0, 0, 1, 48800)
	b := IPv4(127, 0, 0, 1, 48800)
	c := IPv4(127, 0, 0, 1, 48801)

	if a != b {
		t.Error("identical addresses must compare equal")
	}
	if a == c {
		t.Error("addresses differing only in port must not compare equal")
	}
}

func TestAnyIsUnset(t *testing.T) {
	if !Any(0).IsUnset() {
		t.Error("Any(0) should be unset")
	}
	if Any(48800).IsUnset() {
		t.Error("Any(48800) carries a port and should not be unset")
	}
}

func TestString(t *testing.T) {
	a := IPv4(192, 168, 1, 2, 9000)
	if got, want := a.String(), "192.168.1.2:9000"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestUDPAddrRoundTrip(t *testing.T) {
	a := IPv4(10, 0, 0, 5, 12345)
	udp := a.ToUDPAddr()
	back := FromUDPAddr(udp)
	if back != a {
		t.Errorf("round trip through net.UDPAddr changed value: %v != %v", back, a)
	}
}

func TestFromUDPAddrNil(t *testing.T) {
	if got := FromUDPAddr(nil); got != (Address{}) {
		t.Errorf("FromUDPAddr(nil) = %v, want zero value", got)
	}
}

func TestFromUDPAddrIPv6Rejected(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("::1"), Port: 80}
	if got := FromUDPAddr(addr); got != (Address{}) {
		t.Errorf("FromUDPAddr(ipv6) = %v, want zero value (ipv4-only)", got)
	}
}
