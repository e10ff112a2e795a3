package mediaflow

import (
	"net"
	"testing"
)

func TestCandidatePriorityOrdering(t *testing.T) {
	addr := net.ParseIP("127.0.0.1")
	host := NewLocalCandidate(CandHost, ProtoUDP, addr, 1)
	srflx := NewLocalCandidate(CandSrflx, ProtoUDP, addr, 1)
	prflx := NewLocalCandidate(CandPrflx, ProtoUDP, addr, 1)
	relay := NewLocalCandidate(CandRelay, ProtoUDP, addr, 1)

	if !(host.Priority > prflx.Priority && prflx.Priority > srflx.Priority && srflx.Priority > relay.Priority) {
		t.Fatalf("priority ordering violated: host=%d prflx=%d srflx=%d relay=%d",
			host.Priority, prflx.Priority, srflx.Priority, relay.Priority)
	}
}

func TestCandidatePriorityFormula(t *testing.T) {
	addr := net.ParseIP("127.0.0.1")
	c := NewLocalCandidate(CandHost, ProtoUDP, addr, 1)
	want := (uint32(126) << 24) | (uint32(3) << 8) | uint32(256-componentRTP)
	if c.Priority != want {
		t.Fatalf("priority = %d, want %d", c.Priority, want)
	}
}

func TestProtocolLocalPreference(t *testing.T) {
	if ProtoUDP.localPreference() <= ProtoTCP.localPreference() {
		t.Fatal("UDP should be preferred over TCP")
	}
	if ProtoTCP.localPreference() <= ProtoTLS.localPreference() {
		t.Fatal("TCP should be preferred over TLS")
	}
}

func TestPairPriorityRoleSymmetry(t *testing.T) {
	addr := net.ParseIP("10.0.0.1")
	local := NewLocalCandidate(CandHost, ProtoUDP, addr, 1000)
	remote := NewLocalCandidate(CandSrflx, ProtoUDP, addr, 2000)
	p := &Pair{Local: local, Remote: remote}

	// RFC 8445 §6.1.2.3: swapping the controlling side must not change
	// which pairs order above which.
	q := &Pair{Local: remote, Remote: local}
	if p.priority(true) != q.priority(false) {
		t.Fatalf("pair priority should be role-symmetric: %d != %d", p.priority(true), q.priority(false))
	}
	if p.key() == "" || p.key() == q.key() {
		t.Fatal("pair keys should be distinct per direction")
	}
}

func TestCandidateStringRoundTripFields(t *testing.T) {
	addr := net.ParseIP("192.168.1.5")
	c := NewLocalCandidate(CandSrflx, ProtoUDP, addr, 4000)
	c.Foundation = "f1"
	s := c.String()
	if s == "" {
		t.Fatal("expected non-empty candidate string")
	}
	// (100<<24) | (3<<8) | 255 = 1677722623
	if want := "f1 1 udp 1677722623 192.168.1.5 4000 typ srflx"; s != want {
		t.Fatalf("candidate string = %q, want %q", s, want)
	}
}
