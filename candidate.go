package mediaflow

import (
	"fmt"
	"net"
)

// componentRTP is the fixed ICE component-id used throughout: RTP and
// RTCP are always multiplexed.
const componentRTP = 1

// Candidate is the ICE candidate tuple (foundation, component-id,
// protocol, priority, address, type, related-address).
type Candidate struct {
	Foundation string
	Component  int
	Protocol   TransportProtocol
	Priority   uint32
	Address    net.IP
	Port       int
	Type       CandidateType
	RelatedAddress net.IP
	RelatedPort    int
}

// computePriority computes the candidate priority as
//
//	(type_pref<<24) | (local_pref<<8) | (256-component)
func computePriority(typ CandidateType, proto TransportProtocol, component int) uint32 {
	typePref := typ.typePreference()
	localPref := proto.localPreference()
	return (typePref << 24) | (localPref << 8) | uint32(256-component)
}

// NewLocalCandidate builds a local candidate with a correctly computed
// priority. The component is always componentRTP.
func NewLocalCandidate(typ CandidateType, proto TransportProtocol, addr net.IP, port int) *Candidate {
	c := &Candidate{
		Component: componentRTP,
		Protocol:  proto,
		Address:   addr,
		Port:      port,
		Type:      typ,
	}
	c.Priority = computePriority(typ, proto, c.Component)
	return c
}

// NetAddr returns the candidate's transport address as a *net.UDPAddr.
func (c *Candidate) NetAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: c.Address, Port: c.Port}
}

func (c *Candidate) isIPv6() bool {
	return c.Address != nil && c.Address.To4() == nil
}

// String renders the candidate in SDP a=candidate form (minus the
// "a=candidate:" prefix).
func (c *Candidate) String() string {
	s := fmt.Sprintf("%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority, c.Address, c.Port, c.Type)
	if c.RelatedAddress != nil {
		s += fmt.Sprintf(" raddr %s rport %d", c.RelatedAddress, c.RelatedPort)
	}
	return s
}

// Pair is a local/remote candidate pair.
type Pair struct {
	Local  *Candidate
	Remote *Candidate
	State  PairState

	// nominated is set once this pair wins first-success-wins
	// nomination; it is never cleared.
	nominated bool
}

// priority is the ICE pair priority (RFC 8445 §6.1.2.3), used only to
// pick check order; nomination itself is first-success-wins and does not
// reconsider priority once a pair succeeds.
func (p *Pair) priority(controllingIsLocal bool) uint64 {
	g := uint64(p.Local.Priority)
	d := uint64(p.Remote.Priority)
	lo, hi := g, d
	if g > d {
		lo, hi = d, g
	}
	extra := uint64(0)
	if (controllingIsLocal && g > d) || (!controllingIsLocal && d > g) {
		extra = 1
	}
	return (lo << 32) + (hi << 1) + extra
}

func (p *Pair) key() string {
	return p.Local.String() + "|" + p.Remote.String()
}
