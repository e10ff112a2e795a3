package mediaflow

import (
	"encoding/binary"
	"net"
)

// sendRoute abstracts "the selected pair's local socket, with whatever
// headroom the current route needs". For a relayed pair the framing
// changes when TURN channel-binding completes (turnPeerRoute resolves it
// per send), without the SRTP/DTLS layers above it noticing anything
// besides a headroom change.
type sendRoute interface {
	// Headroom is the number of bytes the caller must reserve at the
	// front of its buffer for this route's own framing.
	Headroom() int
	// Send transmits buf, which already has Headroom() bytes reserved
	// (and zeroed) at the front; the route fills in its own framing
	// there before writing to the wire.
	Send(buf []byte) error
}

// connRoute wraps an already-connected net.Conn — what pion/ice's
// Agent.Dial/Accept hand back once a pair is nominated — as a direct,
// zero-headroom sendRoute. The selected pair is fixed to one peer
// address for the session's lifetime, so no destination bookkeeping is
// needed beyond the connection itself.
type connRoute struct {
	conn net.Conn
}

func (r *connRoute) Headroom() int { return HeadroomDirect }

func (r *connRoute) Send(buf []byte) error {
	_, err := r.conn.Write(buf)
	return err
}

// directRoute sends straight to the remote address with no extra
// framing, from a socket the coordinator opened itself. Installed when
// an IPv6 remote is better served by a local IPv6 HOST address than by
// the nominated pair's own socket.
type directRoute struct {
	conn net.PacketConn
	dst  *net.UDPAddr
}

func (r *directRoute) Headroom() int { return HeadroomDirect }

func (r *directRoute) Send(buf []byte) error {
	_, err := r.conn.WriteTo(buf, r.dst)
	return err
}

// turnPeerRoute is the media send route for a RELAY-nominated pair: it
// defers to the allocation's current framing toward dst, so outbound
// packets reserve 36 bytes while Send Indications carry them and 4
// bytes once the channel bind lands.
type turnPeerRoute struct {
	turnConn *TurnConn
	dst      *net.UDPAddr
}

// resolve returns the framing route currently in effect toward dst.
// Callers that reserve headroom and then send must use one resolved
// snapshot for both steps, so a concurrent channel bind cannot change
// the framing between them.
func (r *turnPeerRoute) resolve() sendRoute { return r.turnConn.peerRoute(r.dst) }

func (r *turnPeerRoute) Headroom() int { return r.resolve().Headroom() }

func (r *turnPeerRoute) Send(buf []byte) error { return r.resolve().Send(buf) }

// turnChannelRoute fills the 4-byte ChannelData header (RFC 5766 §11.4):
// 2 bytes channel number, 2 bytes length, written into the reserved
// headroom in place.
type turnChannelRoute struct {
	turnConn *TurnConn
	channel  uint16
}

func (r *turnChannelRoute) Headroom() int { return HeadroomTurnChan }

func (r *turnChannelRoute) Send(buf []byte) error {
	if len(buf) < HeadroomTurnChan {
		return wrapf(ErrInvalidArgument, "turn channel send: buffer too small for headroom")
	}
	binary.BigEndian.PutUint16(buf[0:2], r.channel)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-HeadroomTurnChan))
	if r.turnConn == nil {
		return wrapf(ErrNotConnected, "turn channel send: no allocation")
	}
	return r.turnConn.writeChannelData(buf)
}

// turnIndicateRoute wraps the payload in a STUN Send Indication
// (RFC 5766 §10.1) carrying XOR-PEER-ADDRESS and DATA attributes. The
// reserved headroom is fixed at 36 bytes: a 20-byte STUN header, a
// 12-byte XOR-PEER-ADDRESS for an IPv4 peer and the 4-byte DATA
// attribute header. An IPv6 peer's XOR-PEER-ADDRESS is 12 bytes longer;
// sendIndication builds the framing in a fresh buffer either way.
type turnIndicateRoute struct {
	turnConn *TurnConn
	dst      *net.UDPAddr
}

func (r *turnIndicateRoute) Headroom() int { return HeadroomTurnIndicate }

func (r *turnIndicateRoute) Send(buf []byte) error {
	if len(buf) < HeadroomTurnIndicate {
		return wrapf(ErrInvalidArgument, "turn indicate send: buffer too small for headroom")
	}
	if r.turnConn == nil {
		return wrapf(ErrNotConnected, "turn indicate send: no allocation")
	}
	return r.turnConn.sendIndication(r.dst, buf)
}
