package mediaflow

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
)

// TurnServer describes one configured relay, mirroring the ICEServer
// entries of the host's configuration.
type TurnServer struct {
	Addr     string
	Username string
	Password string
	Protocol TransportProtocol
}

// TurnConn is one independent allocation to a relay server.
// Multiple TurnConns may be allocated concurrently; the pool below owns
// the set active for a Session.
type TurnConn struct {
	server    TurnServer
	log       logging.LeveledLogger
	mu        sync.Mutex
	allocated bool

	client *turn.Client
	relay  net.PacketConn // the allocated relay transport

	// serverConn carries raw STUN/TURN traffic to the server itself; for
	// TCP/TLS servers it is the stream connection wrapped in STUN framing.
	serverConn net.PacketConn
	serverAddr net.Addr

	relayAddr *net.UDPAddr // XOR-RELAYED-ADDRESS
	srflxAddr *net.UDPAddr // XOR-MAPPED-ADDRESS observed by the server

	permissions map[string]bool   // peer addresses with an installed permission
	channels    map[string]uint16 // peer address -> bound channel number

	nextChannel uint16
}

func newTurnConn(server TurnServer, log logging.LeveledLogger) *TurnConn {
	return &TurnConn{
		server:      server,
		log:         log,
		permissions: make(map[string]bool),
		channels:    make(map[string]uint16),
		nextChannel: 0x4000, // RFC 5766 channel numbers: 0x4000-0x7FFE
	}
}

// dialServer opens the transport toward the TURN server for this conn's
// configured protocol. UDP gets a plain PacketConn; TCP and TLS get a
// stream connection wrapped in turn.NewSTUNConn so the client sees
// STUN-framed datagrams either way (the UDP-over-TCP/TLS fallback).
func (t *TurnConn) dialServer() (net.PacketConn, net.Addr, error) {
	switch t.server.Protocol {
	case ProtoTCP:
		conn, err := net.Dial("tcp", t.server.Addr)
		if err != nil {
			return nil, nil, wrapf(ErrUnreachable, "turn: dial tcp %s: %v", t.server.Addr, err)
		}
		return turn.NewSTUNConn(conn), conn.RemoteAddr(), nil
	case ProtoTLS:
		host, _, err := net.SplitHostPort(t.server.Addr)
		if err != nil {
			host = t.server.Addr
		}
		conn, err := tls.Dial("tcp", t.server.Addr, &tls.Config{ServerName: host})
		if err != nil {
			return nil, nil, wrapf(ErrUnreachable, "turn: dial tls %s: %v", t.server.Addr, err)
		}
		return turn.NewSTUNConn(conn), conn.RemoteAddr(), nil
	default:
		conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
		if err != nil {
			return nil, nil, wrapf(ErrUnreachable, "turn: listen udp: %v", err)
		}
		addr, err := net.ResolveUDPAddr("udp", t.server.Addr)
		if err != nil {
			conn.Close()
			return nil, nil, wrapf(ErrUnreachable, "turn: resolve %s: %v", t.server.Addr, err)
		}
		return conn, addr, nil
	}
}

// allocate performs the TURN Allocate exchange. On success it returns the
// server-reflexive and relayed addresses so the caller (the coordinator)
// can submit the matching SRFLX and RELAY local candidates.
func (t *TurnConn) allocate(ctx context.Context) (srflx, relay *net.UDPAddr, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, serverAddr, err := t.dialServer()
	if err != nil {
		return nil, nil, err
	}

	cfg := &turn.ClientConfig{
		STUNServerAddr: t.server.Addr,
		TURNServerAddr: t.server.Addr,
		Conn:           conn,
		Username:       t.server.Username,
		Password:       t.server.Password,
		LoggerFactory:  dummyLoggerFactory{t.log},
	}

	client, err := turn.NewClient(cfg)
	if err != nil {
		conn.Close()
		return nil, nil, wrapf(ErrInternal, "turn: new client: %v", err)
	}
	if err := client.Listen(); err != nil {
		client.Close()
		return nil, nil, wrapf(ErrUnreachable, "turn: listen: %v", err)
	}

	relayConn, err := client.Allocate()
	if err != nil {
		client.Close()
		return nil, nil, wrapf(ErrUnreachable, "turn: allocate: %v", err)
	}

	mapped, err := client.SendBindingRequest()
	if err != nil {
		relayConn.Close()
		client.Close()
		return nil, nil, wrapf(ErrUnreachable, "turn: binding request: %v", err)
	}

	t.client = client
	t.relay = relayConn
	t.serverConn = conn
	t.serverAddr = serverAddr
	t.allocated = true
	t.relayAddr, _ = relayConn.LocalAddr().(*net.UDPAddr)
	t.srflxAddr, _ = mapped.(*net.UDPAddr)

	return t.srflxAddr, t.relayAddr, nil
}

// relayAddress returns the allocation's XOR-RELAYED-ADDRESS, or nil
// before allocate succeeds.
func (t *TurnConn) relayAddress() *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.relayAddr
}

func (t *TurnConn) isAllocated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocated
}

// createPermission installs a server-reflexive permission toward peer.
// The client couples permission installation to the
// first write toward a peer, so an empty datagram doubles as the
// CreatePermission exchange; the relay drops the empty payload.
func (t *TurnConn) createPermission(peer *net.UDPAddr) error {
	t.mu.Lock()
	if !t.allocated {
		t.mu.Unlock()
		return wrapf(ErrNotConnected, "turn: createPermission before allocate")
	}
	key := peer.String()
	if t.permissions[key] {
		t.mu.Unlock()
		return nil
	}
	relay := t.relay
	t.mu.Unlock()

	if _, err := relay.WriteTo(nil, peer); err != nil {
		return wrapf(ErrUnreachable, "turn: create permission: %v", err)
	}

	t.mu.Lock()
	t.permissions[key] = true
	t.mu.Unlock()
	return nil
}

// bindChannel installs a channel binding to addr. Once the
// binding is in place, peerRoute hands out the 4-byte-headroom channel
// route instead of the 36-byte indication route.
func (t *TurnConn) bindChannel(addr *net.UDPAddr) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[addr.String()]; ok {
		return ch, nil
	}
	if !t.allocated {
		return 0, wrapf(ErrNotConnected, "turn: bindChannel before allocate")
	}

	ch := t.nextChannel
	t.nextChannel++

	msg, err := stun.Build(stun.TransactionID, stun.NewType(stun.MethodChannelBind, stun.ClassRequest),
		xorPeerAddress{ip: addr.IP, port: addr.Port},
		channelNumberAttr(ch),
		stun.Fingerprint,
	)
	if err != nil {
		return 0, wrapf(ErrInternal, "turn: build channel-bind: %v", err)
	}
	if t.serverConn != nil {
		if _, err := t.serverConn.WriteTo(msg.Raw, t.serverAddr); err != nil {
			return 0, wrapf(ErrUnreachable, "turn: send channel-bind: %v", err)
		}
	}

	t.channels[addr.String()] = ch
	return ch, nil
}

// peerRoute returns the send-helper installed on this TURN socket for
// traffic toward dst: the ChannelData route when a channel is bound, the
// Send-Indication route otherwise.
func (t *TurnConn) peerRoute(dst *net.UDPAddr) sendRoute {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[dst.String()]; ok {
		return &turnChannelRoute{turnConn: t, channel: ch}
	}
	return &turnIndicateRoute{turnConn: t, dst: dst}
}

// sendToPeer reserves route headroom in front of payload and sends it via
// whichever framing the binding state selects. Used for the permission
// probes relayed allocations exchange after permissions install.
func (t *TurnConn) sendToPeer(dst *net.UDPAddr, payload []byte) error {
	route := t.peerRoute(dst)
	buf := make([]byte, route.Headroom()+len(payload))
	copy(buf[route.Headroom():], payload)
	return route.Send(buf)
}

// writeChannelData writes a fully framed ChannelData message to the
// server; the route has already filled the 4-byte header in buf.
func (t *TurnConn) writeChannelData(buf []byte) error {
	t.mu.Lock()
	conn, addr := t.serverConn, t.serverAddr
	t.mu.Unlock()
	if conn == nil {
		return wrapf(ErrNotConnected, "turn: no server connection")
	}
	_, err := conn.WriteTo(buf, addr)
	return err
}

// sendIndication wraps the payload (past the reserved headroom) in a STUN
// Send Indication and writes it to the server, used by turnIndicateRoute
// before any channel bind exists.
func (t *TurnConn) sendIndication(dst *net.UDPAddr, buf []byte) error {
	// The headroom reservation is fixed at 36 bytes, but a Send
	// Indication's attributes are TLV and cannot be written in-place the
	// way ChannelData's fixed 4-byte header can, so the STUN framing is
	// built fresh here and the payload copied after it.
	payload := buf[HeadroomTurnIndicate:]
	msg, err := stun.Build(stun.TransactionID, stun.NewType(stun.MethodSend, stun.ClassIndication),
		xorPeerAddress{ip: dst.IP, port: dst.Port},
		stunData(payload),
	)
	if err != nil {
		return wrapf(ErrInternal, "turn: build send-indication: %v", err)
	}

	t.mu.Lock()
	conn, addr := t.serverConn, t.serverAddr
	t.mu.Unlock()
	if conn == nil {
		return wrapf(ErrNotConnected, "turn: no server connection")
	}
	_, err = conn.WriteTo(msg.Raw, addr)
	return err
}

// readRelayLoop blocks reading datagrams the relay delivered (data
// indications and channel data, already unframed by the client) and hands
// each to recv until the relay connection closes.
func (t *TurnConn) readRelayLoop(recv func(pkt []byte, from net.Addr)) {
	t.mu.Lock()
	relay := t.relay
	t.mu.Unlock()
	if relay == nil {
		return
	}

	buf := make([]byte, receiveMTU)
	for {
		n, from, err := relay.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		recv(pkt, from)
	}
}

func (t *TurnConn) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	if t.relay != nil {
		err = t.relay.Close()
	}
	if t.client != nil {
		t.client.Close()
	}
	if t.serverConn != nil {
		_ = t.serverConn.Close()
	}
	t.allocated = false
	return err
}

// turnPool manages the set of concurrent TurnConns for a Session.
type turnPool struct {
	mu    sync.Mutex
	conns []*TurnConn
}

func newTurnPool() *turnPool {
	return &turnPool{}
}

func (p *turnPool) add(c *TurnConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = append(p.conns, c)
}

func (p *turnPool) all() []*TurnConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*TurnConn, len(p.conns))
	copy(out, p.conns)
	return out
}

// allocatedConns returns the subset with a live allocation.
func (p *turnPool) allocatedConns() []*TurnConn {
	var out []*TurnConn
	for _, c := range p.all() {
		if c.isAllocated() {
			out = append(out, c)
		}
	}
	return out
}

// connForRelay returns the allocation whose relayed address matches
// addr, falling back to any allocated conn when none matches (the
// nominated relay candidate may have been gathered by the checklist
// rather than submitted by this pool).
func (p *turnPool) connForRelay(addr *net.UDPAddr) *TurnConn {
	conns := p.allocatedConns()
	if addr != nil {
		for _, c := range conns {
			r := c.relayAddress()
			if r != nil && r.Port == addr.Port && r.IP.Equal(addr.IP) {
				return c
			}
		}
	}
	if len(conns) > 0 {
		return conns[0]
	}
	return nil
}

// anyAllocated reports whether at least one allocation is still usable,
// used to decide whether a single TURN error is fatal: it is not while
// at least one other allocation is still allocated.
func (p *turnPool) anyAllocated() bool {
	return len(p.allocatedConns()) > 0
}

func (p *turnPool) closeAll() {
	for _, c := range p.all() {
		_ = c.close()
	}
}

// xorPeerAddress, channelNumberAttr and stunData are small stun.Setter
// adapters for the TURN-specific attributes pion/stun itself does not
// model (they live behind pion/turn's internal proto package).
type xorPeerAddress struct {
	ip   net.IP
	port int
}

func (a xorPeerAddress) AddTo(m *stun.Message) error {
	x := &stun.XORMappedAddress{IP: a.ip, Port: a.port}
	return x.AddToAs(m, stun.AttrXORPeerAddress)
}

type channelNumberAttr uint16

func (c channelNumberAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	v[0] = byte(c >> 8)
	v[1] = byte(c)
	m.Add(stun.AttrChannelNumber, v)
	return nil
}

type stunData []byte

func (d stunData) AddTo(m *stun.Message) error {
	m.Add(stun.AttrData, d)
	return nil
}
