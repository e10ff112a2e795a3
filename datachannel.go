package mediaflow

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/pion/datachannel"
	"github.com/pion/logging"
	"github.com/pion/sctp"
)

// rtcpAppName is the four-byte APP packet name the SDES carrier uses to
// smuggle SCTP segments inside RTCP.
const rtcpAppName = "DATA"

// dataChannelDriver owns the SCTP association and the single data
// channel stream mediaflow exposes. Two carriers are supported: raw
// SCTP-over-DTLS, or SCTP segments wrapped in RTCP APP packets when the
// session negotiated SDES instead of DTLS-SRTP.
type dataChannelDriver struct {
	log logging.LeveledLogger

	assoc  *sctp.Association
	stream *datachannel.DataChannel

	// appCarrier is set in SDES mode: instead of writing/reading directly
	// on a net.Conn, SCTP segments are wrapped/unwrapped as RTCP APP
	// packets by this adapter, which in turn calls sendRaw to hand the
	// wrapped packet to the coordinator's send path.
	appCarrier *appPacketCarrier

	onEstablished func()
}

func newDataChannelDriver(lf logging.LoggerFactory) *dataChannelDriver {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &dataChannelDriver{log: lf.NewLogger("dce")}
}

// connectDTLS starts the SCTP association directly over conn (the DTLS
// session): raw SCTP segments, no extra framing.
func (d *dataChannelDriver) connectDTLS(conn net.Conn, isClient bool) error {
	cfg := sctp.Config{
		NetConn:       conn,
		LoggerFactory: dummyLoggerFactory{d.log},
	}

	var assoc *sctp.Association
	var err error
	if isClient {
		assoc, err = sctp.Client(cfg)
	} else {
		assoc, err = sctp.Server(cfg)
	}
	if err != nil {
		return wrapf(ErrInternal, "dce: sctp handshake: %v", err)
	}
	d.assoc = assoc
	return d.openOrAccept(isClient)
}

// connectSDES starts the SCTP association over an in-memory pipe fed by
// the RTCP APP carrier, the SDES-mode fallback.
func (d *dataChannelDriver) connectSDES(carrier *appPacketCarrier, isClient bool) error {
	d.appCarrier = carrier
	cfg := sctp.Config{
		NetConn:       carrier,
		LoggerFactory: dummyLoggerFactory{d.log},
	}

	var assoc *sctp.Association
	var err error
	if isClient {
		assoc, err = sctp.Client(cfg)
	} else {
		assoc, err = sctp.Server(cfg)
	}
	if err != nil {
		return wrapf(ErrInternal, "dce: sctp handshake (sdes carrier): %v", err)
	}
	d.assoc = assoc
	return d.openOrAccept(isClient)
}

func (d *dataChannelDriver) openOrAccept(isClient bool) error {
	const label = "mediaflow"
	if isClient {
		dc, err := datachannel.Dial(d.assoc, 0, &datachannel.Config{Label: label})
		if err != nil {
			return wrapf(ErrInternal, "dce: open channel: %v", err)
		}
		d.stream = dc
	} else {
		dc, err := datachannel.Accept(d.assoc, &datachannel.Config{Label: label})
		if err != nil {
			return wrapf(ErrInternal, "dce: accept channel: %v", err)
		}
		d.stream = dc
	}
	if d.onEstablished != nil {
		d.onEstablished()
	}
	return nil
}

func (d *dataChannelDriver) send(data []byte) error {
	if d.stream == nil {
		return wrapf(ErrNotReady, "dce: channel not open")
	}
	if _, err := d.stream.Write(data); err != nil {
		return wrapf(ErrUnreachable, "dce: write: %v", err)
	}
	return nil
}

func (d *dataChannelDriver) close() error {
	var err error
	if d.stream != nil {
		err = d.stream.Close()
	}
	if d.assoc != nil {
		_ = d.assoc.Close()
	}
	return err
}

// appPacketCarrier adapts the RTCP-APP-wrapped SCTP carrier to net.Conn so
// the same sctp.Client/Server constructors work regardless of crypto
// mode. Writes are handed to sendRaw (the coordinator's SRTCP send path);
// reads are fed by deliverFromRTCP whenever the demultiplexer sees an APP
// packet named "DATA".
type appPacketCarrier struct {
	sendRaw func([]byte) error
	inbound chan []byte
	closed  chan struct{}
}

func newAppPacketCarrier(sendRaw func([]byte) error) *appPacketCarrier {
	return &appPacketCarrier{
		sendRaw: sendRaw,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *appPacketCarrier) Read(p []byte) (int, error) {
	select {
	case b := <-c.inbound:
		n := copy(p, b)
		return n, nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *appPacketCarrier) Write(p []byte) (int, error) {
	wrapped := marshalAppPacket(rtcpAppName, p)
	if err := c.sendRaw(wrapped); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *appPacketCarrier) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *appPacketCarrier) LocalAddr() net.Addr              { return appCarrierAddr{} }
func (c *appPacketCarrier) RemoteAddr() net.Addr             { return appCarrierAddr{} }
func (c *appPacketCarrier) SetDeadline(time.Time) error      { return nil }
func (c *appPacketCarrier) SetReadDeadline(time.Time) error  { return nil }
func (c *appPacketCarrier) SetWriteDeadline(time.Time) error { return nil }

// deliverFromRTCP hands an already-unwrapped SCTP segment to the reader
// side; it never blocks (buffered channel, drop-oldest semantics would
// be excessive here since SCTP itself retransmits on loss).
func (c *appPacketCarrier) deliverFromRTCP(segment []byte) {
	select {
	case c.inbound <- segment:
	default:
	}
}

type appCarrierAddr struct{}

func (appCarrierAddr) Network() string { return "rtcp-app" }
func (appCarrierAddr) String() string  { return "rtcp-app:DATA" }

// marshalAppPacket builds a minimal RFC 3550 APP packet (PT=204) with the
// four-byte name used to smuggle an SCTP segment. pion/rtcp's
// packet registry does not implement the APP type (it sees vanishingly
// little real-world use outside exactly this kind of fallback carrier),
// so this is hand-rolled directly against the RFC rather than pulled
// from a library.
func marshalAppPacket(name string, payload []byte) []byte {
	// word-align the payload the way RFC 3550 §6.7 requires. The pad
	// count rides in the subtype bits so the receiver can hand the SCTP
	// engine an exact-length segment.
	pad := (4 - (len(payload) % 4)) % 4

	buf := make([]byte, 12+len(payload)+pad)
	buf[0] = 0x80 | byte(pad) // version 2, subtype = pad count
	buf[1] = 204              // PT=APP
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)/4-1))
	binary.BigEndian.PutUint32(buf[4:8], 0) // SSRC/CSRC of source: unused here
	copy(buf[8:12], name)
	copy(buf[12:], payload)
	return buf
}

// unmarshalAppPacket returns (name, payload, ok).
func unmarshalAppPacket(buf []byte) (string, []byte, bool) {
	if len(buf) < 12 {
		return "", nil, false
	}
	if buf[1] != 204 {
		return "", nil, false
	}
	pad := int(buf[0] & 0x03)
	if len(buf)-12 < pad {
		return "", nil, false
	}
	name := string(buf[8:12])
	return name, buf[12 : len(buf)-pad], true
}

// dummyLoggerFactory adapts a single LeveledLogger to the
// logging.LoggerFactory interface sctp.Config expects, since the driver
// only ever wants one named logger for all of its sub-streams.
type dummyLoggerFactory struct {
	l logging.LeveledLogger
}

func (f dummyLoggerFactory) NewLogger(string) logging.LeveledLogger { return f.l }
