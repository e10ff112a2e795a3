package mediaflow

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/stun/v3"

	"github.com/wire-avs/go-mediaflow/internal/mux"
)

// srtpDTLSProfile is the single SRTP protection profile negotiated:
// SRTP_AES128_CM_HMAC_SHA1_80 with a 30-byte key.
const srtpDTLSProfile = dtls.SRTP_AES128_CM_HMAC_SHA1_80

// receiveMTU bounds a single read off the muxed transport.
const receiveMTU = 1500

// checklistDelay is folded into a variable so tests can shrink it.
var checklistDelay = checklistInterval

// livenessCheckInterval and livenessTimeout drive the RTP liveness
// timer: check every 5s, declare timeout after 20s of silence
// following the first successful RTP exchange.
const (
	livenessCheckInterval = 5 * time.Second
	livenessTimeout       = 20 * time.Second
)

// coordinatorState holds coordination bookkeeping that doesn't fit
// naturally as plain Session fields: sync.Once guards for the steps that must run
// exactly once regardless of how many times their trigger fires.
type coordinatorState struct {
	gatherOnce    sync.Once
	checklistOnce sync.Once
	dtlsOnce      sync.Once

	gatherMu    sync.Mutex
	gatherTotal int
	gatherDone  int
}

// wireICECallbacks installs the iceEngine hooks that route ICE events
// back onto the reactor, so every subsequent handler still runs to
// completion without locks.
func (s *Session) wireICECallbacks() {
	s.ice.onLocalCandidate = func(c *Candidate) {
		s.reactor.post(func() { s.handleLocalICECandidate(c) })
	}
	s.ice.onSelectedPair = func(p *Pair) {
		s.reactor.post(func() { s.onPairSelected(p) })
	}
	s.ice.onFailure = func(err error) {
		s.reactor.postDeferred(func() { s.failICE(err) })
	}
}

func (s *Session) handleLocalICECandidate(c *Candidate) {
	if c == nil {
		s.markGatherSourceDone()
		return
	}
	s.callbacks.fireLocalCandidate(c)
}

// startGathering kicks off local-candidate gathering and every
// configured TURN allocation. It runs once per session regardless
// of how many times GenerateOffer/HandleOffer call it; the Gather
// callback fires once every gathering source has reported.
func (s *Session) startGathering() {
	s.coord.gatherOnce.Do(func() {
		turns := s.turns.all()
		s.coord.gatherMu.Lock()
		s.coord.gatherTotal = 1 + len(turns) // 1 for the ICE host gatherer
		s.coord.gatherMu.Unlock()

		if err := s.ice.gather(); err != nil {
			s.log.Errorf("mediaflow: ice gather: %v", err)
		}

		for _, tc := range turns {
			go s.runTurnAllocation(tc)
		}
	})
}

func (s *Session) markGatherSourceDone() {
	s.coord.gatherMu.Lock()
	s.coord.gatherDone++
	done := s.coord.gatherDone >= s.coord.gatherTotal
	s.coord.gatherMu.Unlock()

	if done && atomic.CompareAndSwapInt32(&s.gatherFired, 0, 1) {
		// end-of-candidates is asserted once every source has reported,
		// as a synthetic final emission, then gather fires.
		s.callbacks.fireLocalCandidate(nil)
		s.callbacks.fireGather()
	}
}

// runTurnAllocation performs the TURN allocate/permission sequence for
// one configured server. A single allocation's failure is non-fatal
// while at least one other TurnConn is allocated; otherwise it surfaces
// as an ICE failure, same path as any other ICE error.
func (s *Session) runTurnAllocation(tc *TurnConn) {
	defer s.reactor.post(s.markGatherSourceDone)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srflx, relay, err := tc.allocate(ctx)
	if err != nil {
		s.log.Warnf("mediaflow: turn allocate %s: %v", tc.server.Addr, err)
		if !s.turns.anyAllocated() {
			s.ice.onFailure(wrapf(ErrUnreachable, "turn: all allocations failed"))
		}
		return
	}

	s.stats.markTurnAlloc()

	if srflx != nil {
		c := NewLocalCandidate(CandSrflx, tc.server.Protocol, srflx.IP, srflx.Port)
		s.reactor.post(func() { s.callbacks.fireLocalCandidate(c) })
	}
	if relay != nil {
		c := NewLocalCandidate(CandRelay, tc.server.Protocol, relay.IP, relay.Port)
		s.reactor.post(func() { s.callbacks.fireLocalCandidate(c) })
	}

	// Permissions go toward every remote candidate known so far, and
	// toward every other allocation's relay address so the
	// relays can reach each other. A short empty probe opens the path.
	for _, rc := range s.knownRemoteCandidates() {
		if err := tc.createPermission(rc.NetAddr()); err != nil {
			s.log.Debugf("mediaflow: turn permission %s: %v", rc.NetAddr(), err)
		}
	}
	for _, other := range s.turns.allocatedConns() {
		if other == tc {
			continue
		}
		addr := other.relayAddress()
		if addr == nil {
			continue
		}
		if err := tc.createPermission(addr); err != nil {
			s.log.Debugf("mediaflow: turn cross-relay permission %s: %v", addr, err)
			continue
		}
		if err := tc.sendToPeer(addr, nil); err != nil {
			s.log.Debugf("mediaflow: turn cross-relay probe %s: %v", addr, err)
		}
	}

	go tc.readRelayLoop(func(pkt []byte, from net.Addr) {
		s.reactor.post(func() { s.handleRelayInbound(pkt, from) })
	})
}

// handleRelayInbound forwards data the relay delivered: STUN feeds the
// peer-software bookkeeping, everything else goes to the general
// demultiplexer once it exists. Sources missing from the remote
// candidate list are logged but still processed, so PRFLX discovery can
// add them later.
func (s *Session) handleRelayInbound(pkt []byte, from net.Addr) {
	if atomic.LoadInt32(&s.terminated) != 0 {
		return
	}
	if classify(pkt) == ClassSTUN {
		s.handleInboundSTUN(pkt)
		return
	}
	if !s.isKnownRemoteSource(from) {
		s.log.Infof("mediaflow: relayed packet from unlisted source %s; processing anyway", from)
	}
	if s.demux == nil {
		s.log.Debugf("mediaflow: relayed data before transport is up; dropped")
		return
	}
	if err := s.demux.Dispatch(pkt); err != nil {
		s.log.Debugf("mediaflow: dispatch relayed data: %v", err)
	}
}

func (s *Session) isKnownRemoteSource(from net.Addr) bool {
	udp, ok := from.(*net.UDPAddr)
	if !ok {
		return false
	}
	cands := s.knownRemoteCandidates()
	if len(cands) == 0 {
		return true
	}
	for _, c := range cands {
		if c.Port == udp.Port && c.Address.Equal(udp.IP) {
			return true
		}
	}
	return false
}

// maybeStartChecklist arms the checklist timer: checks start 50ms after
// SDP negotiation completes and at least one remote candidate exists. It
// is safe to call repeatedly (every AddRemoteCandidate does); only the
// first call that finds all preconditions true schedules the timer.
func (s *Session) maybeStartChecklist() {
	if s.getState() != StateNegotiated {
		return
	}
	if s.remoteUfrag == "" {
		return
	}
	// Candidates never ride in the SDP body, so an SDP-first exchange
	// must keep the trigger armed until the first one trickles in.
	if len(s.knownRemoteCandidates()) == 0 {
		return
	}
	s.coord.checklistOnce.Do(func() {
		time.AfterFunc(checklistDelay, s.startICEConnect)
	})
}

func (s *Session) startICEConnect() {
	if !s.transition(evICEStart) {
		return
	}

	ufrag, pwd := s.remoteUfrag, s.remotePwd
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), iceConnectBudget)
		defer cancel()
		conn, err := s.ice.connect(ctx, ufrag, pwd)
		if err != nil {
			s.reactor.postDeferred(func() { s.failICE(err) })
			return
		}
		s.reactor.post(func() { s.onICEConnEstablished(conn) })
	}()
}

// onPairSelected records the winning pair's statistics and installs
// relay channel bindings toward the nominated remote; the transport
// itself (mux + endpoints) is wired up separately in
// onICEConnEstablished once the net.Conn for that pair is available.
func (s *Session) onPairSelected(p *Pair) {
	if atomic.LoadInt32(&s.terminated) != 0 {
		return
	}
	s.transition(evPairOK)
	s.stats.markNATEstablished()

	remote := p.Remote.NetAddr()
	for _, tc := range s.turns.allocatedConns() {
		tc := tc
		go func() {
			if err := tc.createPermission(remote); err != nil {
				s.log.Debugf("mediaflow: turn permission for selected %s: %v", remote, err)
				return
			}
			if _, err := tc.bindChannel(remote); err != nil {
				s.log.Debugf("mediaflow: turn channel bind %s: %v", remote, err)
			}
		}()
	}
}

// onICEConnEstablished wires the mux over the selected pair's connection
// and starts DTLS (or SDES SRTP install) on top of it.
func (s *Session) onICEConnEstablished(conn net.Conn) {
	if atomic.LoadInt32(&s.terminated) != 0 {
		_ = conn.Close()
		return
	}

	s.conn = s.routeForSelected(conn)

	s.demux = mux.New(mux.Config{
		Conn:          conn,
		BufferSize:    receiveMTU,
		LoggerFactory: s.lf,
	})
	s.stunEndpoint = s.demux.NewEndpoint(mux.MatchSTUN)
	s.dtlsEndpoint = s.demux.NewEndpoint(mux.MatchDTLS)
	s.mediaEndpoint = s.demux.NewEndpoint(mux.MatchSRTP)

	go s.readMediaLoop()
	go s.readSTUNLoop()

	switch s.cryptoMode {
	case CryptoDTLSSRTP:
		s.startDTLSOnce()
	case CryptoSDES:
		if err := s.srtp.installFromSDES(s.sdesKey()); err != nil {
			s.failFatal(err)
			return
		}
		s.startDataChannel(nil)
		s.checkReady()
	default:
		s.checkReady()
	}

	s.startLiveness()
}

// routeForSelected picks the media send route for the nominated pair.
// An IPv6 remote prefers a socket on a local IPv6 HOST address over
// whatever local side the pair nominated; a RELAY local candidate sends
// through its allocation's framing so outbound packets reserve the
// Send-Indication headroom until a channel bind shrinks it. Everything
// else writes straight to the pair's own connection.
func (s *Session) routeForSelected(nominated net.Conn) sendRoute {
	fallback := &connRoute{conn: nominated}
	pair := s.ice.selected
	if pair == nil || pair.Remote == nil || pair.Local == nil {
		return fallback
	}
	remote := pair.Remote.NetAddr()

	if host := preferIPv6Host(pair, s.ice.localHostIPv6()); host != nil {
		pc, err := net.ListenPacket("udp6", net.JoinHostPort(host.Address.String(), "0"))
		if err != nil {
			s.log.Warnf("mediaflow: bind ipv6 host socket %s: %v", host.Address, err)
			return fallback
		}
		s.altSock = pc
		return &directRoute{conn: pc, dst: remote}
	}

	if pair.Local.Type == CandRelay {
		if tc := s.turns.connForRelay(pair.Local.NetAddr()); tc != nil {
			return &turnPeerRoute{turnConn: tc, dst: remote}
		}
	}

	return fallback
}

// preferIPv6Host returns the IPv6 HOST candidate media sends should
// source from, or nil when the nominated pair's own socket is already
// the right one: the remote is not IPv6, the pair's local side is
// itself an IPv6 HOST, or no such candidate was gathered.
func preferIPv6Host(pair *Pair, v6Host *Candidate) *Candidate {
	if pair.Remote == nil || !pair.Remote.isIPv6() {
		return nil
	}
	if pair.Local != nil && pair.Local.Type == CandHost && pair.Local.isIPv6() {
		return nil
	}
	return v6Host
}

// startDTLSOnce applies the setup-role rule. By the time ICE has
// succeeded, NEGOTIATED has already run (the state diagram requires it),
// so setupLocal can never still be ACTPASS here.
func (s *Session) startDTLSOnce() {
	s.coord.dtlsOnce.Do(func() {
		asClient := dtlsRoleIsClient(s.setupLocal)
		go func() {
			conn, err := s.dtls.handshake(s.dtlsEndpoint, asClient, srtpDTLSProfile)
			if err != nil {
				s.reactor.postDeferred(func() {
					s.failFatal(wrapf(ErrProtocolViolation, "dtls: handshake: %v", err))
				})
				return
			}
			if err := verifyFingerprint(conn, s.remoteFingerprintAlgo, s.remoteFingerprint); err != nil {
				s.reactor.postDeferred(func() { s.failFatal(err) })
				return
			}
			clientKey, serverKey, err := exportSRTPKeys(conn)
			if err != nil {
				s.reactor.postDeferred(func() { s.failFatal(err) })
				return
			}
			s.reactor.post(func() { s.onDTLSEstablished(conn, clientKey, serverKey, asClient) })
		}()
	})
}

func (s *Session) onDTLSEstablished(conn *dtls.Conn, clientKey, serverKey []byte, localIsClient bool) {
	if atomic.LoadInt32(&s.terminated) != 0 {
		return
	}
	if err := s.srtp.installFromDTLS(clientKey, serverKey, localIsClient); err != nil {
		s.failFatal(err)
		return
	}
	s.transition(evDTLSDone)
	s.stats.markDTLSEstablished()
	s.startDataChannel(conn)
	s.checkReady()
}

// startDataChannel asks the driver to connect; the active endpoint
// initiates SCTP immediately, the passive side accepts.
// dtlsConn is nil in SDES mode, where the driver rides the RTCP-APP
// carrier instead.
func (s *Session) startDataChannel(dtlsConn *dtls.Conn) {
	asClient := dtlsRoleIsClient(s.setupLocal)
	go func() {
		var err error
		if dtlsConn != nil {
			err = s.dce.connectDTLS(dtlsConn, asClient)
		} else {
			s.appCarrier = newAppPacketCarrier(s.SendRTCP)
			err = s.dce.connectSDES(s.appCarrier, asClient)
		}
		if err != nil {
			s.log.Warnf("mediaflow: data channel connect: %v", err)
		}
	}()
}

// checkReady fires the established callback the first time ready()
// becomes true; it never fires twice.
func (s *Session) checkReady() {
	if s.ready() {
		s.fireEstablishedOnce(s.codecName)
	}
}

// failICE is the ICE-failure path: the valid list is empty and every
// check has failed, so the agent declares ICE-failure
// and the coordinator surfaces EPROTO via Close. A stray late failure
// after a pair already succeeded is ignored.
func (s *Session) failICE(err error) {
	if s.ice.selected != nil {
		return
	}
	_ = s.Close(wrapf(ErrProtocolViolation, "ice: %v", err))
}

// failFatal is the DTLS-fatal path: destroy the DTLS connection and,
// if crypto was not yet ready, surface close.
func (s *Session) failFatal(err error) {
	wasReady := s.ready()
	if s.dtls.conn != nil {
		_ = s.dtls.conn.Close()
	}
	if !wasReady {
		_ = s.Close(err)
	}
}

// readMediaLoop is one of the reader goroutines the coordinator runs
// beside the reactor: it blocks on mediaEndpoint.Read and posts every
// datagram onto the reactor so classification, SRTP and stats all run
// without locks.
func (s *Session) readMediaLoop() {
	buf := make([]byte, receiveMTU)
	for {
		n, err := s.mediaEndpoint.Read(buf)
		if err != nil {
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		s.reactor.post(func() { s.handleInboundMedia(pkt) })
	}
}

// handleInboundMedia is the RTP/RTCP leg of the inbound demux:
// classify, decrypt, and either hand the payload to the codec or (for
// RTCP-APP "DATA") to the data-channel driver.
func (s *Session) handleInboundMedia(pkt []byte) {
	now := time.Now()
	switch classify(pkt) {
	case ClassRTCP:
		if isRuntRTCP(pkt) {
			return // dropped silently, pre-decrypt
		}
		out, outcome := s.srtp.decryptRTCP(pkt)
		s.noteDecryptOutcome(outcome)
		if outcome != decryptOK {
			return
		}
		s.stats.onRxRTCP(len(out), now)
		if name, payload, ok := unmarshalAppPacket(out); ok && name == rtcpAppName {
			if s.appCarrier != nil {
				s.appCarrier.deliverFromRTCP(payload)
			}
			return // consumed by the data channel, not forwarded
		}
		if _, err := rtcp.Unmarshal(out); err != nil {
			s.log.Debugf("mediaflow: malformed rtcp compound: %v", err)
			return
		}
		s.callbacks.fireRTCP(out)
	case ClassRTP:
		out, outcome := s.srtp.decryptRTP(pkt)
		s.noteDecryptOutcome(outcome)
		if outcome != decryptOK {
			return
		}
		var hdr rtp.Header
		if _, err := hdr.Unmarshal(out); err != nil {
			s.log.Debugf("mediaflow: malformed rtp header: %v", err)
			return
		}
		kind := KindAudio
		if s.isRemoteVideoSSRC(hdr.SSRC) {
			kind = KindVideo
		}
		s.markRTPLiveness(now, kind)
		s.stats.onRx(kind, len(out), now)
		if !s.isMuted(kind) {
			s.callbacks.fireRTP(out)
		}
	default:
		s.log.Debugf("mediaflow: dropping unclassified inbound packet")
	}
}

// readSTUNLoop drains STUN that still arrives on the muxed transport
// after nomination (keepalive binding requests, mostly); the only thing
// mediaflow itself wants out of them is the peer's SOFTWARE attribute.
func (s *Session) readSTUNLoop() {
	buf := make([]byte, receiveMTU)
	for {
		n, err := s.stunEndpoint.Read(buf)
		if err != nil {
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		s.reactor.post(func() { s.handleInboundSTUN(pkt) })
	}
}

func (s *Session) handleInboundSTUN(pkt []byte) {
	m := &stun.Message{Raw: pkt}
	if err := m.Decode(); err != nil {
		s.log.Debugf("mediaflow: undecodable stun packet: %v", err)
		return
	}
	var sw stun.Software
	if err := sw.GetFrom(m); err == nil {
		s.stats.setPeerSoftware(sw.String())
	}
}

func (s *Session) noteDecryptOutcome(o srtpDecryptOutcome) {
	switch o {
	case decryptDropped:
		s.stats.incSRTPDropped()
	case decryptError:
		s.stats.incSRTPError()
	case decryptReplay:
		// replay is silent, not counted as an error.
	}
}

func (s *Session) markRTPLiveness(now time.Time, kind MediaKind) {
	s.livenessMu.Lock()
	s.firstRxSeen = true
	s.lastRxAt = now
	s.livenessMu.Unlock()

	s.rtpStateMu.Lock()
	edge := !s.audioRx
	s.audioRx = true
	if kind == KindVideo && !s.videoRx {
		s.videoRx = true
		edge = true
	}
	audio := s.audioTx || s.audioRx
	video := s.videoRx
	s.rtpStateMu.Unlock()

	if edge {
		s.callbacks.fireRTPState(audio, video)
	}
}

// startLiveness starts the liveness checker, polling every
// livenessCheckInterval and stopping when livenessStop is closed by
// Close.
func (s *Session) startLiveness() {
	s.livenessMu.Lock()
	if s.livenessStop != nil {
		s.livenessMu.Unlock()
		return
	}
	s.livenessStop = make(chan struct{})
	stop := s.livenessStop
	s.livenessMu.Unlock()

	go func() {
		ticker := time.NewTicker(livenessCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.checkLiveness()
			}
		}
	}()
}

func (s *Session) checkLiveness() {
	s.livenessMu.Lock()
	seen := s.firstRxSeen
	last := s.lastRxAt
	s.livenessMu.Unlock()
	if !seen {
		return
	}
	if time.Since(last) > livenessTimeout {
		s.reactor.postDeferred(func() { _ = s.Close(ErrTimedOut) })
	}
}

// SendRTP sends one raw RTP packet: fail-fast unless ready, reserve the
// current route's headroom, encrypt, and send on the selected pair's
// socket. Thread-safe under sendMu, the same mutex any concurrent
// external encoder call shares.
func (s *Session) SendRTP(pkt []byte) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if !s.ready() {
		return wrapf(ErrNotConnected, "mediaflow: send before ready")
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	enc, err := s.encryptForSend(pkt, false)
	if err != nil {
		return err
	}
	if err := s.sendOnRoute(enc); err != nil {
		return wrapf(ErrUnreachable, "mediaflow: send rtp: %v", err)
	}
	s.stats.onTx(s.localKindForPacket(pkt), len(pkt), time.Now())
	s.markTxStarted()
	return nil
}

// localKindForPacket attributes an outbound raw RTP packet to a media
// kind by matching its SSRC against the session's local SSRCs.
func (s *Session) localKindForPacket(pkt []byte) MediaKind {
	var hdr rtp.Header
	if _, err := hdr.Unmarshal(pkt); err != nil {
		return KindAudio
	}
	switch hdr.SSRC {
	case s.localSSRC[KindVideo]:
		return KindVideo
	case s.localSSRC[KindVideoRTX]:
		return KindVideoRTX
	default:
		return KindAudio
	}
}

// SendRTCP mirrors SendRTP for RTCP (send_raw_rtcp), silently dropping
// runt packets pre-encrypt.
func (s *Session) SendRTCP(pkt []byte) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if isRuntRTCP(pkt) {
		return nil
	}
	if !s.ready() {
		return wrapf(ErrNotConnected, "mediaflow: send before ready")
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	enc, err := s.encryptForSend(pkt, true)
	if err != nil {
		return err
	}
	if err := s.sendOnRoute(enc); err != nil {
		return wrapf(ErrUnreachable, "mediaflow: send rtcp: %v", err)
	}
	return nil
}

func (s *Session) encryptForSend(pkt []byte, isRTCP bool) ([]byte, error) {
	if s.cryptoMode == CryptoNone {
		return pkt, nil
	}
	if isRTCP {
		return s.srtp.encryptRTCP(pkt)
	}
	return s.srtp.encryptRTP(pkt)
}

func (s *Session) sendOnRoute(payload []byte) error {
	route := s.conn
	if route == nil {
		return wrapf(ErrNotConnected, "mediaflow: no selected route")
	}
	if tp, ok := route.(*turnPeerRoute); ok {
		// One framing snapshot covers both the reservation and the
		// send, so a channel bind landing in between cannot skew the
		// headroom.
		route = tp.resolve()
	}
	headroom := route.Headroom()
	buf := make([]byte, headroom+len(payload))
	copy(buf[headroom:], payload)
	return route.Send(buf)
}

func (s *Session) markTxStarted() {
	s.rtpStateMu.Lock()
	first := !s.audioTx
	s.audioTx = true
	video := s.videoRx
	s.rtpStateMu.Unlock()
	if first {
		s.callbacks.fireRTPState(true, video)
	}
}

// Restart moves the session from READY back to NEGOTIATED and re-arms
// the one-shot checklist trigger, so the next AddRemoteCandidate starts
// another connect attempt. It does not issue fresh ICE credentials, does
// not reset the offer/answer state (GenerateOffer and HandleOffer still
// reject afterwards) and does not clear the selected pair, which
// first-success-wins keeps; DTLS/SRTP state is left untouched.
func (s *Session) Restart() error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if s.getState() != StateReady {
		return wrapf(ErrProtocolViolation, "mediaflow: restart only valid once ready")
	}

	s.mu.Lock()
	s.state = StateNegotiated
	s.mu.Unlock()

	s.coord.checklistOnce = sync.Once{}
	return nil
}
