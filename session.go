package mediaflow

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/wire-avs/go-mediaflow/internal/mux"
	"github.com/wire-avs/go-mediaflow/internal/util"
)

// sessionMagic guards against use-after-free across the callback
// boundary: any method that receives a *Session first confirms the
// sentinel is still live before touching fields.
const sessionMagic uint32 = 0x4d466c77 // "MFlw"

// Session is one per-peer media flow engine instance. Exactly one
// exists per call; it is created by Alloc and torn down by Close, which
// runs a fixed teardown order.
type Session struct {
	magic uint32

	// Immutable identity, set at Alloc and never mutated.
	Tag   string // process-unique session identifier (uuid)
	CNAME string
	MSID  string

	settings *SettingEngine
	log      logging.LeveledLogger
	lf       logging.LoggerFactory

	callbacks *Callbacks

	localSSRC map[MediaKind]uint32

	cryptoMode CryptoMode
	setupLocal SetupRole // resolved once SDP negotiation completes; ACTPASS until then

	remoteUfrag, remotePwd                   string
	remoteFingerprintAlgo, remoteFingerprint string
	localSDESKey, remoteSDESKey              string

	reactor *reactor
	stats   *statsTracker

	ice   *iceEngine
	turns *turnPool
	dtls  *dtlsKeying
	srtp  *srtpTransform
	dce   *dataChannelDriver
	sdp   *sdpModel

	mu    sync.Mutex
	state State

	// muted gates the codec callback without tearing media down.
	mutedMu sync.Mutex
	muted   map[MediaKind]bool

	establishedFired int32 // atomic bool, guards the once-only callback
	closedFired      int32
	terminated       int32

	conn    sendRoute
	altSock net.PacketConn // IPv6 HOST socket the send path preferred, if any
	closeCh chan struct{}

	demux         *mux.Mux
	stunEndpoint  *mux.Endpoint
	dtlsEndpoint  *mux.Endpoint
	mediaEndpoint *mux.Endpoint
	appCarrier    *appPacketCarrier

	remoteCandsMu sync.Mutex
	remoteCands   []*Candidate

	ssrcMu          sync.Mutex
	remoteVideoSSRC map[uint32]struct{}

	codecName string

	sendMu sync.Mutex

	gatherFired int32

	coord coordinatorState

	livenessMu   sync.Mutex
	lastRxAt     time.Time
	firstRxSeen  bool
	livenessStop chan struct{}

	rtpStateMu sync.Mutex
	audioTx    bool
	audioRx    bool
	videoRx    bool
}

// Alloc constructs a Session and its sub-components but performs no I/O
// beyond what construction itself needs (certificate generation, reactor
// goroutine start). Gathering and negotiation are driven by subsequent
// calls.
func Alloc(settings *SettingEngine, cb *Callbacks) (*Session, error) {
	if settings == nil {
		settings = NewSettingEngine()
	}
	lf := settings.loggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}

	id := uuid.New()

	s := &Session{
		magic:      sessionMagic,
		Tag:        id.String(),
		CNAME:      uuid.New().String(),
		MSID:       uuid.New().String(),
		settings:   settings,
		log:        lf.NewLogger("mediaflow"),
		lf:         lf,
		callbacks:  cb,
		localSSRC:  make(map[MediaKind]uint32),
		cryptoMode: settings.cryptoMode,
		setupLocal: SetupActPass,
		reactor:    newReactor(),
		stats:      newStatsTracker(),
		turns:      newTurnPool(),
		srtp:       newSRTPTransform(lf, settings.replayWindowSize),
		dce:        newDataChannelDriver(lf),
		muted:      make(map[MediaKind]bool),
		codecName:  settings.codecName,
		closeCh:    make(chan struct{}),

		remoteVideoSSRC: make(map[uint32]struct{}),
	}

	s.dce.onEstablished = func() {
		s.reactor.post(func() { s.stats.markDCEEstablished() })
	}

	for _, k := range []MediaKind{KindAudio, KindVideo, KindVideoRTX} {
		ssrc, err := randutilSSRC()
		if err != nil {
			return nil, err
		}
		s.localSSRC[k] = ssrc
	}

	dtls, err := newDTLSKeying(lf)
	if err != nil {
		return nil, err
	}
	s.dtls = dtls

	ice, err := newICEEngine(iceEngineConfig{
		Controlling:     true, // offerer default; flipped in HandleOffer
		Privacy:         settings.privacyMode,
		PortMin:         settings.portMin,
		PortMax:         settings.portMax,
		TurnServers:     settings.turnServers,
		InterfaceFilter: settings.interfaceFilter,
		LoggerFactory:   lf,
	})
	if err != nil {
		return nil, err
	}
	s.ice = ice

	for _, ts := range settings.turnServers {
		s.turns.add(newTurnConn(ts, lf.NewLogger("turn")))
	}

	s.sdp = newSDPModel(s)

	s.wireICECallbacks()

	return s, nil
}

// checkAlive is the sentinel check every exported method runs first.
func (s *Session) checkAlive() error {
	if s == nil || atomic.LoadUint32(&s.magic) != sessionMagic {
		return ErrTerminated
	}
	if atomic.LoadInt32(&s.terminated) != 0 {
		return ErrTerminated
	}
	return nil
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(e event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := nextState(s.state, e)
	if ok {
		s.state = next
	}
	return ok
}

// ready reports ice_ready && (crypto_mode == NONE || crypto_ready).
// No media send is permitted until it holds.
func (s *Session) ready() bool {
	iceReady := s.ice.selected != nil
	if !iceReady {
		return false
	}
	if s.cryptoMode == CryptoNone {
		return true
	}
	return s.srtp.hasTx() && s.srtp.hasRx()
}

// SetMuted gates whether codec callbacks for kind are delivered, without
// affecting ready() or tearing any transport down.
func (s *Session) SetMuted(kind MediaKind, muted bool) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	s.mutedMu.Lock()
	s.muted[kind] = muted
	s.mutedMu.Unlock()
	return nil
}

func (s *Session) isMuted(kind MediaKind) bool {
	s.mutedMu.Lock()
	defer s.mutedMu.Unlock()
	return s.muted[kind]
}

// Stats returns a point-in-time snapshot of the session counters.
func (s *Session) Stats() (Stats, error) {
	if err := s.checkAlive(); err != nil {
		return Stats{}, err
	}
	return s.stats.snapshot(), nil
}

// Close tears the session down in a fixed order: encoders are the
// host's concern (outside this package) and are assumed already
// stopped by the time Close is called, but the data channel driver's own
// SCTP association is the closest thing this package owns to that
// "encoder/decoder worker" category, so it goes first; from there we
// detach the TLS connection, then ICE helpers and the selected pair,
// then the TURN list, then the DTLS socket, then the SRTP helper
// (nothing to release, contexts are garbage), then the UDP socket,
// finally the SDP session. Safe to call multiple times and safe to call
// on a Session that never sent or received an offer.
func (s *Session) Close(cause error) error {
	if s == nil || atomic.LoadUint32(&s.magic) != sessionMagic {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&s.terminated, 0, 1) {
		return nil // already terminated; close fires at most once
	}

	s.transition(evCloseOrErr)
	close(s.closeCh)

	s.livenessMu.Lock()
	if s.livenessStop != nil {
		close(s.livenessStop)
	}
	s.livenessMu.Unlock()

	var errs []error

	if s.dce != nil {
		errs = append(errs, s.dce.close())
	}
	if s.dtls != nil && s.dtls.conn != nil {
		errs = append(errs, s.dtls.conn.Close())
	}
	if s.ice != nil {
		errs = append(errs, s.ice.close())
	}
	if s.turns != nil {
		s.turns.closeAll()
	}
	if s.stunEndpoint != nil {
		errs = append(errs, s.stunEndpoint.Close())
	}
	if s.dtlsEndpoint != nil {
		errs = append(errs, s.dtlsEndpoint.Close())
	}
	if s.demux != nil {
		errs = append(errs, s.demux.Close())
	}
	if s.altSock != nil {
		errs = append(errs, s.altSock.Close())
	}

	if err := util.FlattenErrs(errs); err != nil {
		s.log.Debugf("mediaflow: close teardown: %v", err)
	}

	// A plain host-initiated destroy (nil cause) is silent; only error
	// paths report through the close callback.
	if cause != nil {
		s.fireCloseOnce(cause)
	}

	s.reactor.stop()
	atomic.StoreUint32(&s.magic, 0)
	return nil
}

func (s *Session) fireCloseOnce(cause error) {
	if !atomic.CompareAndSwapInt32(&s.closedFired, 0, 1) {
		return
	}
	if s.callbacks != nil && s.callbacks.Close != nil {
		s.callbacks.Close(&CloseError{Err: cause})
	}
}

// fireEstablishedOnce guards the established callback so it can never
// fire twice.
func (s *Session) fireEstablishedOnce(codecName string) {
	if !atomic.CompareAndSwapInt32(&s.establishedFired, 0, 1) {
		return
	}
	if s.callbacks == nil || s.callbacks.Established == nil {
		return
	}
	pair := s.ice.selected
	var rtype CandidateType
	var raddr string
	if pair != nil && pair.Remote != nil {
		rtype = pair.Remote.Type
		raddr = pair.Remote.NetAddr().String()
	}
	s.callbacks.Established(s.cryptoMode.String(), codecName, rtype, raddr)
}

// sdesKey returns the single shared inline key both directions use under
// SDES: whichever side saw the other's key first wins, so an
// offer/answer exchange always converges on one value.
func (s *Session) sdesKey() string {
	if s.remoteSDESKey != "" {
		return s.remoteSDESKey
	}
	if s.localSDESKey == "" {
		s.localSDESKey = sdesInlineKeyPlaceholder()
	}
	return s.localSDESKey
}

func (s *Session) rememberRemoteCandidate(c *Candidate) {
	s.remoteCandsMu.Lock()
	s.remoteCands = append(s.remoteCands, c)
	s.remoteCandsMu.Unlock()
}

func (s *Session) knownRemoteCandidates() []*Candidate {
	s.remoteCandsMu.Lock()
	defer s.remoteCandsMu.Unlock()
	out := make([]*Candidate, len(s.remoteCands))
	copy(out, s.remoteCands)
	return out
}

func (s *Session) addRemoteVideoSSRC(ssrc uint32) {
	s.ssrcMu.Lock()
	s.remoteVideoSSRC[ssrc] = struct{}{}
	s.ssrcMu.Unlock()
}

func (s *Session) isRemoteVideoSSRC(ssrc uint32) bool {
	s.ssrcMu.Lock()
	defer s.ssrcMu.Unlock()
	_, ok := s.remoteVideoSSRC[ssrc]
	return ok
}

func randutilSSRC() (uint32, error) {
	s := randSeq(8)
	if s == "" {
		return 0, wrapf(ErrInternal, "session: generate ssrc")
	}
	var v uint32
	for i := 0; i < len(s); i++ {
		v = v*131 + uint32(s[i])
	}
	if v == 0 {
		v = 1
	}
	return v, nil
}
