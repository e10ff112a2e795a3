package mediaflow

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
)

func newNegotiableSession(t *testing.T, opts ...SettingOption) *Session {
	t.Helper()
	s, err := Alloc(NewSettingEngine(opts...), nil)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(nil) })
	return s
}

// TestGenerateOfferShape checks the shape of the emitted offer:
// profile, mux, setup role, fingerprint, credentials and the bundle
// group all have to be present.
func TestGenerateOfferShape(t *testing.T) {
	s := newNegotiableSession(t)

	offer, err := s.GenerateOffer()
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}

	for _, want := range []string{
		"UDP/TLS/RTP/SAVPF",
		"a=rtcp-mux",
		"a=setup:actpass",
		"a=fingerprint:sha-256 ",
		"a=ice-ufrag:",
		"a=ice-pwd:",
		"a=mid:audio",
		"a=mid:video",
		"a=group:BUNDLE audio video data",
		"a=ice-options:trickle",
		"a=x-OFFER:" + s.Tag,
		"a=ssrc-group:FID ",
		"cname:" + s.CNAME,
	} {
		if !strings.Contains(offer, want) {
			t.Errorf("offer missing %q:\n%s", want, offer)
		}
	}
}

func TestGenerateOfferTwiceIsProtocolError(t *testing.T) {
	s := newNegotiableSession(t)
	if _, err := s.GenerateOffer(); err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}
	if _, err := s.GenerateOffer(); err == nil {
		t.Fatal("second GenerateOffer should be rejected")
	}
}

// TestHandleOfferGenerateAnswer covers actpass/actpass resolution: both
// sides at actpass resolve the answerer to active, and the generated
// answer says so.
func TestHandleOfferGenerateAnswer(t *testing.T) {
	offerer := newNegotiableSession(t)
	answerer := newNegotiableSession(t)

	offer, err := offerer.GenerateOffer()
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}
	if err := answerer.HandleOffer(offer); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if answerer.setupLocal != SetupActive {
		t.Fatalf("answerer setup = %s, want active", answerer.setupLocal)
	}

	answer, err := answerer.GenerateAnswer()
	if err != nil {
		t.Fatalf("GenerateAnswer: %v", err)
	}
	if !strings.Contains(answer, "a=setup:active") {
		t.Fatalf("answer should carry a=setup:active:\n%s", answer)
	}
	if !strings.Contains(answer, "a=x-ANSWER:"+offerer.Tag) {
		t.Fatal("answer should echo the offer's x-OFFER marker")
	}

	if err := offerer.HandleAnswer(answer); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if offerer.setupLocal != SetupPassive {
		t.Fatalf("offerer setup = %s, want passive (mirror of active)", offerer.setupLocal)
	}
}

// TestHandleAnswerRejectsForeignEcho covers the x-OFFER echo validation:
// an answer whose x-ANSWER does not match the offer actually sent is a
// signalling-layer bug and must be rejected.
func TestHandleAnswerRejectsForeignEcho(t *testing.T) {
	offerer := newNegotiableSession(t)
	answerer := newNegotiableSession(t)

	offer, err := offerer.GenerateOffer()
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}
	if err := answerer.HandleOffer(offer); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	answer, err := answerer.GenerateAnswer()
	if err != nil {
		t.Fatalf("GenerateAnswer: %v", err)
	}

	forged := strings.Replace(answer, "a=x-ANSWER:"+offerer.Tag, "a=x-ANSWER:someone-else", 1)
	err = offerer.HandleAnswer(forged)
	if err == nil {
		t.Fatal("mismatched x-ANSWER echo should be rejected")
	}
	if !isProtocolViolation(err) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestAddRemoteCandidateSkipsNonUDP(t *testing.T) {
	s := newNegotiableSession(t)
	if err := s.AddRemoteCandidate("a=candidate:1 1 tcp 100 10.0.0.1 5000 typ host"); err != nil {
		t.Fatalf("non-udp candidate should be silently skipped, got %v", err)
	}
	if n := len(s.knownRemoteCandidates()); n != 0 {
		t.Fatalf("non-udp candidate must not be recorded, have %d", n)
	}
}

func TestAddRemoteCandidateEndOfCandidates(t *testing.T) {
	s := newNegotiableSession(t)
	if err := s.AddRemoteCandidate("a=end-of-candidates"); err != nil {
		t.Fatalf("end-of-candidates marker should be accepted: %v", err)
	}
}

func TestLocalKindForPacket(t *testing.T) {
	s := &Session{localSSRC: map[MediaKind]uint32{
		KindAudio:    0x1000,
		KindVideo:    0x2000,
		KindVideoRTX: 0x3000,
	}}

	if got := s.localKindForPacket(minimalRTPPacket(1, 0x2000, nil)); got != KindVideo {
		t.Fatalf("video ssrc classified as %s", got)
	}
	if got := s.localKindForPacket(minimalRTPPacket(1, 0x3000, nil)); got != KindVideoRTX {
		t.Fatalf("rtx ssrc classified as %s", got)
	}
	if got := s.localKindForPacket(minimalRTPPacket(1, 0x1000, nil)); got != KindAudio {
		t.Fatalf("audio ssrc classified as %s", got)
	}
	if got := s.localKindForPacket([]byte{0x80}); got != KindAudio {
		t.Fatalf("unparseable packet should default to audio, got %s", got)
	}
}

// TestRTPStateEdges checks the edge-triggered rtp_state contract: one
// callback on first rx, another when video first appears, silence for
// every packet in between.
func TestRTPStateEdges(t *testing.T) {
	fired := 0
	var lastAudio, lastVideo bool
	s := &Session{
		callbacks: &Callbacks{RTPState: func(a, v bool) {
			fired++
			lastAudio, lastVideo = a, v
		}},
		remoteVideoSSRC: make(map[uint32]struct{}),
	}

	s.markRTPLiveness(time.Now(), KindAudio)
	if fired != 1 || !lastAudio || lastVideo {
		t.Fatalf("first audio rx: fired=%d audio=%v video=%v", fired, lastAudio, lastVideo)
	}

	s.markRTPLiveness(time.Now(), KindAudio)
	if fired != 1 {
		t.Fatal("repeat audio rx must not re-fire the callback")
	}

	s.markRTPLiveness(time.Now(), KindVideo)
	if fired != 2 || !lastVideo {
		t.Fatalf("first video rx should fire the video edge: fired=%d video=%v", fired, lastVideo)
	}
}

// TestChecklistWaitsForRemoteCandidate covers the SDP-first exchange:
// negotiation completing before any candidate trickles in must not
// consume the one-shot checklist trigger.
func TestChecklistWaitsForRemoteCandidate(t *testing.T) {
	offerer := newNegotiableSession(t)
	answerer := newNegotiableSession(t)

	offer, err := offerer.GenerateOffer()
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}
	if err := answerer.HandleOffer(offer); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	answer, err := answerer.GenerateAnswer()
	if err != nil {
		t.Fatalf("GenerateAnswer: %v", err)
	}
	if err := offerer.HandleAnswer(answer); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}

	time.Sleep(3 * checklistDelay)
	if got := offerer.getState(); got != StateNegotiated {
		t.Fatalf("checklist ran with zero remote candidates: state = %s", got)
	}

	if err := offerer.AddRemoteCandidate("a=candidate:1 1 udp 100 127.0.0.1 5000 typ host"); err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}
	time.Sleep(3 * checklistDelay)
	if got := offerer.getState(); got == StateNegotiated {
		t.Fatal("checklist should start once a remote candidate exists")
	}
}

func TestPreferIPv6Host(t *testing.T) {
	v6Host := &Candidate{Type: CandHost, Address: net.ParseIP("fe80::1"), Port: 5000}
	v4Remote := &Candidate{Type: CandHost, Address: net.ParseIP("198.51.100.7"), Port: 4000}
	v6Remote := &Candidate{Type: CandHost, Address: net.ParseIP("2001:db8::7"), Port: 4000}
	relayLocal := &Candidate{Type: CandRelay, Address: net.ParseIP("192.0.2.1"), Port: 49152}

	if got := preferIPv6Host(&Pair{Local: relayLocal, Remote: v4Remote}, v6Host); got != nil {
		t.Fatalf("ipv4 remote must not trigger the preference, got %v", got)
	}
	if got := preferIPv6Host(&Pair{Local: v6Host, Remote: v6Remote}, v6Host); got != nil {
		t.Fatal("a pair already on an ipv6 host local needs no override")
	}
	if got := preferIPv6Host(&Pair{Local: relayLocal, Remote: v6Remote}, v6Host); got != v6Host {
		t.Fatalf("ipv6 remote over a non-host local should prefer the ipv6 host candidate, got %v", got)
	}
	if got := preferIPv6Host(&Pair{Local: relayLocal, Remote: v6Remote}, nil); got != nil {
		t.Fatal("no gathered ipv6 host candidate means nothing to prefer")
	}
}

// TestRouteForSelectedPrefersIPv6Host checks that an IPv6 remote gets a
// direct route sourced from the gathered IPv6 HOST address rather than
// the nominated pair's own socket.
func TestRouteForSelectedPrefersIPv6Host(t *testing.T) {
	probe, err := net.ListenPacket("udp6", "[::1]:0")
	if err != nil {
		t.Skipf("no ipv6 loopback: %v", err)
	}
	_ = probe.Close()

	v6Host := &Candidate{
		Foundation: "f6",
		Component:  componentRTP,
		Protocol:   ProtoUDP,
		Address:    net.ParseIP("::1"),
		Port:       5000,
		Type:       CandHost,
	}
	s := &Session{
		ice: &iceEngine{
			byFoundation: map[string]*Candidate{"f6": v6Host},
			selected: &Pair{
				Local:  &Candidate{Type: CandSrflx, Address: net.ParseIP("192.0.2.5"), Port: 4000},
				Remote: &Candidate{Type: CandHost, Address: net.ParseIP("2001:db8::7"), Port: 40000},
			},
		},
		turns: newTurnPool(),
		log:   logging.NewDefaultLoggerFactory().NewLogger("test"),
	}

	route := s.routeForSelected(nil)
	if _, ok := route.(*directRoute); !ok {
		t.Fatalf("ipv6 remote should get a direct ipv6 host route, got %T", route)
	}
	if route.Headroom() != HeadroomDirect {
		t.Fatalf("direct route headroom = %d, want %d", route.Headroom(), HeadroomDirect)
	}
	if s.altSock == nil {
		t.Fatal("the preferred socket should be tracked for teardown")
	}
	_ = s.altSock.Close()
}

func TestSendRTPBeforeReady(t *testing.T) {
	s := newNegotiableSession(t)
	err := s.SendRTP(minimalRTPPacket(1, 1, []byte("x")))
	if err == nil {
		t.Fatal("send before ready must fail fast")
	}
}

func TestRestartOnlyValidOnceReady(t *testing.T) {
	s := newNegotiableSession(t)
	if err := s.Restart(); err == nil {
		t.Fatal("restart from INIT should be rejected")
	}
}
