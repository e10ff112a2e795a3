package mediaflow

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/randutil"
	"github.com/pion/sdp/v3"
)

// sdpModel owns the offer/answer sub-machine and the trickle
// candidate lines fed to it afterward. Candidates themselves are never
// embedded in the SDP body — "ice-options:trickle" means they arrive
// through Callbacks.LocalCandidate / AddRemoteCandidate instead.
type sdpModel struct {
	session *Session

	state sdpState

	localOffer  string // exact bytes last sent as an offer
	sentXOffer  string
	peerXOffer  string
	gotSDP      bool
	sentSDP     bool
}

func newSDPModel(s *Session) *sdpModel {
	return &sdpModel{session: s}
}

func mediaProfile(mode CryptoMode) []string {
	if mode == CryptoSDES {
		return []string{"RTP", "SAVPF"}
	}
	return []string{"UDP", "TLS", "RTP", "SAVPF"}
}

func bundleMids(s *Session) []string {
	mids := []string{"audio", "video"}
	if s.dce != nil {
		mids = append(mids, "data")
	}
	return mids
}

func (m *sdpModel) buildMediaSection(kind string, setup SetupRole, s *Session) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: 9},
			Protos:  mediaProfile(s.cryptoMode),
			Formats: []string{"111"},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}

	ufrag, pwd, err := s.ice.localCredentials()
	if err == nil {
		md = md.WithICECredentials(ufrag, pwd)
	}

	md = md.WithValueAttribute(sdp.AttrKeyConnectionSetup, connectionRoleString(setup)).
		WithValueAttribute(sdp.AttrKeyMID, kind).
		WithPropertyAttribute(sdp.AttrKeyRTCPMux)

	if s.dtls != nil {
		md = md.WithFingerprint(s.dtls.localFingerprintAlgo, s.dtls.localFingerprint)
	}

	switch kind {
	case "audio":
		ssrc := s.localSSRC[KindAudio]
		md = md.WithValueAttribute(sdp.AttrKeySSRC, fmt.Sprintf("%d cname:%s", ssrc, s.CNAME))
	case "video":
		ssrc := s.localSSRC[KindVideo]
		rtx := s.localSSRC[KindVideoRTX]
		md = md.WithValueAttribute(sdp.AttrKeySSRC, fmt.Sprintf("%d cname:%s", ssrc, s.CNAME)).
			WithValueAttribute(sdp.AttrKeySSRC, fmt.Sprintf("%d cname:%s", rtx, s.CNAME)).
			WithValueAttribute("ssrc-group", fmt.Sprintf("FID %d %d", ssrc, rtx))
	}

	if s.cryptoMode == CryptoSDES {
		md = md.WithValueAttribute("crypto", "1 AES_CM_128_HMAC_SHA1_80 inline:"+s.sdesKey())
	}

	return md
}

// buildDataSection emits the application m-section: DTLS/SCTP profile,
// no rtcp-mux (not an RTP section), sctpmap instead of ssrc lines.
func (m *sdpModel) buildDataSection(setup SetupRole, s *Session) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "application",
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"DTLS", "SCTP"},
			Formats: []string{"5000"},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}

	ufrag, pwd, err := s.ice.localCredentials()
	if err == nil {
		md = md.WithICECredentials(ufrag, pwd)
	}

	md = md.WithValueAttribute(sdp.AttrKeyConnectionSetup, connectionRoleString(setup)).
		WithValueAttribute(sdp.AttrKeyMID, "data").
		WithPropertyAttribute("sctpmap:5000 webrtc-datachannel 1024")

	if s.dtls != nil {
		md = md.WithFingerprint(s.dtls.localFingerprintAlgo, s.dtls.localFingerprint)
	}
	return md
}

func connectionRoleString(r SetupRole) string { return r.String() }

// GenerateOffer builds the local offer: one m-section per
// bundled media kind, the session-level bundle group, ice-options, and a
// synthetic x-OFFER echo marker the eventual answer must repeat back.
func (s *Session) GenerateOffer() (string, error) {
	if err := s.checkAlive(); err != nil {
		return "", err
	}
	if s.sdp.state != sdpIdle {
		return "", wrapf(ErrProtocolViolation, "sdp: generate-offer from state %s", s.sdp.state)
	}
	if !s.transition(evGenOffer) {
		return "", wrapf(ErrProtocolViolation, "sdp: generate-offer invalid from %s", s.getState())
	}
	s.startGathering()

	d := newBaseSessionDescription(s)

	for _, mid := range bundleMids(s) {
		var md *sdp.MediaDescription
		if mid == "data" {
			md = s.sdp.buildDataSection(SetupActPass, s)
		} else {
			md = s.sdp.buildMediaSection(mid, SetupActPass, s)
		}
		md = md.WithValueAttribute("x-OFFER", s.Tag)
		d.WithMedia(md)
	}

	d = d.WithValueAttribute(sdp.AttrKeyGroup, "BUNDLE "+strings.Join(bundleMids(s), " "))

	raw, err := d.Marshal()
	if err != nil {
		return "", wrapf(ErrInternal, "sdp: marshal offer: %v", err)
	}

	out := string(raw)
	s.sdp.localOffer = out
	s.sdp.sentXOffer = s.Tag
	s.sdp.sentSDP = true
	next, _ := nextSDPState(s.sdp.state, sdpEvGenOffer)
	s.sdp.state = next
	return out, nil
}

// HandleOffer parses a remote offer, enforcing the rejection rules
// (port 0, missing rtcp-mux) and resolving the local setup role.
func (s *Session) HandleOffer(raw string) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if s.sdp.state != sdpIdle {
		return wrapf(ErrProtocolViolation, "sdp: handle-offer from state %s", s.sdp.state)
	}

	parsed := &sdp.SessionDescription{}
	if err := parsed.UnmarshalString(raw); err != nil {
		return wrapf(ErrProtocolViolation, "sdp: unmarshal offer: %v", err)
	}

	if err := validateRemoteMediaSections(parsed); err != nil {
		return err
	}

	remoteSetup, remoteUfrag, remotePwd, remoteFpAlgo, remoteFp := extractSessionCrypto(parsed)
	if remoteUfrag == "" || remotePwd == "" {
		return wrapf(ErrProtocolViolation, "sdp: offer missing ice-ufrag/ice-pwd")
	}
	if err := s.validateCryptoCompat(parsed, remoteFp); err != nil {
		return err
	}

	s.setupLocal = resolveAnswererSetup(remoteSetup)
	s.remoteFingerprintAlgo = remoteFpAlgo
	s.remoteFingerprint = remoteFp
	s.remoteUfrag = remoteUfrag
	s.remotePwd = remotePwd
	if s.cryptoMode == CryptoSDES {
		s.remoteSDESKey = extractRemoteSDESKey(parsed)
	}
	if len(parsed.MediaDescriptions) > 0 {
		if v, ok := parsed.MediaDescriptions[0].Attribute("x-OFFER"); ok {
			s.sdp.peerXOffer = v
		}
	}

	// The offerer is controlling; we are the answerer — unless
	// the remote is ice-lite, which forces us controlling regardless.
	s.ice.controlling = false
	s.ice.forceControllingIfLite(remoteIsLite(parsed))
	s.rememberRemoteVideoSSRCs(parsed)

	if !s.transition(evHdlOffer) {
		return wrapf(ErrProtocolViolation, "sdp: handle-offer invalid from %s", s.getState())
	}
	next, _ := nextSDPState(s.sdp.state, sdpEvHdlOffer)
	s.sdp.state = next
	s.sdp.gotSDP = true
	s.stats.incSDPReceived()

	s.startGathering()

	return nil
}

// GenerateAnswer completes the answerer leg, echoing the peer's
// x-OFFER back as x-ANSWER.
func (s *Session) GenerateAnswer() (string, error) {
	if err := s.checkAlive(); err != nil {
		return "", err
	}
	if s.sdp.state != sdpHOff {
		return "", wrapf(ErrProtocolViolation, "sdp: generate-answer from state %s", s.sdp.state)
	}

	d := newBaseSessionDescription(s)
	for _, mid := range bundleMids(s) {
		var md *sdp.MediaDescription
		if mid == "data" {
			md = s.sdp.buildDataSection(s.setupLocal, s)
		} else {
			md = s.sdp.buildMediaSection(mid, s.setupLocal, s)
		}
		md = md.WithValueAttribute("x-ANSWER", s.sdp.peerXOffer)
		d.WithMedia(md)
	}
	d = d.WithValueAttribute(sdp.AttrKeyGroup, "BUNDLE "+strings.Join(bundleMids(s), " "))

	raw, err := d.Marshal()
	if err != nil {
		return "", wrapf(ErrInternal, "sdp: marshal answer: %v", err)
	}

	if !s.transition(evGenAnswer) {
		return "", wrapf(ErrProtocolViolation, "sdp: generate-answer invalid from %s", s.getState())
	}
	next, _ := nextSDPState(s.sdp.state, sdpEvGenAnswer)
	s.sdp.state = next

	s.maybeStartChecklist()

	return string(raw), nil
}

// HandleAnswer completes the offerer leg and validates the x-OFFER echo
// against what was actually sent.
func (s *Session) HandleAnswer(raw string) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if s.sdp.state != sdpGOff {
		return wrapf(ErrProtocolViolation, "sdp: handle-answer from state %s", s.sdp.state)
	}

	parsed := &sdp.SessionDescription{}
	if err := parsed.UnmarshalString(raw); err != nil {
		return wrapf(ErrProtocolViolation, "sdp: unmarshal answer: %v", err)
	}
	if err := validateRemoteMediaSections(parsed); err != nil {
		return err
	}

	if len(parsed.MediaDescriptions) > 0 {
		if echoed, ok := parsed.MediaDescriptions[0].Attribute("x-ANSWER"); ok {
			if echoed != s.sdp.sentXOffer {
				return wrapf(ErrProtocolViolation, "sdp: x-ANSWER echo %q does not match sent offer %q", echoed, s.sdp.sentXOffer)
			}
		}
	}

	remoteSetup, remoteUfrag, remotePwd, remoteFpAlgo, remoteFp := extractSessionCrypto(parsed)
	if err := s.validateCryptoCompat(parsed, remoteFp); err != nil {
		return err
	}
	s.ice.forceControllingIfLite(remoteIsLite(parsed))
	s.rememberRemoteVideoSSRCs(parsed)
	s.setupLocal = resolveOffererSetup(remoteSetup)
	s.remoteFingerprintAlgo = remoteFpAlgo
	s.remoteFingerprint = remoteFp
	s.remoteUfrag = remoteUfrag
	s.remotePwd = remotePwd
	if s.cryptoMode == CryptoSDES {
		s.remoteSDESKey = extractRemoteSDESKey(parsed)
	}

	if !s.transition(evHdlAnswer) {
		return wrapf(ErrProtocolViolation, "sdp: handle-answer invalid from %s", s.getState())
	}
	next, _ := nextSDPState(s.sdp.state, sdpEvHdlAnswer)
	s.sdp.state = next
	s.sdp.gotSDP = true
	s.stats.incSDPReceived()

	s.maybeStartChecklist()

	return nil
}

// resolveAnswererSetup implements RFC 5763: the offerer sends actpass;
// we (the answerer) always resolve to active unless the offer pinned a
// concrete role, in which case we take the inverse.
func resolveAnswererSetup(remote SetupRole) SetupRole {
	switch remote {
	case SetupActive:
		return SetupPassive
	case SetupPassive:
		return SetupActive
	default:
		return SetupActive
	}
}

// resolveOffererSetup is the offerer-side mirror once the answer names a
// concrete role.
func resolveOffererSetup(remote SetupRole) SetupRole {
	switch remote {
	case SetupActive:
		return SetupPassive
	case SetupPassive:
		return SetupActive
	default:
		return SetupActive
	}
}

func validateRemoteMediaSections(parsed *sdp.SessionDescription) error {
	if len(parsed.MediaDescriptions) == 0 {
		return wrapf(ErrProtocolViolation, "sdp: no media sections")
	}
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			return wrapf(ErrProtocolViolation, "sdp: m= port 0 for %s", md.MediaName.Media)
		}
		if md.MediaName.Media == "application" {
			continue // data sections carry no rtcp-mux
		}
		if _, ok := md.Attribute(sdp.AttrKeyRTCPMux); !ok {
			return wrapf(ErrProtocolViolation, "sdp: missing rtcp-mux for %s", md.MediaName.Media)
		}
	}
	return nil
}

func extractSessionCrypto(parsed *sdp.SessionDescription) (setup SetupRole, ufrag, pwd, fpAlgo, fp string) {
	setup = SetupActPass
	for _, md := range parsed.MediaDescriptions {
		if v, ok := md.Attribute(sdp.AttrKeyConnectionSetup); ok {
			setup = parseSetupRole(v)
		}
		if v, ok := md.Attribute("ice-ufrag"); ok {
			ufrag = v
		}
		if v, ok := md.Attribute("ice-pwd"); ok {
			pwd = v
		}
		if v, ok := md.Attribute("fingerprint"); ok {
			parts := strings.SplitN(v, " ", 2)
			if len(parts) == 2 {
				fpAlgo, fp = parts[0], parts[1]
			}
		}
	}
	return
}

// extractRemoteSDESKey pulls the inline key out of the first `a=crypto`
// line found, if any.
func extractRemoteSDESKey(parsed *sdp.SessionDescription) string {
	for _, md := range parsed.MediaDescriptions {
		v, ok := md.Attribute("crypto")
		if !ok {
			continue
		}
		idx := strings.Index(v, "inline:")
		if idx < 0 {
			continue
		}
		key := v[idx+len("inline:"):]
		if sp := strings.IndexByte(key, ' '); sp >= 0 {
			key = key[:sp]
		}
		return key
	}
	return ""
}

// validateCryptoCompat rejects descriptions with no common crypto: the
// negotiated mode's keying attribute must be present in the remote
// description.
func (s *Session) validateCryptoCompat(parsed *sdp.SessionDescription, remoteFp string) error {
	switch s.cryptoMode {
	case CryptoDTLSSRTP:
		if remoteFp == "" {
			return wrapf(ErrProtocolViolation, "sdp: no common crypto: remote offers no fingerprint")
		}
	case CryptoSDES:
		if extractRemoteSDESKey(parsed) == "" {
			return wrapf(ErrProtocolViolation, "sdp: no common crypto: remote offers no a=crypto key")
		}
	}
	return nil
}

// remoteIsLite reports whether the description carries the session-level
// a=ice-lite attribute.
func remoteIsLite(parsed *sdp.SessionDescription) bool {
	for _, a := range parsed.Attributes {
		if a.Key == sdp.AttrKeyICELite {
			return true
		}
	}
	return false
}

// rememberRemoteVideoSSRCs records the SSRCs the remote's video section
// announces, so the inbound demultiplexer can attribute decrypted RTP to
// the right media kind and drive the video leg of the rtp_state callback.
func (s *Session) rememberRemoteVideoSSRCs(parsed *sdp.SessionDescription) {
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		for _, a := range md.Attributes {
			if a.Key != sdp.AttrKeySSRC {
				continue
			}
			fields := strings.Fields(a.Value)
			if len(fields) == 0 {
				continue
			}
			ssrc, err := strconv.ParseUint(fields[0], 10, 32)
			if err != nil {
				continue
			}
			s.addRemoteVideoSSRC(uint32(ssrc))
		}
	}
}

func parseSetupRole(v string) SetupRole {
	switch strings.ToLower(v) {
	case "active":
		return SetupActive
	case "passive":
		return SetupPassive
	default:
		return SetupActPass
	}
}

func newBaseSessionDescription(s *Session) *sdp.SessionDescription {
	sid, _ := randutil.GenerateCryptoRandomString(10, "0123456789")
	sessionID, err := strconv.ParseUint(sid, 10, 64)
	if err != nil {
		sessionID = 1
	}

	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		Attributes: []sdp.Attribute{
			{Key: "tool", Value: "go-mediaflow"},
			{Key: "ice-options", Value: "trickle"},
		},
	}
}

// sdesInlineKeyPlaceholder generates the inline base64 key an SDES offer
// carries; both sides install the identical key via installFromSDES.
func sdesInlineKeyPlaceholder() string {
	raw, err := randutil.GenerateCryptoRandomString(40, "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/")
	if err != nil {
		return ""
	}
	return raw
}

// AddRemoteCandidate parses one trickled `a=candidate:...` line (or the
// literal end-of-candidates marker) and hands it to the ICE engine.
// Non-RTP, non-UDP candidates are silently skipped.
func (s *Session) AddRemoteCandidate(line string) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	line = strings.TrimPrefix(strings.TrimSpace(line), "a=")
	line = strings.TrimPrefix(line, "candidate:")

	if line == "end-of-candidates" {
		return nil
	}

	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil // malformed trickle line: ignored, not fatal
	}
	proto := strings.ToLower(fields[2])
	if proto != "udp" {
		return nil
	}
	component, err := strconv.Atoi(fields[1])
	if err != nil || component != componentRTP {
		return nil
	}

	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return wrapf(ErrProtocolViolation, "sdp: bad candidate priority: %v", err)
	}
	port, err := strconv.Atoi(fields[5])
	if err != nil {
		return wrapf(ErrProtocolViolation, "sdp: bad candidate port: %v", err)
	}

	c := &Candidate{
		Foundation: fields[0],
		Component:  component,
		Protocol:   ProtoUDP,
		Priority:   uint32(priority),
		Port:       port,
	}
	c.Address = parseIPField(fields[4])
	c.Type = parseCandType(fields[7])

	s.stats.incRemoteCandidates(1)
	s.rememberRemoteCandidate(c)
	if err := s.ice.addRemoteCandidate(c); err != nil {
		return err
	}

	// Every allocation keeps a permission installed toward
	// every remote candidate known so far.
	for _, tc := range s.turns.allocatedConns() {
		tc := tc
		go func() {
			if err := tc.createPermission(c.NetAddr()); err != nil {
				s.log.Debugf("mediaflow: turn permission for %s: %v", c.NetAddr(), err)
			}
		}()
	}

	s.maybeStartChecklist()
	return nil
}

func parseIPField(s string) net.IP {
	if ip := net.ParseIP(s); ip != nil {
		return ip
	}
	ips, err := net.LookupIP(s)
	if err != nil || len(ips) == 0 {
		return nil
	}
	return ips[0]
}

func parseCandType(s string) CandidateType {
	switch strings.ToLower(s) {
	case "srflx":
		return CandSrflx
	case "prflx":
		return CandPrflx
	case "relay":
		return CandRelay
	default:
		return CandHost
	}
}
