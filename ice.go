package mediaflow

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/stun/v3"
)

const (
	// stunRTO and stunRetransmits approximate the classic RTO 150ms /
	// 8 retransmissions (~12s total) connectivity-check tuning. pion/ice
	// performs its own internal STUN backoff; CheckInterval and
	// MaxBindingRequests are the closest knobs it exposes, so they take
	// the 150ms interval and the 8 requests, and the ~12s total is
	// applied as iceConnectBudget, the deadline of the whole connect
	// attempt, rather than as the exact backoff curve.
	stunRTO           = 150 * time.Millisecond
	stunRetransmits   = 8
	checklistInterval = 50 * time.Millisecond
	iceConnectBudget  = 12 * time.Second
)

// iceEngine wraps pion/ice.Agent and layers the session-specific parts
// on top: first-success-wins nomination bookkeeping, ICE-lite role
// forcing, privacy-mode PRFLX suppression, and translation between
// pion/ice's Candidate type and this package's Candidate/Pair.
type iceEngine struct {
	log logging.LeveledLogger

	mu          sync.Mutex
	agent       *ice.Agent
	controlling bool
	privacy     bool
	remoteLite  bool

	selected     *Pair
	byFoundation map[string]*Candidate

	onLocalCandidate func(*Candidate)
	onSelectedPair   func(*Pair)
	onFailure        func(error) // always dispatched via reactor.postDeferred by the coordinator
}

type iceEngineConfig struct {
	Controlling     bool
	Privacy         bool
	PortMin         uint16
	PortMax         uint16
	TurnServers     []TurnServer
	InterfaceFilter func(name string, defaultRoute bool) bool
	LoggerFactory   logging.LoggerFactory
}

// agentURIs translates the configured relay servers into the stun.URI
// form the agent consumes, so the checklist can gather, check and
// nominate srflx/relay pairs itself; the TurnConn pool performs its own
// allocation lifecycle alongside.
func agentURIs(servers []TurnServer) []*stun.URI {
	uris := make([]*stun.URI, 0, len(servers))
	for _, s := range servers {
		host, portStr, err := net.SplitHostPort(s.Addr)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		uri := &stun.URI{
			Scheme:   stun.SchemeTypeTURN,
			Host:     host,
			Port:     port,
			Username: s.Username,
			Password: s.Password,
			Proto:    stun.ProtoTypeUDP,
		}
		switch s.Protocol {
		case ProtoTCP:
			uri.Proto = stun.ProtoTypeTCP
		case ProtoTLS:
			uri.Scheme = stun.SchemeTypeTURNS
			uri.Proto = stun.ProtoTypeTCP
		}
		uris = append(uris, uri)
	}
	return uris
}

func newICEEngine(cfg iceEngineConfig) (*iceEngine, error) {
	maxBindingRequests := uint16(stunRetransmits)
	checkInterval := stunRTO
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}

	candidateTypes := []ice.CandidateType{ice.CandidateTypeHost}
	if len(cfg.TurnServers) > 0 {
		candidateTypes = append(candidateTypes,
			ice.CandidateTypeServerReflexive,
			ice.CandidateTypeRelay,
		)
	}

	agentCfg := &ice.AgentConfig{
		NetworkTypes: []ice.NetworkType{
			ice.NetworkTypeUDP4,
			ice.NetworkTypeUDP6,
		},
		Urls:               agentURIs(cfg.TurnServers),
		CandidateTypes:     candidateTypes,
		PortMin:            cfg.PortMin,
		PortMax:            cfg.PortMax,
		MaxBindingRequests: &maxBindingRequests,
		CheckInterval:      &checkInterval,
		LoggerFactory:      lf,
	}

	// The interface filter decides per-adapter whether host gathering
	// is allowed. pion/ice's InterfaceFilter only carries the interface
	// name, so defaultRoute is always passed false here.
	if cfg.InterfaceFilter != nil {
		filter := cfg.InterfaceFilter
		agentCfg.InterfaceFilter = func(name string) bool {
			return filter(name, false)
		}
	}

	agent, err := ice.NewAgent(agentCfg)
	if err != nil {
		return nil, wrapf(ErrInternal, "ice: new agent: %v", err)
	}

	e := &iceEngine{
		log:          lf.NewLogger("ice"),
		agent:        agent,
		controlling:  cfg.Controlling,
		privacy:      cfg.Privacy,
		byFoundation: make(map[string]*Candidate),
	}

	if err := agent.OnCandidate(e.handlePionCandidate); err != nil {
		return nil, err
	}
	if err := agent.OnSelectedCandidatePairChange(e.handleSelectedPair); err != nil {
		return nil, err
	}
	if err := agent.OnConnectionStateChange(e.handleConnectionState); err != nil {
		return nil, err
	}

	return e, nil
}

// forceControllingIfLite forces the local side controlling when the
// remote is ice-lite, regardless of offer direction.
func (e *iceEngine) forceControllingIfLite(remoteLite bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteLite = remoteLite
	if remoteLite {
		e.controlling = true
	}
}

func (e *iceEngine) handlePionCandidate(c ice.Candidate) {
	if c == nil {
		e.mu.Lock()
		cb := e.onLocalCandidate
		e.mu.Unlock()
		if cb != nil {
			cb(nil) // nil signals end-of-candidates for this gatherer
		}
		return
	}

	local := &Candidate{
		Foundation: c.Foundation(),
		Component:  componentRTP,
		Protocol:   ProtoUDP,
		Priority:   c.Priority(),
		Address:    net.ParseIP(c.Address()),
		Port:       c.Port(),
		Type:       pionCandidateType(c.Type()),
	}
	if e.privacy && local.Type == CandPrflx {
		return // privacy mode keeps peer-reflexive candidates dark
	}
	if rel := c.RelatedAddress(); rel != nil {
		local.RelatedAddress = net.ParseIP(rel.Address)
		local.RelatedPort = rel.Port
	}

	e.mu.Lock()
	e.byFoundation[local.Foundation] = local
	cb := e.onLocalCandidate
	e.mu.Unlock()

	if cb != nil {
		cb(local)
	}
}

func (e *iceEngine) handleSelectedPair(local, remote ice.Candidate) {
	pair := &Pair{
		Local: &Candidate{
			Foundation: local.Foundation(),
			Component:  componentRTP,
			Protocol:   ProtoUDP,
			Priority:   local.Priority(),
			Address:    net.ParseIP(local.Address()),
			Port:       local.Port(),
			Type:       pionCandidateType(local.Type()),
		},
		Remote: &Candidate{
			Foundation: remote.Foundation(),
			Component:  componentRTP,
			Protocol:   ProtoUDP,
			Priority:   remote.Priority(),
			Address:    net.ParseIP(remote.Address()),
			Port:       remote.Port(),
			Type:       pionCandidateType(remote.Type()),
		},
		State:     PairSucceeded,
		nominated: true,
	}
	e.trySelect(pair)
}

// trySelect implements first-success-wins nomination: the first pair
// the agent reports as selected becomes the permanent selected pair;
// every later call is a no-op. Returns whether this call was the one
// that won.
func (e *iceEngine) trySelect(pair *Pair) bool {
	e.mu.Lock()
	if e.selected != nil {
		e.mu.Unlock()
		return false
	}
	e.selected = pair
	cb := e.onSelectedPair
	e.mu.Unlock()

	if cb != nil {
		cb(pair)
	}
	return true
}

func (e *iceEngine) handleConnectionState(state ice.ConnectionState) {
	if state != ice.ConnectionStateFailed {
		return
	}
	e.mu.Lock()
	haveSelected := e.selected != nil
	cb := e.onFailure
	e.mu.Unlock()

	if haveSelected || cb == nil {
		return
	}
	// Failure is only declared once every check has failed and the
	// valid list is empty; pion/ice's Failed state already encodes that
	// condition for us.
	cb(wrapf(ErrProtocolViolation, "ice: checklist failed"))
}

// localHostIPv6 returns a gathered IPv6 HOST candidate, or nil if none
// was gathered. Used by the coordinator's send-socket preference for
// IPv6 remotes.
func (e *iceEngine) localHostIPv6() *Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.byFoundation {
		if c.Type == CandHost && c.isIPv6() {
			return c
		}
	}
	return nil
}

func (e *iceEngine) gather() error {
	if err := e.agent.GatherCandidates(); err != nil {
		return wrapf(ErrInternal, "ice: gather: %v", err)
	}
	return nil
}

// addRemoteCandidate injects a trickled remote candidate and restarts the
// checklist timer; pion/ice schedules the restart internally once the
// candidate is added.
func (e *iceEngine) addRemoteCandidate(c *Candidate) error {
	if e.privacy && c.Type == CandPrflx {
		return nil // PRFLX discovery is disabled in privacy mode
	}
	ic, err := ice.UnmarshalCandidate(c.String())
	if err != nil {
		return wrapf(ErrProtocolViolation, "ice: unmarshal remote candidate: %v", err)
	}
	if err := e.agent.AddRemoteCandidate(ic); err != nil {
		return wrapf(ErrInternal, "ice: add remote candidate: %v", err)
	}
	return nil
}

func (e *iceEngine) localCredentials() (string, string, error) {
	ufrag, pwd, err := e.agent.GetLocalUserCredentials()
	if err != nil {
		return "", "", wrapf(ErrInternal, "ice: local credentials: %v", err)
	}
	return ufrag, pwd, nil
}

func (e *iceEngine) connect(ctx context.Context, remoteUfrag, remotePwd string) (net.Conn, error) {
	e.mu.Lock()
	controlling := e.controlling
	e.mu.Unlock()

	if controlling {
		return e.agent.Dial(ctx, remoteUfrag, remotePwd)
	}
	return e.agent.Accept(ctx, remoteUfrag, remotePwd)
}

func (e *iceEngine) close() error {
	return e.agent.Close()
}

func pionCandidateType(t ice.CandidateType) CandidateType {
	switch t {
	case ice.CandidateTypeServerReflexive:
		return CandSrflx
	case ice.CandidateTypePeerReflexive:
		return CandPrflx
	case ice.CandidateTypeRelay:
		return CandRelay
	default:
		return CandHost
	}
}

func randSeq(n int) string {
	s, err := randutil.GenerateCryptoRandomString(n, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	if err != nil {
		// crypto/rand failure is not recoverable; a zero-length string
		// will fail SDP validation loudly instead of silently here.
		return ""
	}
	return s
}
