package mediaflow

// MediaKind enumerates the media sections a Session can carry.
type MediaKind int

const (
	KindAudio MediaKind = iota
	KindVideo
	KindVideoRTX
	KindData
)

func (k MediaKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindVideoRTX:
		return "video-rtx"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// CryptoMode selects how media keys are established.
type CryptoMode int

const (
	// CryptoNone disables SRTP entirely; used only for data-channel-only
	// sessions in tests. No media invariant references it beyond
	// `ready := ice_ready && (crypto_mode == NONE || crypto_ready)`.
	CryptoNone CryptoMode = iota
	// CryptoDTLSSRTP negotiates keys via a DTLS handshake (RFC 5764).
	CryptoDTLSSRTP
	// CryptoSDES carries an inline base64 key in `a=crypto` (legacy fallback).
	CryptoSDES
)

func (m CryptoMode) String() string {
	switch m {
	case CryptoDTLSSRTP:
		return "dtls-srtp"
	case CryptoSDES:
		return "sdes"
	default:
		return "none"
	}
}

// SetupRole mirrors the SDP a=setup values used in the RFC 5763 DTLS role
// negotiation.
type SetupRole int

const (
	SetupActPass SetupRole = iota
	SetupActive
	SetupPassive
)

func (r SetupRole) String() string {
	switch r {
	case SetupActive:
		return "active"
	case SetupPassive:
		return "passive"
	default:
		return "actpass"
	}
}

// CandidateType is the ICE candidate type lattice.
type CandidateType int

const (
	CandHost CandidateType = iota
	CandSrflx
	CandPrflx
	CandRelay
)

func (t CandidateType) String() string {
	switch t {
	case CandHost:
		return "host"
	case CandSrflx:
		return "srflx"
	case CandPrflx:
		return "prflx"
	case CandRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// typePreference returns the type preference: 126/100/110/0 for
// HOST/SRFLX/PRFLX/RELAY.
func (t CandidateType) typePreference() uint32 {
	switch t {
	case CandHost:
		return 126
	case CandPrflx:
		return 110
	case CandSrflx:
		return 100
	case CandRelay:
		return 0
	default:
		return 0
	}
}

// TransportProtocol is the wire protocol a candidate or TURN allocation
// uses toward the network.
type TransportProtocol int

const (
	ProtoUDP TransportProtocol = iota
	ProtoTCP
	ProtoTLS
)

func (p TransportProtocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoTLS:
		return "tls"
	default:
		return "udp"
	}
}

// localPreference returns the protocol bias: UDP=3 > TCP=2 > TLS-TCP=1.
func (p TransportProtocol) localPreference() uint32 {
	switch p {
	case ProtoUDP:
		return 3
	case ProtoTCP:
		return 2
	case ProtoTLS:
		return 1
	default:
		return 0
	}
}

// PairState is the candidate-pair lifecycle.
type PairState int

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	default:
		return "frozen"
	}
}

// Headroom byte counts for the three outbound routes a packet can take.
const (
	HeadroomDirect       = 0
	HeadroomTurnChan     = 4
	HeadroomTurnIndicate = 36
)
