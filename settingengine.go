package mediaflow

import "github.com/pion/logging"

// SettingEngine collects every knob a Session's construction needs,
// assembled with SettingOption the way pion/webrtc's API composes a
// SettingEngine: each field has a sane zero value, and callers only
// reach for the With* option when they need to diverge from it.
type SettingEngine struct {
	portMin, portMax uint16

	turnServers []TurnServer

	cryptoMode CryptoMode

	privacyMode bool

	interfaceFilter func(name string, defaultRoute bool) bool

	loggerFactory logging.LoggerFactory

	replayWindowSize uint

	codecName string
}

// SettingOption mutates a SettingEngine under construction.
type SettingOption func(*SettingEngine)

// NewSettingEngine applies opts over a SettingEngine whose defaults are
// the common case: full port range, DTLS-SRTP, privacy off, a 64-packet
// SRTP replay window (the pion/srtp default).
func NewSettingEngine(opts ...SettingOption) *SettingEngine {
	e := &SettingEngine{
		cryptoMode:       CryptoDTLSSRTP,
		replayWindowSize: 64,
		codecName:        "external",
		loggerFactory:    logging.NewDefaultLoggerFactory(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// WithPortRange restricts host/srflx candidate gathering to [min, max].
func WithPortRange(min, max uint16) SettingOption {
	return func(e *SettingEngine) {
		e.portMin, e.portMax = min, max
	}
}

// WithTurnServers configures the TURN client pool's server list.
func WithTurnServers(servers ...TurnServer) SettingOption {
	return func(e *SettingEngine) { e.turnServers = servers }
}

// WithCryptoMode selects DTLS-SRTP (default) or the SDES inline-key
// fallback.
func WithCryptoMode(m CryptoMode) SettingOption {
	return func(e *SettingEngine) { e.cryptoMode = m }
}

// WithPrivacyMode disables PRFLX discovery and restricts the candidate
// types surfaced to the host.
func WithPrivacyMode(on bool) SettingOption {
	return func(e *SettingEngine) { e.privacyMode = on }
}

// WithInterfaceFilter installs a predicate deciding whether a network
// interface (by name) is eligible for host-candidate gathering.
func WithInterfaceFilter(f func(name string, defaultRoute bool) bool) SettingOption {
	return func(e *SettingEngine) { e.interfaceFilter = f }
}

// WithLoggerFactory overrides the default logging.LoggerFactory every
// sub-component derives its named logger from.
func WithLoggerFactory(lf logging.LoggerFactory) SettingOption {
	return func(e *SettingEngine) { e.loggerFactory = lf }
}

// WithCodecName names the externally plugged codec, reported verbatim
// through the Established callback.
func WithCodecName(name string) SettingOption {
	return func(e *SettingEngine) { e.codecName = name }
}

// WithReplayWindowSize sets the SRTP replay-detector window in packets.
func WithReplayWindowSize(n uint) SettingOption {
	return func(e *SettingEngine) { e.replayWindowSize = n }
}
