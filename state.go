package mediaflow

// State is the overall coordinator state machine.
type State int

const (
	StateInit State = iota
	StateLocalOffer
	StateRemoteOffer
	StateNegotiated
	StateChecking
	StateICEUp
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateLocalOffer:
		return "local-offer"
	case StateRemoteOffer:
		return "remote-offer"
	case StateNegotiated:
		return "negotiated"
	case StateChecking:
		return "checking"
	case StateICEUp:
		return "ice-up"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "init"
	}
}

// event names the coordinator transitions.
type event int

const (
	evGenOffer event = iota
	evHdlOffer
	evHdlAnswer
	evGenAnswer
	evICEStart
	evPairOK
	evDTLSDone
	evCloseOrErr
)

// nextState is the coordinator transition table; any pair not listed is
// a protocol error. evCloseOrErr is valid from any state.
func nextState(cur State, e event) (State, bool) {
	if e == evCloseOrErr {
		return StateTerminated, true
	}
	switch cur {
	case StateInit:
		switch e {
		case evGenOffer:
			return StateLocalOffer, true
		case evHdlOffer:
			return StateRemoteOffer, true
		}
	case StateLocalOffer:
		if e == evHdlAnswer {
			return StateNegotiated, true
		}
	case StateRemoteOffer:
		if e == evGenAnswer {
			return StateNegotiated, true
		}
	case StateNegotiated:
		if e == evICEStart {
			return StateChecking, true
		}
	case StateChecking:
		if e == evPairOK {
			return StateICEUp, true
		}
	case StateICEUp:
		if e == evDTLSDone {
			return StateReady, true
		}
	}
	return cur, false
}

// sdpState is the offer/answer sub-machine.
type sdpState int

const (
	sdpIdle sdpState = iota
	sdpGOff
	sdpHOff
	sdpDone
)

func (s sdpState) String() string {
	switch s {
	case sdpGOff:
		return "goff"
	case sdpHOff:
		return "hoff"
	case sdpDone:
		return "done"
	default:
		return "idle"
	}
}

type sdpEvent int

const (
	sdpEvGenOffer sdpEvent = iota
	sdpEvHdlOffer
	sdpEvHdlAnswer
	sdpEvGenAnswer
)

func nextSDPState(cur sdpState, e sdpEvent) (sdpState, bool) {
	switch cur {
	case sdpIdle:
		switch e {
		case sdpEvGenOffer:
			return sdpGOff, true
		case sdpEvHdlOffer:
			return sdpHOff, true
		}
	case sdpGOff:
		if e == sdpEvHdlAnswer {
			return sdpDone, true
		}
	case sdpHOff:
		if e == sdpEvGenAnswer {
			return sdpDone, true
		}
	}
	return cur, false
}
