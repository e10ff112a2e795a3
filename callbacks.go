package mediaflow

// Callbacks collects the host-supplied hooks a Session invokes. All
// of them run on the reactor goroutine; a callback must not block and
// must not call back into the Session synchronously (use the arguments
// it receives, or post further work of its own elsewhere).
type Callbacks struct {
	// LocalCandidate is emitted once per gathered local candidate. Once
	// every gathering source has reported, one final emission carries a
	// nil candidate, the synthetic end-of-candidates marker.
	LocalCandidate func(c *Candidate)

	// Established fires exactly once, when ready() first becomes true.
	Established func(cryptoName, codecName string, remoteType CandidateType, remoteAddr string)

	// Close is terminal and fires at most once.
	Close func(err error)

	// RTPState is edge-triggered: first audio tx/rx, first video rx.
	RTPState func(audioStarted, videoStarted bool)

	// Gather fires once every gathering source (host candidates plus
	// every configured TURN allocation) has reported in.
	Gather func()

	// RTP delivers a decrypted inbound RTP packet to the external codec
	// (there is no internal RTP stack; decrypted media always goes to
	// the host).
	RTP func(pkt []byte)

	// RTCP delivers a decrypted inbound RTCP compound packet, except for
	// the APP/"DATA" packets the data-channel driver consumes instead.
	RTCP func(pkt []byte)
}

func (c *Callbacks) fireLocalCandidate(cand *Candidate) {
	if c != nil && c.LocalCandidate != nil {
		c.LocalCandidate(cand)
	}
}

func (c *Callbacks) fireRTPState(audio, video bool) {
	if c != nil && c.RTPState != nil {
		c.RTPState(audio, video)
	}
}

func (c *Callbacks) fireGather() {
	if c != nil && c.Gather != nil {
		c.Gather()
	}
}

func (c *Callbacks) fireRTP(pkt []byte) {
	if c != nil && c.RTP != nil {
		c.RTP(pkt)
	}
}

func (c *Callbacks) fireRTCP(pkt []byte) {
	if c != nil && c.RTCP != nil {
		c.RTCP(pkt)
	}
}
