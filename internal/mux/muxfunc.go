package mux

// MatchFunc allows custom logic for mapping packets to an Endpoint.
type MatchFunc func([]byte) bool

// MatchRange is a MatchFunc that accepts packets with the first byte in [lower..upper].
func MatchRange(lower, upper byte) MatchFunc {
	return func(buf []byte) bool {
		if len(buf) < 1 {
			return false
		}
		b := buf[0]
		return b >= lower && b <= upper
	}
}

// The four buckets the shared 5-tuple demultiplexes into, per RFC 7983:
//
//	              +----------------+
//	              |        [0..3] -+--> forward to STUN/TURN
//	              |                |
//	  packet -->  |      [20..63] -+--> forward to DTLS
//	              |                |
//	              |    [128..191] -+--> forward to RTP/RTCP
//	              +----------------+
var (
	// MatchSTUN accepts STUN messages only ([0..3]); TURN ChannelData
	// ([64..79]) falls outside every bucket here.
	MatchSTUN = MatchRange(0, 3)
	MatchDTLS = MatchRange(20, 63)
	MatchSRTP = MatchRange(128, 191)
)
