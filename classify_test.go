package mediaflow

import "testing"

func TestClassifyRanges(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		want PacketClass
	}{
		{"stun low", []byte{0x00, 0x01}, ClassSTUN},
		{"stun high", []byte{0x03, 0xff}, ClassSTUN},
		{"dtls low", []byte{20, 0}, ClassDTLS},
		{"dtls high", []byte{63, 0}, ClassDTLS},
		{"rtp", []byte{0x80, 0x00}, ClassRTP},
		{"rtcp", []byte{0x80, 200}, ClassRTCP}, // PT 200 is in [64..95]+128 offset handling below
		{"empty", nil, ClassUnknown},
		{"unknown", []byte{64, 0}, ClassUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classify(c.buf)
			if got != c.want {
				t.Errorf("classify(%v) = %v, want %v", c.buf, got, c.want)
			}
		})
	}
}

func TestClassifyRTCPPayloadTypeBoundary(t *testing.T) {
	// second byte's payload type (low 7 bits) must fall in [64,95] for RTCP.
	rtcpPT := byte(200) // 200 & 0x7f = 72, within [64,95]
	if got := classify([]byte{0x80, rtcpPT}); got != ClassRTCP {
		t.Fatalf("expected RTCP, got %v", got)
	}
	rtpPT := byte(111) // 111 & 0x7f = 111, outside [64,95]
	if got := classify([]byte{0x80, rtpPT}); got != ClassRTP {
		t.Fatalf("expected RTP, got %v", got)
	}
}

func TestIsRuntRTCP(t *testing.T) {
	if !isRuntRTCP(make([]byte, 7)) {
		t.Fatal("7-byte packet should be runt")
	}
	if !isRuntRTCP(make([]byte, 8)) {
		t.Fatal("8-byte packet should be runt; the boundary is inclusive")
	}
	if isRuntRTCP(make([]byte, 9)) {
		t.Fatal("9-byte packet should not be runt")
	}
}
