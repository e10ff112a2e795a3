package mediaflow

import (
	"bytes"
	"testing"
)

func TestAppPacketMarshalRoundTrip(t *testing.T) {
	payload := []byte("sctp-segment-bytes")
	wrapped := marshalAppPacket(rtcpAppName, payload)

	name, got, ok := unmarshalAppPacket(wrapped)
	if !ok {
		t.Fatal("expected a successful unmarshal")
	}
	if name != rtcpAppName {
		t.Fatalf("name = %q, want %q", name, rtcpAppName)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %v want %v", got, payload)
	}
}

// TestAppPacketStripsAlignmentPad makes sure the word-alignment padding
// never leaks into the SCTP segment handed back to the association.
func TestAppPacketStripsAlignmentPad(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 4, 5} {
		payload := bytes.Repeat([]byte{0xab}, n)
		_, got, ok := unmarshalAppPacket(marshalAppPacket(rtcpAppName, payload))
		if !ok {
			t.Fatalf("len %d: unmarshal failed", n)
		}
		if len(got) != n {
			t.Fatalf("len %d: got %d bytes back", n, len(got))
		}
	}
}

func TestAppPacketMarshalIsWordAligned(t *testing.T) {
	wrapped := marshalAppPacket(rtcpAppName, []byte("five"))
	if len(wrapped)%4 != 0 {
		t.Fatalf("marshalled packet length %d is not word-aligned", len(wrapped))
	}
}

func TestUnmarshalAppPacketRejectsShortBuffer(t *testing.T) {
	if _, _, ok := unmarshalAppPacket(make([]byte, 4)); ok {
		t.Fatal("expected failure for a too-short buffer")
	}
}

func TestUnmarshalAppPacketRejectsWrongType(t *testing.T) {
	buf := marshalAppPacket(rtcpAppName, []byte("x"))
	buf[1] = 200 // not PT=204 (APP)
	if _, _, ok := unmarshalAppPacket(buf); ok {
		t.Fatal("expected failure for non-APP packet type")
	}
}
