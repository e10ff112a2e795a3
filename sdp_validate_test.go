package mediaflow

import (
	"errors"
	"testing"

	"github.com/pion/sdp/v3"
)

func mediaSection(port int, withRTCPMux bool) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"UDP", "TLS", "RTP", "SAVPF"},
		},
	}
	if withRTCPMux {
		md = md.WithPropertyAttribute(sdp.AttrKeyRTCPMux)
	}
	return md
}

// TestValidateRemoteMediaSectionsPortZero: remote m= port 0 must be
// rejected with a protocol violation.
func TestValidateRemoteMediaSectionsPortZero(t *testing.T) {
	desc := &sdp.SessionDescription{MediaDescriptions: []*sdp.MediaDescription{mediaSection(0, true)}}
	err := validateRemoteMediaSections(desc)
	if err == nil {
		t.Fatal("expected error for port 0")
	}
	if !isProtocolViolation(err) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

// TestValidateRemoteMediaSectionsMissingRTCPMux: absence of a=rtcp-mux
// must be rejected.
func TestValidateRemoteMediaSectionsMissingRTCPMux(t *testing.T) {
	desc := &sdp.SessionDescription{MediaDescriptions: []*sdp.MediaDescription{mediaSection(9, false)}}
	err := validateRemoteMediaSections(desc)
	if err == nil {
		t.Fatal("expected error for missing rtcp-mux")
	}
	if !isProtocolViolation(err) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestValidateRemoteMediaSectionsOK(t *testing.T) {
	desc := &sdp.SessionDescription{MediaDescriptions: []*sdp.MediaDescription{mediaSection(9, true)}}
	if err := validateRemoteMediaSections(desc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRemoteMediaSectionsNoSections(t *testing.T) {
	desc := &sdp.SessionDescription{}
	err := validateRemoteMediaSections(desc)
	if !isProtocolViolation(err) {
		t.Fatalf("expected ErrProtocolViolation for empty media, got %v", err)
	}
}

func isProtocolViolation(err error) bool {
	return err != nil && errors.Is(err, ErrProtocolViolation)
}
