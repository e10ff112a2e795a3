package mediaflow

import (
	"errors"
	"testing"
)

func TestWrapfPreservesErrorsIs(t *testing.T) {
	err := wrapf(ErrProtocolViolation, "sdp: %s", "boom")
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("wrapped error should satisfy errors.Is(ErrProtocolViolation): %v", err)
	}
	if errors.Is(err, ErrAuthFailure) {
		t.Fatal("wrapped error should not satisfy an unrelated sentinel")
	}
}

func TestErrTerminatedWrapsNotConnected(t *testing.T) {
	if !errors.Is(ErrTerminated, ErrNotConnected) {
		t.Fatal("ErrTerminated should also satisfy errors.Is(ErrNotConnected) for old call sites")
	}
}

func TestCloseErrorUnwrap(t *testing.T) {
	ce := &CloseError{Err: ErrTimedOut}
	if !errors.Is(ce, ErrTimedOut) {
		t.Fatal("CloseError should unwrap to its Err for errors.Is")
	}
}

func TestCloseErrorNilMessage(t *testing.T) {
	ce := &CloseError{}
	if ce.Error() == "" {
		t.Fatal("CloseError with nil Err should still produce a message")
	}
}
