package mediaflow

import (
	"errors"
	"fmt"
)

// Error kinds this package reports. Each kind is a
// sentinel so callers can match with errors.Is regardless of the message
// text a particular failure attaches.
var (
	ErrInvalidArgument  = errors.New("mediaflow: invalid argument")
	ErrOutOfMemory      = errors.New("mediaflow: out of memory")
	ErrProtocolViolation = errors.New("mediaflow: protocol violation")
	ErrAuthFailure      = errors.New("mediaflow: fingerprint authentication failed")
	ErrTimedOut         = errors.New("mediaflow: rtp liveness timeout")
	ErrNotConnected     = errors.New("mediaflow: ice transport not ready")
	ErrNotReady         = errors.New("mediaflow: crypto not ready")
	ErrNotSupported     = errors.New("mediaflow: unsupported nat/crypto mode")
	ErrUnreachable      = errors.New("mediaflow: send failed")
	ErrDuplicate        = errors.New("mediaflow: duplicate packet (srtp replay)")
	ErrInternal         = errors.New("mediaflow: internal error")

	// ErrTerminated is returned by any operation attempted on a Session
	// after Close has run. It wraps ErrNotConnected so old call sites
	// that only check for "not connected" keep working.
	ErrTerminated = fmt.Errorf("%w: session terminated", ErrNotConnected)
)

// wrapf attaches op context to a sentinel kind without losing errors.Is-ability.
func wrapf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// CloseError is the payload handed to the host's Close callback.
// Err is always one of the sentinel kinds above, or a codec-supplied
// error passed through verbatim.
type CloseError struct {
	Err error
}

func (e *CloseError) Error() string {
	if e.Err == nil {
		return "mediaflow: closed"
	}
	return e.Err.Error()
}

func (e *CloseError) Unwrap() error { return e.Err }
