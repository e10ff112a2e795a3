package mux

import (
	"net"
	"time"

	"github.com/pion/transport/v4/packetio"
)

// Endpoint implements net.Conn over one of the Mux's protocol buckets.
type Endpoint struct {
	mux     *Mux
	buffer  *packetio.Buffer
	onClose func()
}

// Close unregisters the endpoint from the Mux.
func (e *Endpoint) Close() (err error) {
	if e.onClose != nil {
		e.onClose()
	}
	if err = e.close(); err != nil {
		return err
	}
	e.mux.RemoveEndpoint(e)
	return nil
}

func (e *Endpoint) close() error {
	return e.buffer.Close()
}

// Read returns the next datagram this endpoint's MatchFunc accepted.
func (e *Endpoint) Read(p []byte) (int, error) {
	return e.buffer.Read(p)
}

// Write sends p on the shared underlying connection.
func (e *Endpoint) Write(p []byte) (int, error) {
	return e.mux.nextConn.Write(p)
}

// LocalAddr is a stub.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.mux.nextConn.LocalAddr()
}

// RemoteAddr is a stub.
func (e *Endpoint) RemoteAddr() net.Addr {
	return e.mux.nextConn.RemoteAddr()
}

// SetDeadline is a stub.
func (e *Endpoint) SetDeadline(time.Time) error { return nil }

// SetReadDeadline is a stub.
func (e *Endpoint) SetReadDeadline(time.Time) error { return nil }

// SetWriteDeadline is a stub.
func (e *Endpoint) SetWriteDeadline(time.Time) error { return nil }

// SetOnClose sets a callback run when Close is called.
func (e *Endpoint) SetOnClose(onClose func()) {
	e.onClose = onClose
}
