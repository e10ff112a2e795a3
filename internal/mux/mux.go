// Package mux multiplexes the single post-nomination transport (RFC 7983)
// into the per-protocol endpoints mediaflow hands to ICE, DTLS and the
// SRTP/RTCP readers.
package mux

import (
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/packetio"
)

// maxBufferSize bounds how much unread data an Endpoint can accumulate
// before the mux starts returning errors on write. SRTP/DTLS both drain
// continuously, so this is a backstop, not a steady-state limit.
const maxBufferSize = 1000 * 1000 // 1MB

// Config collects the arguments to Mux construction into a single
// structure.
type Config struct {
	Conn          net.Conn
	BufferSize    int
	LoggerFactory logging.LoggerFactory
}

// Mux demultiplexes datagrams arriving on a single net.Conn (the selected
// ICE pair's socket, already connected to the remote address) across the
// endpoints registered with NewEndpoint, using a MatchFunc on each to
// decide which one owns a given datagram.
type Mux struct {
	lock       sync.RWMutex
	nextConn   net.Conn
	endpoints  map[*Endpoint]MatchFunc
	bufferSize int
	closedCh   chan struct{}

	log logging.LeveledLogger
}

// New creates a Mux reading from config.Conn until it is closed.
func New(config Config) *Mux {
	m := &Mux{
		nextConn:   config.Conn,
		endpoints:  make(map[*Endpoint]MatchFunc),
		bufferSize: config.BufferSize,
		closedCh:   make(chan struct{}),
		log:        config.LoggerFactory.NewLogger("mux"),
	}
	if m.bufferSize == 0 {
		m.bufferSize = 8192
	}

	go m.readLoop()

	return m
}

// NewEndpoint creates a new Endpoint whose Read returns only the
// datagrams f accepts.
func (m *Mux) NewEndpoint(f MatchFunc) *Endpoint {
	e := &Endpoint{
		mux:    m,
		buffer: packetio.NewBuffer(),
	}
	e.buffer.SetLimitSize(maxBufferSize)

	m.lock.Lock()
	m.endpoints[e] = f
	m.lock.Unlock()

	return e
}

// RemoveEndpoint removes an endpoint from the Mux.
func (m *Mux) RemoveEndpoint(e *Endpoint) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.endpoints, e)
}

// Close closes the Mux and all associated Endpoints.
func (m *Mux) Close() error {
	m.lock.Lock()
	for e := range m.endpoints {
		_ = e.close()
		delete(m.endpoints, e)
	}
	m.lock.Unlock()

	err := m.nextConn.Close()
	<-m.closedCh
	return err
}

// Dispatch injects a datagram that arrived outside the muxed connection
// (a TURN data indication delivered on a relay allocation) into the same
// per-protocol endpoints the read loop feeds.
func (m *Mux) Dispatch(buf []byte) error {
	return m.dispatch(buf)
}

func (m *Mux) readLoop() {
	defer close(m.closedCh)

	buf := make([]byte, m.bufferSize)
	for {
		n, err := m.nextConn.Read(buf)
		if err != nil {
			return
		}
		if err := m.dispatch(buf[:n]); err != nil {
			return
		}
	}
}

func (m *Mux) dispatch(buf []byte) error {
	var endpoint *Endpoint

	m.lock.Lock()
	for e, f := range m.endpoints {
		if f(buf) {
			endpoint = e
			break
		}
	}
	m.lock.Unlock()

	if endpoint == nil {
		if len(buf) > 0 {
			m.log.Debugf("mux: no endpoint for packet starting with %d", buf[0])
		} else {
			m.log.Debugf("mux: no endpoint for zero length packet")
		}
		return nil
	}

	_, err := endpoint.buffer.Write(buf)
	return err
}
