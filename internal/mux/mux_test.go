package mux

import (
	"net"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/require"
)

const testPipeBufferSize = 8192

func TestNoEndpoints(t *testing.T) {
	ca, cb := net.Pipe()
	require.NoError(t, cb.Close())

	m := New(Config{
		Conn:          ca,
		BufferSize:    testPipeBufferSize,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, m.dispatch(make([]byte, 1)))
	require.NoError(t, m.Close())
}

func TestMatchRange(t *testing.T) {
	require.True(t, MatchSTUN([]byte{0}))
	require.True(t, MatchSTUN([]byte{3}))
	require.False(t, MatchSTUN([]byte{4}))

	require.True(t, MatchDTLS([]byte{20}))
	require.True(t, MatchDTLS([]byte{63}))
	require.False(t, MatchDTLS([]byte{64}))

	require.True(t, MatchSRTP([]byte{128}))
	require.True(t, MatchSRTP([]byte{191}))
	require.False(t, MatchSRTP([]byte{192}))

	require.False(t, MatchSTUN(nil))
}

// TestDispatch exercises the exact routing the coordinator depends on: a
// DTLS-range byte goes to the DTLS endpoint, an RTP/RTCP-range byte goes
// to the media endpoint, and neither cross-delivers.
func TestDispatch(t *testing.T) {
	ca, cb := net.Pipe()
	defer func() { _ = cb.Close() }()

	m := New(Config{
		Conn:          ca,
		BufferSize:    testPipeBufferSize,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	defer func() { _ = m.Close() }()

	dtlsEP := m.NewEndpoint(MatchDTLS)
	mediaEP := m.NewEndpoint(MatchSRTP)

	go func() {
		_, _ = cb.Write([]byte{20, 1, 2, 3})
		_, _ = cb.Write([]byte{128, 1, 2, 3})
	}()

	buf := make([]byte, 16)
	n, err := dtlsEP.Read(buf)
	require.NoError(t, err)
	require.Equal(t, byte(20), buf[0])
	require.Equal(t, 4, n)

	n, err = mediaEP.Read(buf)
	require.NoError(t, err)
	require.Equal(t, byte(128), buf[0])
	require.Equal(t, 4, n)
}

func TestRemoveEndpoint(t *testing.T) {
	ca, cb := net.Pipe()
	defer func() { _ = cb.Close() }()

	m := New(Config{
		Conn:          ca,
		BufferSize:    testPipeBufferSize,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	defer func() { _ = m.Close() }()

	ep := m.NewEndpoint(MatchDTLS)
	require.Len(t, m.endpoints, 1)

	m.RemoveEndpoint(ep)
	require.Len(t, m.endpoints, 0)
}

func TestEndpointClose(t *testing.T) {
	ca, cb := net.Pipe()
	defer func() { _ = cb.Close() }()

	m := New(Config{
		Conn:          ca,
		BufferSize:    testPipeBufferSize,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	defer func() { _ = m.Close() }()

	ep := m.NewEndpoint(MatchDTLS)
	var closed bool
	ep.SetOnClose(func() { closed = true })
	require.NoError(t, ep.Close())
	require.True(t, closed)

	_, err := ep.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestEndpointDeadlinesAreNoops(t *testing.T) {
	ca, cb := net.Pipe()
	defer func() { _ = ca.Close() }()
	defer func() { _ = cb.Close() }()

	m := New(Config{Conn: ca, LoggerFactory: logging.NewDefaultLoggerFactory()})
	defer func() { _ = m.Close() }()

	ep := m.NewEndpoint(MatchDTLS)
	require.NoError(t, ep.SetDeadline(time.Now()))
	require.NoError(t, ep.SetReadDeadline(time.Now()))
	require.NoError(t, ep.SetWriteDeadline(time.Now()))
}
