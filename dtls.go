package mediaflow

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"

	"github.com/pion/dtls/v3"
	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
	dtlsnet "github.com/pion/dtls/v3/pkg/net"
	"github.com/pion/logging"
)

const (
	dtlsMTU          = 1480
	srtpMasterKeyLen = 16
	srtpSaltLen      = 14
	srtpKeyLen       = srtpMasterKeyLen + srtpSaltLen // 30 bytes
)

// dtlsKeying drives the DTLS handshake above the muxed UDP endpoint and
// exports the SRTP keying material.
type dtlsKeying struct {
	log  logging.LeveledLogger
	cert tls.Certificate

	conn *dtls.Conn

	localFingerprintAlgo string
	localFingerprint     string
}

func newDTLSKeying(lf logging.LoggerFactory) (*dtlsKeying, error) {
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, wrapf(ErrInternal, "dtls: generate key: %v", err)
	}

	cert, x509Cert, err := generateSelfSignedCertificate(sk)
	if err != nil {
		return nil, err
	}

	fp, err := fingerprint.Fingerprint(x509Cert, cryptoSHA256)
	if err != nil {
		return nil, wrapf(ErrInternal, "dtls: fingerprint: %v", err)
	}

	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}

	return &dtlsKeying{
		log:                  lf.NewLogger("dtls"),
		cert:                 cert,
		localFingerprintAlgo: "sha-256",
		localFingerprint:     strings.ToUpper(fp),
	}, nil
}

// dtlsRoleIsClient resolves the DTLS role. setupLocal must already be
// resolved from actpass by the SDP layer before this is called; ACTPASS
// is only a valid input while no SDP has arrived, in which case DTLS must
// not proceed at all (caller enforces this).
func dtlsRoleIsClient(setupLocal SetupRole) bool {
	return setupLocal == SetupActive
}

// handshake runs the DTLS handshake over conn (the DTLS mux endpoint).
// It blocks; the coordinator always calls it from its own goroutine, not
// from the reactor, and re-enters the reactor only via the result posted
// back.
func (k *dtlsKeying) handshake(conn net.Conn, asClient bool, srtpProfile dtls.SRTPProtectionProfile) (*dtls.Conn, error) {
	cfg := &dtls.Config{
		Certificates:           []tls.Certificate{k.cert},
		InsecureSkipVerify:     true, // fingerprint is verified out-of-band against SDP, not the X.509 chain
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{srtpProfile},
		ClientAuth:             dtls.RequireAnyClientCert,
		MTU:                    dtlsMTU,
	}

	pktConn := dtlsnet.PacketConnFromConn(conn)

	var conn2 *dtls.Conn
	var err error
	if asClient {
		conn2, err = dtls.Client(pktConn, conn.RemoteAddr(), cfg)
	} else {
		conn2, err = dtls.Server(pktConn, conn.RemoteAddr(), cfg)
	}
	if err != nil {
		return nil, wrapf(ErrInternal, "dtls: handshake: %v", err)
	}
	k.conn = conn2
	return conn2, nil
}

// verifyFingerprint is the mismatch-is-fatal identity check: the
// handshake is complete, so the peer's leaf certificate is recomputed
// under algo and compared bytewise against expectedHex.
func verifyFingerprint(conn *dtls.Conn, algo, expectedHex string) error {
	state, ok := conn.ConnectionState()
	if !ok {
		return wrapf(ErrAuthFailure, "dtls: no connection state")
	}
	if len(state.PeerCertificates) == 0 {
		return wrapf(ErrAuthFailure, "dtls: peer presented no certificate")
	}

	cert, err := x509.ParseCertificate(state.PeerCertificates[0])
	if err != nil {
		return wrapf(ErrAuthFailure, "dtls: parse peer certificate: %v", err)
	}

	hashAlgo, err := fingerprint.HashFromString(algo)
	if err != nil {
		return wrapf(ErrAuthFailure, "dtls: unknown fingerprint algo %q: %v", algo, err)
	}

	actual, err := fingerprint.Fingerprint(cert, hashAlgo)
	if err != nil {
		return wrapf(ErrAuthFailure, "dtls: compute fingerprint: %v", err)
	}

	if !strings.EqualFold(actual, expectedHex) {
		return wrapf(ErrAuthFailure, "dtls: fingerprint mismatch: got %s want %s", actual, expectedHex)
	}
	return nil
}

// exportSRTPKeys derives the 30-byte client/server key halves from the
// TLS exporter per RFC 5764.
func exportSRTPKeys(conn *dtls.Conn) (clientKey, serverKey []byte, err error) {
	state, ok := conn.ConnectionState()
	if !ok {
		return nil, nil, wrapf(ErrInternal, "dtls: connection state unavailable")
	}
	material, err := state.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 2*srtpKeyLen)
	if err != nil {
		return nil, nil, wrapf(ErrInternal, "dtls: export keying material: %v", err)
	}

	offset := 0
	clientMasterKey := append([]byte{}, material[offset:offset+srtpMasterKeyLen]...)
	offset += srtpMasterKeyLen
	serverMasterKey := append([]byte{}, material[offset:offset+srtpMasterKeyLen]...)
	offset += srtpMasterKeyLen
	clientMasterSalt := append([]byte{}, material[offset:offset+srtpSaltLen]...)
	offset += srtpSaltLen
	serverMasterSalt := append([]byte{}, material[offset:offset+srtpSaltLen]...)

	return append(clientMasterKey, clientMasterSalt...), append(serverMasterKey, serverMasterSalt...), nil
}
