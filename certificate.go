package mediaflow

import (
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"
)

// cryptoSHA256 names the hash used for the local DTLS fingerprint
// throughout this package.
const cryptoSHA256 = crypto.SHA256

// certValidity is generous for a single call's lifetime and keeps
// clock-skew between peers from ever mattering; InsecureSkipVerify
// means the chain itself is never checked, only the fingerprint.
const certValidity = 365 * 24 * time.Hour

// generateSelfSignedCertificate builds the one self-signed certificate a
// Session presents over DTLS, the way pion/webrtc's certificate.go does
// for its own Certificate type.
func generateSelfSignedCertificate(sk crypto.Signer) (tls.Certificate, *x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, nil, wrapf(ErrInternal, "certificate: serial: %v", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "mediaflow"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, sk.Public(), sk)
	if err != nil {
		return tls.Certificate{}, nil, wrapf(ErrInternal, "certificate: create: %v", err)
	}

	x509Cert, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, wrapf(ErrInternal, "certificate: parse: %v", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: sk}, x509Cert, nil
}
