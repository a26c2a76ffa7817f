// Package dtlstransport runs the DTLS handshake on the nominated ICE
// path and exports the SRTP keying material. Certificates are
// self-signed and generated per session; trust comes solely from the
// fingerprint exchanged through signaling.
package dtlstransport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Certificate is a per-session self-signed identity.
type Certificate struct {
	tlsCert     tls.Certificate
	fingerprint string
}

// NewCertificate generates an ECDSA P-256 certificate valid for the
// duration of a call plus margin.
func NewCertificate() (*Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("dtls: generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("dtls: serial number: %w", err)
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "visage"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("dtls: create certificate: %w", err)
	}
	return &Certificate{
		tlsCert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		},
		fingerprint: FingerprintFor(der),
	}, nil
}

// Fingerprint returns the certificate's SHA-256 fingerprint in the
// colon-separated upper-hex form carried in the SDP.
func (c *Certificate) Fingerprint() string {
	return c.fingerprint
}

// FingerprintFor computes the SDP fingerprint of a DER certificate.
func FingerprintFor(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// MatchesFingerprint compares two fingerprint strings ignoring case.
func MatchesFingerprint(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
