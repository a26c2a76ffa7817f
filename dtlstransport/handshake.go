package dtlstransport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/sirupsen/logrus"
)

// srtpExporterLabel is the TLS exporter label for SRTP keying material.
const srtpExporterLabel = "EXTRACTOR-dtls_srtp"

// KeyingMaterialLength covers two 16-byte master keys and two 14-byte
// salts.
const KeyingMaterialLength = 60

// handshakeTimeout bounds the whole handshake.
const handshakeTimeout = 10 * time.Second

// ErrFingerprintMismatch is returned when the peer presents a
// certificate other than the one announced in its SDP. Fatal, no
// fallback.
var ErrFingerprintMismatch = errors.New("dtls: peer certificate fingerprint mismatch")

// KeyingMaterial is the 60 exported bytes split per RFC 5764.
type KeyingMaterial struct {
	ClientKey  []byte
	ServerKey  []byte
	ClientSalt []byte
	ServerSalt []byte
}

// Transport is an established DTLS connection with its exported keys.
type Transport struct {
	Conn   net.Conn
	Keys   KeyingMaterial
	Client bool
}

// Handshake runs DTLS over conn. client follows from the negotiated
// setup role (active = client). remoteFingerprint is the sha-256
// fingerprint from the peer's SDP; any other certificate aborts the
// handshake.
func Handshake(ctx context.Context, conn net.Conn, cert *Certificate, remoteFingerprint string, client bool) (*Transport, error) {
	log := logrus.WithFields(logrus.Fields{
		"component": "dtls",
		"client":    client,
	})

	config := &dtls.Config{
		Certificates:         []tls.Certificate{cert.tlsCert},
		InsecureSkipVerify:   true,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("dtls: peer sent no certificate")
			}
			if !MatchesFingerprint(FingerprintFor(rawCerts[0]), remoteFingerprint) {
				return ErrFingerprintMismatch
			}
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var dtlsConn *dtls.Conn
	var err error
	if client {
		dtlsConn, err = dtls.ClientWithContext(ctx, conn, config)
	} else {
		dtlsConn, err = dtls.ServerWithContext(ctx, conn, config)
	}
	if err != nil {
		return nil, fmt.Errorf("dtls: handshake: %w", err)
	}

	state := dtlsConn.ConnectionState()
	material, err := state.ExportKeyingMaterial(srtpExporterLabel, nil, KeyingMaterialLength)
	if err != nil {
		dtlsConn.Close()
		return nil, fmt.Errorf("dtls: export keying material: %w", err)
	}

	log.Debug("handshake complete, keys exported")
	return &Transport{
		Conn:   dtlsConn,
		Keys:   splitKeyingMaterial(material),
		Client: client,
	}, nil
}

// splitKeyingMaterial partitions the exporter output: client key,
// server key, client salt, server salt.
func splitKeyingMaterial(material []byte) KeyingMaterial {
	return KeyingMaterial{
		ClientKey:  material[0:16],
		ServerKey:  material[16:32],
		ClientSalt: material[32:46],
		ServerSalt: material[46:60],
	}
}

// Local returns the send-side key and salt for this endpoint, Remote
// the receive side. The client writes with the client key.
func (k KeyingMaterial) Local(client bool) (key, salt []byte) {
	if client {
		return k.ClientKey, k.ClientSalt
	}
	return k.ServerKey, k.ServerSalt
}

// Remote returns the peer's write key and salt.
func (k KeyingMaterial) Remote(client bool) (key, salt []byte) {
	if client {
		return k.ServerKey, k.ServerSalt
	}
	return k.ClientKey, k.ClientSalt
}
