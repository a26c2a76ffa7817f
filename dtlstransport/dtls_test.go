package dtlstransport

import (
	"context"
	"net"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCertificateFingerprintFormat(t *testing.T) {
	cert, err := NewCertificate()
	require.NoError(t, err)

	// 32 upper-hex octets separated by colons.
	pattern := regexp.MustCompile(`^([0-9A-F]{2}:){31}[0-9A-F]{2}$`)
	assert.Regexp(t, pattern, cert.Fingerprint())
}

func TestCertificatesAreUnique(t *testing.T) {
	a, err := NewCertificate()
	require.NoError(t, err)
	b, err := NewCertificate()
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestMatchesFingerprint(t *testing.T) {
	assert.True(t, MatchesFingerprint("ab:cd", "AB:CD"))
	assert.True(t, MatchesFingerprint(" AB:CD ", "ab:cd"))
	assert.False(t, MatchesFingerprint("AB:CD", "AB:CE"))
}

// pairedConn fixes a UDP socket to one remote, as the nominated ICE
// path does.
type pairedConn struct {
	*net.UDPConn
	remote *net.UDPAddr
}

func (c *pairedConn) Read(b []byte) (int, error) {
	n, _, err := c.ReadFromUDP(b)
	return n, err
}

func (c *pairedConn) Write(b []byte) (int, error) {
	return c.WriteToUDP(b, c.remote)
}

func (c *pairedConn) RemoteAddr() net.Addr { return c.remote }

func udpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	b, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(); b.Close() })

	return &pairedConn{UDPConn: a, remote: b.LocalAddr().(*net.UDPAddr)},
		&pairedConn{UDPConn: b, remote: a.LocalAddr().(*net.UDPAddr)}
}

func TestHandshakeAndKeyExport(t *testing.T) {
	clientCert, err := NewCertificate()
	require.NoError(t, err)
	serverCert, err := NewCertificate()
	require.NoError(t, err)

	connA, connB := udpPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clientT, serverT *Transport
	var clientErr, serverErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		serverT, serverErr = Handshake(ctx, connB, serverCert, clientCert.Fingerprint(), false)
	}()
	go func() {
		defer wg.Done()
		clientT, clientErr = Handshake(ctx, connA, clientCert, serverCert.Fingerprint(), true)
	}()
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	defer clientT.Conn.Close()
	defer serverT.Conn.Close()

	// Both sides derive identical keying material.
	assert.Equal(t, clientT.Keys, serverT.Keys)
	assert.Len(t, clientT.Keys.ClientKey, 16)
	assert.Len(t, clientT.Keys.ServerKey, 16)
	assert.Len(t, clientT.Keys.ClientSalt, 14)
	assert.Len(t, clientT.Keys.ServerSalt, 14)

	// Local/Remote views are mirror images.
	ck, cs := clientT.Keys.Local(true)
	sk, ss := serverT.Keys.Remote(false)
	assert.Equal(t, ck, sk)
	assert.Equal(t, cs, ss)
}

func TestHandshakeRejectsWrongFingerprint(t *testing.T) {
	clientCert, err := NewCertificate()
	require.NoError(t, err)
	serverCert, err := NewCertificate()
	require.NoError(t, err)
	impostor, err := NewCertificate()
	require.NoError(t, err)

	connA, connB := udpPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var clientErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		tr, err := Handshake(ctx, connB, serverCert, clientCert.Fingerprint(), false)
		if err == nil {
			tr.Conn.Close()
		}
	}()
	go func() {
		defer wg.Done()
		// The client expects the impostor's fingerprint; the real server
		// certificate must be rejected.
		_, clientErr = Handshake(ctx, connA, clientCert, impostor.Fingerprint(), true)
	}()
	wg.Wait()

	require.Error(t, clientErr)
}
