package ice

import (
	"net"
	"time"
)

// PairConn adapts the nominated pair's UDP socket to net.Conn for the
// DTLS and SRTP layers. Reads deliver only datagrams from the remote
// candidate's address; anything else on the socket is dropped.
type PairConn struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
}

func newPairConn(conn *net.UDPConn, remote *net.UDPAddr) *PairConn {
	// Clear any deadline left behind by the agent's read loop.
	conn.SetReadDeadline(time.Time{})
	return &PairConn{conn: conn, remote: remote}
}

// Read returns the next datagram from the selected remote address.
func (p *PairConn) Read(b []byte) (int, error) {
	for {
		n, from, err := p.conn.ReadFromUDP(b)
		if err != nil {
			return 0, err
		}
		if !from.IP.Equal(p.remote.IP) || from.Port != p.remote.Port {
			continue
		}
		return n, nil
	}
}

// Write sends one datagram to the selected remote address.
func (p *PairConn) Write(b []byte) (int, error) {
	return p.conn.WriteToUDP(b, p.remote)
}

// Close closes the underlying socket.
func (p *PairConn) Close() error { return p.conn.Close() }

// LocalAddr returns the socket's bound address.
func (p *PairConn) LocalAddr() net.Addr { return p.conn.LocalAddr() }

// RemoteAddr returns the nominated remote address.
func (p *PairConn) RemoteAddr() net.Addr { return p.remote }

// SetDeadline applies to reads and writes.
func (p *PairConn) SetDeadline(t time.Time) error { return p.conn.SetDeadline(t) }

// SetReadDeadline bounds the next Read.
func (p *PairConn) SetReadDeadline(t time.Time) error { return p.conn.SetReadDeadline(t) }

// SetWriteDeadline bounds the next Write.
func (p *PairConn) SetWriteDeadline(t time.Time) error { return p.conn.SetWriteDeadline(t) }
