package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Retransmit schedule for one transaction: initial send plus two
// retransmits, then the transaction fails.
var retransmitDelays = []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond}

// finalWait is how long the last retransmit may wait for a response.
const finalWait = 2 * time.Second

// Client discovers server-reflexive addresses by running binding
// transactions against configured STUN servers from an existing UDP
// socket, so the mapped address corresponds to the socket that will
// later carry media.
type Client struct {
	servers []string
	log     *logrus.Entry
}

// NewClient creates a STUN client for the given servers. An empty list
// falls back to well-known public servers.
func NewClient(servers []string) *Client {
	if len(servers) == 0 {
		servers = []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
		}
	}
	return &Client{
		servers: servers,
		log:     logrus.WithField("component", "stun"),
	}
}

// Servers returns the configured server list.
func (c *Client) Servers() []string { return c.servers }

// DiscoverFrom runs a binding transaction from conn against each
// configured server in turn and returns the first reflexive address
// obtained. The socket's read loop must not be running concurrently.
func (c *Client) DiscoverFrom(ctx context.Context, conn net.PacketConn) (*net.UDPAddr, error) {
	var lastErr error
	for _, server := range c.servers {
		serverAddr, err := net.ResolveUDPAddr("udp4", server)
		if err != nil {
			lastErr = fmt.Errorf("resolve %s: %w", server, err)
			continue
		}
		addr, err := c.bindOnce(ctx, conn, serverAddr)
		if err == nil {
			c.log.WithFields(logrus.Fields{
				"server":    server,
				"reflexive": addr.String(),
			}).Debug("reflexive address discovered")
			return addr, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = errors.New("stun: no servers configured")
	}
	return nil, fmt.Errorf("stun: all servers failed: %w", lastErr)
}

// bindOnce runs one binding transaction with the standard retransmit
// schedule against a single server.
func (c *Client) bindOnce(ctx context.Context, conn net.PacketConn, server *net.UDPAddr) (*net.UDPAddr, error) {
	req, err := New(TypeBindingRequest)
	if err != nil {
		return nil, err
	}
	raw := req.Marshal()

	waits := make([]time.Duration, 0, len(retransmitDelays)+1)
	waits = append(waits, retransmitDelays...)
	waits = append(waits, finalWait)

	for _, wait := range waits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := conn.WriteTo(raw, server); err != nil {
			return nil, fmt.Errorf("send binding request: %w", err)
		}
		resp, err := awaitResponse(conn, req.TransactionID, wait)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, err
		}
		if resp.Type == TypeBindingError {
			code, reason, _ := resp.ErrorCode()
			return nil, fmt.Errorf("stun: binding error %d %s", code, reason)
		}
		return resp.XorMappedAddress()
	}
	return nil, fmt.Errorf("stun: transaction to %s timed out", server)
}

// awaitResponse reads datagrams until one parses as a STUN message
// with the expected transaction id or the deadline expires. Unrelated
// datagrams are discarded.
func awaitResponse(conn net.PacketConn, txID TransactionID, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	buf := make([]byte, 1500)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return nil, err
		}
		msg, err := Parse(buf[:n])
		if err != nil {
			continue
		}
		if msg.TransactionID != txID {
			continue
		}
		return msg, nil
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
