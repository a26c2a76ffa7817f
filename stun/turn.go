package stun

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// protoUDP is the REQUESTED-TRANSPORT value for UDP relaying.
const protoUDP = 17

// Allocation is a relayed transport address leased from a TURN server.
// Release must be called when the allocation is no longer needed.
type Allocation struct {
	// Relayed is the server-side address that remote peers can send to.
	Relayed *net.UDPAddr
	// Server is the TURN server the allocation lives on.
	Server *net.UDPAddr
	// Lifetime is the lease granted by the server.
	Lifetime time.Duration

	conn     net.PacketConn
	key      []byte
	username string
	realm    string
	nonce    string
	log      *logrus.Entry
}

// TurnClient acquires relayed candidates from a TURN server using the
// long-term credential mechanism.
type TurnClient struct {
	server   string
	username string
	password string
	log      *logrus.Entry
}

// NewTurnClient creates a client for a single TURN server.
func NewTurnClient(server, username, password string) *TurnClient {
	return &TurnClient{
		server:   server,
		username: username,
		password: password,
		log: logrus.WithFields(logrus.Fields{
			"component": "turn",
			"server":    server,
		}),
	}
}

// Allocate requests a UDP relay from conn. The first request is sent
// without credentials; the expected 401 challenge supplies the realm
// and nonce for the authenticated retry. The socket's read loop must
// not be running concurrently.
func (t *TurnClient) Allocate(ctx context.Context, conn net.PacketConn) (*Allocation, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", t.server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", t.server, err)
	}

	req, err := New(TypeAllocateRequest)
	if err != nil {
		return nil, err
	}
	req.Add(AttrRequestedTransport, requestedTransport())

	resp, err := t.transact(ctx, conn, serverAddr, req, nil)
	if err != nil {
		return nil, err
	}

	var key []byte
	var realm, nonce string
	if resp.Type == TypeAllocateError {
		code, reason, _ := resp.ErrorCode()
		if code != 401 {
			return nil, fmt.Errorf("turn: allocate rejected: %d %s", code, reason)
		}
		realm, nonce, err = challengeParams(resp)
		if err != nil {
			return nil, err
		}
		key = LongTermKey(t.username, realm, t.password)

		retry, err := New(TypeAllocateRequest)
		if err != nil {
			return nil, err
		}
		retry.Add(AttrRequestedTransport, requestedTransport())
		retry.Add(AttrUsername, []byte(t.username))
		retry.Add(AttrRealm, []byte(realm))
		retry.Add(AttrNonce, []byte(nonce))

		resp, err = t.transact(ctx, conn, serverAddr, retry, key)
		if err != nil {
			return nil, err
		}
		if resp.Type == TypeAllocateError {
			code, reason, _ := resp.ErrorCode()
			return nil, fmt.Errorf("turn: authenticated allocate rejected: %d %s", code, reason)
		}
	}
	if resp.Type != TypeAllocateSuccess {
		return nil, fmt.Errorf("turn: unexpected response type 0x%04x", resp.Type)
	}

	relayed, err := resp.XorRelayedAddress()
	if err != nil {
		return nil, fmt.Errorf("turn: allocate response: %w", err)
	}
	lifetime := allocationLifetime(resp)

	t.log.WithFields(logrus.Fields{
		"relayed":  relayed.String(),
		"lifetime": lifetime,
	}).Debug("relay allocated")

	return &Allocation{
		Relayed:  relayed,
		Server:   serverAddr,
		Lifetime: lifetime,
		conn:     conn,
		key:      key,
		username: t.username,
		realm:    realm,
		nonce:    nonce,
		log:      t.log,
	}, nil
}

// Release asks the server to drop the allocation by refreshing it with
// a zero lifetime. Errors are logged, not returned: the lease expires
// on its own regardless.
func (a *Allocation) Release(ctx context.Context) {
	req, err := New(TypeRefreshRequest)
	if err != nil {
		return
	}
	req.Add(AttrLifetime, make([]byte, 4))
	var raw []byte
	if a.key != nil {
		req.Add(AttrUsername, []byte(a.username))
		req.Add(AttrRealm, []byte(a.realm))
		req.Add(AttrNonce, []byte(a.nonce))
		raw = req.MarshalWithIntegrity(a.key)
	} else {
		raw = req.Marshal()
	}
	if _, err := a.conn.WriteTo(raw, a.Server); err != nil {
		a.log.WithError(err).Debug("failed to send refresh")
		return
	}
	// Best effort: wait briefly for the acknowledgement so the server
	// sees the release before the socket is reused for media.
	if _, err := awaitResponse(a.conn, req.TransactionID, time.Second); err != nil {
		a.log.WithError(err).Debug("refresh unacknowledged")
		return
	}
	a.log.Debug("relay released")
}

// transact sends one request with the standard retransmit schedule and
// returns the matching response. When key is non-nil the request is
// signed with MESSAGE-INTEGRITY.
func (t *TurnClient) transact(ctx context.Context, conn net.PacketConn, server *net.UDPAddr, req *Message, key []byte) (*Message, error) {
	var raw []byte
	if key != nil {
		raw = req.MarshalWithIntegrity(key)
	} else {
		raw = req.Marshal()
	}

	waits := make([]time.Duration, 0, len(retransmitDelays)+1)
	waits = append(waits, retransmitDelays...)
	waits = append(waits, finalWait)

	for _, wait := range waits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := conn.WriteTo(raw, server); err != nil {
			return nil, fmt.Errorf("send turn request: %w", err)
		}
		resp, err := awaitResponse(conn, req.TransactionID, wait)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, err
		}
		return resp, nil
	}
	return nil, fmt.Errorf("turn: transaction to %s timed out", server)
}

// LongTermKey derives the long-term credential key
// MD5(username ":" realm ":" password).
func LongTermKey(username, realm, password string) []byte {
	sum := md5.Sum([]byte(username + ":" + realm + ":" + password))
	return sum[:]
}

// challengeParams extracts REALM and NONCE from a 401 error response.
func challengeParams(resp *Message) (realm, nonce string, err error) {
	realmAttr, ok := resp.Get(AttrRealm)
	if !ok {
		return "", "", errors.New("turn: challenge missing REALM")
	}
	nonceAttr, ok := resp.Get(AttrNonce)
	if !ok {
		return "", "", errors.New("turn: challenge missing NONCE")
	}
	return string(realmAttr), string(nonceAttr), nil
}

func requestedTransport() []byte {
	v := make([]byte, 4)
	v[0] = protoUDP
	return v
}

func allocationLifetime(resp *Message) time.Duration {
	attr, ok := resp.Get(AttrLifetime)
	if !ok || len(attr) != 4 {
		return 10 * time.Minute
	}
	return time.Duration(binary.BigEndian.Uint32(attr)) * time.Second
}
