package signaling

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HeartbeatInterval is how often a connected client emits a Heartbeat
// frame. The relay echoes heartbeats; no timeout is enforced on either
// side, liveness relies on TCP failure detection.
const HeartbeatInterval = 20 * time.Second

// requestTimeout bounds synchronous request/response exchanges.
const requestTimeout = 10 * time.Second

// ErrClientClosed is returned by operations on a closed client.
var ErrClientClosed = errors.New("signaling: client closed")

// Event is one decoded inbound message that is not the direct response
// to a pending request: call notifications, forwarded SDP and ICE,
// state updates, hangups, and typed errors.
type Event struct {
	Type MessageType
	Msg  any
}

// Client is the client side of the relay protocol. It owns the
// connection, serializes writes, and decodes inbound frames into
// either pending-request responses or Events.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[MessageType]chan *Frame
	closed  bool

	events chan Event
	done   chan struct{}

	// Identity after a successful login.
	UserID   string
	Username string

	log *logrus.Entry
}

// Dial connects to the relay at addr. When tlsConf is non-nil the
// connection is wrapped in TLS before any frame is exchanged.
func Dial(addr string, tlsConf *tls.Config) (*Client, error) {
	var conn net.Conn
	var err error
	if tlsConf != nil {
		conn, err = tls.Dial("tcp", addr, tlsConf)
	} else {
		conn, err = net.DialTimeout("tcp", addr, 10*time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		waiters: make(map[MessageType]chan *Frame),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		log:     logrus.WithField("component", "signaling-client"),
	}
	go c.readLoop()
	go c.heartbeatLoop()
	return c, nil
}

// Events returns the stream of unsolicited inbound messages. The
// channel is closed when the connection terminates.
func (c *Client) Events() <-chan Event { return c.events }

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Send writes one framed message to the relay.
func (c *Client) Send(typ MessageType, payload any) error {
	frame, err := EncodeFrame(typ, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

// request sends a frame and blocks for the single response frame of
// type want. Only one request per response type may be outstanding.
func (c *Client) request(ctx context.Context, typ MessageType, payload any, want MessageType) (*Frame, error) {
	ch := make(chan *Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if _, busy := c.waiters[want]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("signaling: %s already pending", want)
	}
	c.waiters[want] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, want)
		c.mu.Unlock()
	}()

	if err := c.Send(typ, payload); err != nil {
		return nil, err
	}

	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("signaling: timed out waiting for %s", want)
	}
}

// Login authenticates this connection as username. On success the
// client remembers its user id and username.
func (c *Client) Login(ctx context.Context, username, passwordHash string) (*LoginResponse, error) {
	f, err := c.request(ctx, TypeLoginRequest,
		&LoginRequest{Username: username, PasswordHash: passwordHash}, TypeLoginResponse)
	if err != nil {
		return nil, err
	}
	var resp LoginResponse
	if err := f.Decode(&resp); err != nil {
		return nil, err
	}
	if resp.Success {
		c.UserID = resp.UserID
		c.Username = resp.Username
	}
	return &resp, nil
}

// Register creates a new account on the relay.
func (c *Client) Register(ctx context.Context, username, passwordHash string) (*RegisterResponse, error) {
	f, err := c.request(ctx, TypeRegisterRequest,
		&RegisterRequest{Username: username, PasswordHash: passwordHash}, TypeRegisterResponse)
	if err != nil {
		return nil, err
	}
	var resp RegisterResponse
	if err := f.Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListUsers fetches the directory with current presence states.
func (c *Client) ListUsers(ctx context.Context) ([]UserEntry, error) {
	f, err := c.request(ctx, TypeUserListRequest, &UserListRequest{}, TypeUserListResponse)
	if err != nil {
		return nil, err
	}
	var resp UserListResponse
	if err := f.Decode(&resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// Logout releases the session. The relay acknowledges and then closes.
func (c *Client) Logout(ctx context.Context) error {
	f, err := c.request(ctx, TypeLogoutRequest, &LogoutRequest{}, TypeLogoutResponse)
	if err != nil {
		return err
	}
	var resp LogoutResponse
	if err := f.Decode(&resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("signaling: logout refused: %s", resp.Error)
	}
	return nil
}

// RequestCall rings the given user.
func (c *Client) RequestCall(toUserID string) error {
	return c.Send(TypeCallRequest, &CallRequest{ToUserID: toUserID})
}

// RespondCall accepts or declines a ringing call.
func (c *Client) RespondCall(callID string, accepted bool) error {
	return c.Send(TypeCallResponse, &CallResponse{CallID: callID, Accepted: accepted})
}

// SendOffer forwards an SDP offer to the call peer.
func (c *Client) SendOffer(callID, toUserID, sdp string) error {
	return c.Send(TypeSdpOffer, &SdpOffer{
		CallID: callID, FromUserID: c.UserID, ToUserID: toUserID, SDP: sdp,
	})
}

// SendAnswer forwards an SDP answer to the call peer.
func (c *Client) SendAnswer(callID, toUserID, sdp string) error {
	return c.Send(TypeSdpAnswer, &SdpAnswer{
		CallID: callID, FromUserID: c.UserID, ToUserID: toUserID, SDP: sdp,
	})
}

// SendCandidate forwards one ICE candidate line to the call peer.
func (c *Client) SendCandidate(callID, toUserID, candidate, mid string, mlineIndex int) error {
	return c.Send(TypeIceCandidate, &IceCandidate{
		CallID: callID, FromUserID: c.UserID, ToUserID: toUserID,
		Candidate: candidate, SdpMid: mid, SdpMlineIndex: mlineIndex,
	})
}

// SendHangup terminates the call on the relay and notifies the peer.
func (c *Client) SendHangup(callID string) error {
	return c.Send(TypeHangup, &Hangup{CallID: callID})
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Send(TypeHeartbeat, &Heartbeat{Timestamp: time.Now().UnixMilli()}); err != nil {
				c.log.WithError(err).Debug("heartbeat send failed")
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer func() {
		close(c.done)
		close(c.events)
		c.Close()
	}()

	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.WithError(err).Debug("read loop terminated")
			}
			return
		}

		c.mu.Lock()
		waiter := c.waiters[frame.Type]
		if waiter != nil {
			delete(c.waiters, frame.Type)
		}
		c.mu.Unlock()

		if waiter != nil {
			waiter <- frame
			continue
		}

		msg, err := decodeEvent(frame)
		if err != nil {
			c.log.WithError(err).WithField("type", frame.Type).Warn("dropping malformed inbound frame")
			continue
		}
		if msg == nil {
			continue // heartbeat echo and the like
		}
		select {
		case c.events <- Event{Type: frame.Type, Msg: msg}:
		default:
			c.log.WithField("type", frame.Type).Warn("event queue full, dropping inbound message")
		}
	}
}

// decodeEvent maps an unsolicited frame to its payload struct. A nil
// result with nil error means the frame carries no event for the
// application (heartbeat echoes).
func decodeEvent(f *Frame) (any, error) {
	var msg any
	switch f.Type {
	case TypeUserStateUpdate:
		msg = &UserStateUpdate{}
	case TypeCallNotification:
		msg = &CallNotification{}
	case TypeCallAccepted:
		msg = &CallAccepted{}
	case TypeCallDeclined:
		msg = &CallDeclined{}
	case TypeSdpOffer:
		msg = &SdpOffer{}
	case TypeSdpAnswer:
		msg = &SdpAnswer{}
	case TypeIceCandidate:
		msg = &IceCandidate{}
	case TypeHangup:
		msg = &Hangup{}
	case TypeError:
		msg = &ErrorMessage{}
	case TypeHeartbeat:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected message type %s", f.Type)
	}
	if err := f.Decode(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
