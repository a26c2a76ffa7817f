// Package peer drives one call from signaling to a running media
// session: SDP exchange, ICE connectivity, the DTLS handshake, and
// session teardown.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/visage-chat/visage/dtlstransport"
	"github.com/visage-chat/visage/ice"
	"github.com/visage-chat/visage/media"
	"github.com/visage-chat/visage/sdp"
	"github.com/visage-chat/visage/session"
	"github.com/visage-chat/visage/signaling"
)

// setupTimeout bounds the whole setup, offer to active.
const setupTimeout = 30 * time.Second

// disconnectGrace lets the in-band disconnect leave before the
// session's socket closes.
const disconnectGrace = 100 * time.Millisecond

// State is the call's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateIceChecking
	StateDtlsHandshake
	StateActive
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateIceChecking:
		return "ice-checking"
	case StateDtlsHandshake:
		return "dtls-handshake"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrBadState is returned when an operation does not apply to the
// call's current state.
var ErrBadState = errors.New("peer: operation not valid in this state")

// Signaler is the slice of the relay client the controller needs.
type Signaler interface {
	SendOffer(callID, toUserID, sdp string) error
	SendAnswer(callID, toUserID, sdp string) error
	SendHangup(callID string) error
}

// MediaConfig carries the codec surfaces handed to the session.
type MediaConfig struct {
	Source media.FrameSource
	Sink   media.FrameSink
	Codec  media.Codec
	FPS    uint32
	MTU    int
}

// Config assembles a controller.
type Config struct {
	Signaler Signaler
	Media    MediaConfig

	StunServers []string
	Turn        *ice.TurnConfig

	// LocalName is announced over the control channel once the
	// session is up.
	LocalName string

	OnStateChange func(State)
	OnControl     func(session.ControlMessage)
}

// Controller owns one call. Methods are safe for concurrent use; the
// signaling event loop and the media callbacks may race.
type Controller struct {
	cfg Config

	mu          sync.Mutex
	state       State
	callID      string
	remoteID    string
	controlling bool

	agent *ice.Agent
	cert  *dtlstransport.Certificate

	localOffer        *sdp.Session
	remoteFingerprint string
	dtlsClient        bool

	// Candidates that arrived before the remote description.
	pending       []string
	remoteApplied bool

	transport *dtlstransport.Transport
	sess      *session.Session

	setupCtx    context.Context
	cancelSetup context.CancelFunc

	log *logrus.Entry
}

// NewController prepares an idle controller for one call.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("peer: signaler is required")
	}
	if cfg.Media.Source == nil || cfg.Media.Sink == nil || cfg.Media.Codec == nil {
		return nil, errors.New("peer: media source, sink, and codec are required")
	}
	return &Controller{
		cfg:   cfg,
		state: StateIdle,
		log:   logrus.WithField("component", "peer"),
	}, nil
}

// State returns the current lifecycle position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the media session once the call is active.
func (c *Controller) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// StartCall begins the offering side. callID comes from the relay's
// call acceptance; remoteUserID is the answering peer.
func (c *Controller) StartCall(ctx context.Context, callID, remoteUserID string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrBadState
	}
	c.state = StateOffering
	c.callID = callID
	c.remoteID = remoteUserID
	c.controlling = true
	c.log = c.log.WithField("call_id", callID)
	c.mu.Unlock()
	c.notify(StateOffering)

	setupCtx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	c.mu.Lock()
	c.setupCtx = setupCtx
	c.cancelSetup = cancel
	c.mu.Unlock()

	offer, err := c.prepareLocal(ctx, true, nil)
	if err != nil {
		c.fail(fmt.Errorf("peer: prepare offer: %w", err))
		return err
	}
	c.mu.Lock()
	c.localOffer = offer
	c.mu.Unlock()

	if err := c.cfg.Signaler.SendOffer(callID, remoteUserID, offer.Marshal()); err != nil {
		c.fail(fmt.Errorf("peer: send offer: %w", err))
		return err
	}
	c.log.Info("offer sent")
	return nil
}

// HandleOffer begins the answering side from a received offer.
func (c *Controller) HandleOffer(ctx context.Context, callID, fromUserID, offerSDP string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrBadState
	}
	c.state = StateAnswering
	c.callID = callID
	c.remoteID = fromUserID
	c.controlling = false
	c.log = c.log.WithField("call_id", callID)
	c.mu.Unlock()
	c.notify(StateAnswering)

	offer, err := sdp.Parse(offerSDP)
	if err == nil {
		err = offer.Validate()
	}
	if err != nil {
		c.fail(fmt.Errorf("peer: bad offer: %w", err))
		return err
	}

	setupCtx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	c.mu.Lock()
	c.cancelSetup = cancel
	c.mu.Unlock()

	answer, err := c.prepareLocal(ctx, false, offer)
	if err != nil {
		c.fail(fmt.Errorf("peer: prepare answer: %w", err))
		return err
	}

	if err := c.applyRemote(offer); err != nil {
		c.fail(err)
		return err
	}

	if err := c.cfg.Signaler.SendAnswer(callID, fromUserID, answer.Marshal()); err != nil {
		c.fail(fmt.Errorf("peer: send answer: %w", err))
		return err
	}
	c.log.Info("answer sent")

	go c.connect(setupCtx)
	return nil
}

// HandleAnswer completes the offering side's SDP exchange.
func (c *Controller) HandleAnswer(answerSDP string) error {
	c.mu.Lock()
	if c.state != StateOffering {
		c.mu.Unlock()
		return ErrBadState
	}
	offer := c.localOffer
	setupCtx := c.setupCtx
	c.mu.Unlock()

	answer, err := sdp.Parse(answerSDP)
	if err == nil {
		err = answer.Validate()
	}
	if err == nil {
		err = sdp.VerifyAnswer(offer, answer)
	}
	if err != nil {
		c.fail(fmt.Errorf("peer: bad answer: %w", err))
		return err
	}

	role, err := answer.Setup()
	if err != nil {
		c.fail(err)
		return err
	}
	c.mu.Lock()
	// The answerer taking active makes this side the DTLS server.
	c.dtlsClient = role == sdp.SetupPassive
	c.mu.Unlock()

	if err := c.applyRemote(answer); err != nil {
		c.fail(err)
		return err
	}

	go c.connect(setupCtx)
	return nil
}

// HandleCandidate feeds one trickled remote candidate, buffering it
// until the remote description has been applied.
func (c *Controller) HandleCandidate(line string) {
	c.mu.Lock()
	if !c.remoteApplied {
		c.pending = append(c.pending, line)
		c.mu.Unlock()
		return
	}
	agent := c.agent
	c.mu.Unlock()
	c.addCandidate(agent, line)
}

// HandleRemoteHangup tears the call down after the peer hung up.
func (c *Controller) HandleRemoteHangup() {
	c.log.Info("remote hangup")
	c.teardown(StateClosed, false)
}

// HandleEvent dispatches a signaling event belonging to this call.
// Events for other calls and unrelated types are ignored.
func (c *Controller) HandleEvent(ctx context.Context, ev signaling.Event) error {
	switch msg := ev.Msg.(type) {
	case *signaling.SdpOffer:
		return c.HandleOffer(ctx, msg.CallID, msg.FromUserID, msg.SDP)
	case *signaling.SdpAnswer:
		if !c.owns(msg.CallID) {
			return nil
		}
		return c.HandleAnswer(msg.SDP)
	case *signaling.IceCandidate:
		if c.owns(msg.CallID) || !c.started() {
			c.HandleCandidate(msg.Candidate)
		}
		return nil
	case *signaling.Hangup:
		if c.owns(msg.CallID) {
			c.HandleRemoteHangup()
		}
		return nil
	}
	return nil
}

// Hangup ends the call locally: the peer gets an in-band disconnect
// and the relay a Hangup.
func (c *Controller) Hangup() {
	c.log.Info("local hangup")
	c.teardown(StateClosed, true)
}

// prepareLocal gathers candidates and builds this side's description.
// offer is nil on the offering side.
func (c *Controller) prepareLocal(ctx context.Context, controlling bool, offer *sdp.Session) (*sdp.Session, error) {
	cert, err := dtlstransport.NewCertificate()
	if err != nil {
		return nil, err
	}
	agent, err := ice.NewAgent(ice.Config{
		Controlling: controlling,
		StunServers: c.cfg.StunServers,
		Turn:        c.cfg.Turn,
	})
	if err != nil {
		return nil, err
	}
	if err := agent.Gather(ctx); err != nil {
		agent.Close()
		return nil, err
	}

	ufrag, pwd := agent.LocalCredentials()
	var lines []string
	for _, cand := range agent.LocalCandidates() {
		lines = append(lines, cand.Marshal())
	}
	params := sdp.Params{
		SessionID:   uuid.NewString(),
		Ufrag:       ufrag,
		Pwd:         pwd,
		Fingerprint: cert.Fingerprint(),
		Candidates:  lines,
	}

	var local *sdp.Session
	if offer == nil {
		local = sdp.BuildOffer(params)
	} else {
		local, err = sdp.BuildAnswer(offer, params, false)
		if err != nil {
			agent.Close()
			return nil, err
		}
		role, err := local.Setup()
		if err != nil {
			agent.Close()
			return nil, err
		}
		c.mu.Lock()
		c.dtlsClient = role == sdp.SetupActive
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.agent = agent
	c.cert = cert
	c.mu.Unlock()
	return local, nil
}

// applyRemote installs the peer's credentials, fingerprint, and
// candidates, then replays any buffered trickle candidates.
func (c *Controller) applyRemote(remote *sdp.Session) error {
	ufrag, pwd, err := remote.Credentials()
	if err != nil {
		return fmt.Errorf("peer: remote credentials: %w", err)
	}
	fingerprint, err := remote.Fingerprint()
	if err != nil {
		return fmt.Errorf("peer: remote fingerprint: %w", err)
	}

	c.mu.Lock()
	agent := c.agent
	c.remoteFingerprint = fingerprint
	pending := c.pending
	c.pending = nil
	c.remoteApplied = true
	c.mu.Unlock()

	agent.SetRemoteCredentials(ufrag, pwd)
	for _, line := range remote.Candidates() {
		c.addCandidate(agent, line)
	}
	for _, line := range pending {
		c.addCandidate(agent, line)
	}
	return nil
}

func (c *Controller) addCandidate(agent *ice.Agent, line string) {
	cand, err := ice.ParseCandidate(line)
	if err != nil {
		c.log.WithError(err).Warn("ignoring malformed remote candidate")
		return
	}
	agent.AddRemoteCandidate(cand)
}

// connect runs connectivity checks, the DTLS handshake, and session
// startup. Runs on its own goroutine under the setup deadline.
func (c *Controller) connect(ctx context.Context) {
	c.setState(StateIceChecking)
	c.mu.Lock()
	agent := c.agent
	cert := c.cert
	fingerprint := c.remoteFingerprint
	client := c.dtlsClient
	c.mu.Unlock()

	conn, err := agent.Connect(ctx)
	if err != nil {
		c.fail(fmt.Errorf("peer: ice: %w", err))
		return
	}

	c.setState(StateDtlsHandshake)
	transport, err := dtlstransport.Handshake(ctx, conn, cert, fingerprint, client)
	if err != nil {
		c.fail(fmt.Errorf("peer: dtls: %w", err))
		return
	}

	sess, err := session.New(session.Config{
		Conn:      conn,
		Keys:      transport.Keys,
		Client:    transport.Client,
		Source:    c.cfg.Media.Source,
		Sink:      c.cfg.Media.Sink,
		Codec:     c.cfg.Media.Codec,
		MTU:       c.cfg.Media.MTU,
		FPS:       c.cfg.Media.FPS,
		OnControl: c.cfg.OnControl,
		OnClosed:  c.sessionClosed,
	})
	if err != nil {
		c.fail(fmt.Errorf("peer: session: %w", err))
		return
	}

	c.mu.Lock()
	c.transport = transport
	c.sess = sess
	if c.cancelSetup != nil {
		c.cancelSetup()
		c.cancelSetup = nil
	}
	c.mu.Unlock()

	c.setState(StateActive)
	sess.Start()
	if c.cfg.LocalName != "" {
		_ = sess.SendControl(session.ControlMessage{
			Type: session.ControlParticipantName,
			Name: c.cfg.LocalName,
		})
	}
	c.log.Info("call active")
}

// sessionClosed reacts to the media session ending on its own. An
// error there is unrecoverable for the call.
func (c *Controller) sessionClosed(err error) {
	if err == nil {
		return
	}
	c.log.WithError(err).Error("media session failed")
	c.teardown(StateFailed, true)
}

// fail ends setup and reports Failed.
func (c *Controller) fail(err error) {
	c.log.WithError(err).Error("call setup failed")
	c.teardown(StateFailed, true)
}

// teardown releases every call resource exactly once and lands in
// final. notifyRelay sends Hangup for locally initiated endings.
func (c *Controller) teardown(final State, notifyRelay bool) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = final
	callID := c.callID
	sess := c.sess
	transport := c.transport
	agent := c.agent
	cancel := c.cancelSetup
	role := session.RoleCallee
	if c.controlling {
		role = session.RoleCaller
	}
	c.sess = nil
	c.transport = nil
	c.agent = nil
	c.cancelSetup = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		_ = sess.SendControl(session.ControlMessage{
			Type: session.ControlDisconnect,
			Role: role,
		})
		// Give the sender a turn to flush the disconnect.
		time.Sleep(disconnectGrace)
		sess.Close()
	}
	if transport != nil {
		transport.Conn.Close()
	}
	if agent != nil {
		agent.Close()
	}
	if notifyRelay && callID != "" {
		if err := c.cfg.Signaler.SendHangup(callID); err != nil {
			c.log.WithError(err).Warn("hangup not delivered")
		}
	}
	c.notify(final)
}

func (c *Controller) owns(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID == callID
}

func (c *Controller) started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateIdle
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notify(s)
}

func (c *Controller) notify(s State) {
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}
