package relay

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/visage-chat/visage/signaling"
)

// Server is the signaling relay. One acceptor goroutine plus one
// worker per connected session; no thread pool.
type Server struct {
	cfg      *Config
	listener net.Listener

	// mu guards dir, sessions, and calls together. One coarse lock: no
	// operation here is hot enough to justify finer granularity. The
	// lock is never held across I/O.
	mu       sync.Mutex
	dir      *Directory
	sessions map[string]*session // userID -> live session
	calls    *callTable

	metrics *Metrics

	wg       sync.WaitGroup
	shutdown chan struct{}
	log      *logrus.Entry
}

// NewServer builds a relay from the given config, loading the user
// directory from disk.
func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dir, err := NewDirectory(cfg.DirectoryPath)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		dir:      dir,
		sessions: make(map[string]*session),
		calls:    newCallTable(),
		metrics:  newMetrics(),
		shutdown: make(chan struct{}),
		log:      logrus.WithField("component", "relay"),
	}, nil
}

// Start binds the listen socket (TLS-terminated when configured) and
// begins accepting connections. Non-blocking.
func (srv *Server) Start() error {
	tlsConf, err := srv.cfg.TLSConfig()
	if err != nil {
		return err
	}

	var ln net.Listener
	if tlsConf != nil {
		ln, err = tls.Listen("tcp", srv.cfg.Addr(), tlsConf)
	} else {
		ln, err = net.Listen("tcp", srv.cfg.Addr())
	}
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.cfg.Addr(), err)
	}
	srv.listener = ln

	srv.log.WithFields(logrus.Fields{
		"addr": ln.Addr().String(),
		"tls":  tlsConf != nil,
	}).Info("relay listening")

	srv.wg.Add(1)
	go srv.acceptLoop()
	return nil
}

// Addr returns the bound listen address.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Close stops accepting, disconnects all sessions, and waits for
// workers to finish.
func (srv *Server) Close() error {
	close(srv.shutdown)
	var err error
	if srv.listener != nil {
		err = srv.listener.Close()
	}

	srv.mu.Lock()
	conns := make([]net.Conn, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		conns = append(conns, s.conn)
	}
	srv.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	srv.wg.Wait()
	return err
}

func (srv *Server) acceptLoop() {
	defer srv.wg.Done()
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.shutdown:
				return
			default:
			}
			srv.log.WithError(err).Warn("accept failed")
			if errors.Is(err, net.ErrClosed) {
				return
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s := newSession(srv, conn)
		srv.wg.Add(1)
		go s.run()
	}
}

// dispatch routes one inbound frame. Returning a non-nil error
// terminates only the offending session.
func (srv *Server) dispatch(s *session, frame *signaling.Frame) error {
	switch frame.Type {
	case signaling.TypeLoginRequest:
		return srv.handleLogin(s, frame)
	case signaling.TypeRegisterRequest:
		return srv.handleRegister(s, frame)
	case signaling.TypeHeartbeat:
		return srv.handleHeartbeat(s, frame)
	}

	// Everything below requires an authenticated session.
	if s.userID == "" {
		s.sendError(signaling.ErrCodeUnauthenticated, "login required")
		return nil
	}

	switch frame.Type {
	case signaling.TypeUserListRequest:
		return srv.handleUserList(s)
	case signaling.TypeCallRequest:
		return srv.handleCallRequest(s, frame)
	case signaling.TypeCallResponse:
		return srv.handleCallResponse(s, frame)
	case signaling.TypeSdpOffer, signaling.TypeSdpAnswer, signaling.TypeIceCandidate:
		return srv.handleForward(s, frame)
	case signaling.TypeHangup:
		return srv.handleHangup(s, frame)
	case signaling.TypeLogoutRequest:
		return srv.handleLogout(s)
	default:
		return fmt.Errorf("unknown message type 0x%02x", byte(frame.Type))
	}
}

func (srv *Server) handleLogin(s *session, frame *signaling.Frame) error {
	var req signaling.LoginRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	if req.Username == "" || req.PasswordHash == "" {
		return errors.New("login request missing required fields")
	}

	srv.mu.Lock()
	user, err := srv.dir.Authenticate(req.Username, req.PasswordHash)
	if err != nil {
		srv.mu.Unlock()
		resp := &signaling.LoginResponse{Success: false}
		switch {
		case errors.Is(err, ErrUnknownUser):
			resp.Error = "unknown user"
		default:
			resp.Error = "bad credentials"
		}
		s.send(signaling.TypeLoginResponse, resp)
		return nil
	}

	// A new session supersedes any existing one for the same user.
	var superseded *session
	if old, ok := srv.sessions[user.ID]; ok && old != s {
		old.superseded = true
		superseded = old
	}
	s.userID = user.ID
	s.username = user.Username
	srv.sessions[user.ID] = s
	srv.dir.SetState(user.ID, signaling.StateAvailable)
	update := srv.stateUpdateLocked(user.ID)
	recipients := srv.broadcastTargetsLocked(s)
	srv.metrics.connectedSessions.Set(float64(len(srv.sessions)))
	srv.mu.Unlock()

	if superseded != nil {
		superseded.conn.Close()
	}

	s.log = s.log.WithField("username", user.Username)
	s.log.WithField("user_id", user.ID).Info("user logged in")

	s.send(signaling.TypeLoginResponse, &signaling.LoginResponse{
		Success:  true,
		UserID:   user.ID,
		Username: user.Username,
	})
	srv.deliverUpdate(recipients, update)
	return nil
}

func (srv *Server) handleRegister(s *session, frame *signaling.Frame) error {
	var req signaling.RegisterRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	if req.Username == "" || req.PasswordHash == "" {
		return errors.New("register request missing required fields")
	}

	srv.mu.Lock()
	user, err := srv.dir.Register(req.Username, req.PasswordHash)
	srv.mu.Unlock()

	if err != nil {
		s.send(signaling.TypeRegisterResponse, &signaling.RegisterResponse{
			Success: false,
			Error:   "username already taken",
		})
		return nil
	}
	s.send(signaling.TypeRegisterResponse, &signaling.RegisterResponse{
		Success: true,
		UserID:  user.ID,
	})
	return nil
}

func (srv *Server) handleHeartbeat(s *session, frame *signaling.Frame) error {
	// Optional keep-alive: echo it back unchanged.
	echo, err := signaling.EncodeRawFrame(signaling.TypeHeartbeat, frame.Payload)
	if err != nil {
		return err
	}
	s.enqueue(echo)
	return nil
}

func (srv *Server) handleUserList(s *session) error {
	srv.mu.Lock()
	users := srv.dir.Snapshot()
	srv.mu.Unlock()
	s.send(signaling.TypeUserListResponse, &signaling.UserListResponse{Users: users})
	return nil
}

func (srv *Server) handleCallRequest(s *session, frame *signaling.Frame) error {
	var req signaling.CallRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	if req.ToUserID == s.userID {
		s.sendError(signaling.ErrCodeSelfCall, "cannot call yourself")
		return nil
	}

	srv.mu.Lock()
	target, ok := srv.dir.Lookup(req.ToUserID)
	if !ok {
		srv.mu.Unlock()
		s.sendError(signaling.ErrCodeUnknownUser, "no such user")
		return nil
	}
	targetSession, online := srv.sessions[target.ID]
	if !online || target.State != signaling.StateAvailable {
		srv.mu.Unlock()
		s.sendError(signaling.ErrCodeTargetUnavailable,
			fmt.Sprintf("%s is not available", target.Username))
		return nil
	}
	call := srv.calls.create(s.userID, target.ID)
	srv.metrics.callsStarted.Inc()
	srv.metrics.activeCalls.Set(float64(srv.activeCallCountLocked()))
	srv.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"call_id": call.ID,
		"callee":  target.Username,
	}).Info("call requested")

	targetSession.send(signaling.TypeCallNotification, &signaling.CallNotification{
		CallID:       call.ID,
		FromUserID:   s.userID,
		FromUsername: s.username,
	})
	return nil
}

func (srv *Server) handleCallResponse(s *session, frame *signaling.Frame) error {
	var resp signaling.CallResponse
	if err := frame.Decode(&resp); err != nil {
		return err
	}

	srv.mu.Lock()
	call, ok := srv.calls.get(resp.CallID)
	if !ok || call.State != CallPending || call.CalleeID != s.userID {
		srv.mu.Unlock()
		s.sendError(signaling.ErrCodeInvalidCallState, "call is not pending")
		return nil
	}
	caller, callerOnline := srv.sessions[call.CallerID]
	if !callerOnline {
		srv.calls.terminate(call.ID)
		srv.metrics.activeCalls.Set(float64(srv.activeCallCountLocked()))
		srv.mu.Unlock()
		s.sendError(signaling.ErrCodeTargetUnavailable, "caller is gone")
		return nil
	}

	if !resp.Accepted {
		srv.calls.terminate(call.ID)
		srv.metrics.activeCalls.Set(float64(srv.activeCallCountLocked()))
		srv.mu.Unlock()
		caller.send(signaling.TypeCallDeclined, &signaling.CallDeclined{
			CallID:       call.ID,
			PeerUserID:   s.userID,
			PeerUsername: s.username,
		})
		return nil
	}

	call.State = CallActive
	srv.dir.SetState(call.CallerID, signaling.StateBusy)
	srv.dir.SetState(call.CalleeID, signaling.StateBusy)
	callerUpdate := srv.stateUpdateLocked(call.CallerID)
	calleeUpdate := srv.stateUpdateLocked(call.CalleeID)
	recipients := srv.broadcastTargetsLocked(s)
	srv.metrics.activeCalls.Set(float64(srv.activeCallCountLocked()))
	srv.mu.Unlock()

	s.log.WithField("call_id", call.ID).Info("call accepted")

	caller.send(signaling.TypeCallAccepted, &signaling.CallAccepted{
		CallID:       call.ID,
		PeerUserID:   s.userID,
		PeerUsername: s.username,
	})
	srv.deliverUpdate(recipients, callerUpdate)
	srv.deliverUpdate(recipients, calleeUpdate)
	return nil
}

// handleForward relays SDP and ICE messages verbatim between call
// participants. Payloads are opaque to the relay.
func (srv *Server) handleForward(s *session, frame *signaling.Frame) error {
	var route struct {
		CallID   string `json:"call_id"`
		ToUserID string `json:"to_user_id"`
	}
	if err := frame.Decode(&route); err != nil {
		return err
	}

	srv.mu.Lock()
	call, ok := srv.calls.get(route.CallID)
	if !ok || call.State != CallActive || call.Peer(s.userID) == "" {
		srv.mu.Unlock()
		s.sendError(signaling.ErrCodeInvalidCallState, "no active call for this message")
		return nil
	}
	peerID := call.Peer(s.userID)
	if route.ToUserID != "" && route.ToUserID != peerID {
		srv.mu.Unlock()
		s.sendError(signaling.ErrCodeInvalidCallState, "recipient is not the call peer")
		return nil
	}
	peer, online := srv.sessions[peerID]
	srv.mu.Unlock()

	if !online {
		s.sendError(signaling.ErrCodeTargetUnavailable, "peer is gone")
		return nil
	}

	forwarded, err := signaling.EncodeRawFrame(frame.Type, frame.Payload)
	if err != nil {
		return err
	}
	peer.enqueue(forwarded)
	srv.metrics.messagesRouted.Inc()
	return nil
}

func (srv *Server) handleHangup(s *session, frame *signaling.Frame) error {
	var hangup signaling.Hangup
	if err := frame.Decode(&hangup); err != nil {
		return err
	}

	srv.mu.Lock()
	call := srv.calls.terminate(hangup.CallID)
	if call == nil {
		srv.mu.Unlock()
		return nil
	}
	peerID := call.Peer(s.userID)
	peer := srv.sessions[peerID]
	var updates [][]byte
	for _, id := range []string{call.CallerID, call.CalleeID} {
		if srv.dir.SetState(id, signaling.StateAvailable) {
			updates = append(updates, srv.stateUpdateLocked(id))
		}
	}
	recipients := srv.broadcastTargetsLocked(s)
	srv.metrics.activeCalls.Set(float64(srv.activeCallCountLocked()))
	srv.mu.Unlock()

	s.log.WithField("call_id", call.ID).Info("call hung up")

	if peer != nil {
		peer.send(signaling.TypeHangup, &signaling.Hangup{CallID: call.ID})
	}
	for _, u := range updates {
		srv.deliverUpdate(recipients, u)
	}
	return nil
}

func (srv *Server) handleLogout(s *session) error {
	s.send(signaling.TypeLogoutResponse, &signaling.LogoutResponse{Success: true})
	return errSessionDone
}

// handleDisconnect performs the cleanup obligations on every exit
// path: remove the session, synthesize a hangup toward any active call
// peer, and broadcast the Disconnected state. Idempotent.
func (srv *Server) handleDisconnect(s *session) {
	s.cleanupOnce.Do(func() {
		srv.mu.Lock()
		if s.userID == "" || s.superseded || srv.sessions[s.userID] != s {
			// Never authenticated, or a newer session owns this user.
			srv.mu.Unlock()
			return
		}
		delete(srv.sessions, s.userID)

		var peer *session
		var hangup *signaling.Hangup
		var updates [][]byte

		if call := srv.calls.byParticipant(s.userID); call != nil {
			wasActive := call.State == CallActive
			srv.calls.terminate(call.ID)
			peerID := call.Peer(s.userID)
			peer = srv.sessions[peerID]
			if wasActive {
				hangup = &signaling.Hangup{CallID: call.ID}
				if srv.dir.SetState(peerID, signaling.StateAvailable) {
					updates = append(updates, srv.stateUpdateLocked(peerID))
				}
			}
		}

		srv.dir.SetState(s.userID, signaling.StateDisconnected)
		updates = append(updates, srv.stateUpdateLocked(s.userID))
		recipients := srv.broadcastTargetsLocked(s)
		srv.metrics.connectedSessions.Set(float64(len(srv.sessions)))
		srv.metrics.activeCalls.Set(float64(srv.activeCallCountLocked()))
		srv.mu.Unlock()

		s.log.Info("session disconnected")

		// The peer hears the hangup before the state broadcast.
		if peer != nil && hangup != nil {
			peer.send(signaling.TypeHangup, hangup)
		}
		for _, u := range updates {
			srv.deliverUpdate(recipients, u)
		}
	})
}

// stateUpdateLocked encodes a UserStateUpdate frame for the given
// user. Caller holds the server mutex.
func (srv *Server) stateUpdateLocked(userID string) []byte {
	u, ok := srv.dir.Lookup(userID)
	if !ok {
		return nil
	}
	frame, err := signaling.EncodeFrame(signaling.TypeUserStateUpdate, &signaling.UserStateUpdate{
		UserID:   u.ID,
		Username: u.Username,
		State:    u.State,
	})
	if err != nil {
		srv.log.WithError(err).Error("failed to encode state update")
		return nil
	}
	return frame
}

// broadcastTargetsLocked snapshots every live session except the
// originator. Caller holds the server mutex.
func (srv *Server) broadcastTargetsLocked(originator *session) []*session {
	targets := make([]*session, 0, len(srv.sessions))
	for _, other := range srv.sessions {
		if other != originator {
			targets = append(targets, other)
		}
	}
	return targets
}

// deliverUpdate enqueues one encoded frame to every target session.
// Best effort per session; delivery order per recipient is FIFO.
func (srv *Server) deliverUpdate(targets []*session, frame []byte) {
	if frame == nil {
		return
	}
	for _, t := range targets {
		t.enqueue(frame)
	}
}

func (srv *Server) activeCallCountLocked() int {
	return len(srv.calls.calls)
}
