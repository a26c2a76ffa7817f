package ice

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/visage-chat/visage/stun"
)

const (
	// gatherDeadline bounds candidate gathering; whatever resolved in
	// time is used.
	gatherDeadline = 5 * time.Second

	// overallDeadline bounds the whole connectivity phase. With no
	// nominated pair by then the agent fails.
	overallDeadline = 15 * time.Second

	// Per-pair retransmit schedule. After the final wait the pair fails.
	checkWait1 = 500 * time.Millisecond
	checkWait2 = 1500 * time.Millisecond
	checkWait3 = 2 * time.Second
)

var (
	// ErrNoPairs is returned when pairing produced an empty checklist.
	ErrNoPairs = errors.New("ice: no candidate pairs")

	// ErrDeadline is returned when no pair was nominated in time.
	ErrDeadline = errors.New("ice: connectivity deadline exceeded")

	// ErrNoCredentials is returned when checks start before the remote
	// ufrag and pwd are known.
	ErrNoCredentials = errors.New("ice: remote credentials not set")
)

// TurnConfig enables relay candidate acquisition.
type TurnConfig struct {
	Server   string
	Username string
	Password string
}

// Config carries agent construction parameters.
type Config struct {
	// Controlling marks the agent that schedules nomination. The
	// offerer controls.
	Controlling bool

	// StunServers to query for server-reflexive candidates. Empty
	// falls back to the STUN client's defaults.
	StunServers []string

	// Turn, when non-nil, enables relay candidate acquisition.
	Turn *TurnConfig
}

// hostSocket is one gathered UDP socket with its base address. done is
// closed when the agent's read loop on this socket has exited.
type hostSocket struct {
	conn *net.UDPConn
	base *net.UDPAddr
	done chan struct{}
}

func newHostSocket(conn *net.UDPConn) *hostSocket {
	return &hostSocket{
		conn: conn,
		base: conn.LocalAddr().(*net.UDPAddr),
		done: make(chan struct{}),
	}
}

// inboundResponse is a STUN response routed to a waiting check.
type inboundResponse struct {
	msg  *stun.Message
	from *net.UDPAddr
}

// Agent runs single-component ICE for one call. Gather, exchange
// candidates through signaling, then Connect; the returned PairConn
// owns the selected socket from that point on.
type Agent struct {
	controlling bool
	cfg         Config

	localUfrag string
	localPwd   string
	tieBreaker uint64

	mu          sync.Mutex
	remoteUfrag string
	remotePwd   string
	locals      []*Candidate
	remotes     []*Candidate
	sockets     []*hostSocket
	pairs       []*Pair
	waiters     map[stun.TransactionID]chan inboundResponse
	nominatedCh chan *Pair
	nomSent     bool
	stopped     bool

	allocation *stun.Allocation

	log *logrus.Entry
}

// NewAgent creates an agent with fresh local credentials.
func NewAgent(cfg Config) (*Agent, error) {
	ufrag, err := randomToken(4)
	if err != nil {
		return nil, err
	}
	pwd, err := randomToken(16)
	if err != nil {
		return nil, err
	}
	var tb [8]byte
	if _, err := rand.Read(tb[:]); err != nil {
		return nil, fmt.Errorf("ice: tie breaker: %w", err)
	}
	return &Agent{
		controlling: cfg.Controlling,
		cfg:         cfg,
		localUfrag:  ufrag,
		localPwd:    pwd,
		tieBreaker:  binary.BigEndian.Uint64(tb[:]),
		waiters:     make(map[stun.TransactionID]chan inboundResponse),
		nominatedCh: make(chan *Pair, 1),
		log: logrus.WithFields(logrus.Fields{
			"component":   "ice",
			"controlling": cfg.Controlling,
		}),
	}, nil
}

// LocalCredentials returns the agent's ufrag and pwd for the SDP.
func (a *Agent) LocalCredentials() (ufrag, pwd string) {
	return a.localUfrag, a.localPwd
}

// SetRemoteCredentials installs the peer's ufrag and pwd from its SDP.
func (a *Agent) SetRemoteCredentials(ufrag, pwd string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remoteUfrag = ufrag
	a.remotePwd = pwd
}

// AddRemoteCandidate appends a candidate received through signaling.
func (a *Agent) AddRemoteCandidate(c *Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remotes = append(a.remotes, c)
}

// LocalCandidates returns the gathered candidates.
func (a *Agent) LocalCandidates() []*Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Candidate, len(a.locals))
	copy(out, a.locals)
	return out
}

// Gather binds host sockets on every usable interface address, then
// resolves server-reflexive and relay candidates from them. Partial
// results are kept when the gather deadline expires.
func (a *Agent) Gather(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, gatherDeadline)
	defer cancel()

	addrs, err := localAddresses()
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return errors.New("ice: no usable interface addresses")
	}

	stunClient := stun.NewClient(a.cfg.StunServers)

	var locals []*Candidate
	var sockets []*hostSocket

	localPref := uint32(65535)
	for _, ip := range addrs {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
		if err != nil {
			a.log.WithError(err).WithField("ip", ip.String()).Debug("bind failed, skipping address")
			continue
		}
		sock := newHostSocket(conn)
		sockets = append(sockets, sock)
		locals = append(locals, newCandidate(Host, sock.base, sock.base, localPref))

		if ip.To4() != nil {
			if reflexive, err := stunClient.DiscoverFrom(ctx, conn); err == nil {
				if reflexive.Port != sock.base.Port || !reflexive.IP.Equal(sock.base.IP) {
					locals = append(locals, newCandidate(Srflx, reflexive, sock.base, localPref))
				}
			} else {
				a.log.WithError(err).Debug("reflexive discovery failed")
			}
		}
		if localPref > 0 {
			localPref--
		}
	}
	if len(sockets) == 0 {
		return errors.New("ice: could not bind any host socket")
	}

	var alloc *stun.Allocation
	if a.cfg.Turn != nil {
		var relaySock *hostSocket
		relaySock, alloc = a.gatherRelay(ctx)
		if alloc != nil {
			sockets = append(sockets, relaySock)
			locals = append(locals, newCandidate(Relay, alloc.Relayed, relaySock.base, 0))
		}
	}

	a.mu.Lock()
	a.locals = locals
	a.sockets = sockets
	a.allocation = alloc
	a.mu.Unlock()

	a.log.WithField("candidates", len(locals)).Debug("gathering complete")
	return nil
}

// gatherRelay allocates a TURN relay from a dedicated socket. The
// relay is acquisition-only: checks never run from it, and the
// allocation is released on Close.
func (a *Agent) gatherRelay(ctx context.Context) (*hostSocket, *stun.Allocation) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		a.log.WithError(err).Debug("relay socket bind failed")
		return nil, nil
	}
	client := stun.NewTurnClient(a.cfg.Turn.Server, a.cfg.Turn.Username, a.cfg.Turn.Password)
	alloc, err := client.Allocate(ctx, conn)
	if err != nil {
		conn.Close()
		a.log.WithError(err).Debug("relay allocation failed")
		return nil, nil
	}
	return newHostSocket(conn), alloc
}

// Connect runs connectivity checks until a pair is nominated, then
// hands the selected socket off as a net.Conn. The agent's read loops
// stop; from the return onward the caller owns the socket.
func (a *Agent) Connect(ctx context.Context) (*PairConn, error) {
	ctx, cancel := context.WithTimeout(ctx, overallDeadline)
	defer cancel()

	a.mu.Lock()
	if a.remoteUfrag == "" || a.remotePwd == "" {
		a.mu.Unlock()
		return nil, ErrNoCredentials
	}
	a.pairs = formPairs(a.locals, a.remotes, a.controlling)
	pairs := a.pairs
	a.mu.Unlock()

	if len(pairs) == 0 {
		return nil, ErrNoPairs
	}

	for _, sock := range a.socketsSnapshot() {
		go a.readLoop(sock)
	}
	go a.runChecks(ctx, pairs)

	select {
	case pair := <-a.nominatedCh:
		a.log.WithField("pair", pair.String()).Info("pair nominated")
		return a.handOff(pair)
	case <-ctx.Done():
		return nil, ErrDeadline
	}
}

// Close releases the relay allocation and closes every socket still
// owned by the agent.
func (a *Agent) Close() {
	a.mu.Lock()
	a.stopped = true
	sockets := a.sockets
	a.sockets = nil
	alloc := a.allocation
	a.allocation = nil
	a.mu.Unlock()

	if alloc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		alloc.Release(ctx)
		cancel()
	}
	for _, s := range sockets {
		s.conn.Close()
	}
}

func (a *Agent) socketsSnapshot() []*hostSocket {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*hostSocket, len(a.sockets))
	copy(out, a.sockets)
	return out
}

// handOff transfers the selected pair's socket out of the agent and
// closes the rest.
func (a *Agent) handOff(pair *Pair) (*PairConn, error) {
	a.mu.Lock()
	a.stopped = true
	var selected *hostSocket
	var rest []*hostSocket
	for _, s := range a.sockets {
		if s.base.Port == pair.Local.addr().Port || (pair.Local.RelatedPort != 0 && s.base.Port == pair.Local.RelatedPort) {
			selected = s
		} else {
			rest = append(rest, s)
		}
	}
	a.sockets = nil
	alloc := a.allocation
	a.allocation = nil
	a.mu.Unlock()

	for _, s := range rest {
		s.conn.Close()
	}
	if alloc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		alloc.Release(ctx)
		cancel()
	}
	if selected == nil {
		return nil, fmt.Errorf("ice: no socket for nominated pair %s", pair)
	}
	// Unblock the read loop and wait for it to release the socket
	// before PairConn reads take over.
	selected.conn.SetReadDeadline(time.Now())
	select {
	case <-selected.done:
	case <-time.After(time.Second):
	}
	return newPairConn(selected.conn, pair.Remote.addr()), nil
}

// runChecks walks the checklist in priority order. One check is
// outstanding per pair; the first Succeeded pair is the nomination
// target for the controlling agent.
func (a *Agent) runChecks(ctx context.Context, pairs []*Pair) {
	for _, pair := range pairs {
		if ctx.Err() != nil {
			return
		}
		a.setPairState(pair, InProgress)
		err := a.checkPair(ctx, pair, false)
		if err != nil {
			a.setPairState(pair, Failed)
			a.log.WithError(err).WithField("pair", pair.String()).Debug("check failed")
			a.promoteNextLocked()
			continue
		}
		a.setPairState(pair, Succeeded)
		a.log.WithField("pair", pair.String()).Debug("check succeeded")

		if a.controlling {
			a.mu.Lock()
			alreadySent := a.nomSent
			a.nomSent = true
			a.mu.Unlock()
			if alreadySent {
				return
			}
			if err := a.checkPair(ctx, pair, true); err != nil {
				a.log.WithError(err).WithField("pair", pair.String()).Debug("nomination failed")
				a.mu.Lock()
				a.nomSent = false
				a.mu.Unlock()
				continue
			}
			pair.Nominated = true
			select {
			case a.nominatedCh <- pair:
			default:
			}
			return
		}
	}
}

func (a *Agent) setPairState(p *Pair, s PairState) {
	a.mu.Lock()
	p.State = s
	a.mu.Unlock()
}

// promoteNextLocked moves the highest-priority Frozen pair to Waiting.
func (a *Agent) promoteNextLocked() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pairs {
		if p.State == Frozen {
			p.State = Waiting
			return
		}
	}
}

// checkPair runs one connectivity check transaction over the pair's
// 4-tuple with the standard retransmit schedule.
func (a *Agent) checkPair(ctx context.Context, pair *Pair, nominate bool) error {
	sock := a.socketForPair(pair)
	if sock == nil {
		return fmt.Errorf("ice: no socket for pair %s", pair)
	}

	a.mu.Lock()
	username := a.remoteUfrag + ":" + a.localUfrag
	key := []byte(a.remotePwd)
	a.mu.Unlock()

	req, err := stun.New(stun.TypeBindingRequest)
	if err != nil {
		return err
	}
	req.Add(stun.AttrUsername, []byte(username))

	prio := make([]byte, 4)
	binary.BigEndian.PutUint32(prio, ComputePriority(Prflx, 65535, componentRTP))
	req.Add(stun.AttrPriority, prio)

	role := stun.AttrIceControlled
	if a.controlling {
		role = stun.AttrIceControlling
	}
	tb := make([]byte, 8)
	binary.BigEndian.PutUint64(tb, a.tieBreaker)
	req.Add(uint16(role), tb)

	if nominate {
		req.Add(stun.AttrUseCandidate, nil)
	}
	raw := req.MarshalWithIntegrity(key)

	respCh := make(chan inboundResponse, 1)
	a.mu.Lock()
	a.waiters[req.TransactionID] = respCh
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.waiters, req.TransactionID)
		a.mu.Unlock()
	}()

	remote := pair.Remote.addr()
	for _, wait := range []time.Duration{checkWait1, checkWait2, checkWait3} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := sock.conn.WriteToUDP(raw, remote); err != nil {
			return fmt.Errorf("send check: %w", err)
		}
		timer := time.NewTimer(wait)
		select {
		case resp := <-respCh:
			timer.Stop()
			if resp.msg.Type == stun.TypeBindingError {
				code, reason, _ := resp.msg.ErrorCode()
				return fmt.Errorf("ice: check rejected: %d %s", code, reason)
			}
			return nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("ice: check to %s timed out", remote)
}

// socketForPair finds the socket whose base the pair's local candidate
// was derived from.
func (a *Agent) socketForPair(pair *Pair) *hostSocket {
	a.mu.Lock()
	defer a.mu.Unlock()
	port := pair.Local.Port
	if pair.Local.Type != Host {
		port = pair.Local.RelatedPort
	}
	for _, s := range a.sockets {
		if s.base.Port == port {
			return s
		}
	}
	return nil
}

// readLoop demultiplexes inbound STUN on one socket: requests are
// answered, responses are routed to the waiting check.
func (a *Agent) readLoop(sock *hostSocket) {
	defer close(sock.done)
	buf := make([]byte, 1500)
	for {
		a.mu.Lock()
		stopped := a.stopped
		a.mu.Unlock()
		if stopped {
			return
		}
		sock.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := sock.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}
		if !stun.IsSTUN(buf[:n]) {
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		msg, err := stun.Parse(raw)
		if err != nil {
			continue
		}
		switch msg.Type {
		case stun.TypeBindingRequest:
			a.handleBindingRequest(sock, raw, msg, from)
		case stun.TypeBindingSuccess, stun.TypeBindingError:
			a.mu.Lock()
			ch, ok := a.waiters[msg.TransactionID]
			a.mu.Unlock()
			if ok {
				select {
				case ch <- inboundResponse{msg: msg, from: from}:
				default:
				}
			}
		}
	}
}

// handleBindingRequest answers a peer's connectivity check. A valid
// USE-CANDIDATE check on the controlled side is the nomination signal.
func (a *Agent) handleBindingRequest(sock *hostSocket, raw []byte, msg *stun.Message, from *net.UDPAddr) {
	a.mu.Lock()
	key := []byte(a.localPwd)
	a.mu.Unlock()

	if err := stun.VerifyIntegrity(raw, key); err != nil {
		a.log.WithError(err).WithField("from", from.String()).Debug("rejecting check")
		resp := &stun.Message{Type: stun.TypeBindingError, TransactionID: msg.TransactionID}
		resp.Add(stun.AttrErrorCode, append([]byte{0, 0, 4, 1}, []byte("Unauthorized")...))
		sock.conn.WriteToUDP(resp.Marshal(), from)
		return
	}

	resp := &stun.Message{Type: stun.TypeBindingSuccess, TransactionID: msg.TransactionID}
	resp.AddXorMappedAddress(from)
	sock.conn.WriteToUDP(resp.MarshalWithIntegrity(key), from)

	if _, nominating := msg.Get(stun.AttrUseCandidate); nominating && !a.controlling {
		pair := a.pairFor(sock, from)
		a.mu.Lock()
		pair.Nominated = true
		pair.State = Succeeded
		a.mu.Unlock()
		select {
		case a.nominatedCh <- pair:
		default:
		}
	}
}

// pairFor finds the checklist pair matching an inbound check's
// 4-tuple, synthesizing a peer-reflexive pair when the source address
// was never signaled.
func (a *Agent) pairFor(sock *hostSocket, from *net.UDPAddr) *Pair {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pairs {
		lport := p.Local.Port
		if p.Local.Type != Host {
			lport = p.Local.RelatedPort
		}
		if lport == sock.base.Port && p.Remote.Port == from.Port && p.Remote.Address.Equal(from.IP) {
			return p
		}
	}
	remote := newCandidate(Prflx, from, from, 65535)
	local := newCandidate(Host, sock.base, sock.base, 65535)
	g, d := remote.Priority, local.Priority
	pair := &Pair{Local: local, Remote: remote, Priority: PairPriority(g, d)}
	a.pairs = append(a.pairs, pair)
	return pair
}

// localAddresses lists non-loopback unicast addresses of up interfaces.
func localAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("ice: list interfaces: %w", err)
	}
	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, ipNet.IP)
		}
	}
	return out, nil
}

func randomToken(bytes int) (string, error) {
	raw := make([]byte, bytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("ice: random token: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
