// Package session runs the media plane of an established call: the
// encode and send path, the receive and decode path, and the in-band
// control channel, all over one SRTP-protected UDP flow.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/visage-chat/visage/dtlstransport"
	"github.com/visage-chat/visage/media"
	"github.com/visage-chat/visage/rtp"
	"github.com/visage-chat/visage/srtp"
)

const (
	// readTimeout bounds each socket read so shutdown is prompt.
	readTimeout = 200 * time.Millisecond
	// playoutInterval paces the jitter buffer drain.
	playoutInterval = 2 * time.Millisecond
	// jitterPacketRate sizes the buffer for a typical video stream.
	jitterPacketRate = 400
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session: closed")

// Config assembles a session from an established transport. Conn is
// the ICE-selected socket, Keys the DTLS-SRTP export, Client the DTLS
// role that partitioned them.
type Config struct {
	Conn   net.Conn
	Keys   dtlstransport.KeyingMaterial
	Client bool

	Source media.FrameSource
	Sink   media.FrameSink
	Codec  media.Codec

	MTU int
	FPS uint32

	// OnControl receives in-band control messages. Called from the
	// receive goroutine; must not block.
	OnControl func(ControlMessage)
	// OnClosed fires once when the session ends, with the error that
	// ended it or nil for a local Close.
	OnClosed func(error)
}

// Stats is a snapshot of the media plane counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	AuthFailures    uint64
	FramesEncoded   uint64
	FramesDecoded   uint64
	FramesDropped   uint64
	Buffer          rtp.Stats
}

// Session owns the SRTP contexts and the four media goroutines. The
// sender owns the framer and the send context; the receiver owns the
// receive context; the replay window depends on that serialization.
type Session struct {
	conn   net.Conn
	framer *rtp.Framer
	send   *srtp.Context

	remoteKey  []byte
	remoteSalt []byte
	recv       *srtp.Context
	recvSSRC   uint32

	buffer      *rtp.JitterBuffer
	reassembler *rtp.Reassembler

	source media.FrameSource
	sink   media.FrameSink
	codec  media.Codec

	encoded chan *media.AccessUnit
	control chan ControlMessage

	onControl func(ControlMessage)
	onClosed  func(error)

	epoch time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu       sync.Mutex
	stats    Stats
	closeErr error

	log *logrus.Entry
}

// New wires up a session. It does not start the goroutines; call
// Start when both sides are ready.
func New(cfg Config) (*Session, error) {
	if cfg.Conn == nil {
		return nil, errors.New("session: nil conn")
	}
	if cfg.Source == nil || cfg.Sink == nil || cfg.Codec == nil {
		return nil, errors.New("session: source, sink, and codec are required")
	}
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = rtp.DefaultMTU
	}
	fps := cfg.FPS
	if fps == 0 {
		fps = 30
	}

	framer, err := rtp.NewFramer(mtu, fps)
	if err != nil {
		return nil, err
	}
	localKey, localSalt := cfg.Keys.Local(cfg.Client)
	send, err := srtp.NewContext(localKey, localSalt, framer.SSRC())
	if err != nil {
		return nil, fmt.Errorf("session: send context: %w", err)
	}
	remoteKey, remoteSalt := cfg.Keys.Remote(cfg.Client)

	buffer := rtp.NewJitterBuffer(rtp.DefaultTargetDelay, rtp.DefaultMaxDelay, jitterPacketRate)
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		conn:        cfg.Conn,
		framer:      framer,
		send:        send,
		remoteKey:   remoteKey,
		remoteSalt:  remoteSalt,
		buffer:      buffer,
		reassembler: rtp.NewReassembler(buffer),
		source:      cfg.Source,
		sink:        cfg.Sink,
		codec:       cfg.Codec,
		encoded:     make(chan *media.AccessUnit, 1),
		control:     make(chan ControlMessage, 8),
		onControl:   cfg.OnControl,
		onClosed:    cfg.OnClosed,
		epoch:       time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		log: logrus.WithFields(logrus.Fields{
			"component": "session",
			"ssrc":      framer.SSRC(),
		}),
	}, nil
}

// Start launches the encode, send, receive, and playout goroutines.
func (s *Session) Start() {
	s.log.Info("media session starting")
	s.wg.Add(4)
	go s.encodeLoop()
	go s.sendLoop()
	go s.recvLoop()
	go s.playoutLoop()
}

// SendControl queues an in-band control message. The channel is
// best-effort; when the sender is saturated the message is dropped.
func (s *Session) SendControl(msg ControlMessage) error {
	if !msg.Valid() {
		return fmt.Errorf("session: unknown control type %q", msg.Type)
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case <-s.ctx.Done():
		return ErrClosed
	case s.control <- msg:
		return nil
	default:
		s.log.WithField("type", msg.Type).Debug("control queue full, message dropped")
		return nil
	}
}

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()
	stats.Buffer = s.buffer.Stats()
	return stats
}

// Close stops the session and waits for the goroutines to drain.
func (s *Session) Close() error {
	s.closeWith(nil)
	s.wg.Wait()
	return nil
}

// Err returns the error that ended the session, nil before close or
// after a clean one.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// closeWith records the terminal error and tears the transport down.
// The first caller wins.
func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = err
		s.mu.Unlock()

		if err != nil {
			s.log.WithError(err).Error("media session failed")
		} else {
			s.log.Info("media session closed")
		}
		s.cancel()
		s.conn.Close()
		if s.onClosed != nil {
			go s.onClosed(err)
		}
	})
}

// fail ends the session from inside a loop.
func (s *Session) fail(err error) {
	s.closeWith(err)
}

// encodeLoop pulls raw frames, encodes them, and offers each access
// unit to the sender. When the sender is behind, the pending unit is
// replaced so latency stays bounded.
func (s *Session) encodeLoop() {
	defer s.wg.Done()
	for {
		frame, err := s.source.ReadFrame(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.fail(fmt.Errorf("session: read frame: %w", err))
			return
		}
		unit, err := s.codec.Encode(frame)
		if err != nil {
			s.fail(fmt.Errorf("session: encode: %w", err))
			return
		}
		s.count(func(st *Stats) { st.FramesEncoded++ })
		s.offer(unit)
	}
}

// offer replaces any pending access unit with the newest one.
func (s *Session) offer(unit *media.AccessUnit) {
	select {
	case s.encoded <- unit:
		return
	default:
	}
	select {
	case <-s.encoded:
		s.count(func(st *Stats) { st.FramesDropped++ })
	default:
	}
	select {
	case s.encoded <- unit:
	default:
	}
}

// sendLoop owns the framer and the send context. Video and control
// packets leave in strict sequence order.
func (s *Session) sendLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case unit := <-s.encoded:
			raws, err := s.framer.PacketizeAccessUnit(unit.NALs)
			if err != nil {
				s.fail(fmt.Errorf("session: packetize: %w", err))
				return
			}
			for _, raw := range raws {
				if err := s.writeProtected(raw); err != nil {
					s.fail(err)
					return
				}
			}
		case msg := <-s.control:
			payload, err := encodeControl(msg)
			if err != nil {
				s.log.WithError(err).Warn("dropping bad control message")
				continue
			}
			raw, err := s.framer.PacketizeControl(payload, s.mediaClock())
			if err != nil {
				s.log.WithError(err).Warn("dropping oversize control message")
				continue
			}
			if err := s.writeProtected(raw); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *Session) writeProtected(raw []byte) error {
	protected, err := s.send.Protect(raw)
	if err != nil {
		return fmt.Errorf("session: protect: %w", err)
	}
	if _, err := s.conn.Write(protected); err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	s.count(func(st *Stats) { st.PacketsSent++ })
	return nil
}

// recvLoop reads the shared socket. RTP is recognized by its version
// bits; DTLS retransmissions and anything else on the flow are
// skipped. Unprotect runs only here, which serializes the replay
// window.
func (s *Session) recvLoop() {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		if s.ctx.Err() != nil {
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			s.fail(fmt.Errorf("session: set read deadline: %w", err))
			return
		}
		n, err := s.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			s.fail(fmt.Errorf("session: receive: %w", err))
			return
		}
		if n < 12 || buf[0] < 128 || buf[0] > 191 {
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		s.handlePacket(raw)
	}
}

// handlePacket authenticates, decrypts, and routes one datagram. The
// first packet received pins the remote SSRC for the rest of the call;
// the pin is taken before that packet is authenticated.
func (s *Session) handlePacket(raw []byte) {
	ssrc := binary.BigEndian.Uint32(raw[8:12])
	if s.recv == nil {
		recv, err := srtp.NewContext(s.remoteKey, s.remoteSalt, ssrc)
		if err != nil {
			s.fail(fmt.Errorf("session: receive context: %w", err))
			return
		}
		s.recv = recv
		s.recvSSRC = ssrc
		s.log.WithField("remote_ssrc", ssrc).Info("remote stream locked")
	} else if ssrc != s.recvSSRC {
		s.log.WithField("ssrc", ssrc).Debug("dropping packet from unknown ssrc")
		return
	}

	plain, err := s.recv.Unprotect(raw)
	if err != nil {
		s.count(func(st *Stats) { st.AuthFailures++ })
		s.log.WithError(err).Debug("packet rejected")
		return
	}
	s.count(func(st *Stats) { st.PacketsReceived++ })

	packet := &pionrtp.Packet{}
	if err := packet.Unmarshal(plain); err != nil {
		s.log.WithError(err).Debug("malformed packet after unprotect")
		return
	}

	switch packet.PayloadType {
	case rtp.PayloadTypeControl:
		msg, err := decodeControl(packet.Payload)
		if err != nil {
			s.log.WithError(err).Debug("bad control payload")
			return
		}
		if s.onControl != nil {
			s.onControl(msg)
		}
	case rtp.PayloadTypeH264:
		s.buffer.Push(packet)
	default:
		s.log.WithField("pt", packet.PayloadType).Debug("unexpected payload type")
	}
}

// playoutLoop drains the jitter buffer on a short tick, reassembles
// access units, and feeds the decoder.
func (s *Session) playoutLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(playoutInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			packet := s.buffer.Pop()
			if packet == nil {
				break
			}
			nals := s.reassembler.Process(packet)
			if nals == nil {
				continue
			}
			frame, err := s.codec.Decode(&media.AccessUnit{NALs: nals})
			if err != nil {
				s.log.WithError(err).Debug("decode failed, skipping unit")
				continue
			}
			s.count(func(st *Stats) { st.FramesDecoded++ })
			if err := s.sink.WriteFrame(frame); err != nil {
				s.fail(fmt.Errorf("session: render: %w", err))
				return
			}
		}
	}
}

// mediaClock is the 90 kHz clock used for control timestamps.
func (s *Session) mediaClock() uint32 {
	return uint32(time.Since(s.epoch) * rtp.ClockRate / time.Second)
}

func (s *Session) count(update func(*Stats)) {
	s.mu.Lock()
	update(&s.stats)
	s.mu.Unlock()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
