package relay

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/visage-chat/visage/signaling"
)

const (
	// inboundReadTimeout bounds one blocking read attempt so the worker
	// can drain its outbound queue between attempts.
	inboundReadTimeout = 100 * time.Millisecond

	// frameBodyTimeout bounds reading the remainder of a frame once its
	// header has arrived. A peer that stalls mid-frame is disconnected.
	frameBodyTimeout = 5 * time.Second

	// writeTimeout bounds one outbound frame write.
	writeTimeout = 5 * time.Second
)

// errSessionDone signals an orderly worker exit (logout, supersession).
var errSessionDone = errors.New("relay: session done")

// session is one live signaling connection bound to at most one user.
// All reads and writes on conn happen on the owning worker goroutine;
// other goroutines only post encoded frames to the outbound queue.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader

	// outbound carries fully encoded frames. Posting is non-blocking:
	// when the queue is full the frame is dropped for this session.
	outbound chan []byte

	// Identity, set on successful login. Guarded by the server mutex.
	userID   string
	username string

	// superseded is set under the server mutex when a newer session
	// logs in as the same user; the worker then exits without touching
	// the user's state.
	superseded bool

	cleanupOnce sync.Once
	log         *logrus.Entry
}

func newSession(server *Server, conn net.Conn) *session {
	return &session{
		server:   server,
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, 8192),
		outbound: make(chan []byte, server.cfg.QueueDepth),
		log: logrus.WithFields(logrus.Fields{
			"component": "relay-session",
			"remote":    conn.RemoteAddr().String(),
		}),
	}
}

// enqueue posts an encoded frame for delivery by the owning worker.
// Best effort: a full queue drops the frame and reports false.
func (s *session) enqueue(frame []byte) bool {
	select {
	case s.outbound <- frame:
		return true
	default:
		s.log.WithField("queue_depth", cap(s.outbound)).Warn("outbound queue full, dropping message")
		s.server.metrics.broadcastDrops.Inc()
		return false
	}
}

// send encodes a message and posts it to this session's queue.
func (s *session) send(typ signaling.MessageType, payload any) {
	frame, err := signaling.EncodeFrame(typ, payload)
	if err != nil {
		s.log.WithError(err).Error("failed to encode outbound frame")
		return
	}
	s.enqueue(frame)
}

// sendError posts a typed protocol error to this session.
func (s *session) sendError(code signaling.ErrorCode, msg string) {
	s.send(signaling.TypeError, &signaling.ErrorMessage{Code: code, Message: msg})
}

// run is the worker loop: drain outbound, then attempt one inbound
// read with a short deadline, then dispatch. Cleanup is guaranteed on
// every exit path.
func (s *session) run() {
	defer s.server.wg.Done()
	defer s.conn.Close()
	defer s.server.handleDisconnect(s)

	for {
		if err := s.drainOutbound(); err != nil {
			s.log.WithError(err).Debug("outbound write failed")
			return
		}

		frame, err := s.readFrame()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.log.WithError(err).Debug("inbound read failed")
			}
			return
		}

		if err := s.server.dispatch(s, frame); err != nil {
			if !errors.Is(err, errSessionDone) {
				s.log.WithError(err).Warn("closing session after protocol violation")
				s.server.metrics.protocolViolations.Inc()
			}
			// Flush anything already queued (logout acks, error frames)
			// before the deferred close.
			s.drainOutbound()
			return
		}
	}
}

// drainOutbound writes every queued frame without blocking on the queue.
func (s *session) drainOutbound() error {
	for {
		select {
		case frame := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return err
			}
			if _, err := s.conn.Write(frame); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
		default:
			return nil
		}
	}
}

// readFrame attempts to read one frame. The header read uses the short
// inbound timeout; a timeout with no buffered progress is reported as
// such so the worker can service its queue. Once the header is
// available the body must arrive within frameBodyTimeout.
func (s *session) readFrame() (*signaling.Frame, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(inboundReadTimeout)); err != nil {
		return nil, err
	}
	header, err := s.reader.Peek(4)
	if err != nil {
		// Partial header bytes stay buffered in the reader across
		// timeouts, so no framing state is lost here.
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return nil, signaling.ErrEmptyFrame
	}
	if length > signaling.MaxFrameLength {
		return nil, signaling.ErrFrameTooLarge
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(frameBodyTimeout)); err != nil {
		return nil, err
	}
	if _, err := s.reader.Discard(4); err != nil {
		return nil, err
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	payload := body[1:]
	if !utf8.Valid(payload) {
		return nil, signaling.ErrInvalidUTF8
	}
	return &signaling.Frame{Type: signaling.MessageType(body[0]), Payload: payload}, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
