package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visage-chat/visage/dtlstransport"
	"github.com/visage-chat/visage/media"
)

// pairedConn binds a UDP socket to a fixed remote so two sockets on
// the loopback behave like a connected pair.
type pairedConn struct {
	*net.UDPConn
	remote *net.UDPAddr
}

func (c *pairedConn) Read(b []byte) (int, error) {
	n, _, err := c.UDPConn.ReadFromUDP(b)
	return n, err
}

func (c *pairedConn) Write(b []byte) (int, error) {
	return c.UDPConn.WriteToUDP(b, c.remote)
}

func (c *pairedConn) RemoteAddr() net.Addr { return c.remote }

func udpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return &pairedConn{UDPConn: a, remote: b.LocalAddr().(*net.UDPAddr)},
		&pairedConn{UDPConn: b, remote: a.LocalAddr().(*net.UDPAddr)}
}

func testKeys() dtlstransport.KeyingMaterial {
	material := make([]byte, dtlstransport.KeyingMaterialLength)
	for i := range material {
		material[i] = byte(i * 7)
	}
	return dtlstransport.KeyingMaterial{
		ClientKey:  material[0:16],
		ServerKey:  material[16:32],
		ClientSalt: material[32:46],
		ServerSalt: material[46:60],
	}
}

// chanSource feeds frames from a channel.
type chanSource struct {
	frames chan *media.VideoFrame
}

func (s *chanSource) ReadFrame(ctx context.Context) (*media.VideoFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-s.frames:
		return frame, nil
	}
}

// chanSink collects decoded frames.
type chanSink struct {
	frames chan *media.VideoFrame
}

func (s *chanSink) WriteFrame(frame *media.VideoFrame) error {
	select {
	case s.frames <- frame:
	default:
	}
	return nil
}

// passthroughCodec wraps the raw frame bytes in a single NAL.
type passthroughCodec struct{}

func (passthroughCodec) Encode(frame *media.VideoFrame) (*media.AccessUnit, error) {
	nal := append([]byte{0x65}, frame.Data...)
	return &media.AccessUnit{NALs: [][]byte{nal}, Keyframe: true}, nil
}

func (passthroughCodec) Decode(unit *media.AccessUnit) (*media.VideoFrame, error) {
	return &media.VideoFrame{Data: unit.NALs[0][1:]}, nil
}

func (passthroughCodec) Close() error { return nil }

type endpoint struct {
	session *Session
	source  *chanSource
	sink    *chanSink
	control chan ControlMessage
	closed  chan error
}

func newEndpoint(t *testing.T, conn net.Conn, client bool) *endpoint {
	t.Helper()
	ep := &endpoint{
		source:  &chanSource{frames: make(chan *media.VideoFrame, 4)},
		sink:    &chanSink{frames: make(chan *media.VideoFrame, 16)},
		control: make(chan ControlMessage, 16),
		closed:  make(chan error, 1),
	}
	session, err := New(Config{
		Conn:   conn,
		Keys:   testKeys(),
		Client: client,
		Source: ep.source,
		Sink:   ep.sink,
		Codec:  passthroughCodec{},
		OnControl: func(msg ControlMessage) {
			ep.control <- msg
		},
		OnClosed: func(err error) {
			ep.closed <- err
		},
	})
	require.NoError(t, err)
	ep.session = session
	return ep
}

func payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestSessionVideoRoundTrip(t *testing.T) {
	connA, connB := udpPair(t)
	a := newEndpoint(t, connA, true)
	b := newEndpoint(t, connB, false)
	a.session.Start()
	b.session.Start()
	defer a.session.Close()
	defer b.session.Close()

	// Large enough to fragment on the wire.
	want := payload(5000)
	a.source.frames <- &media.VideoFrame{Data: want}

	select {
	case frame := <-b.sink.frames:
		assert.Equal(t, want, frame.Data)
	case <-time.After(3 * time.Second):
		t.Fatal("no frame arrived")
	}

	stats := a.session.Stats()
	assert.Equal(t, uint64(1), stats.FramesEncoded)
	assert.Greater(t, stats.PacketsSent, uint64(1))

	stats = b.session.Stats()
	assert.Equal(t, uint64(1), stats.FramesDecoded)
	assert.Equal(t, uint64(0), stats.AuthFailures)
}

func TestSessionControlChannel(t *testing.T) {
	connA, connB := udpPair(t)
	a := newEndpoint(t, connA, true)
	b := newEndpoint(t, connB, false)
	a.session.Start()
	b.session.Start()
	defer a.session.Close()
	defer b.session.Close()

	require.NoError(t, a.session.SendControl(ControlMessage{
		Type: ControlParticipantName,
		Name: "alice",
	}))
	require.NoError(t, a.session.SendControl(ControlMessage{Type: ControlCameraOff}))

	for _, want := range []ControlMessage{
		{Type: ControlParticipantName, Name: "alice"},
		{Type: ControlCameraOff},
	} {
		select {
		case got := <-b.control:
			assert.Equal(t, want, got)
		case <-time.After(3 * time.Second):
			t.Fatalf("control message %q never arrived", want.Type)
		}
	}
}

func TestSessionRejectsUnknownControl(t *testing.T) {
	connA, _ := udpPair(t)
	a := newEndpoint(t, connA, true)
	assert.Error(t, a.session.SendControl(ControlMessage{Type: "reboot"}))
}

func TestSessionCloseFiresCallback(t *testing.T) {
	connA, connB := udpPair(t)
	a := newEndpoint(t, connA, true)
	b := newEndpoint(t, connB, false)
	a.session.Start()
	b.session.Start()
	defer b.session.Close()

	require.NoError(t, a.session.Close())
	select {
	case err := <-a.closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("close callback never fired")
	}
	assert.NoError(t, a.session.Err())
	assert.ErrorIs(t, a.session.SendControl(ControlMessage{Type: ControlCameraOn}), ErrClosed)
}

func TestSessionNewestFrameWins(t *testing.T) {
	connA, _ := udpPair(t)
	a := newEndpoint(t, connA, true)

	// Without a running sender the queue holds one unit; the second
	// and third offers must displace, not block.
	a.session.offer(&media.AccessUnit{NALs: [][]byte{{1}}})
	a.session.offer(&media.AccessUnit{NALs: [][]byte{{2}}})
	a.session.offer(&media.AccessUnit{NALs: [][]byte{{3}}})

	unit := <-a.session.encoded
	assert.Equal(t, byte(3), unit.NALs[0][0])
	assert.Equal(t, uint64(2), a.session.Stats().FramesDropped)
}

func TestSessionConfigValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	connA, _ := udpPair(t)
	_, err = New(Config{Conn: connA})
	assert.Error(t, err)
}

func TestControlMessageCodec(t *testing.T) {
	raw, err := encodeControl(ControlMessage{Type: ControlDisconnect, Role: RoleCaller})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"disconnect","role":"caller"}`, string(raw))

	msg, err := decodeControl(raw)
	require.NoError(t, err)
	assert.Equal(t, ControlDisconnect, msg.Type)
	assert.Equal(t, RoleCaller, msg.Role)

	_, err = decodeControl([]byte(`{"type":"maintenance"}`))
	assert.Error(t, err)
	_, err = decodeControl([]byte(`not json`))
	assert.Error(t, err)
}
