package peer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visage-chat/visage/media"
	"github.com/visage-chat/visage/signaling"
)

type fakeSignaler struct {
	mu      sync.Mutex
	offers  []string
	answers []string
	hangups []string
}

func (f *fakeSignaler) SendOffer(callID, toUserID, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, callID)
	return nil
}

func (f *fakeSignaler) SendAnswer(callID, toUserID, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, callID)
	return nil
}

func (f *fakeSignaler) SendHangup(callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID)
	return nil
}

func (f *fakeSignaler) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

type nopSource struct{}

func (nopSource) ReadFrame(ctx context.Context) (*media.VideoFrame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type nopSink struct{}

func (nopSink) WriteFrame(*media.VideoFrame) error { return nil }

type nopCodec struct{}

func (nopCodec) Encode(*media.VideoFrame) (*media.AccessUnit, error) {
	return &media.AccessUnit{NALs: [][]byte{{0}}}, nil
}
func (nopCodec) Decode(*media.AccessUnit) (*media.VideoFrame, error) {
	return &media.VideoFrame{}, nil
}
func (nopCodec) Close() error { return nil }

func testController(t *testing.T, signaler Signaler) *Controller {
	t.Helper()
	c, err := NewController(Config{
		Signaler: signaler,
		Media: MediaConfig{
			Source: nopSource{},
			Sink:   nopSink{},
			Codec:  nopCodec{},
		},
	})
	require.NoError(t, err)
	return c
}

func TestNewControllerValidation(t *testing.T) {
	_, err := NewController(Config{})
	assert.Error(t, err)

	_, err = NewController(Config{Signaler: &fakeSignaler{}})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	names := map[State]string{
		StateIdle:          "idle",
		StateOffering:      "offering",
		StateAnswering:     "answering",
		StateIceChecking:   "ice-checking",
		StateDtlsHandshake: "dtls-handshake",
		StateActive:        "active",
		StateClosed:        "closed",
		StateFailed:        "failed",
	}
	for state, want := range names {
		assert.Equal(t, want, state.String())
	}
}

func TestHandleAnswerRequiresOffering(t *testing.T) {
	c := testController(t, &fakeSignaler{})
	assert.ErrorIs(t, c.HandleAnswer("v=0"), ErrBadState)
}

func TestHandleOfferRejectsGarbage(t *testing.T) {
	c := testController(t, &fakeSignaler{})
	err := c.HandleOffer(context.Background(), "call-1", "user-2", "this is not sdp")
	assert.Error(t, err)
	assert.Equal(t, StateFailed, c.State())
}

func TestCandidatesBufferBeforeRemoteDescription(t *testing.T) {
	c := testController(t, &fakeSignaler{})

	c.HandleCandidate("candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host")
	c.HandleCandidate("candidate:2 1 udp 2130706431 192.0.2.2 5002 typ host")

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.pending, 2)
}

func TestHandleEventIgnoresOtherCalls(t *testing.T) {
	signaler := &fakeSignaler{}
	c := testController(t, signaler)
	c.mu.Lock()
	c.state = StateOffering
	c.callID = "mine"
	c.mu.Unlock()

	err := c.HandleEvent(context.Background(), signaling.Event{
		Type: signaling.TypeHangup,
		Msg:  &signaling.Hangup{CallID: "someone-elses"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateOffering, c.State())

	err = c.HandleEvent(context.Background(), signaling.Event{
		Type: signaling.TypeSdpAnswer,
		Msg:  &signaling.SdpAnswer{CallID: "someone-elses", SDP: "v=0"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateOffering, c.State())
}

func TestRemoteHangupClosesWithoutRelayNotice(t *testing.T) {
	signaler := &fakeSignaler{}
	c := testController(t, signaler)
	c.mu.Lock()
	c.state = StateActive
	c.callID = "call-7"
	c.mu.Unlock()

	err := c.HandleEvent(context.Background(), signaling.Event{
		Type: signaling.TypeHangup,
		Msg:  &signaling.Hangup{CallID: "call-7"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, signaler.hangupCount())
}

func TestLocalHangupNotifiesRelayOnce(t *testing.T) {
	signaler := &fakeSignaler{}
	c := testController(t, signaler)
	c.mu.Lock()
	c.state = StateActive
	c.callID = "call-9"
	c.mu.Unlock()

	c.Hangup()
	c.Hangup()

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, signaler.hangupCount())
}

func TestStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	signaler := &fakeSignaler{}
	c, err := NewController(Config{
		Signaler: signaler,
		Media: MediaConfig{
			Source: nopSource{},
			Sink:   nopSink{},
			Codec:  nopCodec{},
		},
		OnStateChange: func(s State) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	c.mu.Lock()
	c.state = StateActive
	c.callID = "call-3"
	c.mu.Unlock()
	c.Hangup()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateClosed}, seen)
}
