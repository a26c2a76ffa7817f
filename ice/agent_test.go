package ice

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackAgent builds an agent bound to one 127.0.0.1 socket with its
// host candidate injected, bypassing interface discovery.
func loopbackAgent(t *testing.T, controlling bool) *Agent {
	t.Helper()
	agent, err := NewAgent(Config{Controlling: controlling})
	require.NoError(t, err)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	sock := newHostSocket(conn)

	agent.mu.Lock()
	agent.sockets = []*hostSocket{sock}
	agent.locals = []*Candidate{newCandidate(Host, sock.base, sock.base, 65535)}
	agent.mu.Unlock()
	return agent
}

func exchange(a, b *Agent) {
	aUfrag, aPwd := a.LocalCredentials()
	bUfrag, bPwd := b.LocalCredentials()
	a.SetRemoteCredentials(bUfrag, bPwd)
	b.SetRemoteCredentials(aUfrag, aPwd)
	for _, c := range a.LocalCandidates() {
		b.AddRemoteCandidate(c)
	}
	for _, c := range b.LocalCandidates() {
		a.AddRemoteCandidate(c)
	}
}

func TestConnectOverLoopback(t *testing.T) {
	controlling := loopbackAgent(t, true)
	controlled := loopbackAgent(t, false)
	exchange(controlling, controlled)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var connA, connB *PairConn
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		connA, errA = controlling.Connect(ctx)
	}()
	go func() {
		defer wg.Done()
		connB, errB = controlled.Connect(ctx)
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	defer connA.Close()
	defer connB.Close()

	// The selected path carries data both ways.
	_, err := connA.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := readSkippingStun(connB, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = connB.Write([]byte("pong"))
	require.NoError(t, err)
	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = readSkippingStun(connA, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

// readSkippingStun discards late check retransmits still in flight
// right after nomination.
func readSkippingStun(c *PairConn, buf []byte) (int, error) {
	for {
		n, err := c.Read(buf)
		if err != nil {
			return 0, err
		}
		if n > 0 && buf[0] <= 3 {
			continue
		}
		return n, nil
	}
}

func TestConnectRequiresCredentials(t *testing.T) {
	agent := loopbackAgent(t, true)
	defer agent.Close()

	_, err := agent.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestConnectNoRemoteCandidates(t *testing.T) {
	agent := loopbackAgent(t, true)
	defer agent.Close()
	agent.SetRemoteCredentials("ufrag", "pwd")

	_, err := agent.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoPairs)
}

func TestConnectDeadlineWithUnreachablePeer(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the connectivity deadline")
	}
	agent := loopbackAgent(t, true)
	defer agent.Close()
	agent.SetRemoteCredentials("ufrag", "pwd")
	agent.AddRemoteCandidate(&Candidate{
		Foundation: "1",
		Component:  1,
		Transport:  "udp",
		Priority:   ComputePriority(Host, 65535, 1),
		Address:    net.IPv4(127, 0, 0, 1),
		Port:       1,
		Type:       Host,
	})

	start := time.Now()
	_, err := agent.Connect(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), overallDeadline+2*time.Second)
}

func TestCredentialsAreRandom(t *testing.T) {
	a, err := NewAgent(Config{})
	require.NoError(t, err)
	b, err := NewAgent(Config{})
	require.NoError(t, err)

	aUfrag, aPwd := a.LocalCredentials()
	bUfrag, bPwd := b.LocalCredentials()
	assert.NotEqual(t, aUfrag, bUfrag)
	assert.NotEqual(t, aPwd, bPwd)
	assert.GreaterOrEqual(t, len(aPwd), 20)
}
