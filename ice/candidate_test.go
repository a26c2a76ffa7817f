package ice

import (
	"math/rand"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputePriority(t *testing.T) {
	// Host, preference 65535, component 1 is the canonical maximum.
	assert.Equal(t, uint32(126<<24|65535<<8|255), ComputePriority(Host, 65535, 1))
	assert.Equal(t, uint32(100<<24|65535<<8|255), ComputePriority(Srflx, 65535, 1))
	assert.Equal(t, uint32(110<<24|65535<<8|255), ComputePriority(Prflx, 65535, 1))
	assert.Equal(t, uint32(65535<<8|255), ComputePriority(Relay, 65535, 1))
}

func TestPairPriorityFormula(t *testing.T) {
	// Check the formula directly against its definition for random
	// (G, D) draws from the full u32 range.
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		g := rng.Uint32()
		d := rng.Uint32()

		min64, max64 := uint64(g), uint64(d)
		if min64 > max64 {
			min64, max64 = max64, min64
		}
		want := (1<<32)*min64 + 2*max64
		if g > d {
			want++
		}
		assert.Equal(t, want, PairPriority(g, d), "g=%d d=%d", g, d)
	}
}

func TestCandidateLineRoundTrip(t *testing.T) {
	host := &Candidate{
		Foundation: "184953533",
		Component:  1,
		Transport:  "udp",
		Priority:   ComputePriority(Host, 65535, 1),
		Address:    net.IPv4(192, 168, 1, 10),
		Port:       51234,
		Type:       Host,
	}
	parsed, err := ParseCandidate(host.Marshal())
	require.NoError(t, err)
	assert.Equal(t, host.Foundation, parsed.Foundation)
	assert.Equal(t, host.Priority, parsed.Priority)
	assert.True(t, parsed.Address.Equal(host.Address))
	assert.Equal(t, host.Port, parsed.Port)
	assert.Equal(t, Host, parsed.Type)
	assert.Nil(t, parsed.RelatedAddress)

	srflx := &Candidate{
		Foundation:     "99",
		Component:      1,
		Transport:      "udp",
		Priority:       ComputePriority(Srflx, 65535, 1),
		Address:        net.IPv4(203, 0, 113, 4),
		Port:           62000,
		Type:           Srflx,
		RelatedAddress: net.IPv4(192, 168, 1, 10),
		RelatedPort:    51234,
	}
	parsed, err = ParseCandidate("candidate:" + srflx.Marshal())
	require.NoError(t, err)
	assert.Equal(t, Srflx, parsed.Type)
	assert.True(t, parsed.RelatedAddress.Equal(srflx.RelatedAddress))
	assert.Equal(t, srflx.RelatedPort, parsed.RelatedPort)
}

func TestParseCandidateRejects(t *testing.T) {
	cases := []string{
		"",
		"1 1 udp 100 1.2.3.4 10",
		"1 1 udp 100 1.2.3.4 10 typ teredo",
		"1 1 udp 100 notanip 10 typ host",
		"1 1 udp 100 1.2.3.4 99999 typ host",
		"1 1 udp nope 1.2.3.4 10 typ host",
	}
	for _, line := range cases {
		if _, err := ParseCandidate(line); err == nil {
			t.Errorf("expected error for %q", line)
		}
	}
}

func TestFormPairsOrdering(t *testing.T) {
	localHost := newCandidate(Host,
		&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1000},
		&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1000}, 65535)
	localSrflx := newCandidate(Srflx,
		&net.UDPAddr{IP: net.IPv4(203, 0, 113, 1), Port: 1000},
		&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1000}, 65535)
	remoteHost := newCandidate(Host,
		&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2000},
		&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2000}, 65535)

	pairs := formPairs([]*Candidate{localHost, localSrflx}, []*Candidate{remoteHost}, true)
	require.Len(t, pairs, 2)
	assert.Equal(t, Waiting, pairs[0].State)
	assert.Equal(t, Frozen, pairs[1].State)
	assert.Equal(t, Host, pairs[0].Local.Type)
	assert.GreaterOrEqual(t, pairs[0].Priority, pairs[1].Priority)
}

func TestFormPairsFamilyAndRelay(t *testing.T) {
	v4 := newCandidate(Host,
		&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1000},
		&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1000}, 65535)
	v6 := newCandidate(Host,
		&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1000},
		&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1000}, 65535)
	relay := newCandidate(Relay,
		&net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 3000},
		&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1001}, 0)
	remote := newCandidate(Host,
		&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2000},
		&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2000}, 65535)

	pairs := formPairs([]*Candidate{v4, v6, relay}, []*Candidate{remote}, false)
	require.Len(t, pairs, 1)
	assert.Equal(t, Host, pairs[0].Local.Type)
}

func TestFormPairsEmpty(t *testing.T) {
	assert.Empty(t, formPairs(nil, nil, true))
}
