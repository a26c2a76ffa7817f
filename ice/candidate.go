// Package ice implements a single-component ICE agent: candidate
// gathering over host, server-reflexive, and relayed addresses,
// candidate pairing with RFC 8445 priorities, ordered connectivity
// checks with STUN short-term credentials, and nomination of the
// selected pair for media.
package ice

import (
	"fmt"
	"hash/crc32"
	"net"
	"strconv"
	"strings"
)

// CandidateType classifies how a candidate address was obtained.
type CandidateType int

const (
	// Host is a directly bound interface address.
	Host CandidateType = iota
	// Srflx is a server-reflexive address learned from STUN.
	Srflx
	// Prflx is a peer-reflexive address learned from a connectivity check.
	Prflx
	// Relay is a relayed address allocated from TURN.
	Relay
)

// String returns the SDP token for the candidate type.
func (t CandidateType) String() string {
	switch t {
	case Host:
		return "host"
	case Srflx:
		return "srflx"
	case Prflx:
		return "prflx"
	case Relay:
		return "relay"
	default:
		return "unknown"
	}
}

// Preference returns the RFC 8445 type preference.
func (t CandidateType) Preference() uint32 {
	switch t {
	case Host:
		return 126
	case Prflx:
		return 110
	case Srflx:
		return 100
	case Relay:
		return 0
	default:
		return 0
	}
}

// componentRTP is the only component this agent uses.
const componentRTP = 1

// Candidate is one potential transport address.
type Candidate struct {
	Foundation string
	Component  int
	Transport  string
	Priority   uint32
	Address    net.IP
	Port       int
	Type       CandidateType

	// RelatedAddress and RelatedPort point at the base for srflx and
	// relay candidates. Nil for host candidates.
	RelatedAddress net.IP
	RelatedPort    int
}

// ComputePriority implements the RFC 8445 candidate priority formula
// for the given type, local preference, and component id.
func ComputePriority(typ CandidateType, localPref uint32, component int) uint32 {
	return (1<<24)*typ.Preference() + (1<<8)*localPref + uint32(256-component)
}

// foundationFor derives a foundation shared by candidates of the same
// type obtained from the same base over the same transport.
func foundationFor(typ CandidateType, base net.IP, transport string) string {
	sum := crc32.ChecksumIEEE([]byte(typ.String() + base.String() + transport))
	return strconv.FormatUint(uint64(sum), 10)
}

func newCandidate(typ CandidateType, addr *net.UDPAddr, base *net.UDPAddr, localPref uint32) *Candidate {
	c := &Candidate{
		Foundation: foundationFor(typ, base.IP, "udp"),
		Component:  componentRTP,
		Transport:  "udp",
		Priority:   ComputePriority(typ, localPref, componentRTP),
		Address:    addr.IP,
		Port:       addr.Port,
		Type:       typ,
	}
	if typ != Host {
		c.RelatedAddress = base.IP
		c.RelatedPort = base.Port
	}
	return c
}

// Marshal renders the candidate as an SDP candidate attribute value,
// without the leading "a=" or "candidate:" prefix handled by the SDP
// layer.
func (c *Candidate) Marshal() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Transport, c.Priority,
		c.Address.String(), c.Port, c.Type.String())
	if c.RelatedAddress != nil {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddress.String(), c.RelatedPort)
	}
	return b.String()
}

// ParseCandidate decodes a candidate attribute value. A leading
// "candidate:" prefix is accepted and stripped.
func ParseCandidate(line string) (*Candidate, error) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "candidate:")
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, fmt.Errorf("ice: candidate line has %d fields, need at least 8", len(fields))
	}

	component, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("ice: bad component %q: %w", fields[1], err)
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("ice: bad priority %q: %w", fields[3], err)
	}
	ip := net.ParseIP(fields[4])
	if ip == nil {
		return nil, fmt.Errorf("ice: bad address %q", fields[4])
	}
	port, err := strconv.Atoi(fields[5])
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("ice: bad port %q", fields[5])
	}
	if fields[6] != "typ" {
		return nil, fmt.Errorf("ice: expected \"typ\", got %q", fields[6])
	}

	var typ CandidateType
	switch fields[7] {
	case "host":
		typ = Host
	case "srflx":
		typ = Srflx
	case "prflx":
		typ = Prflx
	case "relay":
		typ = Relay
	default:
		return nil, fmt.Errorf("ice: unknown candidate type %q", fields[7])
	}

	c := &Candidate{
		Foundation: fields[0],
		Component:  component,
		Transport:  strings.ToLower(fields[2]),
		Priority:   uint32(priority),
		Address:    ip,
		Port:       port,
		Type:       typ,
	}

	for i := 8; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "raddr":
			c.RelatedAddress = net.ParseIP(fields[i+1])
		case "rport":
			rport, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return nil, fmt.Errorf("ice: bad rport %q", fields[i+1])
			}
			c.RelatedPort = rport
		}
	}
	return c, nil
}

// addr returns the candidate's transport address.
func (c *Candidate) addr() *net.UDPAddr {
	return &net.UDPAddr{IP: c.Address, Port: c.Port}
}

// sameFamily reports whether both candidates are IPv4 or both IPv6.
func sameFamily(a, b *Candidate) bool {
	return (a.Address.To4() != nil) == (b.Address.To4() != nil)
}
