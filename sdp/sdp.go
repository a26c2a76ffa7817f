// Package sdp implements the session description subset used for call
// setup: one video m-line carrying H.264 over UDP/TLS/RTP/SAVPF with
// ICE credentials, candidate lines, a DTLS fingerprint, and a setup
// role. Parsing is line-oriented and preserves attributes it does not
// understand.
package sdp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PayloadTypeH264 is the dynamic payload type this system negotiates.
const PayloadTypeH264 = 96

// MediaProto is the only transport profile accepted on the m-line.
const MediaProto = "UDP/TLS/RTP/SAVPF"

// SetupRole is the DTLS role negotiated through the setup attribute.
type SetupRole string

const (
	// SetupActive initiates the DTLS handshake as client.
	SetupActive SetupRole = "active"
	// SetupPassive awaits the handshake as server.
	SetupPassive SetupRole = "passive"
	// SetupActpass lets the answerer choose; only offers carry it.
	SetupActpass SetupRole = "actpass"
)

var (
	// ErrNotSDP is returned for input without a v=0 line.
	ErrNotSDP = errors.New("sdp: missing v=0")

	// ErrNoMedia is returned when no m=video section is present.
	ErrNoMedia = errors.New("sdp: missing video media description")

	// ErrMissingCredentials is returned when ice-ufrag or ice-pwd is absent.
	ErrMissingCredentials = errors.New("sdp: missing ice-ufrag or ice-pwd")

	// ErrMissingFingerprint is returned when the sha-256 fingerprint is absent.
	ErrMissingFingerprint = errors.New("sdp: missing sha-256 fingerprint")

	// ErrIncompatibleSetup is returned when no valid role pairing exists.
	ErrIncompatibleSetup = errors.New("sdp: incompatible setup roles")
)

// Attribute is one a= line split at the first colon. Flag attributes
// have an empty value.
type Attribute struct {
	Key   string
	Value string
}

// Media is the single video media description.
type Media struct {
	Port       int
	Proto      string
	Formats    []string
	Attributes []Attribute
}

// Session is a parsed or under-construction description. Lines other
// than v/o/s/t/c/a/m are dropped on parse.
type Session struct {
	Origin     string
	Name       string
	Timing     string
	Connection string
	Attributes []Attribute
	Media      *Media
}

// Parse decodes a description, accepting both \r\n and \n line ends.
func Parse(raw string) (*Session, error) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	s := &Session{}
	sawVersion := false
	var current *[]Attribute = &s.Attributes

	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]
		switch line[0] {
		case 'v':
			if value != "0" {
				return nil, fmt.Errorf("sdp: unsupported version %q", value)
			}
			sawVersion = true
		case 'o':
			s.Origin = value
		case 's':
			s.Name = value
		case 't':
			s.Timing = value
		case 'c':
			s.Connection = value
		case 'm':
			media, err := parseMediaLine(value)
			if err != nil {
				return nil, err
			}
			s.Media = media
			current = &media.Attributes
		case 'a':
			key, val := splitAttribute(value)
			*current = append(*current, Attribute{Key: key, Value: val})
		}
	}

	if !sawVersion {
		return nil, ErrNotSDP
	}
	return s, nil
}

func parseMediaLine(value string) (*Media, error) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return nil, fmt.Errorf("sdp: malformed m-line %q", value)
	}
	if fields[0] != "video" {
		return nil, fmt.Errorf("sdp: unsupported media type %q", fields[0])
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("sdp: bad media port %q: %w", fields[1], err)
	}
	return &Media{
		Port:    port,
		Proto:   fields[2],
		Formats: fields[3:],
	}, nil
}

func splitAttribute(value string) (string, string) {
	if idx := strings.IndexByte(value, ':'); idx >= 0 {
		return value[:idx], value[idx+1:]
	}
	return value, ""
}

// Marshal renders the description with \r\n line ends, echoing every
// attribute in its original order.
func (s *Session) Marshal() string {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	fmt.Fprintf(&b, "o=%s\r\n", s.Origin)
	fmt.Fprintf(&b, "s=%s\r\n", s.Name)
	if s.Connection != "" {
		fmt.Fprintf(&b, "c=%s\r\n", s.Connection)
	}
	fmt.Fprintf(&b, "t=%s\r\n", s.Timing)
	writeAttributes(&b, s.Attributes)
	if s.Media != nil {
		fmt.Fprintf(&b, "m=video %d %s %s\r\n",
			s.Media.Port, s.Media.Proto, strings.Join(s.Media.Formats, " "))
		writeAttributes(&b, s.Media.Attributes)
	}
	return b.String()
}

func writeAttributes(b *strings.Builder, attrs []Attribute) {
	for _, a := range attrs {
		if a.Value == "" {
			fmt.Fprintf(b, "a=%s\r\n", a.Key)
		} else {
			fmt.Fprintf(b, "a=%s:%s\r\n", a.Key, a.Value)
		}
	}
}

// attribute returns the first media-level value for key, falling back
// to the session level.
func (s *Session) attribute(key string) (string, bool) {
	if s.Media != nil {
		for _, a := range s.Media.Attributes {
			if a.Key == key {
				return a.Value, true
			}
		}
	}
	for _, a := range s.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Credentials returns the ICE ufrag and pwd.
func (s *Session) Credentials() (ufrag, pwd string, err error) {
	ufrag, okU := s.attribute("ice-ufrag")
	pwd, okP := s.attribute("ice-pwd")
	if !okU || !okP || ufrag == "" || pwd == "" {
		return "", "", ErrMissingCredentials
	}
	return ufrag, pwd, nil
}

// Fingerprint returns the DTLS certificate fingerprint. Only sha-256
// is accepted.
func (s *Session) Fingerprint() (string, error) {
	value, ok := s.attribute("fingerprint")
	if !ok {
		return "", ErrMissingFingerprint
	}
	algo, digest, found := strings.Cut(value, " ")
	if !found || !strings.EqualFold(algo, "sha-256") || digest == "" {
		return "", ErrMissingFingerprint
	}
	return digest, nil
}

// Setup returns the DTLS role attribute.
func (s *Session) Setup() (SetupRole, error) {
	value, ok := s.attribute("setup")
	if !ok {
		return "", errors.New("sdp: missing setup attribute")
	}
	switch SetupRole(value) {
	case SetupActive, SetupPassive, SetupActpass:
		return SetupRole(value), nil
	default:
		return "", fmt.Errorf("sdp: unknown setup role %q", value)
	}
}

// Candidates returns the raw candidate attribute values in order.
func (s *Session) Candidates() []string {
	if s.Media == nil {
		return nil
	}
	var out []string
	for _, a := range s.Media.Attributes {
		if a.Key == "candidate" {
			out = append(out, a.Value)
		}
	}
	return out
}

// Validate checks the structure a call description must have.
func (s *Session) Validate() error {
	if s.Origin == "" || s.Name == "" || s.Timing == "" {
		return errors.New("sdp: missing required session line")
	}
	if s.Media == nil {
		return ErrNoMedia
	}
	if s.Media.Proto != MediaProto {
		return fmt.Errorf("sdp: unsupported media proto %q", s.Media.Proto)
	}
	rtpmap, ok := s.attribute("rtpmap")
	if !ok || !strings.HasPrefix(rtpmap, fmt.Sprintf("%d H264/90000", PayloadTypeH264)) {
		return fmt.Errorf("sdp: missing H264 rtpmap for payload type %d", PayloadTypeH264)
	}
	if _, ok := s.attribute("sendrecv"); !ok {
		return errors.New("sdp: missing sendrecv")
	}
	if _, _, err := s.Credentials(); err != nil {
		return err
	}
	if _, err := s.Fingerprint(); err != nil {
		return err
	}
	if len(s.Candidates()) == 0 {
		return errors.New("sdp: no candidate lines")
	}
	if _, err := s.Setup(); err != nil {
		return err
	}
	return nil
}

// Params carries the local half of a description.
type Params struct {
	SessionID   string
	Ufrag       string
	Pwd         string
	Fingerprint string
	Candidates  []string
	Port        int
}

// BuildOffer constructs an offer with setup actpass.
func BuildOffer(p Params) *Session {
	return build(p, SetupActpass)
}

// BuildAnswer constructs the answer to offer, echoing its payload type
// and media port and choosing the complementary setup role. A
// declining answer zeroes the media port.
func BuildAnswer(offer *Session, p Params, decline bool) (*Session, error) {
	if err := offer.Validate(); err != nil {
		return nil, err
	}
	offerRole, err := offer.Setup()
	if err != nil {
		return nil, err
	}
	var role SetupRole
	switch offerRole {
	case SetupActpass, SetupPassive:
		role = SetupActive
	case SetupActive:
		role = SetupPassive
	default:
		return nil, ErrIncompatibleSetup
	}
	answer := build(p, role)
	answer.Media.Port = offer.Media.Port
	if decline {
		answer.Media.Port = 0
	}
	return answer, nil
}

// VerifyAnswer checks an answer against the offer this side sent.
func VerifyAnswer(offer, answer *Session) error {
	if err := answer.Validate(); err != nil {
		return err
	}
	offerRole, err := offer.Setup()
	if err != nil {
		return err
	}
	answerRole, err := answer.Setup()
	if err != nil {
		return err
	}
	if answerRole == SetupActpass {
		return ErrIncompatibleSetup
	}
	switch offerRole {
	case SetupActpass:
		// Either concrete role answers actpass.
	case SetupActive:
		if answerRole != SetupPassive {
			return ErrIncompatibleSetup
		}
	case SetupPassive:
		if answerRole != SetupActive {
			return ErrIncompatibleSetup
		}
	}
	return nil
}

func build(p Params, role SetupRole) *Session {
	port := p.Port
	if port == 0 {
		port = 9
	}
	return &Session{
		Origin:     fmt.Sprintf("- %s 1 IN IP4 0.0.0.0", p.SessionID),
		Name:       "-",
		Timing:     "0 0",
		Connection: "IN IP4 0.0.0.0",
		Media: &Media{
			Port:    port,
			Proto:   MediaProto,
			Formats: []string{strconv.Itoa(PayloadTypeH264)},
			Attributes: append([]Attribute{
				{Key: "rtpmap", Value: fmt.Sprintf("%d H264/90000", PayloadTypeH264)},
				{Key: "sendrecv"},
				{Key: "ice-ufrag", Value: p.Ufrag},
				{Key: "ice-pwd", Value: p.Pwd},
				{Key: "fingerprint", Value: "sha-256 " + p.Fingerprint},
				{Key: "setup", Value: string(role)},
			}, candidateAttrs(p.Candidates)...),
		},
	}
}

func candidateAttrs(candidates []string) []Attribute {
	out := make([]Attribute, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, Attribute{Key: "candidate", Value: strings.TrimPrefix(c, "candidate:")})
	}
	return out
}
