// Package visage is the root of the visage two-party video chat stack.
//
// Visage connects exactly two participants in an encrypted video call.
// Peers discover each other through a small TCP relay, negotiate a
// direct path with ICE, secure it with DTLS, and exchange H.264 video
// over SRTP. The subsystems are split into focused packages:
//
//   - [github.com/visage-chat/visage/signaling]: wire protocol and
//     client for the relay (length-prefixed JSON frames over TCP)
//   - [github.com/visage-chat/visage/relay]: the relay server with its
//     user directory, presence broadcast, and call brokering
//   - [github.com/visage-chat/visage/stun]: STUN message codec plus a
//     minimal TURN allocation client
//   - [github.com/visage-chat/visage/ice]: candidate gathering and
//     connectivity checks producing a nominated UDP path
//   - [github.com/visage-chat/visage/sdp]: offer/answer descriptions
//     carrying ICE credentials, DTLS fingerprints, and candidates
//   - [github.com/visage-chat/visage/dtlstransport]: the DTLS handshake
//     and SRTP key export over the nominated pair
//   - [github.com/visage-chat/visage/srtp]: AES-CM/HMAC-SHA1 packet
//     protection with replay rejection
//   - [github.com/visage-chat/visage/rtp]: H.264 packetization,
//     reassembly, and the receive jitter buffer
//   - [github.com/visage-chat/visage/media]: frame source, sink, and
//     codec interfaces the session pumps
//   - [github.com/visage-chat/visage/session]: the per-call media
//     pipeline between a connected transport and local devices
//   - [github.com/visage-chat/visage/peer]: the call state machine
//     tying signaling, ICE, DTLS, and the session together
//
// A typical caller wires a [github.com/visage-chat/visage/signaling.Client]
// to a [github.com/visage-chat/visage/peer.Controller] and drives calls
// through StartCall and HandleEvent. The relay binary lives in
// cmd/visage-relay.
package visage
