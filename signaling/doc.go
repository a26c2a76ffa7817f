// Package signaling implements the wire protocol spoken between Visage
// clients and the signaling relay.
//
// Every message on the wire is a length-prefixed frame:
//
//	[length:u32 big-endian][type:u8][payload: JSON, UTF-8]
//
// The length field excludes itself and covers the type byte plus the
// payload, so length = 1 + len(payload). Frames whose length field
// exceeds 1 MiB are rejected before any allocation takes place.
//
// The package provides three layers:
//   - frame.go: the framing codec (ReadFrame / WriteFrame)
//   - message.go: the one-byte type codes and their JSON payload structs
//   - client.go: a connected client that exposes typed send methods and
//     a stream of decoded inbound events
package signaling
