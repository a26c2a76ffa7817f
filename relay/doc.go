// Package relay implements the Visage signaling relay: authenticated
// persistent connections, the online user directory, call state, push
// routing of signaling messages, and state broadcast.
//
// Each accepted connection is serviced by one dedicated worker
// goroutine with no polling. The worker alternates between draining
// its session's outbound queue and attempting an inbound read with a
// short deadline, so outbound delivery latency stays bounded even when
// the peer is quiet.
//
// The directory of users, the map of live sessions, and the call table
// are guarded by one coarse mutex. The mutex is never held across I/O;
// outbound messages are posted to bounded per-session queues and
// written by the owning worker only.
package relay
