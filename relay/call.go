package relay

import (
	"errors"

	"github.com/google/uuid"
)

// CallState tracks the lifecycle of one relayed call.
type CallState int

const (
	// CallPending means the callee has been notified but not answered.
	CallPending CallState = iota
	// CallActive means both parties accepted and are exchanging media.
	CallActive
	// CallTerminated means the call ended by hangup, decline, or disconnect.
	CallTerminated
)

// ErrCallNotFound is returned when a call id is unknown or already gone.
var ErrCallNotFound = errors.New("relay: call not found")

// ErrNotPending is returned when answering a call that is not Pending.
var ErrNotPending = errors.New("relay: call is not pending")

// Call references its participants by user id only; the session map is
// the single source of truth for liveness.
type Call struct {
	ID       string
	CallerID string
	CalleeID string
	State    CallState
}

// Peer returns the other participant's user id, or "" when the given
// user is not part of the call.
func (c *Call) Peer(userID string) string {
	switch userID {
	case c.CallerID:
		return c.CalleeID
	case c.CalleeID:
		return c.CallerID
	default:
		return ""
	}
}

// callTable holds live calls. Guarded by the server's coarse mutex.
type callTable struct {
	calls map[string]*Call
}

func newCallTable() *callTable {
	return &callTable{calls: make(map[string]*Call)}
}

// create registers a new Pending call and returns it.
func (t *callTable) create(callerID, calleeID string) *Call {
	c := &Call{
		ID:       uuid.NewString(),
		CallerID: callerID,
		CalleeID: calleeID,
		State:    CallPending,
	}
	t.calls[c.ID] = c
	return c
}

// get returns the call with the given id.
func (t *callTable) get(id string) (*Call, bool) {
	c, ok := t.calls[id]
	return c, ok
}

// byParticipant returns the non-terminated call involving the user, if any.
func (t *callTable) byParticipant(userID string) *Call {
	for _, c := range t.calls {
		if c.State == CallTerminated {
			continue
		}
		if c.CallerID == userID || c.CalleeID == userID {
			return c
		}
	}
	return nil
}

// terminate marks a call Terminated and removes it from the table.
// Idempotent: terminating an unknown or already-removed call is a no-op.
func (t *callTable) terminate(id string) *Call {
	c, ok := t.calls[id]
	if !ok {
		return nil
	}
	c.State = CallTerminated
	delete(t.calls, id)
	return c
}
