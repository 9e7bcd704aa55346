// ABOUTME: Structured monitoring snapshot of a Multi's client registry
// ABOUTME: Consumed by internal/tui and cmd/pcmmuxd's debug websocket endpoint
package mixctl

import (
	"time"

	"github.com/google/uuid"

	"github.com/bluealsa-go/pcmmux/internal/multi"
	"github.com/bluealsa-go/pcmmux/internal/pcmclient"
)

// ClientSnapshot describes one client's state at the moment Snapshot was
// taken, enough to drive a monitoring display without exposing Client
// internals (or its mutex) outside the pcmclient package.
type ClientSnapshot struct {
	ID        uuid.UUID
	State     pcmclient.State
	InOffset  int
	OutOffset int64
}

// Snapshot describes one Multi's state, taken at Taken.
type Snapshot struct {
	Taken       time.Time
	Direction   pcmclient.Direction
	State       multi.State
	ClientCount int
	ActiveCount int
	Clients     []ClientSnapshot
}

// Take reads m's state into a Snapshot. Per-client state (State, InOffset,
// OutOffset) is touched only by the dispatcher goroutine, so Take never
// reads it directly: Multi.StateSnapshot hands the read to the dispatcher
// itself and returns its reply, the same round-trip the dispatcher already
// uses for client events.
func Take(m *multi.Multi, dir pcmclient.Direction) Snapshot {
	clients := m.StateSnapshot()
	snaps := make([]ClientSnapshot, len(clients))
	for i, c := range clients {
		snaps[i] = ClientSnapshot{
			ID:        c.ID,
			State:     c.State,
			InOffset:  c.InOffset,
			OutOffset: c.OutOffset,
		}
	}
	return Snapshot{
		Taken:       time.Now(),
		Direction:   dir,
		State:       m.State(),
		ClientCount: m.ClientCount(),
		ActiveCount: m.ActiveCount(),
		Clients:     snaps,
	}
}
