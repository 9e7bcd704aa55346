// ABOUTME: Multi-level global state (spec §3.4)
// ABOUTME: Distinct from pcmclient.State; tracks the whole dispatcher, not one client
package multi

import "fmt"

// State is one of the four states a Multi instance passes through, per
// spec §3.4: Init, Running, Paused, Finished. It is stored as an int32
// field on Multi, accessed with sync/atomic, and read with relaxed
// semantics (spec §5:
// "Global state is atomic (relaxed reads are fine; writes happen under
// client_mutex)").
type State int32

const (
	StateInit State = iota
	StateRunning
	StatePaused
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateFinished:
		return "Finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
