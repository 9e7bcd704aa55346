// ABOUTME: Playback path: Multi.Read (transport side) and the mix-refill
// ABOUTME: half of the dispatcher's post-event-batch logic (spec §4.3, §4.3.1)
package multi

import (
	"github.com/bluealsa-go/pcmmux/internal/pcmclient"
	"github.com/bluealsa-go/pcmmux/internal/transport"
)

// Read delivers mixed PCM to the transport encoder thread, per spec
// §4.3 "read". It posts to the Wakeup to prompt the dispatcher to refill
// the mix, then blocks on the buffer condition variable until either the
// buffer is ready or the Multi leaves Running.
//
// There is no Go analogue of the original's separate "transport-facing
// event source" (an fd the transport's own epoll set watches so it can
// call Read without blocking): the transport side in this rendition
// calls Read synchronously and blocks on bufCond instead of waiting on an
// epoll-registered readiness fd.
func (m *Multi) Read(out []byte, samples int) (int, error) {
	if !m.initialized.Load() {
		return 0, ErrNotInitialized
	}
	switch m.State() {
	case StateInit:
		_ = m.wakeup.Post(1)
		return 0, ErrTryAgain
	case StateFinished:
		m.transport.Release()
		return 0, nil
	case StateRunning:
		// fall through to the wait below
	default:
		return 0, ErrIO
	}

	_ = m.wakeup.Post(1)

	m.bufMu.Lock()
	for m.State() == StateRunning && !m.ready {
		m.bufCond.Wait()
	}
	cur := m.State()
	if cur != StateRunning {
		m.bufMu.Unlock()
		if cur == StateFinished {
			m.transport.Release()
		}
		return 0, nil
	}
	n := m.mixBuf.Read(out, samples, m.effectiveScale())
	m.ready = false
	m.bufMu.Unlock()
	return n, nil
}

// effectiveScale picks the per-channel read-out scale, per spec §4.3
// "read from the Ring Mix Buffer using the current soft-volume scales (or
// hardware-muted channels only if soft-volume is off)" (SPEC_FULL §10).
func (m *Multi) effectiveScale() []float32 {
	m.volMu.RLock()
	defer m.volMu.RUnlock()

	channels := m.cfg.Format.Channels
	if m.cfg.SoftVolumeEnabled {
		scale := make([]float32, channels)
		for i := range scale {
			if i < len(m.cfg.SoftVolume) {
				scale[i] = m.cfg.SoftVolume[i]
			} else {
				scale[i] = 1
			}
		}
		return scale
	}
	scale := make([]float32, channels)
	for i := range scale {
		muted := i < len(m.cfg.HardwareMute) && m.cfg.HardwareMute[i]
		if !muted {
			scale[i] = 1
		}
	}
	return scale
}

// refillMix is the wake-up half of spec §4.3.1's first bullet: "under
// (buffer lock ⊓ client lock): for each client call Client.deliver; set
// buffer_ready = true; signal the condition variable; release locks."
//
// Client.Deliver reaches back into the mix buffer through the host
// adapter (pkg/mixbuffer via Add/MixAvail/MixOffset), and each of those
// host calls takes bufMu itself for the one mixbuffer.Buffer operation it
// performs. A Deliver call must therefore never run while this goroutine
// already holds bufMu — re-taking it inside host.Add would self-deadlock
// a non-reentrant sync.Mutex. So the delivery pass here runs under
// clientMu alone, and bufMu is taken separately, afterward, just for the
// ready flag.
func (m *Multi) refillMix() {
	m.clientMu.Lock()
	for _, c := range m.clients {
		c.Deliver()
	}
	m.clientMu.Unlock()

	m.bufMu.Lock()
	m.ready = true
	m.bufMu.Unlock()
	m.bufCond.Broadcast()
}

// afterEventBatchPlayback implements spec §4.3.1's four post-dispatch
// checks, in order, for a playback Multi. Every client-state write
// (setState, DropPending) happens while clientMu is held, matching spec
// §5's "writes happen under client_mutex". bufMu nests inside clientMu
// freely for direct, non-reentrant mix-buffer field reads
// (Clear/AtThreshold/Empty) — but, as in refillMix, never around a Deliver
// call, since Deliver can re-enter bufMu via the host adapter and that
// would self-deadlock on this same goroutine. Transport calls are made
// only after all locks are released, matching terminate()'s existing
// pattern, since none of them re-enter Multi.
func (m *Multi) afterEventBatchPlayback() {
	m.clientMu.Lock()

	n := len(m.clients)
	if n == 0 {
		m.setState(StateFinished)
		m.clientMu.Unlock()

		m.bufMu.Lock()
		m.mixBuf.Clear()
		m.bufMu.Unlock()

		m.transport.Signal(transport.SignalClose)
		m.transport.StopIfNoClients()
		return
	}

	dropSignaled := false
	if n == 1 {
		for _, c := range m.clients {
			if c.DropPending() {
				dropSignaled = true
				c.ClearDropPending()
			}
		}
		if dropSignaled {
			m.bufMu.Lock()
			m.mixBuf.Clear()
			m.bufMu.Unlock()
		}
	}

	resume := false
	switch m.State() {
	case StateInit:
		active := m.activeCountLocked()
		if active > 0 {
			for _, c := range m.clients {
				c.Deliver()
			}
			m.bufMu.Lock()
			atThreshold := m.mixBuf.AtThreshold()
			m.bufMu.Unlock()
			if atThreshold {
				m.setState(StateRunning)
				resume = true
			}
		}
	case StateRunning:
		m.bufMu.Lock()
		empty := m.mixBuf.Empty()
		m.bufMu.Unlock()
		if empty {
			m.setState(StateInit)
		} else {
			resume = true
		}
	}

	m.clientMu.Unlock()

	if dropSignaled {
		m.transport.Signal(transport.SignalDrop)
	}
	if resume {
		m.transport.Resume()
	}
}

// afterEventBatch dispatches to the direction-specific post-batch logic.
func (m *Multi) afterEventBatch() {
	if m.State() == StateFinished {
		return
	}
	if m.cfg.Direction == pcmclient.Playback {
		m.afterEventBatchPlayback()
	} else {
		m.afterEventBatchCapture()
	}
}
