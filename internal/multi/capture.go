// ABOUTME: Capture path: Multi.Write (transport side) and the snoop
// ABOUTME: dispatcher's post-event-batch logic (spec §4.3, §4.3.2)
package multi

import (
	"errors"

	"github.com/bluealsa-go/pcmmux/internal/pcmclient"
	"github.com/bluealsa-go/pcmmux/internal/transport"
)

// Write fans data out to every Running capture client, per spec §4.3
// "write": "iterate clients; for each Running client, attempt
// client.write. Reap any that reached Finished." samples is the frame
// count data represents and is returned unchanged on success; data is
// never buffered centrally (the capture direction has no ring buffer —
// each client's Write call is a direct best-effort write bounded by a
// short write deadline, per spec §4.2.2).
func (m *Multi) Write(data []byte, samples int) (int, error) {
	if !m.initialized.Load() {
		return 0, ErrNotInitialized
	}
	m.clientMu.Lock()
	if m.State() == StateFinished {
		m.clientMu.Unlock()
		m.transport.Release()
		return 0, nil
	}

	var finished []*pcmclient.Client
	for _, c := range m.clients {
		if c.State() != pcmclient.Running {
			continue
		}
		if err := c.Write(data); err != nil && !errors.Is(err, pcmclient.ErrOverrun) {
			finished = append(finished, c)
		}
	}
	for _, c := range finished {
		c.Free()
		delete(m.clients, c.ID)
	}
	m.clientMu.Unlock()
	return samples, nil
}

// afterEventBatchCapture implements spec §4.3.2's bullets: reap on
// hang-up/last-client-left, and the Paused->Running transport.Resume()
// interplay the original flags as ambiguous (spec §9; decision recorded
// in DESIGN.md).
func (m *Multi) afterEventBatchCapture() {
	m.clientMu.Lock()
	n := len(m.clients)
	if n == 0 {
		m.setState(StateFinished)
		m.clientMu.Unlock()
		m.transport.Signal(transport.SignalClose)
		m.transport.StopIfNoClients()
		return
	}

	active := m.activeCountLocked()
	switch {
	case m.State() == StatePaused && active > 0:
		m.setState(StateRunning)
		m.clientMu.Unlock()
		m.transport.Resume()
		return
	case m.State() == StateRunning && active == 0:
		// All clients paused: no data is flowing out, so the global state
		// follows, mirroring the per-client Running<->Paused symmetry
		// (spec §9 flags this interplay as ambiguous; see DESIGN.md).
		m.setState(StatePaused)
	}
	m.clientMu.Unlock()
}
