// ABOUTME: Per-transport-PCM dispatcher (spec §3.4, §4.3): client registry,
// ABOUTME: transport-facing read/write, and the single dispatcher goroutine
package multi

import (
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bluealsa-go/pcmmux/internal/pcmclient"
	"github.com/bluealsa-go/pcmmux/internal/transport"
	"github.com/bluealsa-go/pcmmux/pkg/mixbuffer"
	"github.com/bluealsa-go/pcmmux/pkg/pcmformat"
)

// Default tunables from spec §6.3 / §9 "Design constants".
const (
	DefaultMaxClients      = 32
	DefaultBufferPeriods   = 16
	DefaultMixThreshold    = 2
	DefaultClientThreshold = 2
	DefaultDrainSettle     = 300 * time.Millisecond
)

// ErrTooManyClients is returned by AddClient once MaxClients is reached,
// the original's pcm_multi_add_client bound check (SPEC_FULL §10).
var ErrTooManyClients = errors.New("multi: too many clients")

// ErrNotInitialized is returned by Read/Write before Init has run.
var ErrNotInitialized = errors.New("multi: not initialized")

// ErrTryAgain is Multi.Read's spec §4.3 "Init" outcome: the caller should
// retry once the buffer reaches its start threshold.
var ErrTryAgain = errors.New("multi: try again")

// ErrIO is Multi.Read's spec §4.3 catch-all for any state other than
// Init/Running/Finished.
var ErrIO = errors.New("multi: i/o error")

// Config holds the tunables spec §6.3 recognizes for one Multi instance,
// plus the soft-volume/hardware-mute scale selection recovered from
// original_source/ (SPEC_FULL §10).
type Config struct {
	Direction       pcmclient.Direction
	Format          pcmformat.Format
	MaxClients      int
	BufferPeriods   int // playback only
	MixThreshold    int // periods, 2..4
	ClientThreshold int // periods
	DrainSettle     time.Duration

	SoftVolumeEnabled bool
	SoftVolume        []float32 // one per channel, 0.0..1.0
	HardwareMute      []bool    // one per channel, used when SoftVolumeEnabled is false
}

func (c *Config) setDefaults() {
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.BufferPeriods <= 0 {
		c.BufferPeriods = DefaultBufferPeriods
	}
	if c.MixThreshold <= 0 {
		c.MixThreshold = DefaultMixThreshold
	}
	if c.ClientThreshold <= 0 {
		c.ClientThreshold = DefaultClientThreshold
	}
	if c.DrainSettle <= 0 {
		c.DrainSettle = DefaultDrainSettle
	}
}

// Multi is one transport-facing PCM instance and its client registry, per
// spec §3.4. One Multi drives either a playback mix or a capture snoop,
// never both; Direction is fixed at construction.
type Multi struct {
	transport transport.Transport
	wakeup    transport.Wakeup
	cfg       Config

	periodFrames int
	periodBytes  int

	clientMu sync.Mutex
	clients  map[uuid.UUID]*pcmclient.Client
	events   chan pcmclient.Event

	bufMu   sync.Mutex
	bufCond *sync.Cond
	mixBuf  *mixbuffer.Buffer // playback only
	ready   bool              // buffer_ready

	volMu sync.RWMutex

	state State

	workerOnce    sync.Once
	workerDone    chan struct{}
	workerStarted atomic.Bool

	snapshotReq chan snapshotRequest

	initialized atomic.Bool
}

// ClientState is a point-in-time copy of one client's dispatcher-owned
// state (spec §5: "touched only by the dispatcher goroutine"). It is
// built on the dispatcher goroutine itself by StateSnapshot, never read
// from a client concurrently with the dispatcher.
type ClientState struct {
	ID        uuid.UUID
	State     pcmclient.State
	InOffset  int
	OutOffset int64
}

// snapshotRequest is posted to the dispatcher's select loop by
// StateSnapshot; the dispatcher builds the reply on its own goroutine and
// sends it back, the same round-trip pattern client events already use
// to keep every read of dispatcher-private fields single-threaded.
type snapshotRequest struct {
	reply chan []ClientState
}

// New creates a Multi bound to transport t, per spec §4.3 "create": it
// allocates the client registry and the transport-facing Wakeup, and
// leaves the worker goroutine unstarted until the first client is added.
func New(t transport.Transport, cfg Config) (*Multi, error) {
	cfg.setDefaults()
	w, err := transport.NewWakeup()
	if err != nil {
		return nil, err
	}
	m := &Multi{
		transport:   t,
		wakeup:      w,
		cfg:         cfg,
		clients:     make(map[uuid.UUID]*pcmclient.Client),
		events:      make(chan pcmclient.Event, 64),
		workerDone:  make(chan struct{}),
		snapshotReq: make(chan snapshotRequest),
	}
	m.bufCond = sync.NewCond(&m.bufMu)
	m.volMu.Lock()
	m.cfg.SoftVolume = append([]float32(nil), cfg.SoftVolume...)
	m.cfg.HardwareMute = append([]bool(nil), cfg.HardwareMute...)
	m.volMu.Unlock()
	return m, nil
}

// Init computes period geometry from transferSamples (spec §4.3: "compute
// period_frames = transfer_samples / channels, period_bytes =
// period_frames * channels * sample_bytes"), allocates the Ring Mix
// Buffer for playback, and initializes any clients registered before Init
// ran, removing any that fail.
func (m *Multi) Init(transferSamples int) error {
	channels := m.cfg.Format.Channels
	if channels <= 0 || !m.cfg.Format.Valid() {
		return mixbuffer.ErrInvalidFormat
	}
	m.periodFrames = transferSamples / channels
	m.periodBytes = m.periodFrames * m.cfg.Format.FrameSize()

	if m.cfg.Direction == pcmclient.Playback {
		bufFrames := m.cfg.BufferPeriods * m.periodFrames
		buf, err := mixbuffer.New(m.cfg.Format, bufFrames, m.periodFrames, m.cfg.MixThreshold)
		if err != nil {
			return err
		}
		m.bufMu.Lock()
		m.mixBuf = buf
		m.ready = false
		m.bufMu.Unlock()
	}

	m.clientMu.Lock()
	var failed []uuid.UUID
	for id, c := range m.clients {
		c.SetGeometry(m.periodBytes, m.periodFrames, channels)
		if err := c.Init(); err != nil {
			log.Printf("multi: client %s failed to initialize: %v", id, err)
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		if c, ok := m.clients[id]; ok {
			c.Free()
			delete(m.clients, id)
		}
	}
	m.initialized.Store(true)
	m.clientMu.Unlock()
	return nil
}

// host adapts Multi to pcmclient.MixHost, the non-owning handle described
// by spec §9 "Backward ownership".
type host struct{ m *Multi }

func (h *host) PeriodBytes() int  { return h.m.periodBytes }
func (h *host) PeriodFrames() int { return h.m.periodFrames }
func (h *host) Channels() int     { return h.m.cfg.Format.Channels }

func (h *host) Add(cursor int64, data []byte) (int64, int) {
	h.m.bufMu.Lock()
	defer h.m.bufMu.Unlock()
	return h.m.mixBuf.Add(cursor, data)
}

func (h *host) MixAvail() int64 {
	h.m.bufMu.Lock()
	defer h.m.bufMu.Unlock()
	return h.m.mixBuf.Avail()
}

func (h *host) MixOffset() int64 {
	h.m.bufMu.Lock()
	defer h.m.bufMu.Unlock()
	return h.m.mixBuf.MixOffset()
}

// AddClient registers a new client's data/control pipes, per spec §4.3
// "add_client". Bounded by MaxClients. A capture Multi whose previous
// cycle ended (Finished) is reset first (SPEC_FULL §10). The worker
// goroutine is started on the first call.
func (m *Multi) AddClient(data, control io.ReadWriteCloser) (*pcmclient.Client, error) {
	m.clientMu.Lock()

	if m.cfg.Direction == pcmclient.Capture && m.State() == StateFinished {
		m.resetLocked()
	}

	if len(m.clients) >= m.cfg.MaxClients {
		m.clientMu.Unlock()
		return nil, ErrTooManyClients
	}

	c := pcmclient.New(&host{m: m}, data, control, pcmclient.Config{
		Direction:       m.cfg.Direction,
		ClientThreshold: m.cfg.ClientThreshold,
		MixThreshold:    m.cfg.MixThreshold,
		DrainSettle:     m.cfg.DrainSettle,
	}, m.events)
	c.SetGeometry(m.periodBytes, m.periodFrames, m.cfg.Format.Channels)
	m.clients[c.ID] = c

	if m.initialized.Load() {
		if err := c.Init(); err != nil {
			delete(m.clients, c.ID)
			m.clientMu.Unlock()
			return nil, err
		}
	}

	if m.cfg.Direction == pcmclient.Playback {
		if m.State() == StateFinished {
			m.setState(StateInit)
		}
	} else if m.State() == StateInit {
		m.setState(StateRunning)
	}
	m.clientMu.Unlock()

	m.workerOnce.Do(func() {
		m.workerStarted.Store(true)
		go m.run()
	})
	return c, nil
}

// resetLocked clears the client registry and mix state for a new capture
// cycle, per spec §4.3 "If direction is capture and the previous cycle
// ended (Finished), reset first." Callers must hold clientMu.
func (m *Multi) resetLocked() {
	for _, c := range m.clients {
		c.Free()
	}
	m.clients = make(map[uuid.UUID]*pcmclient.Client)
	m.setState(StateInit)
}

// State returns the Multi's global state with relaxed atomic semantics,
// per spec §5.
func (m *Multi) State() State { return State(atomic.LoadInt32((*int32)(&m.state))) }

func (m *Multi) setState(s State) { atomic.StoreInt32((*int32)(&m.state), int32(s)) }

// activeCountLocked counts clients in the active set for this Multi's
// direction, per spec §3.3: Running|Draining1 for playback, Running only
// for capture. Callers must hold clientMu. Go rendition of the derived
// active_count quantity: computed on demand over the (<=MaxClients)
// client map rather than incrementally maintained, since the map is
// already small and already locked at every call site.
func (m *Multi) activeCountLocked() int {
	n := 0
	for _, c := range m.clients {
		if pcmclient.IsActive(c.State(), m.cfg.Direction) {
			n++
		}
	}
	return n
}

// StateSnapshot returns a point-in-time copy of every registered client's
// dispatcher-owned state, for monitoring consumers such as internal/mixctl.
// It posts a snapshotRequest onto the dispatcher's own select loop and
// blocks for the reply, so State/InOffset/OutOffset are read on the
// dispatcher goroutine that owns them rather than raced from the caller's.
// Before the dispatcher has started (no client has ever been added) it
// returns nil without blocking.
func (m *Multi) StateSnapshot() []ClientState {
	if !m.workerStarted.Load() {
		return nil
	}
	req := snapshotRequest{reply: make(chan []ClientState, 1)}
	select {
	case m.snapshotReq <- req:
	case <-m.workerDone:
		return nil
	}
	select {
	case cs := <-req.reply:
		return cs
	case <-m.workerDone:
		return nil
	}
}

// buildClientStates runs on the dispatcher goroutine in response to a
// snapshotRequest; it is the only place outside the dispatcher's own event
// handlers that reads a Client's dispatcher-owned fields.
func (m *Multi) buildClientStates() []ClientState {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	out := make([]ClientState, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, ClientState{
			ID:        c.ID,
			State:     c.State(),
			InOffset:  c.InOffset(),
			OutOffset: c.OutOffset(),
		})
	}
	return out
}

// ClientCount returns the number of registered clients, regardless of state.
func (m *Multi) ClientCount() int {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	return len(m.clients)
}

// ActiveCount returns the current active-client count (spec §3.3).
func (m *Multi) ActiveCount() int {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	return m.activeCountLocked()
}

// SetSoftVolume updates the per-channel soft-volume scale used by Read
// (spec §4.3, SPEC_FULL §10).
func (m *Multi) SetSoftVolume(scale []float32) {
	m.volMu.Lock()
	m.cfg.SoftVolume = append([]float32(nil), scale...)
	m.volMu.Unlock()
}

// SetHardwareMute updates the per-channel hardware-mute flags consulted
// when soft volume is disabled.
func (m *Multi) SetHardwareMute(mute []bool) {
	m.volMu.Lock()
	m.cfg.HardwareMute = append([]bool(nil), mute...)
	m.volMu.Unlock()
}

// Close signals the dispatcher goroutine to terminate and waits for it to
// exit, per spec §4.3.1 "On terminate". Safe to call more than once.
func (m *Multi) Close() {
	_ = m.wakeup.Post(transport.ShutdownValue)
	<-m.workerDone
}

// run is the single dispatcher goroutine for this Multi: spec §4.3.1
// (playback) or §4.3.2 (capture). It is Go's rendition of the
// epoll-based event demultiplexer described in SPEC_FULL §5.3: a select
// over the Wakeup's notification channel and the client event fan-in
// channel stands in for the platform readiness multiplexer.
func (m *Multi) run() {
	defer close(m.workerDone)
	for {
		select {
		case <-m.wakeup.C():
			v, err := m.wakeup.Drain()
			if err != nil {
				log.Printf("multi: wakeup drain error: %v", err)
				continue
			}
			if transport.IsShutdown(v) {
				m.terminate()
				return
			}
			if m.cfg.Direction == pcmclient.Playback {
				m.refillMix()
			}
		case ev := <-m.events:
			m.dispatchClientEvent(ev)
		case req := <-m.snapshotReq:
			req.reply <- m.buildClientStates()
			continue
		}
		m.afterEventBatch()
	}
}

func (m *Multi) dispatchClientEvent(ev pcmclient.Event) {
	m.clientMu.Lock()
	c, ok := m.clients[ev.ClientID]
	if !ok {
		m.clientMu.Unlock()
		return
	}
	switch ev.Kind {
	case pcmclient.EvPipeData:
		c.OnPipeData(ev.Data)
	case pcmclient.EvPipeClosed:
		c.OnPipeClosed(ev.Err)
	case pcmclient.EvControl:
		c.OnControl(ev.Command)
	case pcmclient.EvControlClosed:
		c.OnControlClosed(ev.Err)
	case pcmclient.EvDrainTimer:
		c.OnDrainTimerFired()
	}
	finished := c.State() == pcmclient.Finished
	if finished {
		c.Free()
		delete(m.clients, ev.ClientID)
	}
	m.clientMu.Unlock()
}

// terminate is the shared tail of spec §4.3.1/§4.3.2 "On terminate":
// state -> Finished, wake any transport-side waiters, give the transport
// a final chance to observe the Multi before it is torn down.
func (m *Multi) terminate() {
	m.clientMu.Lock()
	m.setState(StateFinished)
	for _, c := range m.clients {
		c.Free()
	}
	m.clients = make(map[uuid.UUID]*pcmclient.Client)
	m.clientMu.Unlock()

	m.bufMu.Lock()
	m.ready = true
	m.bufMu.Unlock()
	m.bufCond.Broadcast()

	m.transport.Signal(transport.SignalClose)
}
