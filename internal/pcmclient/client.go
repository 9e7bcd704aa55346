// ABOUTME: Per-client buffer, state machine, and pipe/control I/O (spec §3.3, §4.2)
// ABOUTME: All state mutation happens on the dispatcher goroutine that owns the Client
package pcmclient

import (
	"bufio"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bluealsa-go/pcmmux/internal/ctlproto"
)

// ErrOutOfMemory is spec §7's OutOfMemory: fatal to the operation that
// hit it (here, buffer allocation in Init), not to the rest of Multi.
var ErrOutOfMemory = errors.New("pcmclient: out of memory")

// ErrPeerClosed is spec §7's PeerClosed: pipe EOF or hang-up.
var ErrPeerClosed = errors.New("pcmclient: peer closed")

// ErrOverrun is spec §7's Overrun: a non-blocking capture write hit
// EAGAIN; the frame is dropped, the decoder is not stalled.
var ErrOverrun = errors.New("pcmclient: overrun, frame dropped")

// MixHost is the non-owning handle a Client uses to reach its parent
// Multi's mix buffer and period geometry, per spec §9 "Backward
// ownership": "Clients hold a reference to their parent Multi solely to
// consult period_bytes, the mix buffer, and the event-loop handle."
type MixHost interface {
	PeriodBytes() int
	PeriodFrames() int
	Channels() int
	Add(cursor int64, data []byte) (newCursor int64, consumed int)
	MixAvail() int64
	MixOffset() int64
}

// Config holds the tunables spec §6.3 recognizes, scoped per client.
type Config struct {
	Direction       Direction
	ClientThreshold int           // periods, CLIENT_THRESHOLD (spec §9: 2)
	MixThreshold    int           // periods, MIX_THRESHOLD (spec §9: 2..4) — used only for pre-roll sizing
	DrainSettle     time.Duration // DRAIN_SETTLE_NS (spec §9: ~300ms)
}

// Client is one local audio client attached to a Multi, per spec §3.3.
type Client struct {
	ID   uuid.UUID
	dir  Direction
	host MixHost // may be nil for Capture clients, which never use it

	data    io.ReadWriteCloser
	control io.ReadWriteCloser
	ctlR    *bufio.Reader

	drainTimer      *time.Timer
	drainSettle     time.Duration
	clientThreshold int
	mixThreshold    int

	periodBytes  int
	periodFrames int
	channels     int

	mu       sync.Mutex // guards watch, which the pipe reader goroutine waits on
	cond     *sync.Cond
	buf      []byte // buf and inOffset are touched only by the dispatcher goroutine
	inOffset int
	watch    bool

	// The following fields are touched only by the dispatcher goroutine.
	outOffset  int64
	drainAvail int64
	drop       bool
	state      State

	closeOnce sync.Once
	events    chan<- Event
}

// Event is what a Client's background goroutines (pipe reader, control
// reader) post to the shared dispatcher fan-in channel. Multi's
// dispatcher is the single consumer; see spec §5's "single-threaded
// cooperative" requirement.
type Event struct {
	ClientID uuid.UUID
	Kind     EventKind
	Data     []byte
	Command  ctlproto.Command
	Err      error
}

// EventKind identifies what triggered an Event.
type EventKind int

const (
	EvPipeData EventKind = iota
	EvPipeClosed
	EvControl
	EvControlClosed
	EvDrainTimer
)

// New constructs a Client in state Init with its pipe watch disabled,
// per spec §4.2 "new": registers pcm_fd/control_fd bound to this
// client... initial state Init; pipe watch disabled. events is the
// parent Multi's shared fan-in channel (spec §9's "single-threaded event
// dispatcher").
func New(host MixHost, data, control io.ReadWriteCloser, cfg Config, events chan<- Event) *Client {
	c := &Client{
		ID:              uuid.New(),
		dir:             cfg.Direction,
		host:            host,
		data:            data,
		control:         control,
		ctlR:            bufio.NewReader(control),
		drainSettle:     cfg.DrainSettle,
		clientThreshold: cfg.ClientThreshold,
		mixThreshold:    cfg.MixThreshold,
		state:           Init,
		events:          events,
	}
	c.cond = sync.NewCond(&c.mu)
	if host != nil {
		c.periodBytes = host.PeriodBytes()
		c.periodFrames = host.PeriodFrames()
		c.channels = host.Channels()
	}
	return c
}

// Init allocates the client byte buffer (playback) and moves the client
// out of Init, per spec §4.2 "init()".
func (c *Client) Init() error {
	if c.dir == Playback {
		bufPeriods := c.clientThreshold + 1 // CLIENT_BUFFER_PERIODS
		size := bufPeriods * c.periodBytes
		if size <= 0 {
			return ErrOutOfMemory
		}
		c.buf = make([]byte, size)
		st, err := next(c.state, evReady, c.dir)
		if err != nil {
			return err
		}
		c.state = st
		c.setWatch(true)
		go c.runPipeReader()
	} else {
		st, err := next(c.state, evReady, c.dir)
		if err != nil {
			return err
		}
		c.state = st
		c.setWatch(true)
		go c.runPipeReader()
	}
	go c.runControlReader()
	return nil
}

// Free deregisters everything the Client owns, per spec §4.2 "free()".
func (c *Client) Free() {
	c.closeOnce.Do(func() {
		c.setWatch(false)
		if c.drainTimer != nil {
			c.drainTimer.Stop()
		}
		_ = c.data.Close()
		_ = c.control.Close()
		c.state = Finished
	})
}

// State returns the client's current state. Only the dispatcher
// goroutine calls this, so no lock is needed for the state field itself.
func (c *Client) State() State { return c.state }

func (c *Client) setWatch(v bool) {
	c.mu.Lock()
	c.watch = v
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Client) watchEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watch
}

// runPipeReader reads period-sized chunks from the data pipe and posts
// them to the dispatcher fan-in channel. It pauses (without deregistering
// anything — spec §9's "disable a source without deregistering") whenever
// the dispatcher has disabled watch.
func (c *Client) runPipeReader() {
	chunkSize := c.periodBytes
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	scratch := make([]byte, chunkSize)
	for {
		c.mu.Lock()
		for !c.watch {
			c.cond.Wait()
		}
		c.mu.Unlock()

		n, err := c.data.Read(scratch)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, scratch[:n])
			c.events <- Event{ClientID: c.ID, Kind: EvPipeData, Data: chunk}
		}
		if err != nil {
			if errors.Is(err, errInterrupted) {
				continue
			}
			c.events <- Event{ClientID: c.ID, Kind: EvPipeClosed, Err: err}
			return
		}
	}
}

// runControlReader reads unframed commands (one per read, see
// ctlproto.ReadCommand) from the control socket and posts them to the
// dispatcher fan-in channel.
func (c *Client) runControlReader() {
	for {
		cmd, err := ctlproto.ReadCommand(c.ctlR)
		if err != nil {
			if errors.Is(err, errInterrupted) {
				continue
			}
			if err == io.EOF || !errors.Is(err, ctlproto.ErrInvalidCommand) {
				c.events <- Event{ClientID: c.ID, Kind: EvControlClosed, Err: err}
				return
			}
		}
		c.events <- Event{ClientID: c.ID, Kind: EvControl, Command: cmd}
	}
}

// errInterrupted is the sentinel the reader goroutines retry on (spec §7's
// Interrupted: "retried internally"). No reader in this module wraps an
// error into it: neither net.Pipe (tests) nor the net.Conn values
// cmd/pcmmuxd passes to AddClient produce it, so the retry only fires for
// an io.ReadWriteCloser that returns this sentinel itself.
var errInterrupted = errors.New("pcmclient: interrupted")

// --- Playback event handling (spec §4.2.1) ---

// OnPipeData appends data to the client's byte buffer and, from Idle,
// transitions to Running once CLIENT_THRESHOLD periods are buffered.
func (c *Client) OnPipeData(data []byte) {
	if c.state == Finished {
		return
	}
	room := len(c.buf) - c.inOffset
	n := room
	if n > len(data) {
		n = len(data)
	}
	copy(c.buf[c.inOffset:], data[:n])
	c.inOffset += n

	if len(c.buf)-c.inOffset < c.periodBytes {
		c.setWatch(false)
	}

	if c.state == Idle && c.inOffset >= c.clientThreshold*c.periodBytes {
		// spec §4.2.1: "initialize out_offset = -((MIX_THRESHOLD *
		// period_samples) - current_buffered_samples)" — MIX_THRESHOLD,
		// not CLIENT_THRESHOLD: the client's write head is placed ahead
		// of the mix head by the mix's own start-up fill threshold, not
		// by this client's local buffering threshold.
		periodSamples := c.periodFrames * c.channels
		buffered := (c.inOffset / (c.periodBytes / c.periodFrames)) * c.channels // samples currently buffered
		preroll := int64(c.mixThreshold*periodSamples) - int64(buffered)
		c.outOffset = -preroll
		c.transition(evThresholdReached)
	}
}

// OnPipeClosed handles pipe EOF/hang-up: spec §4.2.1's "on EOF from the
// peer, close the pipe source and go Finished".
func (c *Client) OnPipeClosed(err error) {
	_ = c.data.Close()
	c.transition(evHangup)
}

// OnControlClosed handles control-socket hang-up, per spec §6.1: "Peer
// hang-up on either socket transitions the client to Finished."
func (c *Client) OnControlClosed(err error) {
	_ = c.control.Close()
	c.transition(evHangup)
}

// SetGeometry updates the period sizing a Client uses to size its pipe
// reader chunks and CLIENT_THRESHOLD buffer. Multi calls this when a
// client is registered before Init (period geometry not yet known) and
// again once Init computes it, per spec §4.3 "add_client"/"init".
func (c *Client) SetGeometry(periodBytes, periodFrames, channels int) {
	c.periodBytes = periodBytes
	c.periodFrames = periodFrames
	c.channels = channels
}

// Deliver is invoked by Multi's dispatcher whenever the mix needs more
// data from this client, per spec §4.2.1 "Deliver".
func (c *Client) Deliver() {
	switch c.state {
	case Draining1:
		if c.inOffset > 0 {
			c.pushToMix()
		}
		mixAvail := c.host.MixAvail()
		if c.inOffset == 0 && (mixAvail == 0 || mixAvail > c.drainAvail) {
			c.transition(evDrainComplete)
			c.drainTimer = time.AfterFunc(c.drainSettle, func() {
				c.events <- Event{ClientID: c.ID, Kind: EvDrainTimer}
			})
		}
	case Running:
		if c.inOffset > 0 {
			c.pushToMix()
		}
	}
}

// pushToMix feeds whatever is currently buffered into the mix buffer and
// compacts the byte buffer, re-enabling the pipe watch on progress.
func (c *Client) pushToMix() {
	newCursor, consumed := c.host.Add(c.outOffset, c.buf[:c.inOffset])
	if consumed == 0 {
		return
	}
	c.outOffset = newCursor
	remaining := c.inOffset - consumed
	copy(c.buf, c.buf[consumed:c.inOffset])
	c.inOffset = remaining
	c.setWatch(true)
}

// OnDrainTimerFired handles the drain settle timer, per spec §4.2.1:
// "only if currently Draining2: go Idle, re-enable pipe watch, reset
// in_offset, reply OK on control socket."
func (c *Client) OnDrainTimerFired() {
	if c.state != Draining2 {
		return
	}
	c.transition(evDrainTimerFired)
	c.inOffset = 0
	c.setWatch(true)
	c.replyOK()
}

// OnControl dispatches one control command, per spec §4.2.1's table. If
// the client is mid-drain, the drain-timer handler runs first so the
// command is dispatched against a clean Idle state.
func (c *Client) OnControl(cmd ctlproto.Command) {
	if c.dir == Playback && (c.state == Draining1 || c.state == Draining2) {
		c.OnDrainTimerFired()
	}

	if c.dir == Capture {
		c.onControlCapture(cmd)
		return
	}
	c.onControlPlayback(cmd)
}

func (c *Client) onControlPlayback(cmd ctlproto.Command) {
	switch cmd {
	case ctlproto.Drain:
		if c.state == Running {
			c.setWatch(false)
			c.drainAvail = c.host.MixAvail()
			c.transition(evDrainRequested)
			// reply deferred until the drain timer fires.
			return
		}
		c.replyOK()
	case ctlproto.Drop:
		c.doDrop()
		c.replyOK()
	case ctlproto.Pause:
		c.transition(evPause)
		c.setWatch(false)
		c.outOffset = -c.delay()
		c.replyOK()
	case ctlproto.Resume:
		switch c.state {
		case Idle:
			c.setWatch(true)
			c.drop = false
			c.transition(evResume)
			c.replyOK()
		case Paused:
			c.transition(evResume)
			c.setWatch(true)
			c.replyOK()
		default:
			c.replyOK()
		}
	default:
		c.replyInvalid()
	}
}

func (c *Client) onControlCapture(cmd ctlproto.Command) {
	switch cmd {
	case ctlproto.Pause:
		c.transition(evPause)
		c.replyOK()
	case ctlproto.Resume:
		c.transition(evResume)
		c.replyOK()
	case ctlproto.Drain, ctlproto.Drop:
		c.replyOK()
	default:
		c.replyInvalid()
	}
}

// doDrop handles Drop (spec §4.2.1): cancel the drain timer, discard
// buffered and in-flight data, reset in_offset, go Idle, and set drop so
// the dispatcher can clear the mix once it is safe (spec §4.3.1 step 2,
// and the open question in spec §9 about the single-client case).
func (c *Client) doDrop() {
	if c.drainTimer != nil {
		c.drainTimer.Stop()
	}
	c.inOffset = 0
	c.drop = true
	c.transition(evDrop)
	c.setWatch(true)
}

// delay returns the client's current lead over the mix head, in samples,
// used by Pause to snap out_offset per spec §4.2.1: "snap out_offset to
// -delay(out_offset) so that on resume the client re-enters at the
// current mix head."
func (c *Client) delay() int64 {
	if c.outOffset < 0 {
		return -c.outOffset
	}
	lead := c.outOffset - c.host.MixOffset()
	if lead < 0 {
		return 0
	}
	return lead
}

func (c *Client) replyOK() {
	if err := ctlproto.WriteReply(c.control, ctlproto.ReplyOK); err != nil {
		log.Printf("pcmclient: %s: failed to write OK reply: %v", c.ID, err)
	}
}

func (c *Client) replyInvalid() {
	if err := ctlproto.WriteReply(c.control, ctlproto.ReplyInvalid); err != nil {
		log.Printf("pcmclient: %s: failed to write Invalid reply: %v", c.ID, err)
	}
}

// --- Capture event handling (spec §4.2.2) ---

// captureWriteTimeout bounds how long Write waits for a capture peer to
// take a frame before treating the write as an overrun.
const captureWriteTimeout = time.Millisecond

// Write performs a best-effort write of data to the client's pipe, bounded
// by captureWriteTimeout. If the peer does not take the data in time (a
// write deadline exceeded, the analogue of EAGAIN on a non-blocking write)
// the frame is dropped — audio glitch is preferable to stalling the
// decoder. Any other error closes the pipe and transitions to Finished.
func (c *Client) Write(data []byte) error {
	if dl, ok := c.data.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = dl.SetWriteDeadline(time.Now().Add(captureWriteTimeout))
	}
	_, err := c.data.Write(data)
	if err == nil {
		return nil
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		log.Printf("pcmclient: %s: overrun, dropping frame", c.ID)
		return ErrOverrun
	}
	_ = c.data.Close()
	c.transition(evHangup)
	return ErrPeerClosed
}

// transition applies a state machine move, logging (not panicking) if
// the requested move is illegal — a defensive backstop; callers are
// expected to only request moves the spec licenses from the state they
// observed.
func (c *Client) transition(ev event) {
	st, err := next(c.state, ev, c.dir)
	if err != nil {
		log.Printf("pcmclient: %s: illegal transition from %v on event %d", c.ID, c.state, ev)
		return
	}
	c.state = st
}

// Drop reports whether the dispatcher should clear the mix buffer on
// this client's behalf once it is safe to do so (spec §4.3.1 step 2).
func (c *Client) DropPending() bool { return c.drop }

// ClearDropPending resets the drop flag once the dispatcher has acted on it.
func (c *Client) ClearDropPending() { c.drop = false }

// OutOffset exposes the client's current mix-buffer write cursor, used by
// tests and by Multi's invariant checks (spec §8).
func (c *Client) OutOffset() int64 { return c.outOffset }

// InOffset exposes the client's currently buffered byte count.
func (c *Client) InOffset() int { return c.inOffset }
