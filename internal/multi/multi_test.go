package multi

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bluealsa-go/pcmmux/internal/pcmclient"
	"github.com/bluealsa-go/pcmmux/internal/transport"
	"github.com/bluealsa-go/pcmmux/pkg/pcmformat"
)

// recordingTransport is the test double for transport.Transport: it
// records every call so tests can assert on the spec §4.4 contract
// without a real Bluetooth stack.
type recordingTransport struct {
	mu       sync.Mutex
	signals  []transport.SignalKind
	released int
	resumed  int
	stopped  int
}

func (r *recordingTransport) Release() {
	r.mu.Lock()
	r.released++
	r.mu.Unlock()
}

func (r *recordingTransport) Signal(kind transport.SignalKind) {
	r.mu.Lock()
	r.signals = append(r.signals, kind)
	r.mu.Unlock()
}

func (r *recordingTransport) Resume() {
	r.mu.Lock()
	r.resumed++
	r.mu.Unlock()
}

func (r *recordingTransport) StopIfNoClients() {
	r.mu.Lock()
	r.stopped++
	r.mu.Unlock()
}

func (r *recordingTransport) resumedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumed
}

func (r *recordingTransport) hasSignal(k transport.SignalKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.signals {
		if s == k {
			return true
		}
	}
	return false
}

func monoS16() pcmformat.Format {
	return pcmformat.Format{Encoding: pcmformat.S16LE, Channels: 1, RateHz: 48000}
}

func s16Bytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

const (
	testPeriodFrames = 4
	testPeriodBytes  = testPeriodFrames * 2 // mono S16LE
)

func newPlaybackMulti(t *testing.T) (*Multi, *recordingTransport) {
	t.Helper()
	tr := &recordingTransport{}
	m, err := New(tr, Config{
		Direction:       pcmclient.Playback,
		Format:          monoS16(),
		MaxClients:      4,
		BufferPeriods:   16,
		MixThreshold:    2,
		ClientThreshold: 2,
		DrainSettle:     30 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Init(testPeriodFrames); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m, tr
}

func addPlaybackClient(t *testing.T, m *Multi) (*pcmclient.Client, net.Conn, net.Conn) {
	t.Helper()
	dataLocal, dataRemote := net.Pipe()
	ctlLocal, ctlRemote := net.Pipe()
	c, err := m.AddClient(dataLocal, ctlLocal)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = dataRemote.Close()
		_ = ctlRemote.Close()
	})
	return c, dataRemote, ctlRemote
}

func waitForState(t *testing.T, get func() pcmclient.State, want pcmclient.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if get() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, get())
}

func readPeriod(t *testing.T, m *Multi, timeout time.Duration) []byte {
	t.Helper()
	out := make([]byte, testPeriodBytes)
	done := make(chan struct{})
	var n int
	var err error
	go func() {
		n, err = m.Read(out, testPeriodFrames)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("Read timed out")
	}
	if err != nil && err != ErrTryAgain {
		t.Fatalf("Read error: %v", err)
	}
	return out[:n*2]
}

// Scenario 2 (spec §8): two playback clients with identity scale whose
// samples sum to zero must produce silence at the transport side.
func TestTwoClientsSumToSilence(t *testing.T) {
	m, tr := newPlaybackMulti(t)
	_, dataA, _ := addPlaybackClient(t, m)
	_, dataB, _ := addPlaybackClient(t, m)

	posPeriod := s16Bytes([]int16{1000, 1000, 1000, 1000})
	negPeriod := s16Bytes([]int16{-1000, -1000, -1000, -1000})

	// MIX_THRESHOLD=2, so prime the mix with enough periods from both
	// clients before expecting steady-state reads.
	for i := 0; i < 4; i++ {
		go dataA.Write(posPeriod)
		go dataB.Write(negPeriod)
		time.Sleep(5 * time.Millisecond)
	}

	var out []byte
	for i := 0; i < 4; i++ {
		out = readPeriod(t, m, time.Second)
	}
	if len(out) == 0 {
		t.Fatal("expected a delivered period")
	}
	for i := 0; i+1 < len(out); i += 2 {
		v := int16(binary.LittleEndian.Uint16(out[i:]))
		if v != 0 {
			t.Fatalf("expected silence at sample %d, got %d", i/2, v)
		}
	}
	if tr.resumedCount() == 0 {
		t.Error("expected the transport to have been resumed once the mix reached MIX_THRESHOLD")
	}
}

// Scenario 3 (spec §8): back-pressure. A playback client that writes far
// more than the mix can absorb must not move its write cursor past the
// back-pressure bound of (MIX_THRESHOLD+1) periods.
func TestBackPressureBoundsClientCursor(t *testing.T) {
	m, _ := newPlaybackMulti(t)
	c, dataA, _ := addPlaybackClient(t, m)

	period := s16Bytes([]int16{1, 2, 3, 4})
	// Write 10 periods without ever reading the transport side.
	go func() {
		for i := 0; i < 10; i++ {
			dataA.Write(period)
		}
	}()

	// Give the dispatcher time to mix whatever it can absorb; it should
	// stop well short of 10 periods because the +1-period back-pressure
	// bound caps the client's write head.
	time.Sleep(200 * time.Millisecond)

	if got := c.OutOffset(); got > int64((2+1)*testPeriodFrames) {
		t.Errorf("client cursor %d exceeds the back-pressure bound", got)
	}
}

// Scenario 5 (spec §8): Drop under a single client clears the mix buffer.
func TestDropClearsMixUnderSingleClient(t *testing.T) {
	m, tr := newPlaybackMulti(t)
	c, dataA, ctlA := addPlaybackClient(t, m)

	period := s16Bytes([]int16{500, 500, 500, 500})
	for i := 0; i < 4; i++ {
		dataA.Write(period)
	}
	waitForState(t, c.State, pcmclient.Running, time.Second)

	ctlA.Write([]byte("Drop"))
	reply := make([]byte, 16)
	ctlA.SetReadDeadline(time.Now().Add(time.Second))
	n, _ := ctlA.Read(reply)
	if string(reply[:n]) != "OK" {
		t.Fatalf("expected OK reply to Drop, got %q", reply[:n])
	}

	waitForState(t, c.State, pcmclient.Idle, time.Second)
	time.Sleep(20 * time.Millisecond) // let the dispatcher observe DropPending

	out := make([]byte, testPeriodBytes)
	n2, err := m.Read(out, testPeriodFrames)
	if err != ErrTryAgain && n2 != 0 {
		t.Errorf("expected no audible data after Drop, got n=%d err=%v", n2, err)
	}
	if !tr.hasSignal(transport.SignalDrop) {
		t.Error("expected the transport to have observed a Drop signal")
	}
}

// Scenario 6 (spec §8): capture fan-out to three clients; a full pipe on
// one client must not prevent the others from receiving cleanly.
func TestCaptureFanOutToThreeClients(t *testing.T) {
	tr := &recordingTransport{}
	m, err := New(tr, Config{
		Direction:  pcmclient.Capture,
		Format:     monoS16(),
		MaxClients: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Init(testPeriodFrames); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)

	type client struct {
		dataRemote net.Conn
	}
	var clients []client
	for i := 0; i < 3; i++ {
		dataLocal, dataRemote := net.Pipe()
		ctlLocal, ctlRemote := net.Pipe()
		if _, err := m.AddClient(dataLocal, ctlLocal); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = ctlRemote.Close() })
		clients = append(clients, client{dataRemote: dataRemote})
	}

	// Client 0's pipe is never read from, so its write will overrun; the
	// other two are read concurrently and must receive the full period.
	results := make(chan []byte, 2)
	for i := 1; i < 3; i++ {
		go func(c client) {
			buf := make([]byte, testPeriodBytes)
			c.dataRemote.SetReadDeadline(time.Now().Add(time.Second))
			n, _ := c.dataRemote.Read(buf)
			results <- buf[:n]
		}(clients[i])
	}

	period := s16Bytes([]int16{7, 8, 9, 10})
	if _, err := m.Write(period, testPeriodFrames); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case got := <-results:
			if len(got) != testPeriodBytes {
				t.Errorf("client received %d bytes, want %d", len(got), testPeriodBytes)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a capture client to receive its period")
		}
	}
}
