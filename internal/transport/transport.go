// ABOUTME: Transport-facing contracts for the PCM mixer/demixer
// ABOUTME: These are implemented by the Bluetooth transport I/O thread, not by this package
package transport

// SignalKind identifies a point-to-point signal Multi sends to the
// transport I/O thread, per spec §4.4.
type SignalKind int

const (
	// SignalOpen tells the transport the PCM is ready to be opened.
	SignalOpen SignalKind = iota
	// SignalClose tells the transport to close its side of the PCM.
	SignalClose
	// SignalResume re-arms the encoder/decoder after a pause.
	SignalResume
	// SignalSync asks the transport to resynchronize (used by the aplay
	// side; exposed here only as a contract value, per spec §1 Out of
	// scope: clock recovery belongs to the transport).
	SignalSync
	// SignalDrop tells the transport a client Drop happened while it was
	// the sole remaining client (spec §4.3.1 step 2).
	SignalDrop
)

func (k SignalKind) String() string {
	switch k {
	case SignalOpen:
		return "Open"
	case SignalClose:
		return "Close"
	case SignalResume:
		return "Resume"
	case SignalSync:
		return "Sync"
	case SignalDrop:
		return "Drop"
	default:
		return "Unknown"
	}
}

// Transport is the set of operations a Multi depends on from its
// transport-facing PCM, per spec §4.4. It is implemented outside this
// module (by the Bluetooth transport I/O thread in the original system;
// by a test double or a demo sink/source in this repository).
type Transport interface {
	// Release drops the transport side of the PCM hand-off.
	Release()
	// Signal sends kind to the transport I/O thread.
	Signal(kind SignalKind)
	// Resume re-arms the encoder/decoder after being paused.
	Resume()
	// StopIfNoClients tears down the transport when its last PCM has no
	// more clients.
	StopIfNoClients()
}
