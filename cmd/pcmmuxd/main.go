// ABOUTME: Entry point for the pcmmux demo daemon
// ABOUTME: Parses CLI flags, wires a Multi to a logging Transport, and starts the daemon application
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluealsa-go/pcmmux/internal/pcmclient"
)

var (
	direction       = flag.String("direction", "playback", "multi direction: playback or capture")
	dataSock        = flag.String("data-sock", "/tmp/pcmmuxd.data.sock", "unix socket clients connect to for PCM data")
	ctlSock         = flag.String("ctl-sock", "/tmp/pcmmuxd.ctl.sock", "unix socket clients connect to for control commands")
	debugAddr       = flag.String("debug-addr", ":7827", "HTTP address for the /debug/ws monitoring endpoint")
	name            = flag.String("name", "", "daemon friendly name, also used for mDNS advertisement (default: hostname-pcmmuxd)")
	logFile         = flag.String("log-file", "pcmmuxd.log", "log file path")
	noTUI           = flag.Bool("no-tui", false, "disable the terminal client table, use streaming logs instead")
	advertise       = flag.Bool("advertise", false, "advertise the debug endpoint via mDNS")
	maxClients      = flag.Int("max-clients", 32, "maximum attached clients (MAX_CLIENTS)")
	bufferPeriods   = flag.Int("buffer-periods", 16, "playback ring mix buffer size, in periods (BUFFER_PERIODS)")
	mixThreshold    = flag.Int("mix-threshold", 2, "playback start-up fill threshold, in periods (MIX_THRESHOLD)")
	clientThreshold = flag.Int("client-threshold", 2, "per-client local buffering threshold, in periods (CLIENT_THRESHOLD)")
	drainSettleMs   = flag.Int("drain-settle-ms", 300, "drain settle delay in milliseconds (DRAIN_SETTLE_NS)")
	periodFrames    = flag.Int("period-frames", 480, "transport period size in frames")
	rateHz          = flag.Int("rate", 48000, "sample rate in Hz")
	channels        = flag.Int("channels", 2, "channel count")
)

func main() {
	flag.Parse()

	useTUI := !*noTUI
	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()

	if useTUI {
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	daemonName := *name
	if daemonName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		daemonName = fmt.Sprintf("%s-pcmmuxd", hostname)
	}

	var dir pcmclient.Direction
	switch *direction {
	case "playback":
		dir = pcmclient.Playback
	case "capture":
		dir = pcmclient.Capture
	default:
		log.Fatalf("pcmmuxd: unknown -direction %q (want playback or capture)", *direction)
	}

	cfg := daemonConfig{
		name:            daemonName,
		direction:       dir,
		dataSock:        *dataSock,
		ctlSock:         *ctlSock,
		debugAddr:       *debugAddr,
		advertise:       *advertise,
		maxClients:      *maxClients,
		bufferPeriods:   *bufferPeriods,
		mixThreshold:    *mixThreshold,
		clientThreshold: *clientThreshold,
		drainSettle:     time.Duration(*drainSettleMs) * time.Millisecond,
		periodFrames:    *periodFrames,
		rateHz:          *rateHz,
		channels:        *channels,
		useTUI:          useTUI,
	}

	log.Printf("pcmmuxd starting: %s (%s)", daemonName, *direction)

	d, err := newDaemon(cfg)
	if err != nil {
		log.Fatalf("pcmmuxd: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("pcmmuxd: received %v, shutting down", sig)
		d.Stop()
	}()

	if err := d.Run(); err != nil && err != net.ErrClosed {
		log.Fatalf("pcmmuxd: %v", err)
	}
	log.Printf("pcmmuxd stopped")
}
