// ABOUTME: Daemon wiring: client socket acceptors, Multi lifecycle, debug endpoint
// ABOUTME: Grounded on the teacher's internal/server/server.go Start/Stop shape
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bluealsa-go/pcmmux/internal/discovery"
	"github.com/bluealsa-go/pcmmux/internal/mixctl"
	"github.com/bluealsa-go/pcmmux/internal/multi"
	"github.com/bluealsa-go/pcmmux/internal/pcmclient"
	"github.com/bluealsa-go/pcmmux/internal/transport"
	"github.com/bluealsa-go/pcmmux/internal/tui"
	"github.com/bluealsa-go/pcmmux/pkg/pcmformat"
)

type daemonConfig struct {
	name            string
	direction       pcmclient.Direction
	dataSock        string
	ctlSock         string
	debugAddr       string
	advertise       bool
	maxClients      int
	bufferPeriods   int
	mixThreshold    int
	clientThreshold int
	drainSettle     time.Duration
	periodFrames    int
	rateHz          int
	channels        int
	useTUI          bool
}

// logTransport is the pluggable Transport this daemon drives Multi with:
// a transport that only logs the spec.md §4.4 signals, since the real
// Bluetooth transport lifecycle is this repository's Non-goal (spec.md
// §1). A production deployment swaps this for a real adapter without
// touching internal/multi.
type logTransport struct{ name string }

func (t *logTransport) Release() { log.Printf("pcmmuxd: %s: transport released", t.name) }
func (t *logTransport) Signal(kind transport.SignalKind) {
	log.Printf("pcmmuxd: %s: signal %v", t.name, kind)
}
func (t *logTransport) Resume()          {}
func (t *logTransport) StopIfNoClients() { log.Printf("pcmmuxd: %s: no clients remain", t.name) }

type daemon struct {
	cfg daemonConfig
	m   *multi.Multi
	tui *tui.MixerTUI

	dataLn net.Listener
	ctlLn  net.Listener
	http   *http.Server

	discoveryMgr *discovery.Manager

	mu          sync.Mutex
	pendingData []net.Conn // data connections awaiting a control connection
	pendingCtl  []net.Conn // control connections awaiting a data connection
	stopOnce    sync.Once
	stopCh      chan struct{}
}

func newDaemon(cfg daemonConfig) (*daemon, error) {
	format := pcmformat.Format{Encoding: pcmformat.S16LE, Channels: cfg.channels, RateHz: cfg.rateHz}

	m, err := multi.New(&logTransport{name: cfg.name}, multi.Config{
		Direction:       cfg.direction,
		Format:          format,
		MaxClients:      cfg.maxClients,
		BufferPeriods:   cfg.bufferPeriods,
		MixThreshold:    cfg.mixThreshold,
		ClientThreshold: cfg.clientThreshold,
		DrainSettle:     cfg.drainSettle,
	})
	if err != nil {
		return nil, err
	}
	if err := m.Init(cfg.periodFrames * cfg.channels); err != nil {
		return nil, err
	}

	d := &daemon{cfg: cfg, m: m, stopCh: make(chan struct{})}
	if cfg.useTUI {
		d.tui = tui.New()
	}
	return d, nil
}

// Run accepts client connections on both unix sockets, pairing each data
// connection with the next control connection to arrive (in lieu of the
// out-of-scope RPC control plane, spec.md §1 Non-goals), serves the debug
// websocket, optionally advertises it via mDNS, and optionally runs the
// terminal client table. It blocks until Stop is called.
func (d *daemon) Run() error {
	_ = os.Remove(d.cfg.dataSock)
	_ = os.Remove(d.cfg.ctlSock)

	dataLn, err := net.Listen("unix", d.cfg.dataSock)
	if err != nil {
		return fmt.Errorf("listening on data socket: %w", err)
	}
	d.dataLn = dataLn

	ctlLn, err := net.Listen("unix", d.cfg.ctlSock)
	if err != nil {
		return fmt.Errorf("listening on control socket: %w", err)
	}
	d.ctlLn = ctlLn

	log.Printf("pcmmuxd: data socket %s, control socket %s", d.cfg.dataSock, d.cfg.ctlSock)

	go d.acceptLoop(d.dataLn, true)
	go d.acceptLoop(d.ctlLn, false)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/ws", d.handleDebugWS)
	d.http = &http.Server{Addr: d.cfg.debugAddr, Handler: mux}
	go func() {
		if err := d.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("pcmmuxd: debug http server error: %v", err)
		}
	}()
	log.Printf("pcmmuxd: debug endpoint on %s/debug/ws", d.cfg.debugAddr)

	if d.cfg.advertise {
		_, portStr, _ := net.SplitHostPort(d.cfg.debugAddr)
		port := 0
		fmt.Sscanf(portStr, "%d", &port)
		d.discoveryMgr = discovery.NewManager(discovery.Config{ServiceName: d.cfg.name, Port: port})
		if err := d.discoveryMgr.Advertise(); err != nil {
			log.Printf("pcmmuxd: mDNS advertise failed: %v", err)
		}
	}

	go d.snapshotLoop()

	if d.tui != nil {
		go func() {
			<-d.tui.QuitChan()
			d.Stop()
		}()
		return d.tui.Run()
	}

	<-d.stopCh
	return nil
}

// acceptLoop accepts connections on ln. Data connections are queued until
// their matching control connection arrives (or vice versa), then handed
// to Multi.AddClient as a pair.
func (d *daemon) acceptLoop(ln net.Listener, isData bool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		d.pairConn(conn, isData)
	}
}

func (d *daemon) pairConn(conn net.Conn, isData bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var data, ctl net.Conn
	if isData {
		if len(d.pendingCtl) == 0 {
			d.pendingData = append(d.pendingData, conn)
			return
		}
		data = conn
		ctl = d.pendingCtl[0]
		d.pendingCtl = d.pendingCtl[1:]
	} else {
		if len(d.pendingData) == 0 {
			d.pendingCtl = append(d.pendingCtl, conn)
			return
		}
		ctl = conn
		data = d.pendingData[0]
		d.pendingData = d.pendingData[1:]
	}

	if _, err := d.m.AddClient(data, ctl); err != nil {
		log.Printf("pcmmuxd: failed to add client: %v", err)
		_ = data.Close()
		_ = ctl.Close()
		return
	}
	log.Printf("pcmmuxd: client attached")
}

func (d *daemon) snapshotLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if d.tui != nil {
				d.tui.Update(mixctl.Take(d.m, d.cfg.direction))
			}
		}
	}
}

// Stop shuts the daemon down exactly once.
func (d *daemon) Stop() {
	d.stopOnce.Do(func() {
		if d.dataLn != nil {
			_ = d.dataLn.Close()
		}
		if d.ctlLn != nil {
			_ = d.ctlLn.Close()
		}
		if d.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = d.http.Shutdown(ctx)
		}
		if d.discoveryMgr != nil {
			d.discoveryMgr.Stop()
		}
		if d.tui != nil {
			d.tui.Stop()
		}
		d.m.Close()
		close(d.stopCh)
	})
}
