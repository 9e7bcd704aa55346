// ABOUTME: /debug/ws handler streaming mixctl snapshots to a browser
// ABOUTME: Grounded on the teacher's internal/server/server.go handleWebSocket
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bluealsa-go/pcmmux/internal/mixctl"
)

var debugUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // trusted local network monitoring endpoint only
}

// handleDebugWS upgrades the connection and pushes a JSON mixctl.Snapshot
// once per second until the client disconnects.
func (d *daemon) handleDebugWS(w http.ResponseWriter, r *http.Request) {
	conn, err := debugUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("pcmmuxd: debug ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("pcmmuxd: debug ws connection from %s", r.RemoteAddr)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			snap := mixctl.Take(d.m, d.cfg.direction)
			data, err := json.Marshal(snap)
			if err != nil {
				log.Printf("pcmmuxd: debug ws marshal error: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
