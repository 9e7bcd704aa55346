// ABOUTME: mDNS advertisement for the pcmmuxd debug endpoint
// ABOUTME: Adapted from the teacher's Sendspin player/server advertisement manager
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/hashicorp/mdns"
)

// Config holds the parameters of one advertised pcmmuxd instance.
type Config struct {
	ServiceName string // advertised instance name, e.g. hostname-pcmmuxd
	Port        int    // debug HTTP port
}

// Manager advertises a running pcmmuxd's debug endpoint on the LAN so a
// browser pointed at the mDNS name can reach /debug/ws without the
// operator having to know the host's IP, mirroring the teacher's
// -no-mdns opt-out shape (cmd/resonate-server/main.go).
type Manager struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	server *mdns.Server
}

// NewManager creates an advertisement manager bound to config.
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{config: config, ctx: ctx, cancel: cancel}
}

// Advertise registers the _pcmmux._tcp service and keeps it alive until
// Stop is called.
func (m *Manager) Advertise() error {
	ips, err := localIPs()
	if err != nil {
		return fmt.Errorf("discovery: failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		"_pcmmux._tcp",
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=/debug/ws"},
	)
	if err != nil {
		return fmt.Errorf("discovery: failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("discovery: failed to create mdns server: %w", err)
	}
	m.server = server

	log.Printf("pcmmux: advertising mDNS service %s on port %d", m.config.ServiceName, m.config.Port)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// Stop tears down the advertisement.
func (m *Manager) Stop() {
	m.cancel()
}

func localIPs() ([]net.IP, error) {
	var ips []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}
	return ips, nil
}
