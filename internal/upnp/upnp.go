// Package upnp maps the ICE-TCP listener port on the local internet gateway
// and tracks live mappings so they can be released on shutdown.
package upnp

import (
	"fmt"
	"sync"

	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/UE2020/tenebra/internal/logging"
)

var log = logging.L("upnp")

const (
	mappingDescription = "tenebra ICE-TCP"
	leaseSeconds       = 0 // permanent until deleted
)

// igdClient is the subset of the WANIPConnection/WANPPPConnection SOAP
// surface the manager needs. All generated gateway clients satisfy it.
type igdClient interface {
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddress() (string, error)
}

// Mapping is one live gateway port mapping.
type Mapping struct {
	Protocol     string
	ExternalPort uint16
	ExternalIP   string

	client igdClient
}

// Manager discovers the gateway and owns the process-wide mapping registry.
type Manager struct {
	mu     sync.Mutex
	active []*Mapping
	lookup func() (igdClient, error)
}

func NewManager() *Manager {
	return &Manager{lookup: discoverGateway}
}

// discoverGateway probes WANIPConnection2, then the v1 services.
func discoverGateway() (igdClient, error) {
	if clients, _, err := internetgateway2.NewWANIPConnection2Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	clients, _, err := internetgateway2.NewWANPPPConnection1Clients()
	if err != nil {
		return nil, fmt.Errorf("gateway discovery: %w", err)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no internet gateway found")
	}
	return clients[0], nil
}

// MapTCP requests an external TCP mapping for the given local port. The
// external port mirrors the internal one so candidate addresses keep the
// advertised port. Returns the mapping with the gateway's external IP.
func (m *Manager) MapTCP(localIP string, port uint16) (*Mapping, error) {
	client, err := m.lookup()
	if err != nil {
		return nil, err
	}

	externalIP, err := client.GetExternalIPAddress()
	if err != nil {
		return nil, fmt.Errorf("external ip: %w", err)
	}

	if err := client.AddPortMapping("", port, "TCP", port, localIP, true, mappingDescription, leaseSeconds); err != nil {
		return nil, fmt.Errorf("add mapping %d/tcp: %w", port, err)
	}

	mapping := &Mapping{
		Protocol:     "TCP",
		ExternalPort: port,
		ExternalIP:   externalIP,
		client:       client,
	}

	m.mu.Lock()
	m.active = append(m.active, mapping)
	m.mu.Unlock()

	log.Info("mapped gateway port", "externalIP", externalIP, "port", port)
	return mapping, nil
}

// Release deletes one mapping and removes it from the registry.
func (m *Manager) Release(mapping *Mapping) {
	m.mu.Lock()
	for i, a := range m.active {
		if a == mapping {
			m.active = append(m.active[:i], m.active[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if err := mapping.client.DeletePortMapping("", mapping.ExternalPort, mapping.Protocol); err != nil {
		log.Warn("failed to delete mapping", "port", mapping.ExternalPort, "error", err)
		return
	}
	log.Info("released gateway port", "port", mapping.ExternalPort)
}

// ReleaseAll deletes every live mapping. Called from the shutdown signal
// handler on a snapshot of the registry.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	snapshot := append([]*Mapping(nil), m.active...)
	m.active = nil
	m.mu.Unlock()

	for _, mapping := range snapshot {
		if err := mapping.client.DeletePortMapping("", mapping.ExternalPort, mapping.Protocol); err != nil {
			log.Warn("failed to delete mapping", "port", mapping.ExternalPort, "error", err)
		}
	}
}
