package rtc

import (
	"fmt"
	"net"
	"strings"

	"github.com/pion/ice/v4"
	pionlog "github.com/pion/logging"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/UE2020/tenebra/internal/config"
	"github.com/UE2020/tenebra/internal/stunprobe"
	"github.com/UE2020/tenebra/internal/tcpmux"
	"github.com/UE2020/tenebra/internal/upnp"
)

// transportSet owns one session's sockets and the derived candidate
// material: the UDP socket and framed TCP listener both ICE transports run
// over, plus the reflexive addresses discovered via STUN and the gateway.
type transportSet struct {
	udpConn     *net.UDPConn
	udpMux      ice.UDPMux
	tcpListener *tcpmux.Listener
	tcpMux      *tcpmux.Mux

	mappedUDP   *net.UDPAddr
	baseIP      net.IP
	srflxIPs    []string
	upnpMapping *upnp.Mapping
	upnpManager *upnp.Manager
}

// newTransportSet binds the session sockets and assembles candidate inputs:
// host candidates come from the interface filter, server-reflexive ones from
// the STUN mapping and (for TCP) the gateway mapping when tcp_upnp is on.
func newTransportSet(cfg *config.Config, upnpManager *upnp.Manager) (*transportSet, error) {
	if ips, err := usableInterfaceIPs(); err != nil {
		return nil, err
	} else if len(ips) == 0 {
		return nil, fmt.Errorf("no usable interface address")
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("bind udp socket: %w", err)
	}

	t := &transportSet{udpConn: udpConn, upnpManager: upnpManager}
	ok := false
	defer func() {
		if !ok {
			t.close()
		}
	}()

	// Reflexive discovery happens before the socket is handed to the mux;
	// afterwards only the ICE agent may read from it.
	mapped, err := stunprobe.MappedAddressRetry(udpConn, stunprobe.DefaultServers[0])
	if err != nil {
		log.Warn("udp reflexive discovery failed, continuing with host candidates", "error", err)
	} else {
		t.mappedUDP = mapped
		t.srflxIPs = append(t.srflxIPs, mapped.IP.String())
	}

	if baseIP, err := stunprobe.BaseAddress(stunprobe.DefaultServers[0]); err == nil {
		t.baseIP = baseIP
	}

	t.udpMux = webrtc.NewICEUDPMux(pionlog.NewDefaultLoggerFactory().NewLogger("udpmux"), udpConn)

	tcpLn, err := net.ListenTCP("tcp", &net.TCPAddr{})
	if err != nil {
		return nil, fmt.Errorf("bind tcp listener: %w", err)
	}
	t.tcpListener = tcpmux.Listen(tcpLn)
	t.tcpMux = tcpmux.NewMux(t.tcpListener)

	tcpPort := t.tcpListener.Addr().Port
	if cfg.TCPUPnP {
		internal := ""
		if t.baseIP != nil {
			internal = t.baseIP.String()
		}
		mapping, err := upnpManager.MapTCP(internal, uint16(tcpPort))
		if err != nil {
			log.Warn("gateway mapping failed, tcp stays host-only", "error", err)
		} else {
			t.upnpMapping = mapping
			t.srflxIPs = appendUnique(t.srflxIPs, mapping.ExternalIP)
		}
	} else if t.mappedUDP != nil {
		// Without a gateway mapping, assume the host is directly reachable
		// on the listener port at the reflexive IP.
		t.srflxIPs = appendUnique(t.srflxIPs, t.mappedUDP.IP.String())
	}

	ok = true
	return t, nil
}

func (t *transportSet) close() {
	if t.tcpMux != nil {
		t.tcpMux.Close() // closes the framed listener too
	} else if t.tcpListener != nil {
		t.tcpListener.Close()
	}
	if t.udpMux != nil {
		t.udpMux.Close()
	}
	if t.udpConn != nil {
		t.udpConn.Close()
	}
	if t.upnpMapping != nil {
		t.upnpManager.Release(t.upnpMapping)
		t.upnpMapping = nil
	}
}

// usableIP excludes addresses that make useless candidates: loopback,
// link-local and unique-local ranges.
func usableIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return false
	}
	// fc00::/7 unique-local addresses are not reachable by a remote peer.
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil && (v6[0]&0xfe) == 0xfc {
		return false
	}
	return true
}

func usableInterfaceIPs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}
	var ips []net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if usableIP(ipNet.IP) {
			ips = append(ips, ipNet.IP)
		}
	}
	return ips, nil
}

// candidateCounts summarizes the a=candidate lines of a session description
// by type, for the answer log line.
func candidateCounts(raw string) (host, srflx int) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return 0, 0
	}
	for _, media := range desc.MediaDescriptions {
		for _, attr := range media.Attributes {
			if attr.Key != "candidate" {
				continue
			}
			switch {
			case strings.Contains(attr.Value, " typ srflx"):
				srflx++
			case strings.Contains(attr.Value, " typ host"):
				host++
			}
		}
	}
	return host, srflx
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
