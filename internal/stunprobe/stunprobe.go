// Package stunprobe discovers the host's reflexive address and classifies
// the NAT in front of it using plain STUN binding requests.
package stunprobe

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/UE2020/tenebra/internal/logging"
)

var log = logging.L("stun")

const (
	readLimit     = 100
	retryAttempts = 5
	retryInterval = 100 * time.Millisecond
	queryTimeout  = 2 * time.Second
)

// DefaultServers are the two independent servers used for symmetric-NAT
// detection. The first one is also the default for single-address probes.
var DefaultServers = [2]string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

// MappedAddress sends a binding request to server over conn and returns the
// XOR-MAPPED-ADDRESS from the response.
func MappedAddress(conn net.PacketConn, server string) (*net.UDPAddr, error) {
	dst, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("build binding request: %w", err)
	}

	if _, err := conn.WriteTo(req.Raw, dst); err != nil {
		return nil, fmt.Errorf("send binding request: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(queryTimeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, readLimit)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return nil, fmt.Errorf("read binding response: %w", err)
	}

	msg := &stun.Message{Raw: buf[:n]}
	if err := msg.Decode(); err != nil {
		return nil, fmt.Errorf("decode binding response: %w", err)
	}

	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(msg); err != nil {
		return nil, fmt.Errorf("xor-mapped-address missing: %w", err)
	}

	return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
}

// MappedAddressRetry is MappedAddress with the standard retry policy:
// up to 5 attempts spaced 100 ms apart.
func MappedAddressRetry(conn net.PacketConn, server string) (*net.UDPAddr, error) {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryInterval)
		}
		addr, err := MappedAddress(conn, server)
		if err == nil {
			return addr, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("stun query failed after %d attempts: %w", retryAttempts, lastErr)
}

// DetectSymmetricNAT queries two independent servers from the same ephemeral
// socket. A symmetric NAT assigns a different mapping per destination, so the
// reported addresses differ.
func DetectSymmetricNAT(servers [2]string) (bool, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return false, fmt.Errorf("bind probe socket: %w", err)
	}
	defer conn.Close()

	first, err := MappedAddressRetry(conn, servers[0])
	if err != nil {
		return false, err
	}
	second, err := MappedAddressRetry(conn, servers[1])
	if err != nil {
		return false, err
	}

	symmetric := !first.IP.Equal(second.IP) || first.Port != second.Port
	log.Info("NAT probe complete",
		"mappedA", first.String(),
		"mappedB", second.String(),
		"symmetric", symmetric,
	)
	return symmetric, nil
}

// BaseAddress returns the local IP the kernel routes towards the given STUN
// server. No traffic is sent; connecting a UDP socket just selects a route.
func BaseAddress(server string) (net.IP, error) {
	conn, err := net.Dial("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("route probe: %w", err)
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected local address %T", conn.LocalAddr())
	}
	return local.IP, nil
}
