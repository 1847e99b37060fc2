package stunprobe

import (
	"net"
	"testing"

	"github.com/pion/stun/v3"
)

// stunServer answers binding requests on a loopback socket, reporting the
// given mapped address. Returns the server address.
func stunServer(t *testing.T, mapped *net.UDPAddr) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, src, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			resp, err := stun.Build(req, stun.BindingSuccess,
				&stun.XORMappedAddress{IP: mapped.IP, Port: mapped.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			conn.WriteTo(resp.Raw, src)
		}
	}()

	return conn.LocalAddr().String()
}

func TestMappedAddress(t *testing.T) {
	want := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 40000}
	server := stunServer(t, want)

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	got, err := MappedAddress(conn, server)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IP.Equal(want.IP) || got.Port != want.Port {
		t.Fatalf("mapped address = %v, want %v", got, want)
	}
}

func TestMappedAddressRetry_RecoversFromDeadServer(t *testing.T) {
	want := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 4242}

	// The first binding request goes unanswered, as if the server were
	// down; only a retried attempt gets a response.
	srv, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	go func() {
		buf := make([]byte, 1500)
		dropped := false
		for {
			n, src, err := srv.ReadFrom(buf)
			if err != nil {
				return
			}
			if !dropped {
				dropped = true
				continue
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			resp, err := stun.Build(req, stun.BindingSuccess,
				&stun.XORMappedAddress{IP: want.IP, Port: want.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			srv.WriteTo(resp.Raw, src)
		}
	}()
	server := srv.LocalAddr().String()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	got, err := MappedAddressRetry(conn, server)
	if err != nil {
		t.Fatal(err)
	}
	if got.Port != want.Port {
		t.Fatalf("mapped port = %d, want %d", got.Port, want.Port)
	}
}

func TestDetectSymmetricNAT(t *testing.T) {
	same := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 40000}
	a := stunServer(t, same)
	b := stunServer(t, same)

	symmetric, err := DetectSymmetricNAT([2]string{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if symmetric {
		t.Fatal("identical mappings should not be classified symmetric")
	}

	c := stunServer(t, &net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 40001})
	symmetric, err = DetectSymmetricNAT([2]string{a, c})
	if err != nil {
		t.Fatal(err)
	}
	if !symmetric {
		t.Fatal("differing mappings should be classified symmetric")
	}
}

func TestBaseAddress(t *testing.T) {
	server := stunServer(t, &net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 40000})
	ip, err := BaseAddress(server)
	if err != nil {
		t.Fatal(err)
	}
	if ip == nil || !ip.IsLoopback() {
		t.Fatalf("expected loopback route to loopback server, got %v", ip)
	}
}
