package rtc

import (
	"net"
	"testing"
)

func TestUsableIP(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"192.168.1.10", true},
		{"10.0.0.5", true},
		{"203.0.113.7", true},
		{"127.0.0.1", false},
		{"169.254.1.1", false},
		{"0.0.0.0", false},
		{"2001:db8::1", true},
		{"::1", false},
		{"fe80::1", false},
		{"fc00::1", false},
		{"fd12:3456::1", false},
	}
	for _, tc := range cases {
		if got := usableIP(net.ParseIP(tc.ip)); got != tc.want {
			t.Fatalf("usableIP(%s) = %v, want %v", tc.ip, got, tc.want)
		}
	}
}

func TestCandidateCounts(t *testing.T) {
	raw := "v=0\r\n" +
		"o=- 1 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=candidate:1 1 udp 2130706431 192.168.1.10 40000 typ host\r\n" +
		"a=candidate:2 1 udp 1694498815 203.0.113.7 40000 typ srflx raddr 0.0.0.0 rport 40000\r\n" +
		"a=candidate:3 1 tcp 1671430143 192.168.1.10 41000 typ host tcptype passive\r\n"

	host, srflx := candidateCounts(raw)
	if host != 2 || srflx != 1 {
		t.Fatalf("counts = host %d srflx %d, want 2/1", host, srflx)
	}
}

func TestCandidateCounts_BadSDP(t *testing.T) {
	host, srflx := candidateCounts("not sdp")
	if host != 0 || srflx != 0 {
		t.Fatalf("counts = %d/%d, want 0/0", host, srflx)
	}
}

func TestAppendUnique(t *testing.T) {
	list := appendUnique(nil, "a")
	list = appendUnique(list, "b")
	list = appendUnique(list, "a")
	if len(list) != 2 || list[0] != "a" || list[1] != "b" {
		t.Fatalf("list = %v", list)
	}
}
