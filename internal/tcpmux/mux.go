package tcpmux

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/stun/v3"
)

// Mux adapts a framed Listener onto the ICE agent's TCP mux surface. The
// agent registers one packet conn per (ufrag, local IP) during candidate
// gathering; inbound datagrams are routed to a registered conn by parsing the
// first STUN binding's USERNAME attribute and matching the accepted
// connection's local interface address.
type Mux struct {
	listener *Listener

	mu      sync.Mutex
	conns   map[connKey]*muxConn
	byPeer  map[string]*muxConn
	closed  bool
	started bool
}

type connKey struct {
	ufrag  string
	isIPv6 bool
	ip     string
}

// NewMux wraps the listener. Demuxing starts with the first registration.
func NewMux(listener *Listener) *Mux {
	return &Mux{
		listener: listener,
		conns:    make(map[connKey]*muxConn),
		byPeer:   make(map[string]*muxConn),
	}
}

// GetConnByUfrag registers (or returns) the packet conn for a local ufrag
// and interface address.
func (m *Mux) GetConnByUfrag(ufrag string, isIPv6 bool, local net.IP) (net.PacketConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("mux closed")
	}

	key := connKey{ufrag: ufrag, isIPv6: isIPv6, ip: local.String()}
	if c, ok := m.conns[key]; ok {
		return c, nil
	}

	c := &muxConn{
		mux:   m,
		ufrag: ufrag,
		local: &net.TCPAddr{IP: local, Port: m.listener.Addr().Port},
		recv:  make(chan Datagram, 64),
		done:  make(chan struct{}),
	}
	m.conns[key] = c

	if !m.started {
		m.started = true
		go m.demuxLoop()
	}
	return c, nil
}

// GetAllConns returns every registered conn for the ufrag, registering one
// for the given interface address if none exists yet.
func (m *Mux) GetAllConns(ufrag string, isIPv6 bool, local net.IP) ([]net.PacketConn, error) {
	if _, err := m.GetConnByUfrag(ufrag, isIPv6, local); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []net.PacketConn
	for key, c := range m.conns {
		if key.ufrag == ufrag && key.isIPv6 == isIPv6 {
			out = append(out, c)
		}
	}
	return out, nil
}

// RemoveConnByUfrag closes and forgets every conn registered for the ufrag.
func (m *Mux) RemoveConnByUfrag(ufrag string) {
	m.mu.Lock()
	var closing []*muxConn
	for key, c := range m.conns {
		if key.ufrag == ufrag {
			delete(m.conns, key)
			closing = append(closing, c)
		}
	}
	for peer, c := range m.byPeer {
		if c.ufrag == ufrag {
			delete(m.byPeer, peer)
		}
	}
	m.mu.Unlock()

	for _, c := range closing {
		c.shutdown()
	}
}

// Close shuts down the mux and the underlying framed listener.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*muxConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[connKey]*muxConn)
	m.byPeer = make(map[string]*muxConn)
	m.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	return m.listener.Close()
}

func (m *Mux) demuxLoop() {
	for {
		payload, addr, ok := m.listener.Read()
		if !ok {
			return
		}

		c := m.route(payload, addr)
		if c == nil {
			log.Warn("dropping datagram from unroutable peer", "peer", addr)
			continue
		}

		select {
		case c.recv <- Datagram{Payload: payload, Addr: addr}:
		case <-c.done:
		}
	}
}

// route finds the conn a datagram belongs to: by known peer first, then by
// the STUN USERNAME of an initial binding request, preferring the conn whose
// registered interface matches the accepted connection's local address.
func (m *Mux) route(payload []byte, addr net.Addr) *muxConn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.byPeer[addr.String()]; ok {
		return c
	}

	ufrag, ok := stunLocalUfrag(payload)
	if !ok {
		return nil
	}

	var fallback *muxConn
	var matched *muxConn
	localOf, haveLocal := m.listener.LocalAddrOf(addr)
	for key, c := range m.conns {
		if key.ufrag != ufrag {
			continue
		}
		if fallback == nil {
			fallback = c
		}
		if haveLocal {
			if tcpAddr, ok := localOf.(*net.TCPAddr); ok && tcpAddr.IP.String() == key.ip {
				matched = c
				break
			}
		}
	}

	c := matched
	if c == nil {
		c = fallback
	}
	if c != nil {
		m.byPeer[addr.String()] = c
	}
	return c
}

// stunLocalUfrag extracts the receiver-side ufrag from a STUN binding's
// USERNAME attribute ("localUfrag:remoteUfrag").
func stunLocalUfrag(payload []byte) (string, bool) {
	if !stun.IsMessage(payload) {
		return "", false
	}
	msg := &stun.Message{Raw: payload}
	if err := msg.Decode(); err != nil {
		return "", false
	}
	var username stun.Username
	if err := username.GetFrom(msg); err != nil {
		return "", false
	}
	parts := bytes.SplitN([]byte(username), []byte(":"), 2)
	if len(parts) != 2 {
		return "", false
	}
	return string(parts[0]), true
}

// muxConn is one registered (ufrag, interface) endpoint. It satisfies
// net.PacketConn; writes go through the framed listener.
type muxConn struct {
	mux   *Mux
	ufrag string
	local net.Addr
	recv  chan Datagram

	closeOnce sync.Once
	done      chan struct{}

	deadlineMu sync.Mutex
	deadline   time.Time
}

func (c *muxConn) ReadFrom(p []byte) (int, net.Addr, error) {
	var timeout <-chan time.Time
	c.deadlineMu.Lock()
	if !c.deadline.IsZero() {
		t := time.NewTimer(time.Until(c.deadline))
		defer t.Stop()
		timeout = t.C
	}
	c.deadlineMu.Unlock()

	select {
	case d, ok := <-c.recv:
		if !ok {
			return 0, nil, io.ErrClosedPipe
		}
		n := copy(p, d.Payload)
		return n, d.Addr, nil
	case <-c.done:
		return 0, nil, io.ErrClosedPipe
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *muxConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if err := c.mux.listener.Send(p, addr); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *muxConn) Close() error {
	c.shutdown()
	return nil
}

func (c *muxConn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *muxConn) LocalAddr() net.Addr { return c.local }

func (c *muxConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *muxConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.deadline = t
	c.deadlineMu.Unlock()
	return nil
}

func (c *muxConn) SetWriteDeadline(time.Time) error { return nil }
