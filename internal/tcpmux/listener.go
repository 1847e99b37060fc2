// Package tcpmux implements the passive ICE-TCP transport: length-prefixed
// datagrams over accepted TCP streams, exposed as a unified read/send surface
// and adapted onto the ICE agent's TCP mux interface.
package tcpmux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/UE2020/tenebra/internal/logging"
)

var log = logging.L("tcpmux")

// maxFrameSize is the largest payload a 16-bit length prefix can carry.
const maxFrameSize = 0xffff

// ErrUnknownPeer is returned by Send when no live connection exists for the
// destination address.
var ErrUnknownPeer = errors.New("no connection for peer")

// Datagram is one framed payload together with the remote it came from.
type Datagram struct {
	Payload []byte
	Addr    net.Addr
}

type peerConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

// Listener accepts passive ICE-TCP connections and frames datagrams over
// them: a 16-bit big-endian length prefix followed by the payload. At most
// one connection per peer address is retained.
type Listener struct {
	ln     *net.TCPListener
	readCh chan Datagram
	done   chan struct{}

	mu     sync.Mutex
	conns  map[string]*peerConn
	closed bool

	wg sync.WaitGroup
}

// Listen wraps an already-bound TCP listener and starts accepting.
func Listen(ln *net.TCPListener) *Listener {
	l := &Listener{
		ln:     ln,
		readCh: make(chan Datagram, 256),
		done:   make(chan struct{}),
		conns:  make(map[string]*peerConn),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop()
	}()

	return l
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() *net.TCPAddr {
	return l.ln.Addr().(*net.TCPAddr)
}

// Read blocks for the next inbound datagram. ok is false once the listener
// is closed and the queue is drained.
func (l *Listener) Read() (payload []byte, addr net.Addr, ok bool) {
	d, ok := <-l.readCh
	return d.Payload, d.Addr, ok
}

// Send writes one framed datagram to the connection for addr.
func (l *Listener) Send(payload []byte, addr net.Addr) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("payload %d exceeds frame limit %d", len(payload), maxFrameSize)
	}

	l.mu.Lock()
	pc, ok := l.conns[addr.String()]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}

	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))

	pc.wmu.Lock()
	_, err := pc.conn.Write(hdr[:])
	if err == nil {
		_, err = pc.conn.Write(payload)
	}
	pc.wmu.Unlock()

	if err != nil {
		// A broken writer also ends the reader; dropping the map entry lets
		// the peer reconnect.
		l.dropPeer(addr.String())
		return fmt.Errorf("write to %s: %w", addr, err)
	}
	return nil
}

// LocalAddrOf reports the local address of the accepted connection serving
// the given peer, if any. Used for routing by interface address.
func (l *Listener) LocalAddrOf(addr net.Addr) (net.Addr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pc, ok := l.conns[addr.String()]
	if !ok {
		return nil, false
	}
	return pc.conn.LocalAddr(), true
}

// Close stops accepting, closes every live connection and ends Read.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*peerConn, 0, len(l.conns))
	for _, pc := range l.conns {
		conns = append(conns, pc)
	}
	l.conns = make(map[string]*peerConn)
	l.mu.Unlock()

	close(l.done)
	err := l.ln.Close()
	for _, pc := range conns {
		pc.conn.Close()
	}

	go func() {
		l.wg.Wait()
		close(l.readCh)
	}()
	return err
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
			default:
				log.Warn("accept failed", "error", err)
			}
			return
		}

		remote := conn.RemoteAddr()
		log.Debug("accepted connection", "peer", remote)

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return
		}
		if old, ok := l.conns[remote.String()]; ok {
			old.conn.Close()
		}
		l.conns[remote.String()] = &peerConn{conn: conn}
		l.mu.Unlock()

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.readLoop(conn, remote)
		}()
	}
}

func (l *Listener) readLoop(conn net.Conn, remote net.Addr) {
	defer l.dropPeer(remote.String())

	var hdr [2]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint16(hdr[:])
		payload := make([]byte, size)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		select {
		case l.readCh <- Datagram{Payload: payload, Addr: remote}:
		case <-l.done:
			return
		}
	}
}

func (l *Listener) dropPeer(key string) {
	l.mu.Lock()
	pc, ok := l.conns[key]
	if ok {
		delete(l.conns, key)
	}
	l.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}
