// Package filetransfer implements consent-gated, chunked file transfers over
// the session data channel.
package filetransfer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/UE2020/tenebra/internal/dialogs"
	"github.com/UE2020/tenebra/internal/logging"
)

var log = logging.L("filetransfer")

const (
	outboundChunkSize = 1024
	inboundQueueDepth = 256
)

// DialogService is the consent surface: file pickers and result dialogs.
// Satisfied by *dialogs.Actor.
type DialogService interface {
	PickFile(ctx context.Context, kind dialogs.FileKind) (string, bool)
	ShowMessage(level dialogs.Level, title, description string)
}

// SendFunc hands an outbound data-channel message to the session. Returns
// false once the session is gone.
type SendFunc func(payload []byte, binary bool) bool

// controlMessage is the wire form of transfer control traffic.
type controlMessage struct {
	Type string  `json:"type"`
	ID   uint32  `json:"id"`
	Size *uint64 `json:"size,omitempty"`
}

// Manager tracks the live transfers of one session. Ids are assigned by the
// peer and unique per session; a request naming a live id is a protocol
// error answered with canceltransfer.
type Manager struct {
	dialogs DialogService
	send    SendFunc

	mu       sync.Mutex
	inbound  map[uint32]*inboundTransfer
	outbound map[uint32]context.CancelFunc
	closed   bool

	wg sync.WaitGroup
}

type inboundTransfer struct {
	chunks chan []byte
	cancel context.CancelFunc
}

func NewManager(dialogService DialogService, send SendFunc) *Manager {
	return &Manager{
		dialogs:  dialogService,
		send:     send,
		inbound:  make(map[uint32]*inboundTransfer),
		outbound: make(map[uint32]context.CancelFunc),
	}
}

// HandleRequest processes a requesttransfer command: with a size it begins
// an inbound transfer (peer → host), without one an outbound transfer
// (host → peer).
func (m *Manager) HandleRequest(id uint32, size *uint64) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	_, liveIn := m.inbound[id]
	_, liveOut := m.outbound[id]
	if liveIn || liveOut {
		m.mu.Unlock()
		log.Warn("transfer id already live, rejecting", "id", id)
		m.sendCancel(id)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if size != nil {
		t := &inboundTransfer{
			chunks: make(chan []byte, inboundQueueDepth),
			cancel: cancel,
		}
		m.inbound[id] = t
		m.wg.Add(1)
		declared := *size
		m.mu.Unlock()
		go func() {
			defer m.wg.Done()
			m.runInbound(ctx, id, t, declared)
		}()
		return
	}

	m.outbound[id] = cancel
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		m.runOutbound(ctx, id)
	}()
}

// HandleChunk routes one binary chunk (already stripped of its id prefix) to
// the inbound transfer.
func (m *Manager) HandleChunk(id uint32, chunk []byte) {
	m.mu.Lock()
	t, ok := m.inbound[id]
	m.mu.Unlock()
	if !ok {
		log.Warn("chunk for unknown transfer", "id", id, "bytes", len(chunk))
		return
	}

	select {
	case t.chunks <- chunk:
	default:
		log.Warn("inbound chunk queue overflow, canceling", "id", id)
		m.Cancel(id)
	}
}

// HandleReady logs a transferready arriving from the peer; the peer never
// initiates readiness, so this is a protocol error.
func (m *Manager) HandleReady(id uint32) {
	log.Warn("unexpected transferready from peer", "id", id)
}

// Cancel aborts the transfer in either direction.
func (m *Manager) Cancel(id uint32) {
	m.mu.Lock()
	in, okIn := m.inbound[id]
	if okIn {
		delete(m.inbound, id)
	}
	out, okOut := m.outbound[id]
	if okOut {
		delete(m.outbound, id)
	}
	m.mu.Unlock()

	if okIn {
		in.cancel()
	}
	if okOut {
		out()
	}
}

// Close aborts every live transfer and waits for the workers.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	ids := make([]uint32, 0, len(m.inbound)+len(m.outbound))
	for id := range m.inbound {
		ids = append(ids, id)
	}
	for id := range m.outbound {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id)
	}
	m.wg.Wait()
}

func (m *Manager) runInbound(ctx context.Context, id uint32, t *inboundTransfer, declared uint64) {
	path, ok := m.dialogs.PickFile(ctx, dialogs.FileSave)
	if !ok {
		log.Info("save dialog canceled", "id", id)
		m.remove(id)
		m.sendCancel(id)
		return
	}

	file, err := os.Create(path)
	if err != nil {
		m.failInbound(id, fmt.Errorf("create %s: %w", path, err))
		return
	}

	m.sendControl(controlMessage{Type: "transferready", ID: id})

	var received uint64
	for received < declared {
		select {
		case <-ctx.Done():
			file.Close()
			return
		case chunk := <-t.chunks:
			if _, err := file.Write(chunk); err != nil {
				file.Close()
				m.failInbound(id, fmt.Errorf("write %s: %w", path, err))
				return
			}
			received += uint64(len(chunk))
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		m.failInbound(id, fmt.Errorf("sync %s: %w", path, err))
		return
	}
	if err := file.Close(); err != nil {
		m.failInbound(id, fmt.Errorf("close %s: %w", path, err))
		return
	}

	m.remove(id)
	log.Info("inbound transfer complete", "id", id, "bytes", received, "path", path)
	m.dialogs.ShowMessage(dialogs.LevelInfo, "File received",
		fmt.Sprintf("Saved %s (%d bytes).", filepath.Base(path), received))
}

func (m *Manager) failInbound(id uint32, err error) {
	log.Error("inbound transfer failed", "id", id, "error", err)
	m.remove(id)
	m.sendCancel(id)
	m.dialogs.ShowMessage(dialogs.LevelError, "File transfer failed", err.Error())
}

func (m *Manager) runOutbound(ctx context.Context, id uint32) {
	path, ok := m.dialogs.PickFile(ctx, dialogs.FileOpen)
	if !ok {
		log.Info("open dialog canceled", "id", id)
		m.remove(id)
		m.sendCancel(id)
		return
	}

	file, err := os.Open(path)
	if err != nil {
		m.failOutbound(id, fmt.Errorf("open %s: %w", path, err))
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		m.failOutbound(id, fmt.Errorf("stat %s: %w", path, err))
		return
	}
	size := uint64(info.Size())
	m.sendControl(controlMessage{Type: "transferready", ID: id, Size: &size})

	buf := make([]byte, 4+outboundChunkSize)
	binary.BigEndian.PutUint32(buf[:4], id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := file.Read(buf[4:])
		if n > 0 {
			if !m.send(append([]byte(nil), buf[:4+n]...), true) {
				m.remove(id)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			m.failOutbound(id, fmt.Errorf("read %s: %w", path, err))
			return
		}
	}

	m.remove(id)
	log.Info("outbound transfer complete", "id", id, "bytes", size, "path", path)
}

func (m *Manager) failOutbound(id uint32, err error) {
	log.Error("outbound transfer failed", "id", id, "error", err)
	m.remove(id)
	m.sendCancel(id)
	m.dialogs.ShowMessage(dialogs.LevelError, "File transfer failed", err.Error())
}

func (m *Manager) remove(id uint32) {
	m.mu.Lock()
	delete(m.inbound, id)
	delete(m.outbound, id)
	m.mu.Unlock()
}

func (m *Manager) sendCancel(id uint32) {
	m.sendControl(controlMessage{Type: "canceltransfer", ID: id})
}

func (m *Manager) sendControl(msg controlMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error("marshal control message", "error", err)
		return
	}
	m.send(payload, false)
}
