package rtc

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/UE2020/tenebra/internal/input"
	"github.com/UE2020/tenebra/internal/keystore"
)

// transferCommand is the transfer-control subset of client commands.
type transferCommand struct {
	Type string  `json:"type"`
	ID   *uint32 `json:"id"`
	Size *uint64 `json:"size,omitempty"`
}

func (s *Session) handleChannelMessage(msg webrtc.DataChannelMessage) {
	if msg.IsString {
		s.handleText(msg.Data)
		return
	}
	s.handleBinary(msg.Data)
}

// handleText dispatches a JSON client command: transfer control messages go
// to the transfer manager, everything else replays as input. Commands from a
// view-only peer are rejected.
func (s *Session) handleText(payload []byte) {
	var probe transferCommand
	if err := json.Unmarshal(payload, &probe); err != nil {
		s.log.Warn("malformed channel message", "error", err)
		return
	}

	if s.permission != keystore.FullControl {
		s.log.Warn("rejecting command from view-only peer", "type", probe.Type)
		return
	}

	switch probe.Type {
	case "requesttransfer":
		if probe.ID == nil {
			s.log.Warn("requesttransfer without id")
			return
		}
		s.transfers.HandleRequest(*probe.ID, probe.Size)
	case "canceltransfer":
		if probe.ID == nil {
			s.log.Warn("canceltransfer without id")
			return
		}
		s.transfers.Cancel(*probe.ID)
	case "transferready":
		if probe.ID != nil {
			s.transfers.HandleReady(*probe.ID)
		}
	default:
		var cmd input.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.log.Warn("malformed input command", "error", err)
			return
		}
		s.input.Enqueue(cmd)
	}
}

// handleBinary routes a file chunk: 4-byte big-endian transfer id, then the
// chunk bytes.
func (s *Session) handleBinary(payload []byte) {
	if len(payload) < 4 {
		s.log.Warn("binary message too short", "bytes", len(payload))
		return
	}
	if s.permission != keystore.FullControl {
		s.log.Warn("rejecting chunk from view-only peer")
		return
	}
	id := binary.BigEndian.Uint32(payload[:4])
	s.transfers.HandleChunk(id, payload[4:])
}
