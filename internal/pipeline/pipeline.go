// Package pipeline produces encoded media from the local desktop: H.264
// access units from screen capture and Opus frames from system audio, each
// stamped with a presentation timestamp.
package pipeline

import (
	"errors"
	"time"

	"github.com/UE2020/tenebra/internal/logging"
)

var log = logging.L("pipeline")

// ErrNotSupported is returned when no capture backend exists for the
// platform.
var ErrNotSupported = errors.New("capture not supported on this platform")

// Frame is one encoded media unit.
type Frame struct {
	Data []byte
	// PTS is the presentation timestamp relative to pipeline start.
	PTS time.Duration
}

// Pipeline is the common surface of the capture pipelines. Frames() yields
// samples after Start; the channel closes when the pipeline terminates.
type Pipeline interface {
	Start()
	Frames() <-chan Frame
	Close() error
}

// VideoPipeline adds the encoder controls the session runtime drives.
type VideoPipeline interface {
	Pipeline
	// SetBitrate adjusts the encoder target, in kbps.
	SetBitrate(kbps int)
	// ForceKeyframe requests that the next produced frame be an IDR.
	ForceKeyframe()
}

// VideoConfig carries the capture/encoder settings a session resolved from
// its configuration.
type VideoConfig struct {
	TargetBitrate  uint32 // kbps
	StartX, StartY uint32
	EndX, EndY     *uint32 // optional region opposite corner
	FullChroma     bool
	VAAPI          bool
	VAPostProc     bool
	VBVBufCapacity uint32 // ms
	ShowMouse      bool
	FrameRate      int
}

// VBVBufferKbit computes the decoder buffer window for a bitrate, in kbit:
// kbps scaled by the configured window length.
func VBVBufferKbit(kbps int, vbvCapacityMS uint32) int {
	return kbps * int(vbvCapacityMS) / 1000
}

// Profile names the H.264 profile the encoder is configured for.
func (c VideoConfig) Profile() string {
	switch {
	case c.VAAPI:
		return "high"
	case c.FullChroma:
		return "high-4:4:4"
	default:
		return "baseline"
	}
}
