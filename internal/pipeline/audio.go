package pipeline

import (
	"encoding/binary"
	"io"
	"os/exec"
	"sync"
	"time"

	"gopkg.in/hraban/opus.v2"
)

const (
	audioSampleRate = 48000
	audioChannels   = 2
	audioFrameMS    = 20
	// samples per channel per frame
	audioFrameSamples = audioSampleRate * audioFrameMS / 1000
	audioMaxPacket    = 4000
)

// audioPipeline captures the system audio monitor and encodes 20 ms Opus
// frames with monotonic timestamps.
type audioPipeline struct {
	frames chan Frame
	done   chan struct{}

	mu   sync.Mutex
	proc *exec.Cmd

	startOnce sync.Once
	closeOnce sync.Once
}

// AudioSupported reports whether the platform can capture system audio.
func AudioSupported() bool {
	return audioSupported()
}

// NewAudio creates the system-audio pipeline.
func NewAudio() (Pipeline, error) {
	if !audioSupported() {
		return nil, ErrNotSupported
	}
	return &audioPipeline{
		frames: make(chan Frame, 32),
		done:   make(chan struct{}),
	}, nil
}

func (a *audioPipeline) Start() {
	a.startOnce.Do(func() { go a.run() })
}

func (a *audioPipeline) Frames() <-chan Frame { return a.frames }

func (a *audioPipeline) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.mu.Lock()
		if a.proc != nil && a.proc.Process != nil {
			a.proc.Process.Kill()
		}
		a.mu.Unlock()
	})
	return nil
}

func (a *audioPipeline) run() {
	defer close(a.frames)

	cmd, err := audioCaptureCommand()
	if err != nil {
		log.Warn("audio capture unavailable", "error", err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Warn("audio capture pipe", "error", err)
		return
	}
	if err := cmd.Start(); err != nil {
		log.Warn("audio capture start", "error", err)
		return
	}
	a.mu.Lock()
	a.proc = cmd
	a.mu.Unlock()
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	enc, err := opus.NewEncoder(audioSampleRate, audioChannels, opus.AppAudio)
	if err != nil {
		log.Warn("opus encoder init", "error", err)
		return
	}

	raw := make([]byte, audioFrameSamples*audioChannels*2)
	pcm := make([]int16, audioFrameSamples*audioChannels)
	packet := make([]byte, audioMaxPacket)
	var pts time.Duration

	for {
		select {
		case <-a.done:
			return
		default:
		}

		if _, err := io.ReadFull(stdout, raw); err != nil {
			if err != io.EOF {
				log.Warn("audio capture read", "error", err)
			}
			return
		}
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
		}

		n, err := enc.Encode(pcm, packet)
		if err != nil {
			log.Warn("opus encode", "error", err)
			return
		}

		frame := Frame{Data: append([]byte(nil), packet[:n]...), PTS: pts}
		pts += audioFrameMS * time.Millisecond

		select {
		case a.frames <- frame:
		case <-a.done:
			return
		default:
			// Keep timestamps monotonic even when a frame is dropped.
		}
	}
}
