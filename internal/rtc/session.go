// Package rtc drives one WebRTC remote-desktop session end to end: socket
// ownership, candidate assembly, media pumping, congestion feedback, and the
// input/file-transfer data channel.
package rtc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/UE2020/tenebra/internal/config"
	"github.com/UE2020/tenebra/internal/dialogs"
	"github.com/UE2020/tenebra/internal/filetransfer"
	"github.com/UE2020/tenebra/internal/input"
	"github.com/UE2020/tenebra/internal/keystore"
	"github.com/UE2020/tenebra/internal/logging"
	"github.com/UE2020/tenebra/internal/pipeline"
	"github.com/UE2020/tenebra/internal/upnp"
)

var log = logging.L("rtc")

const (
	iceGatherTimeout = 20 * time.Second

	// dataChannelHighWater is both the buffered-amount-low threshold and
	// the ceiling above which outbound writes pause.
	dataChannelHighWater = 32768

	keyframeMinInterval = 500 * time.Millisecond

	defaultFrameDuration = time.Second / 60
)

// inputSink receives parsed input commands for replay.
type inputSink interface {
	Enqueue(input.Command)
}

// Manager starts sessions and enforces the single-active-session policy: a
// newly accepted offer replaces the previous session.
type Manager struct {
	cfg     *config.Config
	upnp    *upnp.Manager
	dialogs *dialogs.Actor
	input   inputSink

	mu     sync.Mutex
	active *Session
}

func NewManager(cfg *config.Config, upnpManager *upnp.Manager, dialogActor *dialogs.Actor, inputQueue inputSink) *Manager {
	return &Manager{
		cfg:     cfg,
		upnp:    upnpManager,
		dialogs: dialogActor,
		input:   inputQueue,
	}
}

// StartSession answers a base64-wrapped SDP offer and spawns the session.
// The session's lifetime is independent of the caller.
func (m *Manager) StartSession(offerB64 string, permission keystore.Permission, showMouse bool) (string, error) {
	m.mu.Lock()
	previous := m.active
	m.active = nil
	m.mu.Unlock()
	if previous != nil {
		log.Info("replacing active session", "session", previous.id)
		previous.Stop()
	}

	session, answer, err := newSession(m.cfg, m.upnp, m.dialogs, m.input, offerB64, permission, showMouse)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.active = session
	m.mu.Unlock()
	return answer, nil
}

// StopAll tears down the active session, if any.
func (m *Manager) StopAll() {
	m.mu.Lock()
	session := m.active
	m.active = nil
	m.mu.Unlock()
	if session != nil {
		session.Stop()
	}
}

type outMessage struct {
	payload []byte
	binary  bool
}

// Session owns every per-peer resource: the sockets, the pipelines, the
// data channel and the gateway mapping. All of it releases exactly once on
// any exit path.
type Session struct {
	id         string
	log        *logSession
	cfg        *config.Config
	permission keystore.Permission
	showMouse  bool

	transports *transportSet
	pc         *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample

	mediaMu sync.Mutex
	video   pipeline.VideoPipeline
	audio   pipeline.Pipeline

	transfers *filetransfer.Manager
	input     inputSink

	dcMu sync.Mutex
	dc   *webrtc.DataChannel

	outbound chan outMessage
	writable chan struct{}

	audioActive atomic.Bool
	lastKF      atomic.Int64 // unix nanos of the last forced keyframe

	done      chan struct{}
	stopOnce  sync.Once
	mediaOnce sync.Once
	wg        sync.WaitGroup
}

// logSession is a tiny alias so every session log line carries the id.
type logSession struct{ id string }

func (l *logSession) attrs(kv []any) []any { return append([]any{"session", l.id}, kv...) }

func (l *logSession) Info(msg string, kv ...any) { log.Info(msg, l.attrs(kv)...) }

func (l *logSession) Warn(msg string, kv ...any) { log.Warn(msg, l.attrs(kv)...) }

func (l *logSession) Error(msg string, kv ...any) { log.Error(msg, l.attrs(kv)...) }

func (l *logSession) Debug(msg string, kv ...any) { log.Debug(msg, l.attrs(kv)...) }

func newSession(
	cfg *config.Config,
	upnpManager *upnp.Manager,
	dialogActor *dialogs.Actor,
	inputQueue inputSink,
	offerB64 string,
	permission keystore.Permission,
	showMouse bool,
) (*Session, string, error) {
	transports, err := newTransportSet(cfg, upnpManager)
	if err != nil {
		return nil, "", fmt.Errorf("transport setup: %w", err)
	}

	s := &Session{
		id:         uuid.NewString(),
		cfg:        cfg,
		permission: permission,
		showMouse:  showMouse,
		transports: transports,
		input:      inputQueue,
		outbound:   make(chan outMessage, 64),
		writable:   make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.log = &logSession{id: s.id}
	s.transfers = filetransfer.NewManager(dialogActor, s.enqueueOutbound)

	api, err := buildAPI(cfg, transports, s.adoptEstimator)
	if err != nil {
		transports.close()
		return nil, "", err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		transports.close()
		return nil, "", fmt.Errorf("create peer connection: %w", err)
	}
	s.pc = pc

	answer, err := s.negotiate(offerB64)
	if err != nil {
		s.Stop()
		return nil, "", err
	}

	s.log.Info("session answered", "permission", permission.String(),
		"udp", transports.udpConn.LocalAddr().String(),
		"tcp", transports.tcpListener.Addr().String(),
		"reflexive", transports.srflxIPs,
	)
	return s, answer, nil
}

// negotiate wires tracks and callbacks, applies the offer and produces the
// base64 answer.
func (s *Session) negotiate(offerB64 string) (string, error) {
	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		"video", "tenebra",
	)
	if err != nil {
		return "", fmt.Errorf("create video track: %w", err)
	}
	s.videoTrack = videoTrack

	videoSender, err := s.pc.AddTrack(videoTrack)
	if err != nil {
		return "", fmt.Errorf("add video track: %w", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.rtcpLoop(videoSender)
	}()

	if s.cfg.SoundForwarding && pipeline.AudioSupported() {
		audioTrack, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: 48000,
				Channels:  2,
			},
			"audio", "tenebra",
		)
		if err != nil {
			return "", fmt.Errorf("create audio track: %w", err)
		}
		if _, err := s.pc.AddTrack(audioTrack); err != nil {
			return "", fmt.Errorf("add audio track: %w", err)
		}
		s.audioTrack = audioTrack
	}

	s.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.log.Info("ice connection state", "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateConnected:
			s.startMedia()
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			s.Stop()
		}
	})

	s.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.log.Info("data channel", "label", dc.Label())
		s.dcMu.Lock()
		s.dc = dc
		s.dcMu.Unlock()

		dc.OnOpen(func() {
			dc.SetBufferedAmountLowThreshold(dataChannelHighWater)
			s.allowWrites()
		})
		dc.OnBufferedAmountLow(func() {
			s.allowWrites()
		})
		dc.OnClose(func() {
			s.Stop()
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			s.handleChannelMessage(msg)
		})
	})

	offerJSON, err := base64.StdEncoding.DecodeString(offerB64)
	if err != nil {
		return "", fmt.Errorf("offer is not valid base64: %w", err)
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return "", fmt.Errorf("offer is not a session description: %w", err)
	}

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("apply offer: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("apply answer: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("ice gathering timed out after %s", iceGatherTimeout)
	case <-s.done:
		return "", fmt.Errorf("session stopped during ice gathering")
	}

	local := s.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("local description not available")
	}
	answerJSON, err := json.Marshal(local)
	if err != nil {
		return "", err
	}

	host, srflx := candidateCounts(local.SDP)
	s.log.Info("answer gathered", "hostCandidates", host, "srflxCandidates", srflx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sendLoop()
	}()

	return base64.StdEncoding.EncodeToString(answerJSON), nil
}

// startMedia launches the capture pipelines once the peer is connected.
func (s *Session) startMedia() {
	s.mediaOnce.Do(func() {
		select {
		case <-s.done:
			return
		default:
		}

		video, err := pipeline.NewVideo(pipeline.VideoConfig{
			TargetBitrate:  s.cfg.TargetBitrate,
			StartX:         s.cfg.StartX,
			StartY:         s.cfg.StartY,
			EndX:           s.cfg.EndX,
			EndY:           s.cfg.EndY,
			FullChroma:     s.cfg.FullChroma,
			VAAPI:          s.cfg.VAAPI,
			VAPostProc:     s.cfg.VAPostProc,
			VBVBufCapacity: s.cfg.VBVBufCapacity,
			ShowMouse:      s.showMouse,
		})
		if err != nil {
			s.log.Error("video pipeline failed", "error", err)
			s.Stop()
			return
		}
		s.mediaMu.Lock()
		s.video = video
		s.mediaMu.Unlock()
		video.SetBitrate(int(s.cfg.TargetBitrate))
		video.Start()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pumpTrack(s.videoTrack, video.Frames())
		}()

		if s.audioTrack != nil {
			audio, err := pipeline.NewAudio()
			if err != nil {
				s.log.Warn("audio pipeline unavailable", "error", err)
			} else {
				s.mediaMu.Lock()
				s.audio = audio
				s.mediaMu.Unlock()
				s.audioActive.Store(true)
				audio.Start()
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.pumpTrack(s.audioTrack, audio.Frames())
				}()
			}
		}

		s.log.Info("media started", "audio", s.audioActive.Load())
	})
}

// pumpTrack writes pipeline frames to a track. Sample durations are the PTS
// deltas, so RTP timestamps advance exactly with the pipeline clock.
func (s *Session) pumpTrack(track *webrtc.TrackLocalStaticSample, frames <-chan pipeline.Frame) {
	var lastPTS time.Duration
	first := true
	for {
		select {
		case <-s.done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			duration := sampleDuration(frame.PTS, lastPTS, first)
			first = false
			lastPTS = frame.PTS

			if err := track.WriteSample(media.Sample{Data: frame.Data, Duration: duration}); err != nil {
				s.log.Warn("sample write failed", "error", err)
				return
			}
		}
	}
}

// sampleDuration maps pipeline timestamps onto sample durations so a
// track's RTP clock advances exactly with the pipeline PTS. The first frame
// and any non-monotonic PTS fall back to a nominal frame interval.
func sampleDuration(pts, lastPTS time.Duration, first bool) time.Duration {
	if first {
		return defaultFrameDuration
	}
	if d := pts - lastPTS; d > 0 {
		return d
	}
	return defaultFrameDuration
}

// rtcpLoop drains sender feedback: keyframe requests drive the encoder,
// REMB estimates feed bitrate adaptation.
func (s *Session) rtcpLoop(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				s.forceKeyframe()
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				s.applyBitrate(int64(p.Bitrate))
			}
		}
	}
}

func (s *Session) forceKeyframe() {
	now := time.Now().UnixNano()
	last := s.lastKF.Load()
	if now-last < int64(keyframeMinInterval) {
		return
	}
	if !s.lastKF.CompareAndSwap(last, now) {
		return
	}
	s.mediaMu.Lock()
	video := s.video
	s.mediaMu.Unlock()
	if video != nil {
		video.ForceKeyframe()
	}
}

// adoptEstimator hooks congestion-control output into bitrate adaptation.
func (s *Session) adoptEstimator(estimator cc.BandwidthEstimator) {
	estimator.OnTargetBitrateChange(func(bps int) {
		s.applyBitrate(int64(bps))
	})
}

func (s *Session) applyBitrate(estimateBps int64) {
	s.mediaMu.Lock()
	video := s.video
	s.mediaMu.Unlock()
	if video == nil {
		return
	}
	kbps := AdaptedBitrateKbps(estimateBps, s.cfg.TargetBitrate, s.audioActive.Load())
	video.SetBitrate(kbps)
	s.log.Debug("bitrate adapted", "estimateBps", estimateBps, "kbps", kbps)
}

// enqueueOutbound queues a data-channel message; the send loop applies the
// buffered-amount watermark. Returns false once the session ended.
func (s *Session) enqueueOutbound(payload []byte, binary bool) bool {
	select {
	case s.outbound <- outMessage{payload: payload, binary: binary}:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) allowWrites() {
	select {
	case s.writable <- struct{}{}:
	default:
	}
}

// sendLoop writes queued messages while the channel's buffered amount stays
// under the high-water mark; above it, writing pauses until the channel
// drains past the buffered-amount-low threshold.
func (s *Session) sendLoop() {
	for {
		var msg outMessage
		select {
		case <-s.done:
			return
		case msg = <-s.outbound:
		}

		select {
		case <-s.done:
			return
		case <-s.writable:
		}

		s.dcMu.Lock()
		dc := s.dc
		s.dcMu.Unlock()
		if dc == nil {
			continue
		}

		var err error
		if msg.binary {
			err = dc.Send(msg.payload)
		} else {
			err = dc.SendText(string(msg.payload))
		}
		if err != nil {
			s.log.Warn("data channel send failed", "error", err)
			continue
		}

		if dc.BufferedAmount() <= dataChannelHighWater {
			s.allowWrites()
		}
	}
}

// Stop tears the session down. Safe to call from any goroutine, repeatedly.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.pc != nil {
			s.pc.Close()
		}
		s.mediaMu.Lock()
		video, audio := s.video, s.audio
		s.mediaMu.Unlock()
		if video != nil {
			video.Close()
		}
		if audio != nil {
			audio.Close()
		}
		s.transfers.Close()
		s.transports.close()

		s.wg.Wait()
		s.log.Info("session stopped")
	})
}
