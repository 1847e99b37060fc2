package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/webrtc/v4"

	"github.com/UE2020/tenebra/internal/config"
)

// Header extension URIs negotiated with the peer.
const (
	audioLevelURI       = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	absSendTimeURI      = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	transportCCURI      = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	sdesMidURI          = "urn:ietf:params:rtp-hdrext:sdes:mid"
	sdesStreamIDURI     = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"
	sdesRepairedURI     = "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id"
	videoOrientationURI = "urn:3gpp:video-orientation"
)

// buildAPI assembles the engine for one peer connection: codecs and header
// extensions, the session's socket muxes, NAT 1:1 reflexive mapping, and the
// interceptor chain (NACK, RTCP reports, TWCC feedback, congestion control,
// playout-delay stamping).
func buildAPI(cfg *config.Config, transports *transportSet, onEstimator func(cc.BandwidthEstimator)) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	for _, ext := range []struct {
		uri string
		typ webrtc.RTPCodecType
	}{
		{audioLevelURI, webrtc.RTPCodecTypeAudio},
		{absSendTimeURI, webrtc.RTPCodecTypeVideo},
		{transportCCURI, webrtc.RTPCodecTypeVideo},
		{sdesMidURI, webrtc.RTPCodecTypeVideo},
		{sdesMidURI, webrtc.RTPCodecTypeAudio},
		{PlayoutDelayURI, webrtc.RTPCodecTypeVideo},
		{sdesStreamIDURI, webrtc.RTPCodecTypeVideo},
		{sdesRepairedURI, webrtc.RTPCodecTypeVideo},
		{videoOrientationURI, webrtc.RTPCodecTypeVideo},
	} {
		if err := mediaEngine.RegisterHeaderExtension(
			webrtc.RTPHeaderExtensionCapability{URI: ext.uri}, ext.typ,
		); err != nil {
			return nil, fmt.Errorf("register extension %s: %w", ext.uri, err)
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.ConfigureNack(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("configure nack: %w", err)
	}
	if err := webrtc.ConfigureRTCPReports(registry); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}
	if err := webrtc.ConfigureTWCCHeaderExtensionSender(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("configure twcc: %w", err)
	}

	if !cfg.NoBWE {
		congestion, err := cc.NewInterceptor(func() (cc.BandwidthEstimator, error) {
			return gcc.NewSendSideBWE(
				gcc.SendSideBWEInitialBitrate(int(cfg.TargetBitrate)*1000),
				gcc.SendSideBWEMinBitrate(bweFloorKbps*1000),
				gcc.SendSideBWEMaxBitrate((int(cfg.TargetBitrate)+bweHeadroomKbps)*1000),
			)
		})
		if err != nil {
			return nil, fmt.Errorf("congestion controller: %w", err)
		}
		congestion.OnNewPeerConnection(func(_ string, estimator cc.BandwidthEstimator) {
			onEstimator(estimator)
		})
		registry.Add(congestion)
	}

	registry.Add(playoutDelayFactory{})

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
		webrtc.NetworkTypeTCP4,
		webrtc.NetworkTypeTCP6,
	})
	settingEngine.SetICEUDPMux(transports.udpMux)
	settingEngine.SetICETCPMux(transports.tcpMux)
	settingEngine.SetIPFilter(usableIP)
	if len(transports.srflxIPs) > 0 {
		settingEngine.SetNAT1To1IPs(transports.srflxIPs, webrtc.ICECandidateTypeSrflx)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}
