//go:build openh264

package pipeline

import (
	"fmt"

	openh264 "github.com/y9o/go-openh264"
)

func init() {
	registerEncoderFactory(newOpenH264Backend)
}

// openh264Backend encodes raw yuv420p frames in process, which gives exact
// per-frame bitrate and keyframe control instead of encoder relaunches.
type openh264Backend struct {
	enc    *openh264.Encoder
	width  int
	height int
}

func newOpenH264Backend(cfg VideoConfig, width, height int) (encoderBackend, error) {
	if cfg.FullChroma {
		return nil, fmt.Errorf("openh264 backend supports 4:2:0 only")
	}
	enc, err := openh264.NewEncoder(&openh264.EncoderOptions{
		Width:           width,
		Height:          height,
		MaxFrameRate:    float32(cfg.FrameRate),
		TargetBitrate:   int(cfg.TargetBitrate) * 1000,
		UsageType:       openh264.ScreenContentRealTime,
		RCMode:          openh264.RCBitrateMode,
		IntraPeriod:     0, // keyframes only on request
		EnableFrameSkip: false,
	})
	if err != nil {
		return nil, fmt.Errorf("openh264 init: %w", err)
	}
	return &openh264Backend{enc: enc, width: width, height: height}, nil
}

func (b *openh264Backend) Encode(raw []byte, forceKeyframe bool) ([]byte, error) {
	if forceKeyframe {
		if err := b.enc.ForceIntraFrame(); err != nil {
			return nil, err
		}
	}

	lumaSize := b.width * b.height
	chromaSize := lumaSize / 4
	pic := &openh264.SourcePicture{
		Width:  b.width,
		Height: b.height,
		Y:      raw[:lumaSize],
		Cb:     raw[lumaSize : lumaSize+chromaSize],
		Cr:     raw[lumaSize+chromaSize:],
	}

	out, err := b.enc.Encode(pic)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (b *openh264Backend) SetBitrate(kbps int) error {
	return b.enc.SetTargetBitrate(kbps * 1000)
}

func (b *openh264Backend) Close() error {
	b.enc.Close()
	return nil
}

func (b *openh264Backend) Name() string { return "openh264" }
