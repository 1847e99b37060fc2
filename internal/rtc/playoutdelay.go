package rtc

import (
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// PlayoutDelayURI identifies the playout-delay RTP header extension. Sending
// min=max=0 tells the browser to render frames as soon as they decode
// instead of smoothing them through the jitter buffer.
const PlayoutDelayURI = "http://www.webrtc.org/experiments/rtp-hdrext/playout-delay"

// playoutDelayZero is min=0, max=0 packed as two 12-bit values.
var playoutDelayZero = []byte{0x00, 0x00, 0x00}

// playoutDelayFactory builds the interceptor that stamps the extension on
// every outbound video packet.
type playoutDelayFactory struct{}

func (playoutDelayFactory) NewInterceptor(string) (interceptor.Interceptor, error) {
	return &playoutDelayInterceptor{}, nil
}

type playoutDelayInterceptor struct {
	interceptor.NoOp
}

func (i *playoutDelayInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	var extID uint8
	for _, e := range info.RTPHeaderExtensions {
		if e.URI == PlayoutDelayURI {
			extID = uint8(e.ID)
			break
		}
	}
	// 0 is not a valid extension id; the extension was not negotiated.
	if extID == 0 || !strings.HasPrefix(info.MimeType, "video/") {
		return writer
	}

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		if err := header.SetExtension(extID, playoutDelayZero); err != nil {
			return 0, err
		}
		return writer.Write(header, payload, attributes)
	})
}
