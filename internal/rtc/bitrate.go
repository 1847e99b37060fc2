package rtc

// Bitrate adaptation constants, in kbps.
const (
	// bweFloorKbps is the lowest rate the encoder is ever asked for.
	bweFloorKbps = 500
	// bweHeadroomKbps is how far above the configured target an estimate
	// may push the encoder.
	bweHeadroomKbps = 3000
	// audioBitrateKbps is reserved for the Opus track when audio is active.
	audioBitrateKbps = 64
)

// AdaptedBitrateKbps maps a bandwidth estimate in bits/s to the video
// encoder rate: clamped into [500, target+3000] kbps, minus the audio
// reservation when the audio pipeline is running.
func AdaptedBitrateKbps(estimateBps int64, targetKbps uint32, audioActive bool) int {
	kbps := int(estimateBps / 1000)
	if kbps < bweFloorKbps {
		kbps = bweFloorKbps
	}
	if ceiling := int(targetKbps) + bweHeadroomKbps; kbps > ceiling {
		kbps = ceiling
	}
	if audioActive {
		kbps -= audioBitrateKbps
	}
	return kbps
}
