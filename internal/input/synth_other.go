//go:build !linux && !darwin

package input

func newPlatformSynthesizer() (Synthesizer, error) {
	return nil, ErrNotSupported
}
