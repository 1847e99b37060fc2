package input

import "errors"

// ErrNotSupported is returned when no input synthesizer exists for the
// platform.
var ErrNotSupported = errors.New("input synthesis not supported on this platform")

// Synthesizer injects events into the host. Calls may block on OS
// primitives, so the replayer drives it from a dedicated goroutine.
type Synthesizer interface {
	MouseMoveRelative(dx, dy int) error
	MouseMoveAbsolute(x, y int) error
	Button(button MouseButton, down bool) error

	// Scroll emits whole wheel ticks per axis.
	Scroll(xTicks, yTicks int) error
	// ScrollSmooth emits continuous (touch-style) scroll motion.
	ScrollSmooth(dx, dy float64) error

	TouchDown(slot, x, y int) error
	TouchMove(slot, x, y int) error
	TouchUp(slot int) error
	Pen(x, y int, pressure float64, tiltX, tiltY int) error

	KeyPress(key Key) error
	KeyRelease(key Key) error

	Close() error
}

// NewSynthesizer returns the platform synthesizer.
// Implementations live in synth_*.go files.
func NewSynthesizer() (Synthesizer, error) {
	return newPlatformSynthesizer()
}
