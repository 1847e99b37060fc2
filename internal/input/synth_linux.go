//go:build linux

package input

import (
	"fmt"
	"os/exec"
	"strconv"
)

// linuxSynthesizer injects events through xdotool. Touch and pen contacts
// are approximated with the pointer: a true multi-touch device would need a
// kernel uinput node, which is not worth requiring for remote viewing.
type linuxSynthesizer struct {
	penDown    bool
	touchSlots map[int]bool
}

func newPlatformSynthesizer() (Synthesizer, error) {
	if _, err := exec.LookPath("xdotool"); err != nil {
		return nil, fmt.Errorf("%w: xdotool not found", ErrNotSupported)
	}
	return &linuxSynthesizer{touchSlots: make(map[int]bool)}, nil
}

func xdotool(args ...string) error {
	return exec.Command("xdotool", args...).Run()
}

func (s *linuxSynthesizer) MouseMoveRelative(dx, dy int) error {
	return xdotool("mousemove_relative", "--", strconv.Itoa(dx), strconv.Itoa(dy))
}

func (s *linuxSynthesizer) MouseMoveAbsolute(x, y int) error {
	return xdotool("mousemove", strconv.Itoa(x), strconv.Itoa(y))
}

func buttonNumber(b MouseButton) string {
	switch b {
	case ButtonMiddle:
		return "2"
	case ButtonRight:
		return "3"
	default:
		return "1"
	}
}

func (s *linuxSynthesizer) Button(button MouseButton, down bool) error {
	if down {
		return xdotool("mousedown", buttonNumber(button))
	}
	return xdotool("mouseup", buttonNumber(button))
}

func (s *linuxSynthesizer) Scroll(xTicks, yTicks int) error {
	if err := clickRepeated(6, 7, xTicks); err != nil {
		return err
	}
	return clickRepeated(4, 5, yTicks)
}

// ScrollSmooth quantizes to single clicks; X has no smooth-scroll injection
// without a uinput device.
func (s *linuxSynthesizer) ScrollSmooth(dx, dy float64) error {
	return s.Scroll(int(dx), int(dy))
}

func clickRepeated(positiveButton, negativeButton, ticks int) error {
	button := positiveButton
	if ticks < 0 {
		button = negativeButton
		ticks = -ticks
	}
	for i := 0; i < ticks; i++ {
		if err := xdotool("click", strconv.Itoa(button)); err != nil {
			return err
		}
	}
	return nil
}

func (s *linuxSynthesizer) TouchDown(slot, x, y int) error {
	s.touchSlots[slot] = true
	if err := s.MouseMoveAbsolute(x, y); err != nil {
		return err
	}
	return xdotool("mousedown", "1")
}

func (s *linuxSynthesizer) TouchMove(slot, x, y int) error {
	if !s.touchSlots[slot] {
		return nil
	}
	return s.MouseMoveAbsolute(x, y)
}

func (s *linuxSynthesizer) TouchUp(slot int) error {
	if !s.touchSlots[slot] {
		return nil
	}
	delete(s.touchSlots, slot)
	return xdotool("mouseup", "1")
}

func (s *linuxSynthesizer) Pen(x, y int, pressure float64, tiltX, tiltY int) error {
	if err := s.MouseMoveAbsolute(x, y); err != nil {
		return err
	}
	contact := pressure > 0
	if contact == s.penDown {
		return nil
	}
	s.penDown = contact
	if contact {
		return xdotool("mousedown", "1")
	}
	return xdotool("mouseup", "1")
}

func (s *linuxSynthesizer) KeyPress(key Key) error {
	return xdotool("keydown", string(key))
}

func (s *linuxSynthesizer) KeyRelease(key Key) error {
	return xdotool("keyup", string(key))
}

func (s *linuxSynthesizer) Close() error {
	if s.penDown {
		xdotool("mouseup", "1")
	}
	for slot := range s.touchSlots {
		delete(s.touchSlots, slot)
		xdotool("mouseup", "1")
	}
	return nil
}
