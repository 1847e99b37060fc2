package input

import (
	"fmt"
	"testing"
	"time"
)

// recordingSynth captures synthesized events as strings.
type recordingSynth struct {
	events []string
}

func (s *recordingSynth) record(format string, args ...any) error {
	s.events = append(s.events, fmt.Sprintf(format, args...))
	return nil
}

func (s *recordingSynth) MouseMoveRelative(dx, dy int) error {
	return s.record("moverel %d %d", dx, dy)
}
func (s *recordingSynth) MouseMoveAbsolute(x, y int) error { return s.record("moveabs %d %d", x, y) }
func (s *recordingSynth) Button(b MouseButton, down bool) error {
	return s.record("button %d %v", b, down)
}
func (s *recordingSynth) Scroll(x, y int) error           { return s.record("scroll %d %d", x, y) }
func (s *recordingSynth) ScrollSmooth(x, y float64) error { return s.record("smooth %.1f %.1f", x, y) }
func (s *recordingSynth) TouchDown(slot, x, y int) error {
	return s.record("touchdown %d %d %d", slot, x, y)
}
func (s *recordingSynth) TouchMove(slot, x, y int) error {
	return s.record("touchmove %d %d %d", slot, x, y)
}
func (s *recordingSynth) TouchUp(slot int) error { return s.record("touchup %d", slot) }
func (s *recordingSynth) Pen(x, y int, pressure float64, tiltX, tiltY int) error {
	return s.record("pen %d %d %.1f", x, y, pressure)
}
func (s *recordingSynth) KeyPress(k Key) error   { return s.record("press %s", k) }
func (s *recordingSynth) KeyRelease(k Key) error { return s.record("release %s", k) }
func (s *recordingSynth) Close() error           { return nil }

func f(v float64) *float64 { return &v }
func i(v int) *int         { return &v }
func str(v string) *string { return &v }

func newTestReplayer(opts ...Option) (*Replayer, *recordingSynth) {
	synth := &recordingSynth{}
	r := NewReplayer(synth, 0, 0, opts...)
	return r, synth
}

func TestCapsLockDebounce(t *testing.T) {
	base := time.Now()
	now := base
	r, synth := newTestReplayer(WithClock(func() time.Time { return now }))

	caps := Command{Type: "keydown", Key: str("CapsLock")}

	r.handle(caps) // t0: acted
	now = base.Add(100 * time.Millisecond)
	r.handle(caps) // dropped
	now = base.Add(500 * time.Millisecond)
	r.handle(caps) // acted

	want := []string{
		"press Caps_Lock", "release Caps_Lock",
		"press Caps_Lock", "release Caps_Lock",
	}
	if len(synth.events) != len(want) {
		t.Fatalf("events = %v", synth.events)
	}
	for i, e := range want {
		if synth.events[i] != e {
			t.Fatalf("event %d = %q, want %q", i, synth.events[i], e)
		}
	}
}

func TestCapsLockKeyupAlsoFullPair(t *testing.T) {
	r, synth := newTestReplayer()
	r.handle(Command{Type: "keyup", Key: str("CapsLock")})
	if len(synth.events) != 2 || synth.events[0] != "press Caps_Lock" || synth.events[1] != "release Caps_Lock" {
		t.Fatalf("events = %v", synth.events)
	}
}

func TestMetaReleaseSweep(t *testing.T) {
	r, synth := newTestReplayer()

	r.handle(Command{Type: "keydown", Key: str("MetaLeft")})
	r.handle(Command{Type: "keydown", Key: str("KeyA")})
	r.handle(Command{Type: "keydown", Key: str("Digit1")})
	synth.events = nil

	r.handle(Command{Type: "keyup", Key: str("MetaLeft")})

	if synth.events[0] != "release Super_L" {
		t.Fatalf("first event = %q", synth.events[0])
	}
	released := map[string]bool{}
	for _, e := range synth.events[1:] {
		released[e] = true
	}
	if !released["release a"] || !released["release 1"] {
		t.Fatalf("held keys not swept: %v", synth.events)
	}
	if len(r.held) != 0 {
		t.Fatal("held set should be empty after sweep")
	}
}

func TestMetaSweepOnlyOnMeta(t *testing.T) {
	r, synth := newTestReplayer()
	r.handle(Command{Type: "keydown", Key: str("KeyA")})
	r.handle(Command{Type: "keydown", Key: str("KeyB")})
	synth.events = nil

	r.handle(Command{Type: "keyup", Key: str("KeyA")})
	if len(synth.events) != 1 || synth.events[0] != "release a" {
		t.Fatalf("events = %v", synth.events)
	}
}

func TestWheelQuantization(t *testing.T) {
	r, synth := newTestReplayer(WithWheelDivisor(120))

	r.handle(Command{Type: "wheel", X: f(0), Y: f(100)})
	if len(synth.events) != 0 {
		t.Fatalf("no tick expected below divisor, got %v", synth.events)
	}

	r.handle(Command{Type: "wheel", X: f(0), Y: f(50)})
	if len(synth.events) != 1 || synth.events[0] != "scroll 0 1" {
		t.Fatalf("events = %v", synth.events)
	}
	if r.wheelY != 30 {
		t.Fatalf("residual = %v, want 30", r.wheelY)
	}
}

func TestWheelNegativeAccumulation(t *testing.T) {
	r, synth := newTestReplayer(WithWheelDivisor(40))

	r.handle(Command{Type: "wheel", X: f(-90), Y: f(0)})
	if len(synth.events) != 1 || synth.events[0] != "scroll -2 0" {
		t.Fatalf("events = %v", synth.events)
	}
	if r.wheelX != -10 {
		t.Fatalf("residual = %v, want -10", r.wheelX)
	}
}

func TestWheelPassthrough(t *testing.T) {
	r, synth := newTestReplayer(WithWheelDivisor(0))
	r.handle(Command{Type: "wheel", X: f(3.5), Y: f(-2.5)})
	if len(synth.events) != 1 || synth.events[0] != "smooth 3.5 -2.5" {
		t.Fatalf("events = %v", synth.events)
	}
}

func TestTouchSlotTracking(t *testing.T) {
	r, synth := newTestReplayer()

	r.handle(Command{Type: "touchstart", X: f(10), Y: f(10), ID: i(100)})
	r.handle(Command{Type: "touchstart", X: f(20), Y: f(20), ID: i(200)})
	r.handle(Command{Type: "touchmove", X: f(15), Y: f(15), ID: i(100)})
	r.handle(Command{Type: "touchend", ID: i(100)})
	r.handle(Command{Type: "touchstart", X: f(30), Y: f(30), ID: i(300)})

	want := []string{
		"touchdown 0 10 10",
		"touchdown 1 20 20",
		"touchmove 0 15 15",
		"touchup 0",
		"touchdown 0 30 30", // freed slot reused
	}
	for i, e := range want {
		if synth.events[i] != e {
			t.Fatalf("event %d = %q, want %q (all: %v)", i, synth.events[i], e, synth.events)
		}
	}
}

func TestTouchUnknownIDIgnored(t *testing.T) {
	r, synth := newTestReplayer()
	r.handle(Command{Type: "touchend", ID: i(7)})
	r.handle(Command{Type: "touchmove", X: f(1), Y: f(1), ID: i(7)})
	if len(synth.events) != 0 {
		t.Fatalf("events = %v", synth.events)
	}
}

func TestAbsoluteOffset(t *testing.T) {
	synth := &recordingSynth{}
	r := NewReplayer(synth, 1920, 50)

	r.handle(Command{Type: "mousemoveabs", X: f(10), Y: f(20)})
	r.handle(Command{Type: "pen", X: f(1), Y: f(2), Pressure: f(0.5), TiltX: i(0), TiltY: i(0)})
	r.handle(Command{Type: "touchstart", X: f(5), Y: f(6), ID: i(1)})

	want := []string{
		"moveabs 1930 70",
		"pen 1921 52 0.5",
		"touchdown 0 1925 56",
	}
	for i, e := range want {
		if synth.events[i] != e {
			t.Fatalf("event %d = %q, want %q", i, synth.events[i], e)
		}
	}
}

func TestRelativeMoveNotOffset(t *testing.T) {
	synth := &recordingSynth{}
	r := NewReplayer(synth, 1920, 50)
	r.handle(Command{Type: "mousemove", X: f(3), Y: f(-4)})
	if synth.events[0] != "moverel 3 -4" {
		t.Fatalf("events = %v", synth.events)
	}
}

func TestUnknownKeyIgnored(t *testing.T) {
	r, synth := newTestReplayer()
	r.handle(Command{Type: "keydown", Key: str("NoSuchCode")})
	r.handle(Command{Type: "keydown", Key: str("NoSuchCode")})
	if len(synth.events) != 0 {
		t.Fatalf("events = %v", synth.events)
	}
	if !r.unknownKeys["NoSuchCode"] {
		t.Fatal("unknown code should be remembered")
	}
}

func TestResetKeyboard(t *testing.T) {
	r, synth := newTestReplayer()
	r.handle(Command{Type: "keydown", Key: str("KeyA")})
	synth.events = nil

	r.handle(Command{Type: "resetkeyboard"})
	if len(synth.events) != len(allKeys()) {
		t.Fatalf("expected %d releases, got %d", len(allKeys()), len(synth.events))
	}
	if len(r.held) != 0 {
		t.Fatal("held set should be cleared")
	}
}

func TestRunFIFO(t *testing.T) {
	synth := &recordingSynth{}
	r := NewReplayer(synth, 0, 0)
	go r.Run()

	for n := 0; n < 10; n++ {
		r.Enqueue(Command{Type: "mousemove", X: f(float64(n)), Y: f(0)})
	}
	r.Stop()

	if len(synth.events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(synth.events))
	}
	for n := 0; n < 10; n++ {
		want := fmt.Sprintf("moverel %d 0", n)
		if synth.events[n] != want {
			t.Fatalf("event %d = %q, want %q", n, synth.events[n], want)
		}
	}
}
