package input

import (
	"math"
	"runtime"
	"time"

	"github.com/UE2020/tenebra/internal/logging"
)

var log = logging.L("input")

// capsLockDebounce suppresses repeated CapsLock toggles: some remote
// clients never report the release, so each accepted event is replayed as a
// full press+release pair and near-duplicates are dropped.
const capsLockDebounce = 250 * time.Millisecond

const queueDepth = 4096

// Replayer consumes input commands in FIFO order and synthesizes host
// events. Run drives the synthesizer on its own goroutine because OS input
// injection may block.
type Replayer struct {
	synth  Synthesizer
	queue  chan Command
	done   chan struct{}
	startX int
	startY int

	// wheelDivisor is the per-platform tick size; 0 means continuous
	// passthrough scrolling.
	wheelDivisor float64
	wheelX       float64
	wheelY       float64

	lastCapsLock time.Time
	held         map[Key]bool
	touchSlots   map[int]int // peer touch id -> synthesizer slot
	unknownKeys  map[string]bool

	now func() time.Time
}

// Option adjusts replayer construction.
type Option func(*Replayer)

// WithWheelDivisor overrides the platform wheel tick size (0 = passthrough).
func WithWheelDivisor(divisor float64) Option {
	return func(r *Replayer) { r.wheelDivisor = divisor }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Replayer) { r.now = now }
}

// NewReplayer creates a replayer adding (startX, startY) to every absolute
// coordinate.
func NewReplayer(synth Synthesizer, startX, startY int, opts ...Option) *Replayer {
	r := &Replayer{
		synth:        synth,
		queue:        make(chan Command, queueDepth),
		done:         make(chan struct{}),
		startX:       startX,
		startY:       startY,
		wheelDivisor: defaultWheelDivisor(),
		held:         make(map[Key]bool),
		touchSlots:   make(map[int]int),
		unknownKeys:  make(map[string]bool),
		now:          time.Now,
	}
	// Accepting the first CapsLock requires the debounce window to have
	// already elapsed.
	r.lastCapsLock = r.now().Add(-2 * capsLockDebounce)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func defaultWheelDivisor() float64 {
	switch runtime.GOOS {
	case "windows":
		return 120
	case "darwin":
		return 40
	default:
		return 0
	}
}

// Enqueue queues a command. The queue never blocks the caller; under
// pathological backlog commands are dropped with a warning.
func (r *Replayer) Enqueue(cmd Command) {
	select {
	case r.queue <- cmd:
	default:
		log.Warn("input queue full, dropping command", "type", cmd.Type)
	}
}

// Run processes commands until Stop. Call on a dedicated goroutine.
func (r *Replayer) Run() {
	defer close(r.done)
	for cmd := range r.queue {
		r.handle(cmd)
	}
	r.synth.Close()
}

// Stop ends Run after the queue drains.
func (r *Replayer) Stop() {
	close(r.queue)
	<-r.done
}

func (r *Replayer) handle(cmd Command) {
	event, err := Parse(cmd)
	if err != nil {
		log.Warn("ignoring malformed command", "type", cmd.Type, "error", err)
		return
	}

	switch e := event.(type) {
	case MouseMove:
		r.check(r.synth.MouseMoveRelative(e.DX, e.DY))
	case MouseMoveAbs:
		r.check(r.synth.MouseMoveAbsolute(e.X+r.startX, e.Y+r.startY))
	case Wheel:
		r.handleWheel(e)
	case MouseButtonEvent:
		r.check(r.synth.Button(e.Button, e.Down))
	case TouchStart:
		slot := r.assignSlot(e.ID)
		r.check(r.synth.TouchDown(slot, e.X+r.startX, e.Y+r.startY))
	case TouchMove:
		if slot, ok := r.touchSlots[e.ID]; ok {
			r.check(r.synth.TouchMove(slot, e.X+r.startX, e.Y+r.startY))
		}
	case TouchEnd:
		if slot, ok := r.touchSlots[e.ID]; ok {
			delete(r.touchSlots, e.ID)
			r.check(r.synth.TouchUp(slot))
		}
	case Pen:
		r.check(r.synth.Pen(e.X+r.startX, e.Y+r.startY, e.Pressure, e.TiltX, e.TiltY))
	case KeyEvent:
		r.handleKey(e)
	case ResetKeyboard:
		for _, key := range allKeys() {
			r.check(r.synth.KeyRelease(key))
		}
		r.held = make(map[Key]bool)
	}
}

func (r *Replayer) handleWheel(e Wheel) {
	if r.wheelDivisor == 0 {
		r.check(r.synth.ScrollSmooth(e.DX, e.DY))
		return
	}

	r.wheelX += e.DX
	r.wheelY += e.DY

	xTicks := quantize(&r.wheelX, r.wheelDivisor)
	yTicks := quantize(&r.wheelY, r.wheelDivisor)
	if xTicks != 0 || yTicks != 0 {
		r.check(r.synth.Scroll(xTicks, yTicks))
	}
}

// quantize extracts whole ticks from an accumulator, leaving the residual.
func quantize(acc *float64, divisor float64) int {
	ticks := int(math.Trunc(*acc / divisor))
	*acc -= float64(ticks) * divisor
	return ticks
}

func (r *Replayer) handleKey(e KeyEvent) {
	key, ok := LookupKey(e.Code)
	if !ok {
		if !r.unknownKeys[e.Code] {
			r.unknownKeys[e.Code] = true
			log.Warn("unrecognized key code", "code", e.Code)
		}
		return
	}

	if key == KeyCapsLock {
		if r.now().Sub(r.lastCapsLock) <= capsLockDebounce {
			return
		}
		r.lastCapsLock = r.now()
		r.check(r.synth.KeyPress(key))
		r.check(r.synth.KeyRelease(key))
		return
	}

	if e.Down {
		r.check(r.synth.KeyPress(key))
		r.held[key] = true
		return
	}

	r.check(r.synth.KeyRelease(key))
	delete(r.held, key)

	// Some peers drop non-Meta key releases while Meta is held; sweep the
	// tracked held set once Meta itself comes up.
	if key == KeyMetaLeft || key == KeyMetaRight {
		for held := range r.held {
			r.check(r.synth.KeyRelease(held))
		}
		r.held = make(map[Key]bool)
	}
}

func (r *Replayer) assignSlot(id int) int {
	if slot, ok := r.touchSlots[id]; ok {
		return slot
	}
	used := make(map[int]bool, len(r.touchSlots))
	for _, slot := range r.touchSlots {
		used[slot] = true
	}
	slot := 0
	for used[slot] {
		slot++
	}
	r.touchSlots[id] = slot
	return slot
}

func (r *Replayer) check(err error) {
	if err != nil {
		log.Warn("input synthesis failed", "error", err)
	}
}
