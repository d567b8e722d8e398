package translate

import "sync"

// DefaultInitialWindow is the HTTP/2 default initial flow-control window
// (65,535 bytes), used when no configuration overrides it, per spec §4.8.5.
const DefaultInitialWindow = 65535

// DefaultMaxFrameSize is the HTTP/2 default maximum frame size.
const DefaultMaxFrameSize = 16384

// FlowController maintains a per-stream send window for the HTTP/2
// translators (§4.8.5): writers must not emit data past the peer's
// advertised window, and inbound WINDOW_UPDATE frames replenish it. Modeled
// as "a bounded channel sized to the HTTP/2 stream window" per the §9
// Design Note, implemented here as a condvar-guarded counter since the
// acquire amount varies per call rather than being one fixed token size.
type FlowController struct {
	mu      sync.Mutex
	cond    *sync.Cond
	windows map[uint32]int
	initial int
}

// NewFlowController creates a controller defaulting every new stream's
// window to initial bytes.
func NewFlowController(initial int) *FlowController {
	fc := &FlowController{windows: make(map[uint32]int), initial: initial}
	fc.cond = sync.NewCond(&fc.mu)
	return fc
}

func (fc *FlowController) windowFor(streamID uint32) int {
	if w, ok := fc.windows[streamID]; ok {
		return w
	}
	fc.windows[streamID] = fc.initial
	return fc.initial
}

// Acquire blocks until at least one byte of window is available for
// streamID, then reserves and returns min(want, available, maxFrame) bytes.
func (fc *FlowController) Acquire(streamID uint32, want int) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	for fc.windowFor(streamID) <= 0 {
		fc.cond.Wait()
	}

	avail := fc.windows[streamID]
	got := want
	if got > avail {
		got = avail
	}
	if got > DefaultMaxFrameSize {
		got = DefaultMaxFrameSize
	}
	fc.windows[streamID] -= got
	return got
}

// Replenish adds incr bytes to streamID's window, waking any blocked writers,
// in response to an inbound WINDOW_UPDATE frame.
func (fc *FlowController) Replenish(streamID uint32, incr int) {
	fc.mu.Lock()
	fc.windows[streamID] = fc.windowFor(streamID) + incr
	fc.mu.Unlock()
	fc.cond.Broadcast()
}

// Reset drops a stream's window tracking once the stream closes.
func (fc *FlowController) Reset(streamID uint32) {
	fc.mu.Lock()
	delete(fc.windows, streamID)
	fc.mu.Unlock()
}
