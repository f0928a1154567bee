package chipset

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/devicemodel/internal/hv"
)

// LineSet tracks level-triggered guest interrupt lines (GSIs). A line may be
// shared by several sources; it stays asserted while any of them holds it
// high and is only lowered when the last one releases it.
type LineSet struct {
	mu sync.Mutex

	sink hv.InterruptController

	lines map[uint32]*lineState
}

// NewLineSet builds a LineSet that forwards level changes to the provided sink.
func NewLineSet(sink hv.InterruptController) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint32]*lineState),
	}
}

type lineState struct {
	holders int
}

type lineHandle struct {
	owner *LineSet
	gsi   uint32

	mu    sync.Mutex
	level bool
}

// AllocateLine returns a LineInterrupt handle for the given GSI. Every
// handle is an independent source on the line.
func (l *LineSet) AllocateLine(gsi uint32) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[gsi]; !ok {
		l.lines[gsi] = &lineState{}
	}
	return &lineHandle{owner: l, gsi: gsi}
}

// Level reports whether gsi is currently asserted.
func (l *LineSet) Level(gsi uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[gsi]
	return state != nil && state.holders > 0
}

func (h *lineHandle) SetLevel(high bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.level == high {
		return
	}
	h.level = high
	h.owner.adjust(h.gsi, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.gsi)
}

func (l *LineSet) adjust(gsi uint32, high bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.lines[gsi]
	if state == nil {
		state = &lineState{}
		l.lines[gsi] = state
	}

	// the sink is called with the lock held so level changes on a shared
	// line reach the hypervisor in the order they were counted
	switch {
	case high:
		state.holders++
		if state.holders == 1 {
			l.setLine(gsi, hv.LineHigh)
		}
	case state.holders > 0:
		state.holders--
		if state.holders == 0 {
			l.setLine(gsi, hv.LineLow)
		}
	}
}

func (l *LineSet) setLine(gsi uint32, op hv.LineOp) {
	if err := l.sink.SetIRQLine(gsi, op); err != nil {
		slog.Warn("chipset: set irq line", "gsi", gsi, "op", op, "error", err)
	}
}

func (l *LineSet) pulse(gsi uint32) {
	if err := l.sink.SetIRQLine(gsi, hv.LineRaisingPulse); err != nil {
		slog.Warn("chipset: pulse irq line", "gsi", gsi, "error", err)
	}
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQLine(uint32, hv.LineOp) error { return nil }
func (noopInterruptSink) InjectMSI(uint64, uint64) error     { return nil }
