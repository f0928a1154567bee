package chipset

import (
	"sync"
	"testing"

	"github.com/tinyrange/devicemodel/internal/hv"
)

type lineEvent struct {
	gsi uint32
	op  hv.LineOp
}

type recordingSink struct {
	mu     sync.Mutex
	events []lineEvent
	msis   [][2]uint64
}

func (s *recordingSink) SetIRQLine(gsi uint32, op hv.LineOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, lineEvent{gsi: gsi, op: op})
	return nil
}

func (s *recordingSink) InjectMSI(addr, data uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msis = append(s.msis, [2]uint64{addr, data})
	return nil
}

func TestLineSetSharedLine(t *testing.T) {
	sink := &recordingSink{}
	lines := NewLineSet(sink)

	a := lines.AllocateLine(16)
	b := lines.AllocateLine(16)

	a.SetLevel(true)
	b.SetLevel(true)
	a.SetLevel(true)
	if !lines.Level(16) {
		t.Fatalf("line should be high")
	}
	if len(sink.events) != 1 || sink.events[0] != (lineEvent{16, hv.LineHigh}) {
		t.Fatalf("unexpected events after assert: %v", sink.events)
	}

	a.SetLevel(false)
	if !lines.Level(16) {
		t.Fatalf("line dropped while b still holds it")
	}
	if len(sink.events) != 1 {
		t.Fatalf("deasserting one holder reached the sink: %v", sink.events)
	}

	b.SetLevel(false)
	b.SetLevel(false)
	if lines.Level(16) {
		t.Fatalf("line should be low")
	}
	if len(sink.events) != 2 || sink.events[1] != (lineEvent{16, hv.LineLow}) {
		t.Fatalf("unexpected events after release: %v", sink.events)
	}
}

func TestLineSetPulse(t *testing.T) {
	sink := &recordingSink{}
	lines := NewLineSet(sink)

	lines.AllocateLine(5).PulseInterrupt()
	if len(sink.events) != 1 || sink.events[0] != (lineEvent{5, hv.LineRaisingPulse}) {
		t.Fatalf("unexpected events: %v", sink.events)
	}
	if lines.Level(5) {
		t.Fatalf("pulse must not leave the line high")
	}
}

func TestLineSetWithoutSink(t *testing.T) {
	lines := NewLineSet(nil)
	l := lines.AllocateLine(3)
	l.SetLevel(true)
	if !lines.Level(3) {
		t.Fatalf("line should be high")
	}
}
