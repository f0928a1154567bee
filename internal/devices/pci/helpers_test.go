package pci

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/tinyrange/devicemodel/internal/chipset"
	"github.com/tinyrange/devicemodel/internal/hv"
)

const (
	testLowmem = 0xC0000000
	testIOBase = uint16(hv.IOBase)
	kindTest   = DeviceKind(100)
)

type lineEvent struct {
	gsi uint32
	op  hv.LineOp
}

type recordingSink struct {
	mu    sync.Mutex
	lines []lineEvent
	msis  [][2]uint64
}

func (s *recordingSink) SetIRQLine(gsi uint32, op hv.LineOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, lineEvent{gsi, op})
	return nil
}

func (s *recordingSink) InjectMSI(addr, data uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msis = append(s.msis, [2]uint64{addr, data})
	return nil
}

func (s *recordingSink) lastLine() (lineEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return lineEvent{}, false
	}
	return s.lines[len(s.lines)-1], true
}

// testBackend lets a test shape a function's configuration space.
type testBackend struct {
	init   func(fn *Function) error
	reads  int
	writes []uint64
}

func (b *testBackend) Init(fn *Function, opts string) error {
	if b.init == nil {
		return nil
	}
	return b.init(fn)
}

func (b *testBackend) Deinit(fn *Function) {}

func (b *testBackend) BarRead(fn *Function, bar int, offset uint64, size int) uint64 {
	b.reads++
	return 0x5a
}

func (b *testBackend) BarWrite(fn *Function, bar int, offset uint64, size int, value uint64) {
	b.writes = append(b.writes, value)
}

type testEnv struct {
	cs    *chipset.Chipset
	sink  *recordingSink
	alloc *hv.ResourceAllocator
	topo  *Topology
	host  *HostBridge
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	sink := &recordingSink{}
	cs := chipset.New(sink)
	alloc := hv.NewResourceAllocator(testLowmem)
	topo := NewTopology()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &testEnv{
		cs:    cs,
		sink:  sink,
		alloc: alloc,
		topo:  topo,
		host:  NewHostBridge(cs, alloc, sink, topo, cfg),
	}
}

// withTestBackend installs b as the constructor for kindTest until the
// test finishes.
func withTestBackend(t *testing.T, b *testBackend) {
	t.Helper()
	Backends[kindTest] = func() Backend { return b }
	t.Cleanup(func() { delete(Backends, kindTest) })
}

func (e *testEnv) add(t *testing.T, addr Address, kind DeviceKind, opts string) {
	t.Helper()
	if err := e.topo.Add(addr, kind, opts); err != nil {
		t.Fatalf("add %s: %v", addr, err)
	}
}

func (e *testEnv) init(t *testing.T) {
	t.Helper()
	if err := e.host.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(e.host.Deinit)
}

func (e *testEnv) fn(t *testing.T, addr Address) *Function {
	t.Helper()
	f, ok := e.topo.Function(addr)
	if !ok {
		t.Fatalf("no function at %s", addr)
	}
	return f
}

func (e *testEnv) mapped(addr uint64) bool {
	r, ok := e.cs.MMIO.Lookup(addr)
	return ok && r.Name != hole32Name && r.Name != hole64Name
}
