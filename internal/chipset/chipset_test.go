package chipset

import (
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/devicemodel/internal/hv"
)

type portDevice struct {
	ranges  []PortRange
	handler Handler
	started bool
}

func (d *portDevice) Start() error {
	d.started = true
	return nil
}

func (d *portDevice) Stop() error {
	d.started = false
	return nil
}

func (d *portDevice) Reset() error { return nil }

func (d *portDevice) SupportsPortIO() *PortIOIntercept {
	return &PortIOIntercept{Ranges: d.ranges, Handler: d.handler}
}

func (d *portDevice) SupportsMmio() *MmioIntercept { return nil }

func TestBuilderRegistersPortIntercepts(t *testing.T) {
	h := &recordingHandler{value: 0xab}
	dev := &portDevice{ranges: []PortRange{{Base: 0x70, Size: 2}}, handler: h}

	b := NewBuilder()
	if err := b.RegisterDevice("rtc", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.RegisterDevice("rtc", dev); err == nil {
		t.Fatalf("duplicate device name accepted")
	}
	c, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	req := &hv.PIORequest{Direction: hv.DirectionRead, Port: 0x71, Size: 1}
	if err := c.HandlePIO(req); err != nil {
		t.Fatalf("pio: %v", err)
	}
	if req.Value != 0xab || len(h.reads) != 1 || h.reads[0] != 1 {
		t.Fatalf("read value 0x%x offsets %v", req.Value, h.reads)
	}

	if err := c.Start(); err != nil || !dev.started {
		t.Fatalf("start: %v", err)
	}
}

func TestBuilderReportsConflicts(t *testing.T) {
	h := &recordingHandler{}
	b := NewBuilder()
	_ = b.RegisterDevice("a", &portDevice{ranges: []PortRange{{Base: 0x60, Size: 1}}, handler: h})
	_ = b.RegisterDevice("b", &portDevice{ranges: []PortRange{{Base: 0x60, Size: 5}}, handler: h})
	if _, err := b.Build(); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRegisterPortIOBounds(t *testing.T) {
	c := New(nil)
	err := c.RegisterPortIO(AddressRange{Name: "big", Base: 0xfff0, Size: 0x20, Handler: AllOnes})
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestUnhandledAccessesReadAllOnes(t *testing.T) {
	c := New(nil)

	pio := &hv.PIORequest{Direction: hv.DirectionRead, Port: 0x3f8, Size: 1, Value: 5}
	if err := c.HandlePIO(pio); err != nil {
		t.Fatalf("pio: %v", err)
	}
	if pio.Value != 0xffffffff {
		t.Fatalf("unhandled port read = 0x%x", pio.Value)
	}

	mmio := &hv.MMIORequest{Direction: hv.DirectionRead, Address: 0xfed00000, Size: 4}
	if err := c.HandleMMIO(mmio); err != nil {
		t.Fatalf("mmio: %v", err)
	}
	if mmio.Value != ^uint64(0) {
		t.Fatalf("unhandled memory read = 0x%x", mmio.Value)
	}

	if err := c.EmulateMem(mmio); !errors.Is(err, ErrNotFound) {
		t.Fatalf("EmulateMem should surface ErrNotFound, got %v", err)
	}
}

func TestEmulateMemFallback(t *testing.T) {
	c := New(nil)
	hole := AddressRange{Name: "PCI hole (64-bit)", Base: 0x100000000, Size: 0x40000000, Handler: AllOnes}
	if err := c.RegisterMemFallback(hole); err != nil {
		t.Fatalf("register: %v", err)
	}
	req := &hv.MMIORequest{Direction: hv.DirectionRead, Address: 0x100001000, Size: 2}
	if err := c.EmulateMem(req); err != nil {
		t.Fatalf("emulate: %v", err)
	}
	if req.Value != 0xffff {
		t.Fatalf("fallback read = 0x%x", req.Value)
	}
	if err := c.UnregisterMemFallback(hole); err != nil {
		t.Fatalf("unregister: %v", err)
	}
}

func TestHandlerErrorsPolicy(t *testing.T) {
	c := New(nil)
	failing := HandlerFuncs{ReadFunc: func(offset uint64, size int) (uint64, error) {
		return 0, errors.New("backend out of range")
	}}
	aborting := HandlerFuncs{ReadFunc: func(offset uint64, size int) (uint64, error) {
		return 0, fmt.Errorf("device wedged: %w", hv.ErrAbort)
	}}
	if err := c.RegisterMem(AddressRange{Name: "soft", Base: 0x1000, Size: 0x10, Handler: failing}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.RegisterMem(AddressRange{Name: "hard", Base: 0x2000, Size: 0x10, Handler: aborting}); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := &hv.MMIORequest{Direction: hv.DirectionRead, Address: 0x1000, Size: 4}
	if err := c.HandleMMIO(req); err != nil || req.Value != ^uint64(0) {
		t.Fatalf("soft failure = 0x%x, %v", req.Value, err)
	}
	req = &hv.MMIORequest{Direction: hv.DirectionRead, Address: 0x2000, Size: 4}
	if err := c.HandleMMIO(req); !errors.Is(err, hv.ErrAbort) {
		t.Fatalf("expected ErrAbort, got %v", err)
	}
}

func TestAttachDetachDevice(t *testing.T) {
	c := New(nil)
	dev := &portDevice{ranges: []PortRange{{Base: 0xcf8, Size: 4}, {Base: 0xcfc, Size: 4}}, handler: AllOnes}
	if err := c.AttachDevice("pci-conf", dev); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := c.AttachDevice("pci-conf", dev); err == nil {
		t.Fatalf("second attach accepted")
	}
	if len(c.PIO.Ranges()) != 2 {
		t.Fatalf("expected 2 port ranges, got %v", c.PIO.Ranges())
	}
	if err := c.DetachDevice("pci-conf"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if len(c.PIO.Ranges()) != 0 {
		t.Fatalf("ranges left after detach: %v", c.PIO.Ranges())
	}
	if err := c.DetachDevice("pci-conf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
