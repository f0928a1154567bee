package pci

import (
	"errors"
	"testing"

	"github.com/tinyrange/devicemodel/internal/hv"
)

func TestCapabilityChain(t *testing.T) {
	withTestBackend(t, &testBackend{init: func(fn *Function) error {
		if err := fn.AddMSICapability(8); err != nil {
			return err
		}
		if err := fn.AddPCIeCapability(PCIeTypeRootPort); err != nil {
			return err
		}
		return fn.AddMSIXCapability(4, 0)
	}})
	env := newTestEnv(t, Config{})
	addr := Address{Bus: 0, Slot: 1}
	env.add(t, addr, kindTest, "")
	env.init(t)
	h := env.host
	f := env.fn(t, addr)

	if v := h.ConfigRead(addr, RegStatus, 2); v&StatusCapPresent == 0 {
		t.Fatalf("status 0x%x lacks capability list bit", v)
	}

	want := []struct {
		id  uint8
		off int
	}{{CapMSI, 0x40}, {CapExpress, 0x50}, {CapMSIX, 0x8c}}

	seen := map[int]bool{}
	ptr := int(h.ConfigRead(addr, RegCapPtr, 1))
	var got []Capability
	for ptr != 0 {
		if seen[ptr] {
			t.Fatalf("capability list loops at 0x%x", ptr)
		}
		seen[ptr] = true
		id := uint8(h.ConfigRead(addr, ptr, 1))
		got = append(got, Capability{ID: id, Offset: ptr})
		ptr = int(h.ConfigRead(addr, ptr+1, 1))
	}
	if len(got) != len(want) {
		t.Fatalf("walked %d capabilities, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].ID != w.id || got[i].Offset != w.off {
			t.Fatalf("capability %d = 0x%02x at 0x%x, want 0x%02x at 0x%x", i, got[i].ID, got[i].Offset, w.id, w.off)
		}
	}

	c, ok := f.FindCapability(CapMSIX)
	if !ok || c.Offset != 0x8c || c.Length != msixCapSize {
		t.Fatalf("MSI-X capability %+v, %v", c, ok)
	}
	if v := h.ConfigRead(addr, 0x50+12, 4); v&0xffff != 0x0411 {
		t.Fatalf("link capabilities = 0x%x", v)
	}
	if v := h.ConfigRead(addr, 0x40+2, 2); v != msiCtrl64Bit|3<<1 {
		t.Fatalf("MSI control = 0x%x", v)
	}
}

func TestCapabilitySpaceExhausted(t *testing.T) {
	env := newTestEnv(t, Config{})
	addr := Address{Bus: 0, Slot: 1}
	env.add(t, addr, KindDummy, "")
	f := newFunction(env.host, addr, KindDummy, &DummyDevice{})

	var err error
	n := 0
	for err == nil {
		err = f.AddPCIeCapability(PCIeTypeRootPort)
		if err == nil {
			n++
		}
	}
	if !errors.Is(err, ErrNoCapabilitySpace) {
		t.Fatalf("expected ErrNoCapabilitySpace, got %v", err)
	}
	// 192 bytes of capability space fit three 60-byte structures
	if n != 3 || len(f.Capabilities()) != 3 {
		t.Fatalf("added %d capabilities", n)
	}
	last := f.Capabilities()[2]
	if f.Get8(last.Offset+1) != 0 {
		t.Fatalf("last capability next pointer = 0x%x", f.Get8(last.Offset+1))
	}
	if err := f.AddMSICapability(3); !errors.Is(err, ErrInvalidCapability) {
		t.Fatalf("non power-of-two MSI count: %v", err)
	}
}

func TestCapabilityHeaderReadOnly(t *testing.T) {
	env := newTestEnv(t, Config{})
	addr := Address{Bus: 0, Slot: 3}
	env.add(t, addr, KindDummy, "")
	env.init(t)
	h := env.host

	h.ConfigWrite(addr, 0x40, 1, 0xaa)
	h.ConfigWrite(addr, 0x41, 1, 0xbb)
	if v := h.ConfigRead(addr, 0x40, 2); v != CapMSI {
		t.Fatalf("capability header = 0x%x", v)
	}

	// a dword write at the header only lands in the control word
	h.ConfigWrite(addr, 0x40, 4, 0x0021ffff)
	if v := h.ConfigRead(addr, 0x40, 4); v != (msiCtrl64Bit|2<<1|0x21)<<16|CapMSI {
		t.Fatalf("MSI dword = 0x%08x", v)
	}
	f := env.fn(t, addr)
	if !f.MSIEnabled() || f.MSIMaxMessages() != 4 {
		t.Fatalf("MSI enabled=%v max=%d", f.MSIEnabled(), f.MSIMaxMessages())
	}
}

func enableMSI(env *testEnv, addr Address, mme uint32) {
	h := env.host
	h.ConfigWrite(addr, 0x40+msiAddrLoOffset, 4, 0xfee00000)
	h.ConfigWrite(addr, 0x40+msiAddrHiOffset, 4, 0)
	h.ConfigWrite(addr, 0x40+msiData64Offset, 2, 0x40)
	h.ConfigWrite(addr, 0x40+2, 2, mme<<4|msiCtrlEnable)
}

func TestDummyDoorbellMSI(t *testing.T) {
	env := newTestEnv(t, Config{})
	addr := Address{Bus: 0, Slot: 3}
	env.add(t, addr, KindDummy, "")
	env.init(t)
	enableMSI(env, addr, 2)

	req := &hv.PIORequest{Direction: hv.DirectionWrite, Port: testIOBase + doorbellRegister, Size: 4, Value: 6}
	if err := env.cs.HandlePIO(req); err != nil {
		t.Fatalf("doorbell: %v", err)
	}
	if len(env.sink.msis) != 1 || env.sink.msis[0] != [2]uint64{0xfee00000, 0x42} {
		t.Fatalf("MSIs after doorbell: %v", env.sink.msis)
	}

	req.Value = broadcastValue
	if err := env.cs.HandlePIO(req); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(env.sink.msis) != 5 {
		t.Fatalf("broadcast sent %d MSIs", len(env.sink.msis)-1)
	}
	for i := 0; i < 4; i++ {
		if got := env.sink.msis[1+i][1]; got != 0x40+uint64(i) {
			t.Fatalf("broadcast vector %d data 0x%x", i, got)
		}
	}

	f := env.fn(t, addr)
	f.GenerateMSI(4)
	if len(env.sink.msis) != 5 {
		t.Fatalf("vector beyond the enabled count was sent")
	}
	if n := f.MSIVectors(); n != 4 {
		t.Fatalf("MSIVectors = %d", n)
	}

	// with MSI off the doorbell falls back to INTx
	env.host.ConfigWrite(addr, 0x40+2, 2, 2<<4)
	if n := f.MSIVectors(); n != 0 {
		t.Fatalf("MSIVectors = %d with MSI disabled", n)
	}
	req.Value = 6
	if err := env.cs.HandlePIO(req); err != nil {
		t.Fatalf("doorbell: %v", err)
	}
	if len(env.sink.msis) != 5 || f.IntxState() != IntxAsserted {
		t.Fatalf("doorbell with MSI off: %d MSIs, INTx %s", len(env.sink.msis), f.IntxState())
	}
}

func TestDoorbellWhileMSIToggles(t *testing.T) {
	env := newTestEnv(t, Config{})
	addr := Address{Bus: 0, Slot: 3}
	env.add(t, addr, KindDummy, "")
	env.init(t)
	enableMSI(env, addr, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			env.host.ConfigWrite(addr, 0x40+2, 2, 2<<4)
			env.host.ConfigWrite(addr, 0x40+2, 2, 2<<4|msiCtrlEnable)
		}
	}()
	for i := 0; i < 500; i++ {
		req := &hv.PIORequest{Direction: hv.DirectionWrite, Port: testIOBase + doorbellRegister, Size: 4, Value: uint32(i)}
		if err := env.cs.HandlePIO(req); err != nil {
			t.Fatalf("doorbell %d: %v", i, err)
		}
	}
	<-done
}

func TestIntxStateMachine(t *testing.T) {
	env := newTestEnv(t, Config{})
	addr := Address{Bus: 0, Slot: 3}
	env.add(t, addr, KindDummy, "")
	env.init(t)
	h := env.host
	f := env.fn(t, addr)
	gsi := uint32(f.IntxGSI())
	if gsi != ioapicPCIBase {
		t.Fatalf("GSI = %d", gsi)
	}

	ring := func() {
		t.Helper()
		req := &hv.PIORequest{Direction: hv.DirectionWrite, Port: testIOBase + doorbellRegister, Size: 4, Value: 1}
		if err := env.cs.HandlePIO(req); err != nil {
			t.Fatalf("doorbell: %v", err)
		}
	}
	expectLine := func(state IntxState, level bool) {
		t.Helper()
		if f.IntxState() != state {
			t.Fatalf("INTx state %s, want %s", f.IntxState(), state)
		}
		if env.cs.Lines.Level(gsi) != level {
			t.Fatalf("GSI %d level %v, want %v", gsi, env.cs.Lines.Level(gsi), level)
		}
	}

	ring()
	expectLine(IntxAsserted, true)
	if ev, _ := env.sink.lastLine(); ev != (lineEvent{gsi, hv.LineHigh}) {
		t.Fatalf("last line event %+v", ev)
	}

	// INTx disable in the command register masks the line
	cmd := h.ConfigRead(addr, RegCommand, 2)
	h.ConfigWrite(addr, RegCommand, 2, cmd|CmdIntxDis)
	expectLine(IntxPending, false)
	h.ConfigWrite(addr, RegCommand, 2, cmd)
	expectLine(IntxAsserted, true)

	// enabling MSI masks INTx as well
	enableMSI(env, addr, 0)
	expectLine(IntxPending, false)
	h.ConfigWrite(addr, 0x40+2, 2, 0)
	expectLine(IntxAsserted, true)

	if err := env.cs.PIO.Write(hv.IOBase+ackRegister, 1, 0); err != nil {
		t.Fatalf("ack: %v", err)
	}
	expectLine(IntxIdle, false)

	// a pending assertion that is withdrawn never reaches the line
	h.ConfigWrite(addr, RegCommand, 2, cmd|CmdIntxDis)
	ring()
	expectLine(IntxPending, false)
	f.LintrDeassert()
	h.ConfigWrite(addr, RegCommand, 2, cmd)
	expectLine(IntxIdle, false)
}

func TestIntxPinsSharedPerSlot(t *testing.T) {
	env := newTestEnv(t, Config{})
	for fn := 0; fn < 5; fn++ {
		env.add(t, Address{Bus: 0, Slot: 7, Func: fn}, KindDummy, "")
	}
	env.init(t)

	pins := map[int]int{}
	gsis := map[int]int{}
	for fn := 0; fn < 5; fn++ {
		f := env.fn(t, Address{Bus: 0, Slot: 7, Func: fn})
		pins[f.IntxPin()]++
		if g, ok := gsis[f.IntxPin()]; ok && g != f.IntxGSI() {
			t.Fatalf("functions on INT%c routed to GSIs %d and %d", 'A'+f.IntxPin()-1, g, f.IntxGSI())
		}
		gsis[f.IntxPin()] = f.IntxGSI()
	}
	if pins[1] != 2 || pins[2] != 1 || pins[3] != 1 || pins[4] != 1 {
		t.Fatalf("pin usage %v", pins)
	}
	if n := env.topo.CountLintr(0); n != 4 {
		t.Fatalf("CountLintr = %d", n)
	}

	// two holders share the INTA line
	a := env.fn(t, Address{Bus: 0, Slot: 7, Func: 0})
	e := env.fn(t, Address{Bus: 0, Slot: 7, Func: 4})
	a.LintrAssert()
	e.LintrAssert()
	a.LintrDeassert()
	if !env.cs.Lines.Level(uint32(a.IntxGSI())) {
		t.Fatalf("shared line dropped while one holder remains")
	}
	e.LintrDeassert()
	if env.cs.Lines.Level(uint32(a.IntxGSI())) {
		t.Fatalf("shared line still high")
	}
}

func TestMSIXDelivery(t *testing.T) {
	env := newTestEnv(t, Config{})
	addr := Address{Bus: 0, Slot: 3}
	env.add(t, addr, KindDummy, "msix")
	env.init(t)
	h := env.host
	f := env.fn(t, addr)

	if f.MSIXTableBar() != dummyMSIXBar {
		t.Fatalf("MSI-X table BAR = %d", f.MSIXTableBar())
	}
	table := f.Bar(dummyMSIXBar).Address
	c, ok := f.FindCapability(CapMSIX)
	if !ok {
		t.Fatalf("no MSI-X capability")
	}
	if v := h.ConfigRead(addr, c.Offset+8, 4); v != 0x1000|dummyMSIXBar {
		t.Fatalf("PBA info = 0x%x", v)
	}

	// entries start masked
	if v, _ := env.cs.MMIO.Read(table+12, 4); v != msixVectorMasked {
		t.Fatalf("vector control = 0x%x", v)
	}

	h.ConfigWrite(addr, c.Offset+2, 2, msixCtrlEnable)
	if !f.MSIXEnabled() {
		t.Fatalf("MSI-X not enabled")
	}
	if f.IntxState() != IntxIdle {
		t.Fatalf("INTx state %s", f.IntxState())
	}

	mustWrite := func(a uint64, size int, v uint64) {
		t.Helper()
		if err := env.cs.MMIO.Write(a, size, v); err != nil {
			t.Fatalf("write 0x%x: %v", a, err)
		}
	}
	for i := uint64(0); i < 2; i++ {
		mustWrite(table+i*16, 8, 0xfee00000)
		mustWrite(table+i*16+8, 4, 0x50+i)
	}
	mustWrite(table+12, 4, 0)

	doorbell := func(v uint32) {
		t.Helper()
		req := &hv.PIORequest{Direction: hv.DirectionWrite, Port: testIOBase + doorbellRegister, Size: 4, Value: v}
		if err := env.cs.HandlePIO(req); err != nil {
			t.Fatalf("doorbell: %v", err)
		}
	}

	doorbell(0)
	if len(env.sink.msis) != 1 || env.sink.msis[0] != [2]uint64{0xfee00000, 0x50} {
		t.Fatalf("MSI-X messages %v", env.sink.msis)
	}

	// vector 1 is still masked: it latches in the pending bit array
	doorbell(1)
	if len(env.sink.msis) != 1 {
		t.Fatalf("masked vector delivered")
	}
	if v, _ := env.cs.MMIO.Read(table+0x1000, 8); v != 0x2 {
		t.Fatalf("PBA = 0x%x", v)
	}

	mustWrite(table+16+12, 4, 0)
	if len(env.sink.msis) != 2 || env.sink.msis[1] != [2]uint64{0xfee00000, 0x51} {
		t.Fatalf("pending vector not delivered on unmask: %v", env.sink.msis)
	}
	if v, _ := env.cs.MMIO.Read(table+0x1000, 8); v != 0 {
		t.Fatalf("PBA = 0x%x after delivery", v)
	}

	// function mask holds every vector back
	h.ConfigWrite(addr, c.Offset+2, 2, msixCtrlEnable|msixCtrlFunctionMask)
	doorbell(0)
	if len(env.sink.msis) != 2 {
		t.Fatalf("function mask ignored")
	}
	h.ConfigWrite(addr, c.Offset+2, 2, msixCtrlEnable)
	if len(env.sink.msis) != 3 {
		t.Fatalf("pending vector not delivered when function mask cleared")
	}

	if err := f.MSIXTableWrite(16*dummyMSIXMessages, 4, 0); err == nil {
		t.Fatalf("write past the table accepted")
	}
	if v := f.MSIXTableRead(3, 2); v != ^uint64(0) {
		t.Fatalf("2-byte table read = 0x%x", v)
	}
}

func TestPirqRouter(t *testing.T) {
	r := NewPirqRouter(nil)
	r.ReserveIRQ(3)

	want := []uint8{4, 5, 6, 7, 9, 10, 11, 12}
	for i, irq := range want {
		pin, err := r.AllocPin()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if pin != i+1 {
			t.Fatalf("alloc %d returned pin %d", i, pin)
		}
		if got := r.IRQ(pin); got != irq {
			t.Fatalf("pin %d routed to IRQ %d, want %d", pin, got, irq)
		}
	}

	// every pin has one user: the next allocation reuses PIRQA
	if pin, _ := r.AllocPin(); pin != 1 || r.IRQ(1) != 4 {
		t.Fatalf("reuse returned pin %d IRQ %d", pin, r.IRQ(1))
	}

	if r.IRQ(0) != pirqIRQInvalid || r.IRQ(NumPirqPins+1) != pirqIRQInvalid {
		t.Fatalf("invalid pins must report 0xff")
	}
	r.Write(2, 0xff)
	if r.Read(2) != pirqDisabled|pirqIRQMask || r.IRQ(2) != pirqIRQInvalid {
		t.Fatalf("disabled pin reg 0x%x irq %d", r.Read(2), r.IRQ(2))
	}
	r.Write(2, 14)
	if r.IRQ(2) != 14 {
		t.Fatalf("rerouted pin IRQ %d", r.IRQ(2))
	}
}

func TestPirqUseIRQ(t *testing.T) {
	r := NewPirqRouter(nil)
	r.UseIRQ(3)
	r.UseIRQ(4)
	r.ReserveIRQ(5)
	r.UseIRQ(5)
	pin, err := r.AllocPin()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if got := r.IRQ(pin); got != 6 {
		t.Fatalf("pin routed to IRQ %d, want 6", got)
	}
}

func TestPirqRoutingThroughConfigSpace(t *testing.T) {
	env := newTestEnv(t, Config{})
	dev := Address{Bus: 0, Slot: 3}
	lpc := Address{Bus: 0, Slot: 31}
	env.add(t, dev, KindDummy, "")
	env.add(t, lpc, KindLPC, "")
	env.init(t)
	h := env.host
	f := env.fn(t, dev)

	pin := f.lintr.pirqPin
	if pin < 1 || pin > 4 {
		t.Fatalf("dummy routed to PIRQ pin %d", pin)
	}
	reg := regPirqA + pin - 1
	old := uint8(h.ConfigRead(lpc, reg, 1))
	if old != h.pirq.IRQ(pin) || uint32(old) != h.ConfigRead(dev, RegIntLine, 1) {
		t.Fatalf("routing register 0x%x, router IRQ %d", old, h.pirq.IRQ(pin))
	}
	if v := h.ConfigRead(lpc, regPirqE, 4); v != 0x80808080 {
		t.Fatalf("unused PIRQE-H = 0x%x", v)
	}
	if v := h.ConfigRead(lpc, regPirqA, 4); uint8(v>>((pin-1)*8)) != old {
		t.Fatalf("dword read 0x%x lacks pin %d routing", v, pin)
	}

	level := func(irq uint8) bool { return env.cs.Lines.Level(uint32(irq)) }

	f.LintrAssert()
	if h.pirq.Active(pin) != 1 || !level(old) {
		t.Fatalf("assert: active %d, IRQ %d level %v", h.pirq.Active(pin), old, level(old))
	}

	// rerouting an active pin moves the line
	h.ConfigWrite(lpc, reg, 1, 14)
	if level(old) || !level(14) {
		t.Fatalf("after reroute IRQ %d %v, IRQ 14 %v", old, level(old), level(14))
	}
	if v := h.ConfigRead(lpc, reg, 1); v != 14 {
		t.Fatalf("routing register = 0x%x", v)
	}

	// disabling drops it, enabling on another IRQ raises it there
	h.ConfigWrite(lpc, reg, 1, pirqDisabled|14)
	if level(14) {
		t.Fatalf("disabled pin still drives IRQ 14")
	}
	h.ConfigWrite(lpc, reg, 1, 15)
	if !level(15) {
		t.Fatalf("re-enabled pin does not drive IRQ 15")
	}

	// only byte writes reach the routing registers
	h.ConfigWrite(lpc, regPirqA, 4, 0x09090909)
	if v := h.ConfigRead(lpc, reg, 1); v != 15 {
		t.Fatalf("dword write changed routing to 0x%x", v)
	}

	f.LintrDeassert()
	if h.pirq.Active(pin) != 0 || level(15) {
		t.Fatalf("deassert: active %d, IRQ 15 level %v", h.pirq.Active(pin), level(15))
	}
	if env.cs.Lines.Level(uint32(f.IntxGSI())) {
		t.Fatalf("IOAPIC input still high")
	}
}

func TestLPCRequiresBusZero(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.add(t, Address{Bus: 1, Slot: 1}, KindLPC, "")
	if err := env.host.Init(); !errors.Is(err, ErrLPCBus) {
		t.Fatalf("init on bus 1: %v", err)
	}
}
