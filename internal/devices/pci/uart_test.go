package pci

import (
	"bytes"
	"testing"

	"github.com/tinyrange/devicemodel/internal/hv"
)

func TestUARTFunction(t *testing.T) {
	var console bytes.Buffer
	env := newTestEnv(t, Config{Console: &console})
	addr := Address{Bus: 0, Slot: 5}
	env.add(t, addr, KindUART, "")
	env.init(t)
	f := env.fn(t, addr)

	if class := env.host.ConfigRead(addr, RegClass, 1); class != ClassSimpleComm {
		t.Fatalf("class = %#x", class)
	}
	bar := f.Bar(0)
	if bar.Kind != BarIO || bar.Size != 8 {
		t.Fatalf("BAR0 = %+v", bar)
	}

	out := func(reg int, v uint32) {
		t.Helper()
		req := &hv.PIORequest{Direction: hv.DirectionWrite, Port: uint16(bar.Address) + uint16(reg), Size: 1, Value: v}
		if err := env.cs.HandlePIO(req); err != nil {
			t.Fatalf("out %d: %v", reg, err)
		}
	}
	in := func(reg int) uint32 {
		t.Helper()
		req := &hv.PIORequest{Direction: hv.DirectionRead, Port: uint16(bar.Address) + uint16(reg), Size: 1}
		if err := env.cs.HandlePIO(req); err != nil {
			t.Fatalf("in %d: %v", reg, err)
		}
		return req.Value
	}

	out(0, 'o')
	out(0, 'k')
	if console.String() != "ok" {
		t.Fatalf("console = %q", console.String())
	}

	gsi := uint32(f.IntxGSI())
	out(1, 0x02)
	if f.IntxState() != IntxAsserted || !env.cs.Lines.Level(gsi) {
		t.Fatalf("THRE interrupt not on INTx: state %s", f.IntxState())
	}
	if iir := in(2); iir&0x0f != 0x02 {
		t.Fatalf("IIR = %#x", iir)
	}
	if f.IntxState() != IntxIdle || env.cs.Lines.Level(gsi) {
		t.Fatalf("INTx still %s after IIR read", f.IntxState())
	}

	dev := f.Backend().(*UARTDevice)
	out(1, 0x01)
	dev.UART().Receive([]byte{'z'})
	if f.IntxState() != IntxAsserted {
		t.Fatalf("rx interrupt not on INTx: state %s", f.IntxState())
	}
	if got := in(0); got != 'z' {
		t.Fatalf("RBR = %q", rune(got))
	}
	if f.IntxState() != IntxIdle {
		t.Fatalf("INTx %s after draining rx", f.IntxState())
	}
}
