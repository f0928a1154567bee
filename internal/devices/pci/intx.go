package pci

import (
	"errors"
	"fmt"

	"github.com/tinyrange/devicemodel/internal/chipset"
)

var ErrIntxRequested = errors.New("pci: INTx pin already requested")

// IntxState is the level of a function's legacy interrupt as tracked by
// the emulation.
type IntxState int

const (
	// IntxIdle: the line is deasserted.
	IntxIdle IntxState = iota
	// IntxAsserted: the device wants the line high and it is high.
	IntxAsserted
	// IntxPending: the device wants the line high but INTx is masked.
	IntxPending
)

func (s IntxState) String() string {
	switch s {
	case IntxIdle:
		return "idle"
	case IntxAsserted:
		return "asserted"
	case IntxPending:
		return "pending"
	default:
		return fmt.Sprintf("IntxState(%d)", int(s))
	}
}

type lintrState struct {
	pin          int
	pirqPin      int
	ioapicIRQ    int
	state        IntxState
	intxDisabled bool
	line         chipset.LineInterrupt
}

// LintrRequest assigns the least used INTA-INTD pin of the function's slot
// and advertises it in the interrupt pin register.
func (f *Function) LintrRequest() error {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	if f.lintr.pin != 0 {
		return fmt.Errorf("pci: %s: %w", f.Addr, ErrIntxRequested)
	}

	slot := f.host.topo.slot(f.Addr.Bus, f.Addr.Slot)
	best := 0
	for i := 1; i < len(slot.pins); i++ {
		if slot.pins[i].count < slot.pins[best].count {
			best = i
		}
	}
	slot.pins[best].count++
	f.lintr.pin = best + 1
	f.Set8(RegIntPin, uint8(f.lintr.pin))
	return nil
}

// lintrRoute binds the requested pin to an IOAPIC input and a PIRQ pin,
// both shared by every function using the same slot pin.
func (f *Function) lintrRoute() error {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	if f.lintr.pin == 0 {
		return nil
	}
	h := f.host
	p := &h.topo.slot(f.Addr.Bus, f.Addr.Slot).pins[f.lintr.pin-1]
	if p.ioapicIRQ == 0 {
		p.ioapicIRQ = h.ioapic.alloc()
	}
	if p.pirqPin == 0 {
		pin, err := h.pirq.AllocPin()
		if err != nil {
			return fmt.Errorf("pci: %s: route INT%c: %w", f.Addr, 'A'+f.lintr.pin-1, err)
		}
		p.pirqPin = pin
	}

	f.lintr.ioapicIRQ = p.ioapicIRQ
	f.lintr.pirqPin = p.pirqPin
	f.lintr.line = h.cs.Lines.AllocateLine(uint32(p.ioapicIRQ))
	f.Set8(RegIntLine, h.pirq.IRQ(p.pirqPin))
	f.log.Debug("routed INTx", "pin", f.lintr.pin, "gsi", p.ioapicIRQ, "pirq", p.pirqPin)
	return nil
}

func (f *Function) releaseLintr() {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	if f.lintr.pin == 0 {
		return
	}
	if f.lintr.state == IntxAsserted {
		f.setIntxLevelLocked(false)
	}
	p := &f.host.topo.slot(f.Addr.Bus, f.Addr.Slot).pins[f.lintr.pin-1]
	if p.count > 0 {
		p.count--
	}
	if p.count == 0 {
		*p = intxPin{}
	}
	f.lintr = lintrState{line: chipset.LineInterruptDetached()}
}

// IntxPin returns the assigned pin, 1 for INTA through 4 for INTD, or 0.
func (f *Function) IntxPin() int {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	return f.lintr.pin
}

// IntxGSI returns the IOAPIC input the pin is routed to, or 0.
func (f *Function) IntxGSI() int {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	return f.lintr.ioapicIRQ
}

// IntxState returns the current INTx state.
func (f *Function) IntxState() IntxState {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	return f.lintr.state
}

// LintrAssert raises the function's INTx line, or latches it pending while
// INTx delivery is masked.
func (f *Function) LintrAssert() {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	if f.lintr.pin == 0 {
		f.log.Warn("INTx assert without a pin")
		return
	}
	if f.lintr.state != IntxIdle {
		return
	}
	if f.lintrPermittedLocked() {
		f.lintr.state = IntxAsserted
		f.setIntxLevelLocked(true)
	} else {
		f.lintr.state = IntxPending
	}
}

// LintrDeassert lowers the function's INTx line.
func (f *Function) LintrDeassert() {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	if f.lintr.pin == 0 {
		f.log.Warn("INTx deassert without a pin")
		return
	}
	switch f.lintr.state {
	case IntxAsserted:
		f.lintr.state = IntxIdle
		f.setIntxLevelLocked(false)
	case IntxPending:
		f.lintr.state = IntxIdle
	}
}

// setIntxLevelLocked drives the PIRQ link and the IOAPIC input of the pin.
func (f *Function) setIntxLevelLocked(high bool) {
	if high {
		f.host.pirq.Assert(f.lintr.pirqPin)
	} else {
		f.host.pirq.Deassert(f.lintr.pirqPin)
	}
	f.lintr.line.SetLevel(high)
}

// INTx is only delivered while neither MSI nor MSI-X is enabled and the
// command register does not disable it.
func (f *Function) lintrPermittedLocked() bool {
	return !f.msi.enabled && !f.msix.enabled && !f.lintr.intxDisabled
}

// updateInterrupts applies change under the interrupt lock and moves the
// INTx line between asserted and pending to match the new mask state.
func (f *Function) updateInterrupts(change func()) {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	if change != nil {
		change()
	}
	permitted := f.lintrPermittedLocked()
	switch {
	case f.lintr.state == IntxAsserted && !permitted:
		f.lintr.state = IntxPending
		f.setIntxLevelLocked(false)
	case f.lintr.state == IntxPending && permitted:
		f.lintr.state = IntxAsserted
		f.setIntxLevelLocked(true)
	}
}
