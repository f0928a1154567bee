package pci

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/tinyrange/devicemodel/internal/chipset"
)

var ErrNoPirq = errors.New("pci: no PIRQ pin available")

const (
	// NumPirqPins is the number of PIRQ routing pins (PIRQA-PIRQH).
	NumPirqPins = 8

	pirqDisabled   = 0x80
	pirqIRQMask    = 0x0f
	pirqIRQInvalid = 0xff

	// legacy IRQs a PIRQ may route to: 3-7, 9-12, 14, 15
	pirqPermittedIRQs = 0xdef8

	numLegacyIRQs = 16
	irqUnusable   = 0xff

	ioapicPCIBase = 16
	ioapicPCIPins = 32
)

type pirqPin struct {
	mu     sync.Mutex
	reg    uint8
	users  int
	active int
	// line is the source held on the routed IRQ while active is non-zero
	line chipset.LineInterrupt
}

// PirqRouter models the chipset's PIRQ routing registers. Each pin can be
// steered to one legacy IRQ; pins are handed out least-used first.
type PirqRouter struct {
	mu        sync.Mutex
	pins      [NumPirqPins]pirqPin
	irqCounts [numLegacyIRQs]uint8
	permitted *bitset.BitSet
	lines     *chipset.LineSet
}

// NewPirqRouter returns a router with every pin disabled. Active pins drive
// their routed legacy IRQ on lines; a nil lines only tracks routing.
func NewPirqRouter(lines *chipset.LineSet) *PirqRouter {
	r := &PirqRouter{permitted: bitset.New(numLegacyIRQs), lines: lines}
	for irq := uint(0); irq < numLegacyIRQs; irq++ {
		if pirqPermittedIRQs&(1<<irq) != 0 {
			r.permitted.Set(irq)
		} else {
			r.irqCounts[irq] = irqUnusable
		}
	}
	for i := range r.pins {
		r.pins[i].reg = pirqDisabled
	}
	return r
}

// ReserveIRQ takes a legacy IRQ out of the PIRQ pool, for example when an
// ISA device owns it.
func (r *PirqRouter) ReserveIRQ(irq int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if irq < 0 || irq >= numLegacyIRQs {
		return
	}
	r.irqCounts[irq] = irqUnusable
	r.permitted.Clear(uint(irq))
}

// UseIRQ counts a legacy IRQ as used by another device so AllocPin
// prefers the others. Reserved IRQs are left alone.
func (r *PirqRouter) UseIRQ(irq int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if irq < 0 || irq >= numLegacyIRQs || r.irqCounts[irq] == irqUnusable {
		return
	}
	r.irqCounts[irq]++
}

// AllocPin returns the least used PIRQ pin (1-based) and, on first use,
// routes it to the least used permitted IRQ.
func (r *PirqRouter) AllocPin() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := 0
	for i := 1; i < len(r.pins); i++ {
		if r.pins[i].users < r.pins[best].users {
			best = i
		}
	}

	p := &r.pins[best]
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reg == pirqDisabled {
		irq := -1
		for i, ok := r.permitted.NextSet(0); ok; i, ok = r.permitted.NextSet(i + 1) {
			if irq < 0 || r.irqCounts[i] < r.irqCounts[irq] {
				irq = int(i)
			}
		}
		if irq < 0 {
			return 0, fmt.Errorf("pci: no legacy IRQ left for PIRQ%c: %w", 'A'+best, ErrNoPirq)
		}
		r.irqCounts[irq]++
		p.reg = uint8(irq)
	}
	p.users++
	return best + 1, nil
}

// IRQ returns the legacy IRQ pin routes to, or 0xff for an invalid or
// disabled pin.
func (r *PirqRouter) IRQ(pin int) uint8 {
	if pin < 1 || pin > NumPirqPins {
		return pirqIRQInvalid
	}
	p := &r.pins[pin-1]
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reg&pirqDisabled != 0 {
		return pirqIRQInvalid
	}
	return p.reg & pirqIRQMask
}

// a pin routed to a non-permitted IRQ behaves as if disabled
func pirqValidIRQ(reg uint8) bool {
	return reg&pirqDisabled == 0 && pirqPermittedIRQs&(1<<(reg&pirqIRQMask)) != 0
}

func (r *PirqRouter) pin(pin int) *pirqPin {
	if pin < 1 || pin > NumPirqPins {
		return nil
	}
	return &r.pins[pin-1]
}

// Assert adds a source on pin. The routed IRQ goes high with the first one.
func (r *PirqRouter) Assert(pin int) {
	p := r.pin(pin)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active++
	if p.active == 1 && pirqValidIRQ(p.reg) {
		r.raiseLocked(p)
	}
}

// Deassert drops a source from pin. The routed IRQ goes low with the last one.
func (r *PirqRouter) Deassert(pin int) {
	p := r.pin(pin)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == 0 {
		return
	}
	p.active--
	if p.active == 0 && pirqValidIRQ(p.reg) {
		p.line.SetLevel(false)
	}
}

// Active returns the number of sources holding pin.
func (r *PirqRouter) Active(pin int) int {
	p := r.pin(pin)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (r *PirqRouter) raiseLocked(p *pirqPin) {
	if r.lines == nil {
		p.line = chipset.LineInterruptDetached()
	} else {
		p.line = r.lines.AllocateLine(uint32(p.reg & pirqIRQMask))
	}
	p.line.SetLevel(true)
}

// Read returns the raw routing register of pin.
func (r *PirqRouter) Read(pin int) uint8 {
	if pin < 1 || pin > NumPirqPins {
		return pirqDisabled
	}
	p := &r.pins[pin-1]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reg
}

// Write updates the routing register of pin. Only the disable bit and the
// IRQ field are writable. An active pin moves from its old IRQ to the new one.
func (r *PirqRouter) Write(pin int, val uint8) {
	p := r.pin(pin)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	val &= pirqDisabled | pirqIRQMask
	if p.reg == val {
		return
	}
	if p.active > 0 && pirqValidIRQ(p.reg) {
		p.line.SetLevel(false)
	}
	p.reg = val
	if p.active > 0 && pirqValidIRQ(p.reg) {
		r.raiseLocked(p)
	}
}

// ioapicAllocator hands out IOAPIC inputs for PCI INTx round-robin over
// the pins above the legacy range.
type ioapicAllocator struct {
	mu   sync.Mutex
	next int
}

func (a *ioapicAllocator) alloc() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	irq := ioapicPCIBase + a.next%ioapicPCIPins
	a.next++
	return irq
}
