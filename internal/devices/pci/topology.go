package pci

import (
	"errors"
	"fmt"
)

var (
	ErrSlotOccupied = errors.New("pci: slot already occupied")
	ErrBadAddress   = errors.New("pci: address out of range")
)

const (
	MaxBuses = 256
	MaxSlots = 32
	MaxFuncs = 8
	numPins  = 4
)

// intxPin is the routing of one INTA-INTD pin within a slot, shared by
// every function that picked the pin.
type intxPin struct {
	count     int
	pirqPin   int
	ioapicIRQ int
}

type funcEntry struct {
	occupied bool
	kind     DeviceKind
	opts     string
	fn       *Function
}

type slotInfo struct {
	pins  [numPins]intxPin
	funcs [MaxFuncs]funcEntry
}

// BusWindows are the resource windows a bus's functions were allocated from.
type BusWindows struct {
	IOBase, IOLimit       uint64
	Mem32Base, Mem32Limit uint64
	Mem64Base, Mem64Limit uint64
}

type busInfo struct {
	configured bool
	windows    BusWindows
	slots      *[MaxSlots]slotInfo
}

// Topology is the fixed bus/slot/function table. Entries are declared at
// configuration time and bound to live functions by HostBridge.Init.
type Topology struct {
	buses [MaxBuses]busInfo
}

// NewTopology returns an empty topology.
func NewTopology() *Topology {
	return &Topology{}
}

func validAddress(a Address) bool {
	return a.Bus >= 0 && a.Bus < MaxBuses &&
		a.Slot >= 0 && a.Slot < MaxSlots &&
		a.Func >= 0 && a.Func < MaxFuncs
}

// Add declares a function of the given kind at addr.
func (t *Topology) Add(addr Address, kind DeviceKind, opts string) error {
	if !validAddress(addr) {
		return fmt.Errorf("pci: %s: %w", addr, ErrBadAddress)
	}
	b := &t.buses[addr.Bus]
	if b.slots == nil {
		b.slots = new([MaxSlots]slotInfo)
	}
	e := &b.slots[addr.Slot].funcs[addr.Func]
	if e.occupied {
		return fmt.Errorf("pci: %s (%s): %w", addr, e.kind, ErrSlotOccupied)
	}
	*e = funcEntry{occupied: true, kind: kind, opts: opts}
	b.configured = true
	return nil
}

func (t *Topology) entry(addr Address) *funcEntry {
	if !validAddress(addr) {
		return nil
	}
	b := &t.buses[addr.Bus]
	if b.slots == nil {
		return nil
	}
	return &b.slots[addr.Slot].funcs[addr.Func]
}

// slot returns the slot record; the bus must be configured.
func (t *Topology) slot(bus, slot int) *slotInfo {
	return &t.buses[bus].slots[slot]
}

// Function returns the live function at addr.
func (t *Topology) Function(addr Address) (*Function, bool) {
	e := t.entry(addr)
	if e == nil || !e.occupied || e.fn == nil {
		return nil, false
	}
	return e.fn, true
}

// BusConfigured reports whether any function was declared on bus.
func (t *Topology) BusConfigured(bus int) bool {
	if bus < 0 || bus >= MaxBuses {
		return false
	}
	return t.buses[bus].configured
}

// Windows returns the resource windows recorded for bus by HostBridge.Init.
func (t *Topology) Windows(bus int) (BusWindows, bool) {
	if !t.BusConfigured(bus) {
		return BusWindows{}, false
	}
	return t.buses[bus].windows, true
}

// IsMultiFunction reports whether more than one function of the slot is
// live, in which case every function advertises the multi-function bit.
func (t *Topology) IsMultiFunction(bus, slot int) bool {
	if !t.BusConfigured(bus) || slot < 0 || slot >= MaxSlots {
		return false
	}
	n := 0
	for _, e := range t.buses[bus].slots[slot].funcs {
		if e.occupied && e.fn != nil {
			n++
		}
	}
	return n > 1
}

// CountLintr returns the number of routed INTx pins on bus.
func (t *Topology) CountLintr(bus int) int {
	n := 0
	t.WalkLintr(bus, func(Address, int, int, int) { n++ })
	return n
}

// WalkLintr calls fn for every routed slot pin on bus with the pin number
// (1-4), its PIRQ pin and its IOAPIC input.
func (t *Topology) WalkLintr(bus int, fn func(addr Address, pin, pirqPin, ioapicIRQ int)) {
	if !t.BusConfigured(bus) {
		return
	}
	for s := range t.buses[bus].slots {
		for i, p := range t.buses[bus].slots[s].pins {
			if p.count == 0 {
				continue
			}
			fn(Address{Bus: bus, Slot: s}, i+1, p.pirqPin, p.ioapicIRQ)
		}
	}
}

// each visits every declared entry in bus, slot, function order.
func (t *Topology) each(fn func(addr Address, e *funcEntry) error) error {
	for bus := range t.buses {
		b := &t.buses[bus]
		if !b.configured {
			continue
		}
		for s := range b.slots {
			for f := range b.slots[s].funcs {
				e := &b.slots[s].funcs[f]
				if !e.occupied {
					continue
				}
				if err := fn(Address{Bus: bus, Slot: s, Func: f}, e); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Functions returns the live functions in address order.
func (t *Topology) Functions() []*Function {
	var out []*Function
	_ = t.each(func(_ Address, e *funcEntry) error {
		if e.fn != nil {
			out = append(out, e.fn)
		}
		return nil
	})
	return out
}
