package pci

import (
	"errors"
	"fmt"
)

var ErrLPCBus = errors.New("pci: LPC bridge must be on bus 0")

const (
	lpcVendorID = 0x8086
	lpcDeviceID = 0x7000

	// PIRQA-D and PIRQE-H routing registers, one byte per pin
	regPirqA = 0x60
	regPirqE = 0x68
)

// LPCDevice is the PCI-to-ISA bridge. Its configuration space carries the
// PIRQ routing registers at 0x60-0x63 and 0x68-0x6b, backed by the host
// bridge's PirqRouter.
type LPCDevice struct{}

func (LPCDevice) Init(fn *Function, opts string) error {
	if fn.Addr.Bus != 0 {
		return fmt.Errorf("pci: %s: %w", fn.Addr, ErrLPCBus)
	}
	fn.SetIdentity(lpcVendorID, lpcDeviceID, ClassBridge, SubclassBridgeISA)
	return nil
}

func (LPCDevice) Deinit(fn *Function) {}

func (LPCDevice) BarRead(fn *Function, bar int, offset uint64, size int) uint64 {
	return 0
}

func (LPCDevice) BarWrite(fn *Function, bar int, offset uint64, size int, value uint64) {}

// pirqPinAt returns the PIRQ pin whose routing register is at off, or 0.
func pirqPinAt(off int) int {
	switch {
	case off >= regPirqA && off < regPirqA+4:
		return off - regPirqA + 1
	case off >= regPirqE && off < regPirqE+4:
		return off - regPirqE + 5
	}
	return 0
}

func overlapsPirq(off, size int) bool {
	for i := 0; i < size; i++ {
		if pirqPinAt(off+i) != 0 {
			return true
		}
	}
	return false
}

// ConfigRead returns the live routing for every byte of the access that
// falls on a routing register.
func (LPCDevice) ConfigRead(fn *Function, off, size int) (uint32, bool) {
	if !overlapsPirq(off, size) {
		return 0, false
	}
	v := fn.cfgRead(off, size)
	for i := 0; i < size; i++ {
		if pin := pirqPinAt(off + i); pin != 0 {
			shift := uint(i * 8)
			v = v&^(0xff<<shift) | uint32(fn.host.pirq.Read(pin))<<shift
		}
	}
	return v, true
}

// ConfigWrite routes PIRQ pins. Only byte writes reach the routing
// registers; wider writes over them are dropped.
func (LPCDevice) ConfigWrite(fn *Function, off, size int, value uint32) bool {
	if !overlapsPirq(off, size) {
		return false
	}
	if size == 1 {
		fn.host.pirq.Write(pirqPinAt(off), uint8(value))
	}
	return true
}
