package pci

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/devicemodel/internal/chipset"
)

// Address identifies a function by bus, slot and function number.
type Address struct {
	Bus  int
	Slot int
	Func int
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%d", a.Bus, a.Slot, a.Func)
}

// Function is one emulated PCI function: its configuration space image,
// BARs, capabilities and interrupt state.
type Function struct {
	Addr Address
	Name string
	Kind DeviceKind

	// Extended allows configuration accesses above 0xff.
	Extended bool

	host    *HostBridge
	backend Backend
	log     *slog.Logger

	cfg [ExtConfigSize]byte

	bars   [NumBars]Bar
	caps   []Capability
	capEnd int

	// intrMu guards the MSI, MSI-X and INTx state below.
	intrMu sync.Mutex
	msi    msiState
	msix   msixState
	lintr  lintrState
}

func newFunction(h *HostBridge, addr Address, kind DeviceKind, backend Backend) *Function {
	f := &Function{
		Addr:    addr,
		Name:    fmt.Sprintf("%s-pci-%d", kind, addr.Slot),
		Kind:    kind,
		host:    h,
		backend: backend,
		log:     h.log.With("pci", addr.String(), "kind", kind.String()),
	}
	f.lintr.line = chipset.LineInterruptDetached()
	return f
}

// Backend returns the device implementation behind f.
func (f *Function) Backend() Backend { return f.backend }

func (f *Function) configLimit() int {
	if f.Extended {
		return ExtConfigSize
	}
	return StdConfigSize
}

// Get8 reads a byte from the configuration image.
func (f *Function) Get8(off int) uint8 { return f.cfg[off] }

// Get16 reads a little-endian word from the configuration image.
func (f *Function) Get16(off int) uint16 { return binary.LittleEndian.Uint16(f.cfg[off:]) }

// Get32 reads a little-endian dword from the configuration image.
func (f *Function) Get32(off int) uint32 { return binary.LittleEndian.Uint32(f.cfg[off:]) }

// Set8 writes a byte to the configuration image.
func (f *Function) Set8(off int, v uint8) { f.cfg[off] = v }

// Set16 writes a little-endian word to the configuration image.
func (f *Function) Set16(off int, v uint16) { binary.LittleEndian.PutUint16(f.cfg[off:], v) }

// Set32 writes a little-endian dword to the configuration image.
func (f *Function) Set32(off int, v uint32) { binary.LittleEndian.PutUint32(f.cfg[off:], v) }

func (f *Function) cfgRead(off, size int) uint32 {
	switch size {
	case 1:
		return uint32(f.Get8(off))
	case 2:
		return uint32(f.Get16(off))
	default:
		return f.Get32(off)
	}
}

func (f *Function) cfgWrite(off, size int, v uint32) {
	switch size {
	case 1:
		f.Set8(off, uint8(v))
	case 2:
		f.Set16(off, uint16(v))
	default:
		f.Set32(off, v)
	}
}

// SetIdentity fills in the ID and class registers.
func (f *Function) SetIdentity(vendor, device uint16, class, subclass uint8) {
	f.Set16(RegVendor, vendor)
	f.Set16(RegDevice, device)
	f.Set8(RegClass, class)
	f.Set8(RegSubclass, subclass)
}

// Command returns the current command register.
func (f *Function) Command() uint16 { return f.Get16(RegCommand) }

func (f *Function) decodeEnabled(kind BarKind) bool {
	cmd := f.Command()
	switch kind {
	case BarIO:
		return cmd&CmdPortEn != 0
	case BarMem32, BarMem64, BarMem64High:
		return cmd&CmdMemEn != 0
	default:
		return false
	}
}

func (f *Function) resetHeader() {
	f.Set8(RegIntLine, 0xff)
	f.Set8(RegIntPin, 0)
	f.Set16(RegCommand, CmdPortEn|CmdMemEn|CmdBusMaster)
}

func (f *Function) release() {
	f.releaseLintr()
	f.freeBars()
	f.freeMSIX()
}
