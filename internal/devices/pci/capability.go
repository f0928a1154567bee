package pci

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
)

var (
	ErrNoCapabilitySpace = errors.New("pci: no room for capability")
	ErrInvalidCapability = errors.New("pci: invalid capability")
)

// Capability records where a capability structure lives in configuration
// space. Length is the 4-byte rounded size that was reserved.
type Capability struct {
	ID     uint8
	Offset int
	Length int
}

// AddCapability appends a capability structure to the list. The first
// two bytes of data are the ID and next pointer; the next pointer is
// managed here.
func (f *Function) AddCapability(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("pci: %s capability of %d bytes: %w", f.Addr, len(data), ErrInvalidCapability)
	}
	length := (len(data) + 3) &^ 3

	off := capStartOffset
	if len(f.caps) > 0 {
		off = f.capEnd + 1
	}
	if off+length > StdConfigSize {
		return fmt.Errorf("pci: %s capability 0x%02x at 0x%x: %w", f.Addr, data[0], off, ErrNoCapabilitySpace)
	}

	if len(f.caps) == 0 {
		f.Set8(RegCapPtr, uint8(off))
		f.Set16(RegStatus, f.Get16(RegStatus)|StatusCapPresent)
	} else {
		prev := f.caps[len(f.caps)-1]
		f.Set8(prev.Offset+1, uint8(off))
	}

	copy(f.cfg[off:], data)
	f.Set8(off+1, 0)

	f.caps = append(f.caps, Capability{ID: data[0], Offset: off, Length: length})
	f.capEnd = off + length - 1
	return nil
}

// FindCapability returns the first capability with the given ID.
func (f *Function) FindCapability(id uint8) (Capability, bool) {
	for _, c := range f.caps {
		if c.ID == id {
			return c, true
		}
	}
	return Capability{}, false
}

// Capabilities returns the capabilities in list order.
func (f *Function) Capabilities() []Capability {
	out := make([]Capability, len(f.caps))
	copy(out, f.caps)
	return out
}

func (f *Function) inCapabilities(off int) bool {
	return len(f.caps) > 0 && off >= capStartOffset && off <= f.capEnd
}

// capabilityAt returns the capability whose reserved bytes contain off.
func (f *Function) capabilityAt(off int) (Capability, bool) {
	i := sort.Search(len(f.caps), func(i int) bool {
		return f.caps[i].Offset+f.caps[i].Length > off
	})
	if i == len(f.caps) || f.caps[i].Offset > off {
		return Capability{}, false
	}
	return f.caps[i], true
}

// capWrite handles guest writes inside the capability list.
func (f *Function) capWrite(off, size int, val uint32) {
	c, ok := f.capabilityAt(off)
	if !ok {
		f.cfgWrite(off, size, val)
		return
	}

	// The ID and next pointer are read-only. A dword write at the header
	// still updates the upper word.
	if off == c.Offset || off == c.Offset+1 {
		if off == c.Offset && size == 4 {
			off, size, val = off+2, 2, val>>16
		} else {
			return
		}
	}

	switch c.ID {
	case CapMSI:
		f.msiCapWrite(c.Offset, off, size, val)
	case CapMSIX:
		f.msixCapWrite(c.Offset, off, size, val)
	default:
		f.cfgWrite(off, size, val)
	}
}

type msiState struct {
	enabled   bool
	addr      uint64
	data      uint64
	maxMsgNum int
}

// AddMSICapability adds a 64-bit MSI capability advertising msgnum
// messages. msgnum must be a power of two between 1 and 32.
func (f *Function) AddMSICapability(msgnum int) error {
	if msgnum < 1 || msgnum > msiMaxMessages || msgnum&(msgnum-1) != 0 {
		return fmt.Errorf("pci: %s MSI message count %d: %w", f.Addr, msgnum, ErrInvalidCapability)
	}
	mmc := bits.TrailingZeros(uint(msgnum))

	var c [msiCapSize]byte
	c[0] = CapMSI
	ctrl := uint16(msiCtrl64Bit | mmc<<1)
	c[2], c[3] = byte(ctrl), byte(ctrl>>8)
	return f.AddCapability(c[:])
}

func (f *Function) msiCapWrite(capOff, off, size int, val uint32) {
	if off-capOff == 2 && size == 2 {
		const rwmask = msiCtrlMMEMask | msiCtrlEnable
		ctrl := f.Get16(off)&^rwmask | uint16(val)&rwmask
		val = uint32(ctrl)

		addr := uint64(f.Get32(capOff + msiAddrLoOffset))
		var data uint16
		if ctrl&msiCtrl64Bit != 0 {
			addr |= uint64(f.Get32(capOff+msiAddrHiOffset)) << 32
			data = f.Get16(capOff + msiData64Offset)
		} else {
			data = f.Get16(capOff + msiData32Offset)
		}
		mme := ctrl & msiCtrlMMEMask

		f.updateInterrupts(func() {
			f.msi.enabled = ctrl&msiCtrlEnable != 0
			if f.msi.enabled {
				f.msi.addr = addr
				f.msi.data = uint64(data)
				f.msi.maxMsgNum = 1 << (mme >> 4)
			} else {
				f.msi.maxMsgNum = 0
			}
		})
	}
	f.cfgWrite(off, size, val)
}

// MSIEnabled reports whether the guest enabled MSI.
func (f *Function) MSIEnabled() bool {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	return f.msi.enabled
}

// MSIMaxMessages returns the number of vectors the guest enabled.
func (f *Function) MSIMaxMessages() int {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	return f.msi.maxMsgNum
}

// MSIVectors returns the enabled message count, or 0 while MSI is off.
func (f *Function) MSIVectors() int {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	if !f.msi.enabled {
		return 0
	}
	return f.msi.maxMsgNum
}

// GenerateMSI sends MSI vector index. It is a no-op unless MSI is enabled
// and index is below the enabled message count.
func (f *Function) GenerateMSI(index int) {
	f.intrMu.Lock()
	if !f.msi.enabled || index < 0 || index >= f.msi.maxMsgNum {
		f.intrMu.Unlock()
		return
	}
	addr, data := f.msi.addr, f.msi.data+uint64(index)
	f.intrMu.Unlock()

	f.host.injectMSI(f, addr, data)
}

// AddPCIeCapability adds a PCI Express capability of the given port type.
func (f *Function) AddPCIeCapability(portType uint8) error {
	var c [pcieCapSize]byte
	c[0] = CapExpress
	caps := uint16(pcieCapVersion | uint16(portType))
	c[2], c[3] = byte(caps), byte(caps>>8)
	if portType == PCIeTypeRootPort {
		// x1 link at 2.5GT/s, trained
		c[12], c[13] = 0x11, 0x04
		c[18] = 0x11
	}
	return f.AddCapability(c[:])
}
