package pci

import (
	"errors"
	"fmt"

	"github.com/tinyrange/devicemodel/internal/chipset"
	"github.com/tinyrange/devicemodel/internal/hv"
)

var (
	ErrInvalidBar = errors.New("pci: invalid BAR")
	ErrBarRange   = errors.New("pci: access outside BAR")
)

// BarKind is the decode type of a BAR.
type BarKind int

const (
	BarNone BarKind = iota
	BarIO
	BarMem32
	BarMem64
	// BarMem64High is the upper half of the preceding BarMem64.
	BarMem64High
)

func (k BarKind) String() string {
	switch k {
	case BarNone:
		return "none"
	case BarIO:
		return "io"
	case BarMem32:
		return "mem32"
	case BarMem64:
		return "mem64"
	case BarMem64High:
		return "mem64-high"
	default:
		return fmt.Sprintf("BarKind(%d)", int(k))
	}
}

const (
	minIOBarSize  = 4
	minMemBarSize = 16

	mem64InMem32Limit = 32 << 20
)

// Bar is one base address register.
type Bar struct {
	Kind    BarKind
	Address uint64
	Size    uint64

	// Sizing is set between an all-ones probe and the next real write. Many
	// guests size BARs with decode still enabled, so the window stays where it
	// is until the probe ends.
	Sizing bool

	mapped     bool
	mappedBase uint64
}

// Bar returns a copy of BAR idx.
func (f *Function) Bar(idx int) Bar {
	return f.bars[idx]
}

// AllocBar assigns a guest window to BAR idx, encodes it in configuration
// space and, when decoding is enabled, registers it.
func (f *Function) AllocBar(idx int, kind BarKind, size uint64) error {
	if idx < 0 || idx >= NumBars {
		return fmt.Errorf("pci: %s BAR %d: %w", f.Addr, idx, ErrInvalidBar)
	}
	if kind == BarMem64 && idx+1 >= NumBars {
		return fmt.Errorf("pci: %s 64-bit BAR %d has no upper half: %w", f.Addr, idx, ErrInvalidBar)
	}
	if size == 0 && kind != BarNone {
		return fmt.Errorf("pci: %s BAR %d: %w", f.Addr, idx, hv.ErrInvalidSize)
	}

	size = hv.RoundPow2(size)
	var (
		space  hv.Space
		mask   uint64
		lobits uint64
	)
	switch kind {
	case BarNone:
		f.bars[idx] = Bar{}
		f.Set32(RegBAR(idx), 0)
		return nil
	case BarIO:
		size = max(size, minIOBarSize)
		space, mask, lobits = hv.SpaceIO, barIOBaseMask, barIOSpace
	case BarMem64:
		size = max(size, minMemBarSize)
		// Small 64-bit BARs stay below 4G unless the workaround is off.
		if !f.host.cfg.SkipMem64Workaround && size <= mem64InMem32Limit {
			space, lobits = hv.SpaceMem32, barMem64
		} else {
			space, lobits = hv.SpaceMem64, barMem64|barMemPrefetch
		}
		mask = ^uint64(0xf)
	case BarMem32:
		size = max(size, minMemBarSize)
		space, mask, lobits = hv.SpaceMem32, barMemBaseMask, barMem32
	default:
		return fmt.Errorf("pci: %s BAR %d kind %s: %w", f.Addr, idx, kind, ErrInvalidBar)
	}

	addr, err := f.host.alloc.Allocate(space, size)
	if err != nil {
		return fmt.Errorf("pci: %s BAR %d: %w", f.Addr, idx, err)
	}

	f.bars[idx] = Bar{Kind: kind, Address: addr, Size: size}
	val := (addr & mask) | lobits
	f.Set32(RegBAR(idx), uint32(val))
	if kind == BarMem64 {
		f.bars[idx+1] = Bar{Kind: BarMem64High}
		f.Set32(RegBAR(idx+1), uint32(val>>32))
	}

	if f.decodeEnabled(kind) {
		f.registerBar(idx)
	}
	f.log.Debug("allocated BAR", "bar", idx, "kind", kind, "addr", fmt.Sprintf("0x%x", addr), "size", size)
	return nil
}

func (f *Function) barRange(idx int, base uint64) chipset.AddressRange {
	return chipset.AddressRange{
		Name:    f.Name,
		Base:    base,
		Size:    f.bars[idx].Size,
		Handler: &barHandler{fn: f, idx: idx},
	}
}

func (f *Function) registerBar(idx int) {
	b := &f.bars[idx]
	if b.mapped || b.Size == 0 {
		return
	}
	r := f.barRange(idx, b.Address)
	var err error
	switch b.Kind {
	case BarIO:
		err = f.host.cs.RegisterPortIO(r)
	case BarMem32, BarMem64:
		err = f.host.cs.RegisterMem(r)
	default:
		return
	}
	if err != nil {
		f.log.Warn("register BAR window", "bar", idx, "range", r.String(), "err", err)
		return
	}
	b.mapped, b.mappedBase = true, b.Address
}

func (f *Function) unregisterBar(idx int) {
	b := &f.bars[idx]
	if !b.mapped {
		return
	}
	r := f.barRange(idx, b.mappedBase)
	var err error
	if b.Kind == BarIO {
		err = f.host.cs.UnregisterPortIO(r)
	} else {
		err = f.host.cs.UnregisterMem(r)
	}
	if err != nil {
		f.log.Warn("unregister BAR window", "bar", idx, "range", r.String(), "err", err)
	}
	b.mapped = false
}

func (f *Function) freeBars() {
	for i := range f.bars {
		switch f.bars[i].Kind {
		case BarIO, BarMem32, BarMem64:
			f.unregisterBar(i)
			f.bars[i] = Bar{}
		case BarMem64High:
			f.bars[i] = Bar{}
		}
	}
}

// updateBarAddress moves BAR idx to addr, swapping its registered window
// when decoding is enabled. For BarMem64 and BarMem64High only the
// respective half of the address is replaced.
func (f *Function) updateBarAddress(idx int, addr uint64, kind BarKind) {
	decode := f.decodeEnabled(f.bars[idx].Kind)
	if decode {
		f.unregisterBar(idx)
	}

	b := &f.bars[idx]
	switch kind {
	case BarIO, BarMem32:
		b.Address = addr
	case BarMem64:
		b.Address = b.Address&^0xffffffff | addr&0xffffffff
	case BarMem64High:
		b.Address = b.Address&0xffffffff | addr&^0xffffffff
	}

	if decode {
		f.registerBar(idx)
	}
}

// barWrite handles a guest write to a BAR register.
func (f *Function) barWrite(off, size int, val uint32) {
	// BAR writes must be aligned dwords
	if size != 4 || off&3 != 0 {
		f.log.Debug("ignoring unaligned BAR write", "off", off, "size", size)
		return
	}
	idx := (off - RegBAR0) / 4
	b := &f.bars[idx]
	probe := val == 0xffffffff

	if probe && f.decodeEnabled(b.Kind) {
		// Reflect the size mask but keep decoding at the old address
		// until the guest writes the real one back.
		b.Sizing = true
		f.Set32(off, f.barProbeValue(idx))
		return
	}
	b.Sizing = false

	var newVal uint32
	switch b.Kind {
	case BarNone:
		newVal = 0
	case BarIO:
		mask := ^(b.Size - 1)
		addr := uint64(val) & mask & 0xffff
		newVal = uint32(addr) | barIOSpace
		if addr != b.Address {
			f.updateBarAddress(idx, addr, BarIO)
		}
	case BarMem32:
		mask := ^(b.Size - 1)
		addr := uint64(val) & mask
		newVal = uint32(addr) | f.Get32(off)&barPropertyBits
		if addr != b.Address {
			f.updateBarAddress(idx, addr, BarMem32)
		}
	case BarMem64:
		mask := ^(b.Size - 1)
		addr := uint64(val) & mask & 0xffffffff
		newVal = uint32(addr) | f.Get32(off)&barPropertyBits
		if addr != b.Address&0xffffffff {
			f.updateBarAddress(idx, addr, BarMem64)
		}
	case BarMem64High:
		lo := &f.bars[idx-1]
		mask := ^(lo.Size - 1)
		addr := (uint64(val) << 32) & mask
		newVal = uint32(addr >> 32)
		if newVal != uint32(lo.Address>>32) {
			f.updateBarAddress(idx-1, addr, BarMem64High)
		}
	}
	f.Set32(off, newVal)
}

// barProbeValue returns the register value an all-ones write produces.
func (f *Function) barProbeValue(idx int) uint32 {
	b := f.bars[idx]
	off := RegBAR(idx)
	switch b.Kind {
	case BarIO:
		return uint32(^(b.Size-1))&0xffff&barIOBaseMask | barIOSpace
	case BarMem32, BarMem64:
		return uint32(^(b.Size - 1)) | f.Get32(off)&barPropertyBits
	case BarMem64High:
		return uint32(^(f.bars[idx-1].Size - 1) >> 32)
	default:
		return 0
	}
}

// barHandler routes accesses within a registered BAR window to the
// function's backend.
type barHandler struct {
	fn  *Function
	idx int
}

func (h *barHandler) check(offset uint64, size int) error {
	b := h.fn.bars[h.idx]
	if offset+uint64(size) > b.Size {
		return fmt.Errorf("pci: %s BAR %d offset 0x%x size %d: %w", h.fn.Addr, h.idx, offset, size, ErrBarRange)
	}
	return nil
}

func (h *barHandler) Read(offset uint64, size int) (uint64, error) {
	if err := h.check(offset, size); err != nil {
		return 0, err
	}
	be := h.fn.backend
	if size == 8 && h.fn.bars[h.idx].Kind != BarIO {
		lo := be.BarRead(h.fn, h.idx, offset, 4)
		hi := be.BarRead(h.fn, h.idx, offset+4, 4)
		return lo&0xffffffff | hi<<32, nil
	}
	return be.BarRead(h.fn, h.idx, offset, size), nil
}

func (h *barHandler) Write(offset uint64, size int, value uint64) error {
	if err := h.check(offset, size); err != nil {
		return err
	}
	be := h.fn.backend
	if size == 8 && h.fn.bars[h.idx].Kind != BarIO {
		be.BarWrite(h.fn, h.idx, offset, 4, value&0xffffffff)
		be.BarWrite(h.fn, h.idx, offset+4, 4, value>>32)
		return nil
	}
	be.BarWrite(h.fn, h.idx, offset, size, value)
	return nil
}
