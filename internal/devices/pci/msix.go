package pci

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

const msixTableAlign = 4096

type msixEntry struct {
	addr  uint64
	data  uint32
	vctrl uint32
}

type msixState struct {
	enabled  bool
	funcMask bool

	bar         int
	tableOffset uint64
	pbaOffset   uint64
	pbaSize     uint64

	table   []msixEntry
	pending *bitset.BitSet
}

// AddMSIXCapability adds an MSI-X capability with msgnum vectors and
// allocates BAR barnum to hold the table followed by the pending bit
// array.
func (f *Function) AddMSIXCapability(msgnum, barnum int) error {
	if msgnum < 1 || msgnum > MaxMSIXTableEntries {
		return fmt.Errorf("pci: %s MSI-X vector count %d: %w", f.Addr, msgnum, ErrInvalidCapability)
	}
	if barnum < 0 || barnum >= NumBars {
		return fmt.Errorf("pci: %s MSI-X BAR %d: %w", f.Addr, barnum, ErrInvalidBar)
	}

	tabSize := uint64(msgnum * MSIXTableEntrySize)
	pbaOff := (tabSize + msixTableAlign - 1) &^ (msixTableAlign - 1)
	pbaLen := uint64(pbaSize(msgnum))

	f.intrMu.Lock()
	f.msix = msixState{
		bar:         barnum,
		tableOffset: 0,
		pbaOffset:   pbaOff,
		pbaSize:     pbaLen,
		table:       make([]msixEntry, msgnum),
		pending:     bitset.New(uint(msgnum)),
	}
	for i := range f.msix.table {
		f.msix.table[i].vctrl = msixVectorMasked
	}
	f.intrMu.Unlock()

	if err := f.AllocBar(barnum, BarMem32, pbaOff+pbaLen); err != nil {
		return err
	}

	var c [msixCapSize]byte
	c[0] = CapMSIX
	binary.LittleEndian.PutUint16(c[2:], uint16(msgnum-1))
	// table at offset 0 of the BAR
	binary.LittleEndian.PutUint32(c[4:], uint32(barnum)&msixBIRMask)
	binary.LittleEndian.PutUint32(c[8:], uint32(pbaOff)|uint32(barnum)&msixBIRMask)
	return f.AddCapability(c[:])
}

// MSIXTableBar returns the BAR that holds the MSI-X table, or -1.
func (f *Function) MSIXTableBar() int {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	if f.msix.table == nil {
		return -1
	}
	return f.msix.bar
}

// MSIXEnabled reports whether MSI-X delivery is enabled.
func (f *Function) MSIXEnabled() bool {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	return f.msix.enabled && !f.msi.enabled
}

func (f *Function) freeMSIX() {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	f.msix.table = nil
	f.msix.pending = nil
}

func (f *Function) msixCapWrite(capOff, off, size int, val uint32) {
	if off-capOff == 2 && size == 2 {
		const rwmask = msixCtrlEnable | msixCtrlFunctionMask
		ctrl := f.Get16(off)&^rwmask | uint16(val)&rwmask
		val = uint32(ctrl)
		f.updateInterrupts(func() {
			f.msix.enabled = ctrl&msixCtrlEnable != 0
			f.msix.funcMask = ctrl&msixCtrlFunctionMask != 0
			f.msixDeliverPendingLocked()
		})
	}
	f.cfgWrite(off, size, val)
}

// MSIXTableRead services a read of the table BAR. Reads outside the table
// and pending bit array return all-ones.
func (f *Function) MSIXTableRead(offset uint64, size int) uint64 {
	if size != 1 && size != 4 && size != 8 {
		return ^uint64(0)
	}
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	m := &f.msix

	if offset >= m.pbaOffset && offset+uint64(size) <= m.pbaOffset+m.pbaSize && m.pending != nil {
		bit := (offset - m.pbaOffset) * 8
		var v uint64
		for i := uint64(0); i < uint64(size)*8; i++ {
			if m.pending.Test(uint(bit + i)) {
				v |= 1 << i
			}
		}
		return v
	}

	if offset < m.tableOffset {
		return ^uint64(0)
	}
	rel := offset - m.tableOffset
	index := rel / MSIXTableEntrySize
	if index >= uint64(len(m.table)) {
		return ^uint64(0)
	}
	entryOff := rel % MSIXTableEntrySize
	if entryOff+uint64(size) > MSIXTableEntrySize {
		return ^uint64(0)
	}
	var raw [MSIXTableEntrySize]byte
	m.table[index].encode(raw[:])
	switch size {
	case 1:
		return uint64(raw[entryOff])
	case 4:
		return uint64(binary.LittleEndian.Uint32(raw[entryOff:]))
	default:
		return binary.LittleEndian.Uint64(raw[entryOff:])
	}
}

// MSIXTableWrite services a write to the table BAR. Only aligned 4 and 8
// byte writes inside the table are accepted.
func (f *Function) MSIXTableWrite(offset uint64, size int, value uint64) error {
	if size != 4 && size != 8 {
		return fmt.Errorf("pci: %s MSI-X table write of %d bytes: %w", f.Addr, size, ErrBarRange)
	}
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	m := &f.msix

	if offset < m.tableOffset || offset%uint64(size) != 0 {
		return fmt.Errorf("pci: %s MSI-X table write at 0x%x: %w", f.Addr, offset, ErrBarRange)
	}
	rel := offset - m.tableOffset
	index := rel / MSIXTableEntrySize
	if index >= uint64(len(m.table)) {
		// writes to the pending bit array are dropped
		if offset >= m.pbaOffset && offset < m.pbaOffset+m.pbaSize {
			return nil
		}
		return fmt.Errorf("pci: %s MSI-X vector %d: %w", f.Addr, index, ErrBarRange)
	}

	var raw [MSIXTableEntrySize]byte
	e := &m.table[index]
	e.encode(raw[:])
	entryOff := rel % MSIXTableEntrySize
	if size == 4 {
		binary.LittleEndian.PutUint32(raw[entryOff:], uint32(value))
	} else {
		binary.LittleEndian.PutUint64(raw[entryOff:], value)
	}
	e.decode(raw[:])

	if e.vctrl&msixVectorMasked == 0 && m.pending.Test(uint(index)) {
		f.msixDeliverPendingLocked()
	}
	return nil
}

// GenerateMSIX sends MSI-X vector index. A masked vector is latched in the
// pending bit array and delivered once unmasked.
func (f *Function) GenerateMSIX(index int) {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()
	m := &f.msix

	if !m.enabled || f.msi.enabled || index < 0 || index >= len(m.table) {
		return
	}
	e := m.table[index]
	if m.funcMask || e.vctrl&msixVectorMasked != 0 {
		m.pending.Set(uint(index))
		return
	}
	f.host.injectMSI(f, e.addr, uint64(e.data))
}

func (f *Function) msixDeliverPendingLocked() {
	m := &f.msix
	if !m.enabled || m.funcMask || f.msi.enabled || m.pending == nil {
		return
	}
	for i, ok := m.pending.NextSet(0); ok; i, ok = m.pending.NextSet(i + 1) {
		e := m.table[i]
		if e.vctrl&msixVectorMasked != 0 {
			continue
		}
		m.pending.Clear(i)
		f.host.injectMSI(f, e.addr, uint64(e.data))
	}
}

func (e *msixEntry) encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], e.addr)
	binary.LittleEndian.PutUint32(b[8:], e.data)
	binary.LittleEndian.PutUint32(b[12:], e.vctrl)
}

func (e *msixEntry) decode(b []byte) {
	e.addr = binary.LittleEndian.Uint64(b[0:])
	e.data = binary.LittleEndian.Uint32(b[8:])
	e.vctrl = binary.LittleEndian.Uint32(b[12:])
}
