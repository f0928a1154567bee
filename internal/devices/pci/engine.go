package pci

func validAccess(off, size int) bool {
	switch size {
	case 1, 2, 4:
		return off >= 0 && off&(size-1) == 0
	default:
		return false
	}
}

// ConfigRead performs a guest configuration read. Accesses to missing
// functions, malformed accesses and reads beyond the function's
// configuration space return all-ones.
func (h *HostBridge) ConfigRead(addr Address, off, size int) uint32 {
	ones := uint32(0xffffffff)
	if size == 1 || size == 2 {
		ones = 1<<(size*8) - 1
	}
	if !validAccess(off, size) {
		return ones
	}
	f, ok := h.topo.Function(addr)
	if !ok {
		return ones
	}
	return f.configRead(off, size)
}

func (f *Function) configRead(off, size int) uint32 {
	if off+size > f.configLimit() {
		// legacy functions read zero at the start of the extended
		// space so capability walks terminate
		if off <= StdConfigSize+3 && off+size <= StdConfigSize+4 {
			return 0
		}
		if size == 4 {
			return 0xffffffff
		}
		return 1<<(size*8) - 1
	}

	var v uint32
	handled := false
	if r, ok := f.backend.(ConfigReader); ok {
		v, handled = r.ConfigRead(f, off, size)
	}
	if !handled {
		v = f.cfgRead(off, size)
	}

	// bit 7 of the header type reflects the slot, not the stored byte
	if off <= RegHdrType && off+size > RegHdrType {
		mask := uint32(HdrTypeMultiFunction) << ((RegHdrType - off) * 8)
		v &^= mask
		if f.host.topo.IsMultiFunction(f.Addr.Bus, f.Addr.Slot) {
			v |= mask
		}
	}
	return v
}

// ConfigWrite performs a guest configuration write. Writes to missing
// functions and malformed writes are dropped.
func (h *HostBridge) ConfigWrite(addr Address, off, size int, val uint32) {
	if !validAccess(off, size) {
		return
	}
	f, ok := h.topo.Function(addr)
	if !ok {
		return
	}
	f.configWrite(off, size, val)
}

func (f *Function) configWrite(off, size int, val uint32) {
	if off+size > f.configLimit() {
		return
	}
	if w, ok := f.backend.(ConfigWriter); ok && w.ConfigWrite(f, off, size, val) {
		return
	}

	switch {
	case off >= RegBAR0 && off < RegBAR(NumBars):
		f.barWrite(off, size, val)
	case off == RegBIOS:
		// expansion ROMs are not emulated
	case f.inCapabilities(off):
		f.capWrite(off, size, val)
	case off >= RegCommand && off < RegRevID:
		f.cmdStatusWrite(off, size, val)
	default:
		f.cfgWrite(off, size, val)
	}
}

// cmdStatusWrite applies a write to the command and status registers and
// follows any change to the decode enables.
func (f *Function) cmdStatusWrite(off, size int, val uint32) {
	// only the low command bits and INTx disable are writable
	readonly := uint32(0xfffff880) >> ((off & 3) * 8)

	old := f.Command()
	cur := f.cfgRead(off, size)
	f.cfgWrite(off, size, val&^readonly|cur&readonly)
	cmd := f.Command()
	changed := old ^ cmd

	for i := range f.bars {
		switch f.bars[i].Kind {
		case BarIO:
			if changed&CmdPortEn != 0 {
				f.setBarDecode(i, cmd&CmdPortEn != 0)
			}
		case BarMem32, BarMem64:
			if changed&CmdMemEn != 0 {
				f.setBarDecode(i, cmd&CmdMemEn != 0)
			}
		}
	}

	f.updateInterrupts(func() {
		f.lintr.intxDisabled = cmd&CmdIntxDis != 0
	})
}

func (f *Function) setBarDecode(idx int, on bool) {
	if on {
		f.registerBar(idx)
	} else {
		f.unregisterBar(idx)
	}
}
