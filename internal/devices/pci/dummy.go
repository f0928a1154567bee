package pci

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	dummyVendorID = 0x10DD
	dummyDeviceID = 0x0001

	dummyMSIMessages  = 4
	dummyMSIXMessages = 16
	dummyIOSize       = 8
	dummyMemSize      = 4096
	dummyMSIXBar      = 4

	// doorbellRegister fires an interrupt on a dword write.
	doorbellRegister = 4
	// ackRegister deasserts INTx on any write.
	ackRegister = 0
	// broadcastValue written to the doorbell fires every enabled MSI vector.
	broadcastValue = 0xabcdef
)

// DummyDevice is a scratch device with an I/O BAR and two memory BARs that
// can raise MSI, MSI-X and INTx on demand. Options: "msix" adds an MSI-X
// capability on BAR 4.
type DummyDevice struct {
	io  [dummyIOSize]byte
	mem [2][dummyMemSize]byte

	msix bool
}

func (d *DummyDevice) Init(fn *Function, opts string) error {
	for _, o := range strings.Split(opts, ",") {
		switch strings.TrimSpace(o) {
		case "":
		case "msix":
			d.msix = true
		default:
			return fmt.Errorf("dummy: unknown option %q", o)
		}
	}

	fn.SetIdentity(dummyVendorID, dummyDeviceID, ClassNetwork, 0)

	if err := fn.AddMSICapability(dummyMSIMessages); err != nil {
		return err
	}
	if err := fn.AllocBar(0, BarIO, dummyIOSize); err != nil {
		return err
	}
	if err := fn.AllocBar(1, BarMem32, dummyMemSize); err != nil {
		return err
	}
	if err := fn.AllocBar(2, BarMem32, dummyMemSize); err != nil {
		return err
	}
	if d.msix {
		if err := fn.AddMSIXCapability(dummyMSIXMessages, dummyMSIXBar); err != nil {
			return err
		}
	}
	return fn.LintrRequest()
}

func (d *DummyDevice) Deinit(fn *Function) {}

func (d *DummyDevice) BarWrite(fn *Function, bar int, offset uint64, size int, value uint64) {
	switch bar {
	case 0:
		if !putReg(d.io[:], offset, size, value) {
			fn.log.Warn("dummy: I/O write out of range", "offset", offset, "size", size)
			return
		}
		if offset == ackRegister {
			fn.LintrDeassert()
		}
		if offset == doorbellRegister && size == 4 {
			d.ring(fn, value)
		}
	case 1, 2:
		if !putReg(d.mem[bar-1][:], offset, size, value) {
			fn.log.Warn("dummy: memory write out of range", "bar", bar, "offset", offset, "size", size)
		}
	case dummyMSIXBar:
		if err := fn.MSIXTableWrite(offset, size, value); err != nil {
			fn.log.Debug("dummy: MSI-X table write dropped", "err", err)
		}
	}
}

func (d *DummyDevice) ring(fn *Function, value uint64) {
	switch n := fn.MSIVectors(); {
	case n > 0:
		if value == broadcastValue {
			for i := 0; i < n; i++ {
				fn.GenerateMSI(i)
			}
			return
		}
		fn.GenerateMSI(int(value % uint64(n)))
	case fn.MSIXEnabled():
		fn.GenerateMSIX(int(value % dummyMSIXMessages))
	default:
		fn.LintrAssert()
	}
}

func (d *DummyDevice) BarRead(fn *Function, bar int, offset uint64, size int) uint64 {
	switch bar {
	case 0:
		if v, ok := getReg(d.io[:], offset, size); ok {
			return v
		}
		fn.log.Warn("dummy: I/O read out of range", "offset", offset, "size", size)
	case 1, 2:
		if v, ok := getReg(d.mem[bar-1][:], offset, size); ok {
			return v
		}
		fn.log.Warn("dummy: memory read out of range", "bar", bar, "offset", offset, "size", size)
	case dummyMSIXBar:
		return fn.MSIXTableRead(offset, size)
	}
	return 0
}

func putReg(b []byte, offset uint64, size int, value uint64) bool {
	if offset+uint64(size) > uint64(len(b)) {
		return false
	}
	switch size {
	case 1:
		b[offset] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(b[offset:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(b[offset:], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(b[offset:], value)
	default:
		return false
	}
	return true
}

func getReg(b []byte, offset uint64, size int) (uint64, bool) {
	if offset+uint64(size) > uint64(len(b)) {
		return 0, false
	}
	switch size {
	case 1:
		return uint64(b[offset]), true
	case 2:
		return uint64(binary.LittleEndian.Uint16(b[offset:])), true
	case 4:
		return uint64(binary.LittleEndian.Uint32(b[offset:])), true
	case 8:
		return binary.LittleEndian.Uint64(b[offset:]), true
	default:
		return 0, false
	}
}
