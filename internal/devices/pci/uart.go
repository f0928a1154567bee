package pci

import (
	"github.com/tinyrange/devicemodel/internal/devices/serial"
)

const (
	uartVendorID = 0x131f
	uartDeviceID = 0x2000
)

// UARTDevice is a 16550 serial port behind an 8-byte I/O BAR. Its interrupt
// is the function's INTx pin. Transmitted bytes go to Config.Console.
type UARTDevice struct {
	uart *serial.UART
}

func (d *UARTDevice) Init(fn *Function, opts string) error {
	fn.SetIdentity(uartVendorID, uartDeviceID, ClassSimpleComm, SubclassSerial)
	if err := fn.AllocBar(0, BarIO, serial.RegisterCount); err != nil {
		return err
	}
	if err := fn.LintrRequest(); err != nil {
		return err
	}
	d.uart = serial.NewUART(intxLine{fn}, fn.host.cfg.Console)
	return nil
}

func (d *UARTDevice) Deinit(fn *Function) {
	if d.uart != nil {
		d.uart.Reset()
	}
}

// UART returns the register model, for feeding host input.
func (d *UARTDevice) UART() *serial.UART { return d.uart }

func (d *UARTDevice) BarRead(fn *Function, bar int, offset uint64, size int) uint64 {
	if bar != 0 || offset+uint64(size) > serial.RegisterCount {
		fn.log.Warn("uart: read out of range", "bar", bar, "offset", offset, "size", size)
		return 0
	}
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(d.uart.Read(int(offset)+i)) << (8 * i)
	}
	return v
}

func (d *UARTDevice) BarWrite(fn *Function, bar int, offset uint64, size int, value uint64) {
	if bar != 0 || offset+uint64(size) > serial.RegisterCount {
		fn.log.Warn("uart: write out of range", "bar", bar, "offset", offset, "size", size)
		return
	}
	for i := 0; i < size; i++ {
		d.uart.Write(int(offset)+i, byte(value>>(8*i)))
	}
}

// intxLine drives a function's INTx pin from a level-triggered source.
type intxLine struct{ fn *Function }

func (l intxLine) SetLevel(high bool) {
	if high {
		l.fn.LintrAssert()
	} else {
		l.fn.LintrDeassert()
	}
}

func (l intxLine) PulseInterrupt() {
	l.fn.LintrAssert()
	l.fn.LintrDeassert()
}
