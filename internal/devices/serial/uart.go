package serial

import (
	"io"
	"sync"

	"github.com/tinyrange/devicemodel/internal/chipset"
)

const (
	// RegisterCount is the number of byte registers a 16550 decodes.
	RegisterCount = 8

	rxFIFOSize = 16

	regData    = 0 // RBR/THR, DLL with DLAB
	regIER     = 1 // DLM with DLAB
	regIIR     = 2 // FCR on write
	regLCR     = 3
	regMCR     = 4
	regLSR     = 5
	regMSR     = 6
	regScratch = 7

	lcrDLAB = 1 << 7
	mcrLoop = 1 << 4
	mcrOut2 = 1 << 3

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	iirNone     = 0x01
	iirLineStat = 0x06
	iirRxData   = 0x04
	iirTxEmpty  = 0x02
	iirModem    = 0x00

	iirFIFOEnabled = 0xc0

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7
)

// UART is a 16550-compatible register model. The owner maps its eight
// registers into an address space and forwards byte accesses.
type UART struct {
	mu  sync.Mutex
	irq chipset.LineInterrupt
	out io.Writer

	dll, dlm  byte
	ier       byte
	fcr       byte
	lcr       byte
	mcr       byte
	lsr       byte
	msrStatus byte
	msrDelta  byte
	scr       byte

	rx []byte

	// thrPending is set between a transmit and the IIR read that acknowledges it.
	thrPending bool
	skipLF     bool
	level      bool
}

// NewUART returns a UART that writes transmitted bytes to out and signals
// its interrupt on irq. Either may be nil.
func NewUART(irq chipset.LineInterrupt, out io.Writer) *UART {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	u := &UART{irq: irq, out: out}
	u.Reset()
	return u
}

// Reset returns every register to its power-on value and drops the line.
func (u *UART) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.dll, u.dlm = 0x0c, 0 // 9600 baud
	u.ier, u.fcr, u.lcr, u.mcr, u.scr = 0, 0, 0, 0, 0
	u.lsr = lsrTHRE | lsrTEMT
	u.rx = u.rx[:0]
	u.thrPending = false
	u.skipLF = false
	u.updateModemStatus()
	u.msrDelta = 0
	u.updateInterrupts()
}

// Read returns register reg. Reads have side effects on RBR, IIR, LSR and MSR.
func (u *UART) Read(reg int) byte {
	u.mu.Lock()
	defer u.mu.Unlock()

	var v byte
	switch reg {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		if len(u.rx) > 0 {
			v = u.rx[0]
			u.rx = u.rx[1:]
		}
		if len(u.rx) == 0 {
			u.lsr &^= lsrDataReady
		}
	case regIER:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case regIIR:
		v = u.interruptID()
		if v&0x0f == iirTxEmpty {
			u.thrPending = false
		}
		if u.fcr&0x01 != 0 {
			v |= iirFIFOEnabled
		}
	case regLCR:
		return u.lcr
	case regMCR:
		return u.mcr
	case regLSR:
		v = u.lsr
		u.lsr &^= lsrOverrun
	case regMSR:
		v = u.msrStatus | u.msrDelta
		u.msrDelta = 0
	case regScratch:
		return u.scr
	}
	u.updateInterrupts()
	return v
}

// Write stores v into register reg.
func (u *UART) Write(reg int, v byte) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch reg {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			u.dll = v
			return
		}
		u.transmit(v)
	case regIER:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = v
			return
		}
		u.ier = v & 0x0f
		if u.ier&0x02 != 0 && u.lsr&lsrTHRE != 0 {
			u.thrPending = true
		}
	case regIIR:
		if v&0x02 != 0 {
			u.rx = u.rx[:0]
			u.lsr &^= lsrDataReady
		}
		u.fcr = v & 0xc9
	case regLCR:
		u.lcr = v
	case regMCR:
		prev := u.mcr
		u.mcr = v & 0x1f
		if prev&mcrLoop != 0 && u.mcr&mcrLoop == 0 {
			u.rx = u.rx[:0]
			u.lsr &^= lsrDataReady
		}
		u.updateModemStatus()
	case regLSR, regMSR:
	case regScratch:
		u.scr = v
	}
	u.updateInterrupts()
}

// Receive queues bytes from the host side. Bytes past the FIFO depth are
// dropped and flag an overrun. It returns the number accepted.
func (u *UART) Receive(data []byte) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.mcr&mcrLoop != 0 {
		return 0
	}
	n := u.push(data)
	u.updateInterrupts()
	return n
}

// Level reports whether the interrupt output is asserted.
func (u *UART) Level() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.level
}

func (u *UART) push(data []byte) int {
	n := 0
	for _, b := range data {
		if len(u.rx) >= rxFIFOSize {
			u.lsr |= lsrOverrun
			break
		}
		u.rx = append(u.rx, b)
		n++
	}
	if len(u.rx) > 0 {
		u.lsr |= lsrDataReady
	}
	return n
}

func (u *UART) transmit(v byte) {
	if u.mcr&mcrLoop != 0 {
		u.push([]byte{v})
	} else if u.out != nil {
		switch v {
		case '\r':
			_, _ = u.out.Write([]byte{'\n'})
			u.skipLF = true
		case '\n':
			if u.skipLF {
				u.skipLF = false
				break
			}
			_, _ = u.out.Write([]byte{'\n'})
		default:
			u.skipLF = false
			_, _ = u.out.Write([]byte{v})
		}
	}
	u.lsr |= lsrTHRE | lsrTEMT
	u.thrPending = true
}

func (u *UART) interruptID() byte {
	switch {
	case u.ier&0x04 != 0 && u.lsr&lsrOverrun != 0:
		return iirLineStat
	case u.ier&0x01 != 0 && u.lsr&lsrDataReady != 0:
		return iirRxData
	case u.ier&0x02 != 0 && u.thrPending:
		return iirTxEmpty
	case u.ier&0x08 != 0 && u.msrDelta != 0:
		return iirModem
	}
	return iirNone
}

func (u *UART) updateModemStatus() {
	prev := u.msrStatus
	if u.mcr&mcrLoop != 0 {
		// loopback wires RTS->CTS, DTR->DSR, OUT1->RI, OUT2->DCD
		u.msrStatus = 0
		if u.mcr&0x02 != 0 {
			u.msrStatus |= msrCTS
		}
		if u.mcr&0x01 != 0 {
			u.msrStatus |= msrDSR
		}
		if u.mcr&0x04 != 0 {
			u.msrStatus |= msrRI
		}
		if u.mcr&mcrOut2 != 0 {
			u.msrStatus |= msrDCD
		}
	} else {
		u.msrStatus = msrCTS | msrDSR | msrDCD
	}
	if delta := (prev ^ u.msrStatus) >> 4; delta != 0 {
		u.msrDelta |= delta & 0x0b
		if prev&msrRI != 0 && u.msrStatus&msrRI == 0 {
			u.msrDelta |= 0x04
		}
	}
}

func (u *UART) updateInterrupts() {
	high := u.interruptID() != iirNone
	if high == u.level {
		return
	}
	u.level = high
	u.irq.SetLevel(high)
}
