package chipset

// Handler emulates accesses to one registered address range. Offsets are
// relative to the base of the range; size is the access width in bytes.
type Handler interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
}

// HandlerFuncs adapts a pair of functions to Handler. A nil ReadFunc reads
// as all-ones and a nil WriteFunc drops the write.
type HandlerFuncs struct {
	ReadFunc  func(offset uint64, size int) (uint64, error)
	WriteFunc func(offset uint64, size int, value uint64) error
}

func (h HandlerFuncs) Read(offset uint64, size int) (uint64, error) {
	if h.ReadFunc == nil {
		return ^uint64(0), nil
	}
	return h.ReadFunc(offset, size)
}

func (h HandlerFuncs) Write(offset uint64, size int, value uint64) error {
	if h.WriteFunc == nil {
		return nil
	}
	return h.WriteFunc(offset, size, value)
}

// AllOnes is the handler used for fallback windows: reads return all-ones
// and writes are ignored.
var AllOnes Handler = HandlerFuncs{}

// PortRange is a span of I/O ports.
type PortRange struct {
	Base uint16
	Size uint16
}

// PortIOIntercept describes the ports a device wants to serve and the handler for them.
type PortIOIntercept struct {
	Ranges  []PortRange
	Handler Handler
}

// MmioRegion is a span of guest physical addresses.
type MmioRegion struct {
	Address uint64
	Size    uint64
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []MmioRegion
	Handler Handler
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is the interface platform devices implement to be wired into
// the port I/O and MMIO registries by the Builder.
type ChipsetDevice interface {
	ChangeDeviceState

	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
}
