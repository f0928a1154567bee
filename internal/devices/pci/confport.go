package pci

import (
	"sync"

	"github.com/tinyrange/devicemodel/internal/chipset"
)

const (
	ConfigAddressPort = 0x0cf8
	ConfigDataPort    = 0x0cfc

	configAddressEnable = 1 << 31
	dataPortOffset      = ConfigDataPort - ConfigAddressPort
)

// configPorts services configuration mechanism #1: a dword address latch
// at 0xCF8 and a data window at 0xCFC-0xCFF. Byte and word accesses to the
// latch are not decoded.
type configPorts struct {
	host *HostBridge

	mu      sync.Mutex
	address uint32
}

func newConfigPorts(h *HostBridge) *configPorts {
	return &configPorts{host: h}
}

func (c *configPorts) Start() error { return nil }
func (c *configPorts) Stop() error  { return nil }

func (c *configPorts) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address = 0
	return nil
}

func (c *configPorts) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ranges:  []chipset.PortRange{{Base: ConfigAddressPort, Size: 8}},
		Handler: c,
	}
}

func (c *configPorts) SupportsMmio() *chipset.MmioIntercept { return nil }

func (c *configPorts) Read(offset uint64, size int) (uint64, error) {
	if offset < dataPortOffset {
		if offset != 0 || size != 4 {
			return chipset.WidthMask(size), nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return uint64(c.address), nil
	}
	addr, reg, ok := c.target(int(offset - dataPortOffset))
	if !ok {
		return chipset.WidthMask(size), nil
	}
	return uint64(c.host.ConfigRead(addr, reg, size)), nil
}

func (c *configPorts) Write(offset uint64, size int, value uint64) error {
	if offset < dataPortOffset {
		if offset != 0 || size != 4 {
			return nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.address = uint32(value)
		return nil
	}
	addr, reg, ok := c.target(int(offset - dataPortOffset))
	if !ok {
		return nil
	}
	c.host.ConfigWrite(addr, reg, size, uint32(value))
	return nil
}

func (c *configPorts) target(dataOffset int) (Address, int, bool) {
	c.mu.Lock()
	latch := c.address
	c.mu.Unlock()
	if latch&configAddressEnable == 0 {
		return Address{}, 0, false
	}
	addr := Address{
		Bus:  int(latch>>16) & 0xff,
		Slot: int(latch>>11) & 0x1f,
		Func: int(latch>>8) & 0x7,
	}
	return addr, int(latch&0xfc) + dataOffset, true
}
