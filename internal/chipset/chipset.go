package chipset

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/devicemodel/internal/hv"
)

// Chipset holds the trapped-access registries for one VM: port I/O, MMIO,
// and the GSI lines devices raise.
type Chipset struct {
	PIO   *AddressRegistry
	MMIO  *AddressRegistry
	Lines *LineSet

	devices map[string]ChipsetDevice
	log     *slog.Logger
}

// New returns a Chipset with no platform devices.
func New(sink hv.InterruptController) *Chipset {
	c, _ := NewBuilder().WithInterruptController(sink).Build()
	return c
}

// RegisterPortIO claims a span of I/O ports.
func (c *Chipset) RegisterPortIO(r AddressRange) error {
	if r.Base > 0xffff || r.Size > 0x10000 || r.Base+r.Size > 0x10000 {
		return fmt.Errorf("chipset: port range %s exceeds I/O space: %w", r, ErrInvalidRange)
	}
	return c.PIO.Register(r)
}

// UnregisterPortIO releases a span of I/O ports.
func (c *Chipset) UnregisterPortIO(r AddressRange) error {
	return c.PIO.Unregister(r)
}

// RegisterMem claims an MMIO window.
func (c *Chipset) RegisterMem(r AddressRange) error {
	return c.MMIO.Register(r)
}

// RegisterMemFallback claims an MMIO window that only services accesses no
// primary window matches.
func (c *Chipset) RegisterMemFallback(r AddressRange) error {
	return c.MMIO.RegisterFallback(r)
}

// UnregisterMem releases an MMIO window.
func (c *Chipset) UnregisterMem(r AddressRange) error {
	return c.MMIO.Unregister(r)
}

// UnregisterMemFallback releases a fallback MMIO window.
func (c *Chipset) UnregisterMemFallback(r AddressRange) error {
	return c.MMIO.UnregisterFallback(r)
}

// EmulateInOut services a trapped port I/O access.
func (c *Chipset) EmulateInOut(req *hv.PIORequest) error {
	v := uint64(req.Value)
	if err := c.PIO.Dispatch(uint64(req.Port), req.Size, req.Direction, &v); err != nil {
		return err
	}
	if req.Direction == hv.DirectionRead {
		req.Value = uint32(v)
	}
	return nil
}

// EmulateMem services a trapped MMIO access.
func (c *Chipset) EmulateMem(req *hv.MMIORequest) error {
	return c.MMIO.Dispatch(req.Address, req.Size, req.Direction, &req.Value)
}

// HandlePIO services a port access and applies the unhandled-access policy:
// the access is logged and reads complete with all-ones. Only errors wrapping
// hv.ErrAbort are returned. To the guest an unowned port looks like an
// empty bus: reads float to all-ones and writes are dropped.
func (c *Chipset) HandlePIO(req *hv.PIORequest) error {
	err := c.EmulateInOut(req)
	if err != nil && !errors.Is(err, hv.ErrAbort) {
		c.log.Warn("unhandled port access",
			"dir", req.Direction, "port", fmt.Sprintf("0x%04x", req.Port), "size", req.Size, "err", err)
		if req.Direction == hv.DirectionRead {
			req.Value = ^uint32(0)
		}
		return nil
	}
	return err
}

// HandleMMIO is HandlePIO for memory accesses.
func (c *Chipset) HandleMMIO(req *hv.MMIORequest) error {
	err := c.EmulateMem(req)
	if err != nil && !errors.Is(err, hv.ErrAbort) {
		c.log.Warn("unhandled memory access",
			"dir", req.Direction, "addr", fmt.Sprintf("0x%x", req.Address), "size", req.Size, "err", err)
		if req.Direction == hv.DirectionRead {
			req.Value = ^uint64(0)
		}
		return nil
	}
	return err
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
