package chipset

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/devicemodel/internal/hv"
)

type pendingDevice struct {
	name string
	dev  ChipsetDevice
}

// ChipsetBuilder registers platform devices before creating a Chipset.
type ChipsetBuilder struct {
	sink    hv.InterruptController
	logger  *slog.Logger
	devices []pendingDevice
	names   map[string]struct{}
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		names: make(map[string]struct{}),
	}
}

// WithInterruptController sets the sink the chipset's LineSet drives.
func (b *ChipsetBuilder) WithInterruptController(sink hv.InterruptController) *ChipsetBuilder {
	b.sink = sink
	return b
}

// WithLogger sets the logger used for unhandled access diagnostics.
func (b *ChipsetBuilder) WithLogger(logger *slog.Logger) *ChipsetBuilder {
	b.logger = logger
	return b
}

// RegisterDevice queues a platform device; its intercepts are registered
// when Build runs.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.names[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}
	b.names[name] = struct{}{}
	b.devices = append(b.devices, pendingDevice{name: name, dev: dev})
	return nil
}

// Build creates the registries and wires every queued device into them.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Chipset{
		PIO:     NewAddressRegistry("pio"),
		MMIO:    NewAddressRegistry("mmio"),
		Lines:   NewLineSet(b.sink),
		devices: make(map[string]ChipsetDevice, len(b.devices)),
		log:     logger,
	}

	for _, p := range b.devices {
		if err := c.AttachDevice(p.name, p.dev); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AttachDevice registers a platform device's intercepts on a built chipset.
func (c *Chipset) AttachDevice(name string, dev ChipsetDevice) error {
	if _, exists := c.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}
	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided port I/O ports with nil handler", name)
		}
		for _, pr := range intercept.Ranges {
			r := AddressRange{Name: name, Base: uint64(pr.Base), Size: uint64(pr.Size), Handler: intercept.Handler}
			if err := c.RegisterPortIO(r); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			r := AddressRange{Name: name, Base: region.Address, Size: region.Size, Handler: intercept.Handler}
			if err := c.RegisterMem(r); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	c.devices[name] = dev
	return nil
}

// DetachDevice removes a device attached with AttachDevice and releases
// its intercepts.
func (c *Chipset) DetachDevice(name string) error {
	dev, ok := c.devices[name]
	if !ok {
		return fmt.Errorf("device %q: %w", name, ErrNotFound)
	}
	var errs []error
	if intercept := dev.SupportsPortIO(); intercept != nil {
		for _, pr := range intercept.Ranges {
			r := AddressRange{Name: name, Base: uint64(pr.Base), Size: uint64(pr.Size)}
			if err := c.UnregisterPortIO(r); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if intercept := dev.SupportsMmio(); intercept != nil {
		for _, region := range intercept.Regions {
			r := AddressRange{Name: name, Base: region.Address, Size: region.Size}
			if err := c.UnregisterMem(r); err != nil {
				errs = append(errs, err)
			}
		}
	}
	delete(c.devices, name)
	return errors.Join(errs...)
}
