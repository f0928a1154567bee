// Package vmexit services the request slots a hypervisor driver posts for
// trapped guest accesses.
package vmexit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tinyrange/devicemodel/internal/devices/pci"
	"github.com/tinyrange/devicemodel/internal/hv"
)

// DefaultSlotCount is the number of request slots scanned per wakeup.
const DefaultSlotCount = 4

var ErrUnsupported = errors.New("vmexit: unsupported exit reason")

// IOHandler services port I/O and MMIO requests. chipset.Chipset implements
// it.
type IOHandler interface {
	HandlePIO(req *hv.PIORequest) error
	HandleMMIO(req *hv.MMIORequest) error
}

// ConfigSpace services PCI configuration requests. pci.HostBridge
// implements it.
type ConfigSpace interface {
	ConfigRead(addr pci.Address, off, size int) uint32
	ConfigWrite(addr pci.Address, off, size int, val uint32)
}

type Options struct {
	// SlotCount caps how many slots are scanned. Zero means
	// DefaultSlotCount.
	SlotCount int
	Logger    *slog.Logger
	// Meter defaults to the global meter provider.
	Meter metric.Meter
}

// Dispatcher drains request slots for one registered client. Only one Run
// may be active at a time.
type Dispatcher struct {
	drv   hv.Driver
	io    IOHandler
	cfg   ConfigSpace
	slots int
	log   *slog.Logger

	handled metric.Int64Counter
	failed  metric.Int64Counter

	mu         sync.Mutex
	client     int
	registered bool
}

func New(drv hv.Driver, io IOHandler, cfg ConfigSpace, opts Options) (*Dispatcher, error) {
	if drv == nil || io == nil || cfg == nil {
		return nil, fmt.Errorf("vmexit: driver, I/O handler and config space are required")
	}
	slots := opts.SlotCount
	if slots <= 0 {
		slots = DefaultSlotCount
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("devicemodel.vmexit")
	}

	handled, err := meter.Int64Counter("devicemodel.vmexit.handled",
		metric.WithDescription("Requests completed successfully."), metric.WithUnit("{request}"))
	if err != nil {
		return nil, fmt.Errorf("vmexit: create handled counter: %w", err)
	}
	failed, err := meter.Int64Counter("devicemodel.vmexit.failed",
		metric.WithDescription("Requests that could not be emulated."), metric.WithUnit("{request}"))
	if err != nil {
		return nil, fmt.Errorf("vmexit: create failed counter: %w", err)
	}

	return &Dispatcher{
		drv:     drv,
		io:      io,
		cfg:     cfg,
		slots:   slots,
		log:     log,
		handled: handled,
		failed:  failed,
	}, nil
}

// Register creates the driver client whose requests this dispatcher
// services. Run registers on first use; callers that must start the VM
// only after registration call it first.
func (d *Dispatcher) Register() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.registered {
		return d.client, nil
	}
	id, err := d.drv.CreateClient()
	if err != nil {
		return 0, fmt.Errorf("vmexit: register client: %w", err)
	}
	d.client = id
	d.registered = true
	d.log.Debug("ioreq client registered", "client", id)
	return id, nil
}

// Run waits for requests and services them until ctx ends or the driver is
// closed, both of which return nil. A request that cannot be emulated is
// completed as failed and ends Run with an error.
func (d *Dispatcher) Run(ctx context.Context) error {
	if _, err := d.Register(); err != nil {
		if errors.Is(err, hv.ErrDriverClosed) {
			return nil
		}
		return err
	}
	for {
		if err := d.drv.Attach(ctx); err != nil {
			if errors.Is(err, hv.ErrDriverClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("vmexit: attach: %w", err)
		}
		if err := d.poll(ctx); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) error {
	n := min(d.slots, d.drv.NumSlots())
	for vcpu := 0; vcpu < n; vcpu++ {
		var req hv.Request
		if !d.drv.Load(vcpu, &req) {
			continue
		}
		if !req.Valid || req.State != hv.StateProcessing || req.Client != d.client {
			continue
		}
		if err := d.complete(ctx, vcpu, &req); err != nil {
			return err
		}
	}
	return nil
}

// complete emulates req, writes back its result and notifies the driver
// exactly once.
func (d *Dispatcher) complete(ctx context.Context, vcpu int, req *hv.Request) error {
	herr := d.handle(req)
	if herr != nil {
		req.State = hv.StateFailed
	} else {
		req.State = hv.StateSuccess
	}

	var errs []error
	if err := d.drv.Store(vcpu, req); err != nil {
		errs = append(errs, fmt.Errorf("vmexit: store vcpu %d: %w", vcpu, err))
	}
	if err := d.drv.NotifyDone(vcpu); err != nil {
		errs = append(errs, fmt.Errorf("vmexit: notify vcpu %d: %w", vcpu, err))
	}

	attrs := metric.WithAttributes(attribute.String("reason", req.Reason.String()))
	if herr != nil {
		d.failed.Add(ctx, 1, attrs)
		d.log.Error("request failed", "vcpu", vcpu, "reason", req.Reason, "err", herr)
		errs = append([]error{fmt.Errorf("vmexit: vcpu %d %s: %w", vcpu, req.Reason, herr)}, errs...)
	} else {
		d.handled.Add(ctx, 1, attrs)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) handle(req *hv.Request) error {
	switch req.Reason {
	case hv.ExitPortIO:
		return d.io.HandlePIO(&req.PIO)
	case hv.ExitMMIO, hv.ExitWriteProtect:
		return d.io.HandleMMIO(&req.MMIO)
	case hv.ExitPCIConfig:
		d.handlePCI(&req.PCI)
		return nil
	case hv.ExitHalt, hv.ExitPause, hv.ExitMonitorTrap, hv.ExitIdleRequest, hv.ExitSpurious:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, req.Reason)
	}
}

func (d *Dispatcher) handlePCI(req *hv.PCIRequest) {
	addr := pci.Address{Bus: req.Bus, Slot: req.Dev, Func: req.Func}
	if req.Direction == hv.DirectionRead {
		req.Value = d.cfg.ConfigRead(addr, req.Reg, req.Size)
		return
	}
	d.cfg.ConfigWrite(addr, req.Reg, req.Size, req.Value)
}
