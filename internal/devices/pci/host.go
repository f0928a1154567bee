package pci

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/devicemodel/internal/chipset"
	"github.com/tinyrange/devicemodel/internal/hv"
)

var ErrAlreadyInitialized = errors.New("pci: host bridge already initialized")

const (
	// ECAMBase is the guest physical base of the memory-mapped
	// configuration window.
	ECAMBase = 0xE0000000
	// ECAMSize covers all 256 buses.
	ECAMSize = MaxBuses << 20

	ioSlop  = 32
	memSlop = 1 << 20

	hole32Name = "PCI hole (32-bit)"
	hole64Name = "PCI hole (64-bit)"
	ecamName   = "PCI ECFG"
	confName   = "pci-conf"
)

// Config tunes the host bridge.
type Config struct {
	// SkipMem64Workaround places every 64-bit BAR above 4G instead of
	// keeping small ones in the 32-bit window.
	SkipMem64Workaround bool
	// Console receives the output of serial port functions.
	Console io.Writer
	Logger  *slog.Logger
}

// HostBridge is the PCI root complex: it owns the topology, instantiates
// backends, routes interrupts and services configuration accesses.
type HostBridge struct {
	cfg   Config
	cs    *chipset.Chipset
	alloc *hv.ResourceAllocator
	irq   hv.InterruptController
	topo  *Topology
	pirq  *PirqRouter
	log   *slog.Logger

	ioapic ioapicAllocator

	mu          sync.Mutex
	initialized bool
	fallbacks   []chipset.AddressRange
	ecam        chipset.AddressRange
}

// NewHostBridge ties a topology to the chipset registries and resource
// allocator it will populate. irq receives MSI writes; it may be nil.
func NewHostBridge(cs *chipset.Chipset, alloc *hv.ResourceAllocator, irq hv.InterruptController, topo *Topology, cfg Config) *HostBridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HostBridge{
		cfg:   cfg,
		cs:    cs,
		alloc: alloc,
		irq:   irq,
		topo:  topo,
		pirq:  NewPirqRouter(cs.Lines),
		log:   logger,
	}
}

// Topology returns the bus/slot/function table.
func (h *HostBridge) Topology() *Topology { return h.topo }

// Pirq returns the PIRQ router.
func (h *HostBridge) Pirq() *PirqRouter { return h.pirq }

// Init instantiates every declared function, allocates its resources,
// routes INTx and registers the configuration windows and PCI holes.
// On failure everything done so far is undone.
func (h *HostBridge) Init() (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initialized {
		return ErrAlreadyInitialized
	}

	defer func() {
		if err != nil {
			h.teardownLocked()
		}
	}()

	for bus := 0; bus < MaxBuses; bus++ {
		if !h.topo.BusConfigured(bus) {
			continue
		}
		if err := h.initBus(bus); err != nil {
			return err
		}
	}

	if err := h.topo.each(func(_ Address, e *funcEntry) error {
		if e.fn == nil {
			return nil
		}
		return e.fn.lintrRoute()
	}); err != nil {
		return err
	}

	if err := h.registerHoles(); err != nil {
		return err
	}

	h.ecam = chipset.AddressRange{Name: ecamName, Base: ECAMBase, Size: ECAMSize, Handler: &ecamHandler{host: h}}
	if err := h.cs.RegisterMem(h.ecam); err != nil {
		h.ecam = chipset.AddressRange{}
		return fmt.Errorf("pci: register configuration window: %w", err)
	}

	if err := h.cs.AttachDevice(confName, newConfigPorts(h)); err != nil {
		return fmt.Errorf("pci: attach configuration ports: %w", err)
	}

	h.initialized = true
	h.log.Info("pci initialized", "functions", len(h.topo.Functions()))
	return nil
}

func (h *HostBridge) initBus(bus int) error {
	b := &h.topo.buses[bus]
	w := &b.windows
	w.IOBase = h.alloc.Cursor(hv.SpaceIO)
	w.Mem32Base = h.alloc.Cursor(hv.SpaceMem32)
	w.Mem64Base = h.alloc.Cursor(hv.SpaceMem64)

	for s := range b.slots {
		for f := range b.slots[s].funcs {
			e := &b.slots[s].funcs[f]
			if !e.occupied {
				continue
			}
			addr := Address{Bus: bus, Slot: s, Func: f}
			if err := h.initFunction(addr, e); err != nil {
				return err
			}
		}
	}

	// leave room behind each bus for hotplugged resources
	w.IOLimit = h.alloc.Advance(hv.SpaceIO, ioSlop)
	w.Mem32Limit = h.alloc.Advance(hv.SpaceMem32, memSlop)
	w.Mem64Limit = h.alloc.Advance(hv.SpaceMem64, memSlop)

	if bus == 0 {
		// the window must cover reservations made for passthrough BARs
		for _, r := range h.alloc.Reserved(hv.SpaceMem32) {
			w.Mem32Limit = max(w.Mem32Limit, r.End())
		}
	}
	return nil
}

func (h *HostBridge) initFunction(addr Address, e *funcEntry) error {
	newBackend, ok := Backends[e.kind]
	if !ok {
		return fmt.Errorf("pci: %s: no backend for %s", addr, e.kind)
	}
	fn := newFunction(h, addr, e.kind, newBackend())
	fn.resetHeader()
	if err := fn.backend.Init(fn, e.opts); err != nil {
		fn.release()
		return fmt.Errorf("pci: init %s at %s: %w", e.kind, addr, err)
	}
	e.fn = fn
	fn.log.Info("pci function initialized", "name", fn.Name)
	return nil
}

func (h *HostBridge) registerHoles() error {
	holes := []chipset.AddressRange{
		{
			Name:    hole32Name,
			Base:    h.alloc.Window(hv.SpaceMem32).Base,
			Size:    hv.Mem32Limit - h.alloc.Window(hv.SpaceMem32).Base,
			Handler: chipset.AllOnes,
		},
		{
			Name:    hole64Name,
			Base:    hv.Mem64Base,
			Size:    hv.Mem64Limit - hv.Mem64Base,
			Handler: chipset.AllOnes,
		},
	}
	for _, r := range holes {
		if r.Size == 0 {
			continue
		}
		if err := h.cs.RegisterMemFallback(r); err != nil {
			return fmt.Errorf("pci: register %s: %w", r.Name, err)
		}
		h.fallbacks = append(h.fallbacks, r)
	}
	return nil
}

// Deinit reverses Init: backends are torn down and every window and
// routing entry is released.
func (h *HostBridge) Deinit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return
	}
	h.teardownLocked()
	h.initialized = false
}

func (h *HostBridge) teardownLocked() {
	if err := h.cs.DetachDevice(confName); err != nil && !errors.Is(err, chipset.ErrNotFound) {
		h.log.Warn("detach configuration ports", "err", err)
	}
	if h.ecam.Size != 0 {
		if err := h.cs.UnregisterMem(h.ecam); err != nil {
			h.log.Warn("unregister configuration window", "err", err)
		}
		h.ecam = chipset.AddressRange{}
	}
	for _, r := range h.fallbacks {
		if err := h.cs.UnregisterMemFallback(r); err != nil {
			h.log.Warn("unregister PCI hole", "name", r.Name, "err", err)
		}
	}
	h.fallbacks = nil

	_ = h.topo.each(func(_ Address, e *funcEntry) error {
		if e.fn == nil {
			return nil
		}
		e.fn.backend.Deinit(e.fn)
		e.fn.release()
		e.fn = nil
		return nil
	})
}

func (h *HostBridge) injectMSI(f *Function, addr, data uint64) {
	if h.irq == nil {
		return
	}
	if err := h.irq.InjectMSI(addr, data); err != nil {
		f.log.Warn("inject MSI", "addr", fmt.Sprintf("0x%x", addr), "data", fmt.Sprintf("0x%x", data), "err", err)
	}
}

// DecodeECAM splits an offset into the configuration window into a
// function address and register.
func DecodeECAM(offset uint64) (Address, int) {
	return Address{
		Bus:  int(offset>>20) & 0xff,
		Slot: int(offset>>15) & 0x1f,
		Func: int(offset>>12) & 0x7,
	}, int(offset & 0xfff)
}

type ecamHandler struct {
	host *HostBridge
}

func (e *ecamHandler) Read(offset uint64, size int) (uint64, error) {
	if size != 1 && size != 2 && size != 4 {
		return ^uint64(0), nil
	}
	addr, reg := DecodeECAM(offset)
	return uint64(e.host.ConfigRead(addr, reg, size)), nil
}

func (e *ecamHandler) Write(offset uint64, size int, value uint64) error {
	if size != 1 && size != 2 && size != 4 {
		return nil
	}
	addr, reg := DecodeECAM(offset)
	e.host.ConfigWrite(addr, reg, size, uint32(value))
	return nil
}
