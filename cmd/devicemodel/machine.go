package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/devicemodel/internal/chipset"
	"github.com/tinyrange/devicemodel/internal/config"
	"github.com/tinyrange/devicemodel/internal/devices/pci"
	"github.com/tinyrange/devicemodel/internal/hv"
	"github.com/tinyrange/devicemodel/internal/vmexit"
)

// machine is the emulated platform of one guest.
type machine struct {
	cs    *chipset.Chipset
	alloc *hv.ResourceAllocator
	topo  *pci.Topology
	host  *pci.HostBridge
}

func newMachine(c config.Config, irq hv.InterruptController) (*machine, error) {
	log := slog.Default()

	cs, err := chipset.NewBuilder().WithInterruptController(irq).WithLogger(log).Build()
	if err != nil {
		return nil, err
	}
	alloc := hv.NewResourceAllocator(uint64(c.LowmemLimit))
	topo := pci.NewTopology()
	if err := c.Apply(topo, alloc); err != nil {
		return nil, err
	}

	host := pci.NewHostBridge(cs, alloc, irq, topo, pci.Config{
		SkipMem64Workaround: c.SkipMem64Workaround,
		Console:             os.Stdout,
		Logger:              log,
	})
	if err := host.Init(); err != nil {
		return nil, fmt.Errorf("init PCI: %w", err)
	}
	if err := cs.Start(); err != nil {
		host.Deinit()
		return nil, err
	}

	for _, sp := range []hv.Space{hv.SpaceIO, hv.SpaceMem32, hv.SpaceMem64} {
		w := alloc.Window(sp)
		used := alloc.Cursor(sp) - w.Base
		log.Info("pci resource space", "space", sp,
			"base", fmt.Sprintf("0x%x", w.Base),
			"used", humanize.IBytes(used),
			"size", humanize.IBytes(w.Size))
	}
	for _, fn := range topo.Functions() {
		log.Debug("pci function", "bdf", fn.Addr, "name", fn.Name, "kind", fn.Kind)
	}

	return &machine{cs: cs, alloc: alloc, topo: topo, host: host}, nil
}

func (m *machine) Close() {
	if err := m.cs.Stop(); err != nil {
		slog.Warn("stop chipset", "err", err)
	}
	m.host.Deinit()
}

// dump writes the registered trapped ranges.
func (m *machine) dump(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SPACE\tBASE\tLAST\tSIZE\tNAME")
	row := func(space string, r chipset.AddressRange) {
		fmt.Fprintf(tw, "%s\t0x%x\t0x%x\t%s\t%s\n", space, r.Base, r.Last(), humanize.IBytes(r.Size), r.Name)
	}
	for _, r := range m.cs.PIO.Ranges() {
		row("pio", r)
	}
	for _, r := range m.cs.MMIO.Ranges() {
		row("mmio", r)
	}
	for _, r := range m.cs.MMIO.FallbackRanges() {
		row("mmio*", r)
	}
	return tw.Flush()
}

// serve runs the dispatcher against drv next to guest, which drives the
// VM. guest must return once ctx ends. Both stop when either returns.
func serve(ctx context.Context, drv hv.Driver, m *machine, slots int, guest func(ctx context.Context) error) error {
	d, err := vmexit.New(drv, m.cs, m.host, vmexit.Options{SlotCount: slots})
	if err != nil {
		return err
	}
	if _, err := d.Register(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return d.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		err := guest(gctx)
		if cerr := drv.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return err
	})
	return g.Wait()
}
