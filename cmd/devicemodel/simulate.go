package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tinyrange/devicemodel/internal/devices/pci"
	"github.com/tinyrange/devicemodel/internal/hv"
	"github.com/tinyrange/devicemodel/internal/hv/loopback"
)

var simFlags struct {
	trace string
	dump  bool
	vcpu  int
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive the device model from an in-memory request source",
	Long: `simulate builds the configured PCI topology without a hypervisor and feeds
it guest accesses. With --trace it replays the accesses in a YAML file;
otherwise it enumerates bus 0 through configuration requests the way a
guest firmware would and prints what it finds.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var trace []traceEntry
		if simFlags.trace != "" {
			var err error
			if trace, err = loadTrace(simFlags.trace); err != nil {
				return err
			}
		}
		if simFlags.vcpu < 0 || simFlags.vcpu >= cfg.IOReqSlots {
			return fmt.Errorf("vcpu %d outside the %d scanned slots", simFlags.vcpu, cfg.IOReqSlots)
		}

		drv := loopback.New(cfg.IOReqSlots)
		m, err := newMachine(cfg, drv)
		if err != nil {
			return err
		}
		defer m.Close()

		if simFlags.dump {
			if err := m.dump(os.Stdout); err != nil {
				return err
			}
		}

		return serve(cmd.Context(), drv, m, cfg.IOReqSlots, func(ctx context.Context) error {
			if err := drv.Start(); err != nil {
				return err
			}
			if trace != nil {
				return replay(ctx, drv, trace)
			}
			return scan(ctx, &prober{drv: drv, vcpu: simFlags.vcpu})
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simFlags.trace, "trace", "", "YAML file of accesses to replay")
	simulateCmd.Flags().BoolVar(&simFlags.dump, "dump", false, "Print the trapped address ranges")
	simulateCmd.Flags().IntVar(&simFlags.vcpu, "vcpu", 0, "Request slot used by the enumeration")
	rootCmd.AddCommand(simulateCmd)
}

func replay(ctx context.Context, drv *loopback.Driver, trace []traceEntry) error {
	reqs := make([]hv.Request, len(trace))
	for i, e := range trace {
		req, err := e.request()
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if e.VCPU < 0 || e.VCPU >= drv.NumSlots() {
			return fmt.Errorf("entry %d: vcpu %d out of range", i, e.VCPU)
		}
		reqs[i] = req
	}

	results := make([]hv.Request, 0, len(reqs))
	pb := progressbar.Default(int64(len(reqs)), "replaying")
	for i, req := range reqs {
		out, err := drv.Submit(ctx, trace[i].VCPU, req)
		if err != nil {
			pb.Close()
			return fmt.Errorf("entry %d: %w", i, err)
		}
		results = append(results, out)
		pb.Add(1)
	}
	pb.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tVCPU\tREASON\tTARGET\tVALUE\tSTATE")
	for i, out := range results {
		target, value := describe(out)
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", i, trace[i].VCPU, out.Reason, target, value, out.State)
	}
	return tw.Flush()
}

// prober issues configuration requests through the loopback driver.
type prober struct {
	drv  *loopback.Driver
	vcpu int
}

func (p *prober) read(ctx context.Context, addr pci.Address, reg, size int) (uint32, error) {
	out, err := p.drv.Submit(ctx, p.vcpu, hv.Request{Reason: hv.ExitPCIConfig, PCI: hv.PCIRequest{
		Direction: hv.DirectionRead, Size: size, Bus: addr.Bus, Dev: addr.Slot, Func: addr.Func, Reg: reg,
	}})
	return out.PCI.Value, err
}

func (p *prober) write(ctx context.Context, addr pci.Address, reg, size int, v uint32) error {
	_, err := p.drv.Submit(ctx, p.vcpu, hv.Request{Reason: hv.ExitPCIConfig, PCI: hv.PCIRequest{
		Direction: hv.DirectionWrite, Size: size, Value: v, Bus: addr.Bus, Dev: addr.Slot, Func: addr.Func, Reg: reg,
	}})
	return err
}

type probedBar struct {
	idx  int
	kind string
	base uint64
	size uint64
}

// sizeBar runs the sizing protocol on BAR idx and restores it. It returns
// the number of BAR registers consumed.
func (p *prober) sizeBar(ctx context.Context, addr pci.Address, idx int) (probedBar, int, error) {
	reg := pci.RegBAR(idx)
	orig, err := p.read(ctx, addr, reg, 4)
	if err != nil {
		return probedBar{}, 1, err
	}
	if err := p.write(ctx, addr, reg, 4, 0xffffffff); err != nil {
		return probedBar{}, 1, err
	}
	mask, err := p.read(ctx, addr, reg, 4)
	if err != nil {
		return probedBar{}, 1, err
	}
	if err := p.write(ctx, addr, reg, 4, orig); err != nil {
		return probedBar{}, 1, err
	}
	if mask == 0 {
		return probedBar{idx: idx}, 1, nil
	}

	if orig&1 == 1 {
		m := uint64(mask&^0x3) | 0xffff0000
		return probedBar{idx: idx, kind: "io", base: uint64(orig &^ 0x3), size: uint64(uint32(^m + 1))}, 1, nil
	}
	if orig&0x6 != 0x4 || idx == pci.NumBars-1 {
		return probedBar{idx: idx, kind: "mem32", base: uint64(orig &^ 0xf), size: uint64(uint32(^(mask &^ 0xf) + 1))}, 1, nil
	}

	hreg := pci.RegBAR(idx + 1)
	horig, err := p.read(ctx, addr, hreg, 4)
	if err != nil {
		return probedBar{}, 2, err
	}
	if err := p.write(ctx, addr, hreg, 4, 0xffffffff); err != nil {
		return probedBar{}, 2, err
	}
	hmask, err := p.read(ctx, addr, hreg, 4)
	if err != nil {
		return probedBar{}, 2, err
	}
	if err := p.write(ctx, addr, hreg, 4, horig); err != nil {
		return probedBar{}, 2, err
	}
	full := uint64(hmask)<<32 | uint64(mask&^0xf)
	return probedBar{
		idx:  idx,
		kind: "mem64",
		base: uint64(horig)<<32 | uint64(orig&^0xf),
		size: ^full + 1,
	}, 2, nil
}

func scan(ctx context.Context, p *prober) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BDF\tVENDOR\tDEVICE\tCLASS\tIRQ\tBARS")

	pb := progressbar.Default(pci.MaxSlots, "enumerating")
	found := 0
	for slot := 0; slot < pci.MaxSlots; slot++ {
		for fn := 0; fn < pci.MaxFuncs; fn++ {
			addr := pci.Address{Bus: 0, Slot: slot, Func: fn}
			id, err := p.read(ctx, addr, pci.RegVendor, 4)
			if err != nil {
				pb.Close()
				return err
			}
			if id == 0xffffffff {
				if fn == 0 {
					break
				}
				continue
			}
			found++

			class, err := p.read(ctx, addr, pci.RegRevID, 4)
			if err != nil {
				pb.Close()
				return err
			}
			irq, err := p.read(ctx, addr, pci.RegIntLine, 1)
			if err != nil {
				pb.Close()
				return err
			}
			hdr, err := p.read(ctx, addr, pci.RegHdrType, 1)
			if err != nil {
				pb.Close()
				return err
			}

			var bars string
			for idx := 0; idx < pci.NumBars; {
				b, n, err := p.sizeBar(ctx, addr, idx)
				if err != nil {
					pb.Close()
					return err
				}
				if b.kind != "" {
					bars += fmt.Sprintf("%d:%s@0x%x/%s ", b.idx, b.kind, b.base, humanize.IBytes(b.size))
				}
				idx += n
			}

			fmt.Fprintf(tw, "%s\t%04x\t%04x\t%06x\t%d\t%s\n", addr, id&0xffff, id>>16, class>>8, irq, bars)
			if fn == 0 && hdr&pci.HdrTypeMultiFunction == 0 {
				break
			}
		}
		pb.Add(1)
	}
	pb.Close()

	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d functions\n", found)
	return nil
}
