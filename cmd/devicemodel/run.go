package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tinyrange/devicemodel/internal/hv/hsm"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device model against the hypervisor service module",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		drv, err := hsm.Open(cfg.HSMDevice, hsm.Options{
			Name:   cfg.VMName,
			UUID:   cfg.UUID(),
			VCPUs:  cfg.VCPUs,
			Logger: slog.Default(),
		})
		if err != nil {
			return err
		}
		defer drv.Close()

		m, err := newMachine(cfg, drv)
		if err != nil {
			return err
		}
		defer m.Close()

		slog.Info("starting VM", "name", cfg.VMName, "uuid", cfg.VMUUID, "vcpus", cfg.VCPUs)
		return serve(ctx, drv, m, cfg.IOReqSlots, func(ctx context.Context) error {
			if err := drv.Start(); err != nil {
				return err
			}
			<-ctx.Done()
			slog.Info("stopping VM", "name", cfg.VMName)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
