package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/devicemodel/internal/config"
)

var (
	configPath string
	debug      bool
	cfg        config.Config

	vmFlags struct {
		name        string
		device      string
		vcpus       int
		ioreqSlots  int
		slots       []string
		skipMem64WA bool
		logFormat   string
	}
)

var rootCmd = &cobra.Command{
	Use:   "devicemodel",
	Short: "Userspace PCI device model for a type-1 hypervisor",
	Long: `devicemodel emulates a PCI bus and its devices for one guest and services
the port I/O, MMIO and PCI configuration accesses the hypervisor traps.

Configuration is read from an optional YAML file, then from DM_* environment
variables, then from command line flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return loadConfig(cmd)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	pf.BoolVar(&debug, "debug", false, "Enable debug logging")
	pf.StringVar(&vmFlags.logFormat, "log-format", "", "Log format: auto, text or json")
	pf.StringVar(&vmFlags.name, "name", "", "VM name")
	pf.StringVar(&vmFlags.device, "hsm-device", "", "Hypervisor service module device node")
	pf.IntVar(&vmFlags.vcpus, "vcpus", 0, "Number of vCPUs")
	pf.IntVar(&vmFlags.ioreqSlots, "ioreq-slots", 0, "Request slots scanned per wakeup")
	pf.StringArrayVarP(&vmFlags.slots, "slot", "s", nil, "PCI slot: [bus:]slot[:func],kind[,opts] (repeatable)")
	pf.BoolVar(&vmFlags.skipMem64WA, "skip-mem64-workaround", false, "Place small 64-bit BARs above 4GiB")
}

func loadConfig(cmd *cobra.Command) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		c.VMName = vmFlags.name
	}
	if flags.Changed("hsm-device") {
		c.HSMDevice = vmFlags.device
	}
	if flags.Changed("vcpus") {
		c.VCPUs = vmFlags.vcpus
	}
	if flags.Changed("ioreq-slots") {
		c.IOReqSlots = vmFlags.ioreqSlots
	}
	if flags.Changed("slot") {
		c.Slots = append(c.Slots, vmFlags.slots...)
	}
	if flags.Changed("skip-mem64-workaround") {
		c.SkipMem64Workaround = vmFlags.skipMem64WA
	}
	if flags.Changed("log-format") {
		c.LogFormat = vmFlags.logFormat
	}
	if debug {
		c.LogLevel = "debug"
	}

	if err := setupLogging(c.LogLevel, c.LogFormat); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c
	return nil
}

// setupLogging installs the default logger. "auto" picks the text handler
// when stderr is a terminal and JSON otherwise.
func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "", "auto":
		if term.IsTerminal(int(os.Stderr.Fd())) {
			h = slog.NewTextHandler(os.Stderr, opts)
		} else {
			h = slog.NewJSONHandler(os.Stderr, opts)
		}
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "devicemodel: %v\n", err)
		os.Exit(1)
	}
}
