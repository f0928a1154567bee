package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/devicemodel/internal/config"
	"github.com/tinyrange/devicemodel/internal/hv"
)

// traceEntry is one access in a simulate trace file.
type traceEntry struct {
	VCPU   int           `yaml:"vcpu"`
	Reason string        `yaml:"reason"`
	Dir    string        `yaml:"dir"`
	Addr   config.Number `yaml:"addr"`
	Size   int           `yaml:"size"`
	Value  config.Number `yaml:"value"`

	Bus  int           `yaml:"bus"`
	Dev  int           `yaml:"dev"`
	Func int           `yaml:"func"`
	Reg  config.Number `yaml:"reg"`
}

func loadTrace(path string) ([]traceEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	defer f.Close()

	var entries []traceEntry
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&entries); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trace: %s: %w", path, err)
	}
	return entries, nil
}

func parseReason(s string) (hv.ExitReason, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r := hv.ExitPortIO; r <= hv.ExitSpurious; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("trace: unknown exit reason %q", s)
}

func parseDirection(s string) (hv.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "read", "r", "in":
		return hv.DirectionRead, nil
	case "write", "w", "out":
		return hv.DirectionWrite, nil
	default:
		return 0, fmt.Errorf("trace: unknown direction %q", s)
	}
}

func (e traceEntry) request() (hv.Request, error) {
	reason, err := parseReason(e.Reason)
	if err != nil {
		return hv.Request{}, err
	}
	dir, err := parseDirection(e.Dir)
	if err != nil {
		return hv.Request{}, err
	}
	size := e.Size
	if size == 0 {
		size = 4
	}

	req := hv.Request{Reason: reason}
	switch reason {
	case hv.ExitPortIO:
		if uint64(e.Addr) > 0xffff {
			return hv.Request{}, fmt.Errorf("trace: port 0x%x out of range", uint64(e.Addr))
		}
		req.PIO = hv.PIORequest{Direction: dir, Port: uint16(e.Addr), Size: size, Value: uint32(e.Value)}
	case hv.ExitMMIO, hv.ExitWriteProtect:
		req.MMIO = hv.MMIORequest{Direction: dir, Address: uint64(e.Addr), Size: size, Value: uint64(e.Value)}
	case hv.ExitPCIConfig:
		req.PCI = hv.PCIRequest{Direction: dir, Size: size, Value: uint32(e.Value),
			Bus: e.Bus, Dev: e.Dev, Func: e.Func, Reg: int(e.Reg)}
	}
	return req, nil
}

// describe renders the target and result of a completed request.
func describe(req hv.Request) (target string, result string) {
	switch req.Reason {
	case hv.ExitPortIO:
		return fmt.Sprintf("port 0x%04x/%d", req.PIO.Port, req.PIO.Size), dirValue(req.PIO.Direction, uint64(req.PIO.Value))
	case hv.ExitMMIO, hv.ExitWriteProtect:
		return fmt.Sprintf("0x%x/%d", req.MMIO.Address, req.MMIO.Size), dirValue(req.MMIO.Direction, req.MMIO.Value)
	case hv.ExitPCIConfig:
		return fmt.Sprintf("%02x:%02x.%d+0x%03x/%d", req.PCI.Bus, req.PCI.Dev, req.PCI.Func, req.PCI.Reg, req.PCI.Size),
			dirValue(req.PCI.Direction, uint64(req.PCI.Value))
	default:
		return "-", "-"
	}
}

func dirValue(dir hv.Direction, v uint64) string {
	if dir == hv.DirectionRead {
		return fmt.Sprintf("-> 0x%x", v)
	}
	return fmt.Sprintf("<- 0x%x", v)
}
