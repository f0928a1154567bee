// Package config loads the device model configuration from a YAML file and
// the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/devicemodel/internal/devices/pci"
	"github.com/tinyrange/devicemodel/internal/hv"
	"github.com/tinyrange/devicemodel/internal/hv/hsm"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "DM_"

const (
	DefaultIOReqSlots  = 4
	DefaultLowmemLimit = 0xC0000000
)

var ErrInvalid = errors.New("config: invalid")

// Number is a uint64 written in any Go integer base ("0xC0000000") or as a
// byte size ("64MiB").
type Number uint64

func (n *Number) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		*n = Number(v)
		return nil
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("config: parse number %q: %w", s, err)
	}
	*n = Number(v)
	return nil
}

func (n Number) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("0x%x", uint64(n))), nil
}

// Region is a window the allocator must not hand out.
type Region struct {
	Name  string `yaml:"name"`
	Space string `yaml:"space"`
	Base  Number `yaml:"base"`
	Size  Number `yaml:"size"`
}

// Config is the complete device model configuration.
type Config struct {
	VMName    string `yaml:"vm_name" env:"VM_NAME"`
	VMUUID    string `yaml:"vm_uuid" env:"VM_UUID"`
	HSMDevice string `yaml:"hsm_device" env:"HSM_DEVICE"`
	VCPUs     int    `yaml:"vcpus" env:"VCPUS"`

	// IOReqSlots is how many request slots the dispatcher scans.
	IOReqSlots          int    `yaml:"ioreq_slots" env:"IOREQ_SLOTS"`
	LowmemLimit         Number `yaml:"lowmem_limit" env:"LOWMEM_LIMIT"`
	SkipMem64Workaround bool   `yaml:"skip_mem64_workaround" env:"SKIP_MEM64_WORKAROUND"`

	// Slots are "bus:slot:func,kind[,opts]" or "slot[:func],kind[,opts]".
	Slots    []string `yaml:"slots,omitempty" env:"SLOTS" envSeparator:";"`
	Reserved []Region `yaml:"reserved,omitempty"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		VMName:      "vm",
		HSMDevice:   hsm.DefaultDevice,
		VCPUs:       1,
		IOReqSlots:  DefaultIOReqSlots,
		LowmemLimit: DefaultLowmemLimit,
		LogLevel:    "info",
		LogFormat:   "auto",
	}
}

// Load builds a Config from the defaults, the YAML file at path (skipped
// when path is empty) and then the DM_ environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		defer f.Close()
		if err := Decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, nil
}

// Decode reads YAML from r into cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Encode renders cfg as YAML.
func Encode(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks cross-field constraints and assigns a UUID when none is
// configured.
func (c *Config) Validate() error {
	if c.VCPUs <= 0 {
		return fmt.Errorf("%w: vcpus must be positive, got %d", ErrInvalid, c.VCPUs)
	}
	if c.IOReqSlots <= 0 {
		return fmt.Errorf("%w: ioreq_slots must be positive, got %d", ErrInvalid, c.IOReqSlots)
	}
	if uint64(c.LowmemLimit) == 0 || uint64(c.LowmemLimit) > hv.Mem32Limit || uint64(c.LowmemLimit)%hv.PageSize != 0 {
		return fmt.Errorf("%w: lowmem_limit 0x%x must be page aligned and below 0x%x", ErrInvalid, uint64(c.LowmemLimit), hv.Mem32Limit)
	}
	if c.VMUUID == "" {
		c.VMUUID = uuid.NewString()
	} else if _, err := uuid.Parse(c.VMUUID); err != nil {
		return fmt.Errorf("%w: vm_uuid: %v", ErrInvalid, err)
	}
	if _, err := c.SlotSpecs(); err != nil {
		return err
	}
	for _, r := range c.Reserved {
		if _, err := ParseSpace(r.Space); err != nil {
			return err
		}
	}
	return nil
}

// UUID returns the parsed VM UUID, or uuid.Nil if it is unset or malformed.
func (c *Config) UUID() uuid.UUID {
	id, err := uuid.Parse(c.VMUUID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// SlotSpec is one parsed slot declaration.
type SlotSpec struct {
	Addr pci.Address
	Kind pci.DeviceKind
	Opts string
}

// SlotSpecs parses every entry of Slots.
func (c *Config) SlotSpecs() ([]SlotSpec, error) {
	out := make([]SlotSpec, 0, len(c.Slots))
	for _, s := range c.Slots {
		spec, err := ParseSlot(s)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

// ParseSlot parses "<bus>:<slot>:<func>,<kind>[,<opts>]". The bus and func
// may be omitted ("<slot>,<kind>" or "<slot>:<func>,<kind>"), and "/" or
// "." may separate the address fields.
func ParseSlot(s string) (SlotSpec, error) {
	addrPart, rest, ok := strings.Cut(s, ",")
	if !ok {
		return SlotSpec{}, fmt.Errorf("%w: slot %q: missing device kind", ErrInvalid, s)
	}
	kindPart, opts, _ := strings.Cut(rest, ",")

	addr, err := parseBDF(addrPart)
	if err != nil {
		return SlotSpec{}, fmt.Errorf("%w: slot %q: %v", ErrInvalid, s, err)
	}
	if addr.Bus < 0 || addr.Bus >= pci.MaxBuses || addr.Slot < 0 || addr.Slot >= pci.MaxSlots ||
		addr.Func < 0 || addr.Func >= pci.MaxFuncs {
		return SlotSpec{}, fmt.Errorf("%w: slot %q: address out of range", ErrInvalid, s)
	}
	kind, err := pci.ParseDeviceKind(kindPart)
	if err != nil {
		return SlotSpec{}, fmt.Errorf("%w: slot %q: %v", ErrInvalid, s, err)
	}
	return SlotSpec{Addr: addr, Kind: kind, Opts: opts}, nil
}

func parseBDF(s string) (pci.Address, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '/' || r == '.' })
	nums := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return pci.Address{}, fmt.Errorf("bad number %q", f)
		}
		nums[i] = v
	}
	switch len(nums) {
	case 1:
		return pci.Address{Slot: nums[0]}, nil
	case 2:
		return pci.Address{Slot: nums[0], Func: nums[1]}, nil
	case 3:
		return pci.Address{Bus: nums[0], Slot: nums[1], Func: nums[2]}, nil
	default:
		return pci.Address{}, fmt.Errorf("want [bus:]slot[:func], got %q", s)
	}
}

// ParseSpace maps a reserved region's space name to an allocator space.
func ParseSpace(s string) (hv.Space, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "io":
		return hv.SpaceIO, nil
	case "mem32", "mem":
		return hv.SpaceMem32, nil
	case "mem64":
		return hv.SpaceMem64, nil
	default:
		return 0, fmt.Errorf("%w: unknown address space %q", ErrInvalid, s)
	}
}

// Apply declares every slot in topo and every reservation in alloc.
func (c *Config) Apply(topo *pci.Topology, alloc *hv.ResourceAllocator) error {
	specs, err := c.SlotSpecs()
	if err != nil {
		return err
	}
	for _, s := range specs {
		if err := topo.Add(s.Addr, s.Kind, s.Opts); err != nil {
			return fmt.Errorf("config: slot %s: %w", s.Addr, err)
		}
	}
	for i, r := range c.Reserved {
		space, err := ParseSpace(r.Space)
		if err != nil {
			return err
		}
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("reserved-%d", i)
		}
		if err := alloc.Reserve(space, name, uint64(r.Base), uint64(r.Size)); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}
