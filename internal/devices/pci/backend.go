package pci

import (
	"fmt"
	"sort"
	"strings"
)

// Backend is a device model attached to a PCI function.
type Backend interface {
	// Init sets up configuration space, BARs and capabilities. opts is
	// the free-form option string from the slot declaration.
	Init(fn *Function, opts string) error
	Deinit(fn *Function)
	BarRead(fn *Function, bar int, offset uint64, size int) uint64
	BarWrite(fn *Function, bar int, offset uint64, size int, value uint64)
}

// ConfigReader is implemented by backends that intercept configuration
// reads. Returning false falls back to the configuration image.
type ConfigReader interface {
	ConfigRead(fn *Function, off, size int) (uint32, bool)
}

// ConfigWriter is implemented by backends that intercept configuration
// writes. Returning false continues with the generic write handling.
type ConfigWriter interface {
	ConfigWrite(fn *Function, off, size int, value uint32) bool
}

// DeviceKind names a device model that can be placed in a slot.
type DeviceKind int

const (
	KindHostBridge DeviceKind = iota + 1
	KindDummy
	KindUART
	KindLPC
)

var kindNames = map[DeviceKind]string{
	KindHostBridge: "hostbridge",
	KindDummy:      "dummy",
	KindUART:       "uart",
	KindLPC:        "lpc",
}

func (k DeviceKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("DeviceKind(%d)", int(k))
}

// Backends maps each kind to a constructor for a fresh backend instance.
var Backends = map[DeviceKind]func() Backend{
	KindHostBridge: func() Backend { return &HostBridgeDevice{} },
	KindDummy:      func() Backend { return &DummyDevice{} },
	KindUART:       func() Backend { return &UARTDevice{} },
	KindLPC:        func() Backend { return &LPCDevice{} },
}

// ParseDeviceKind resolves a device model name.
func ParseDeviceKind(name string) (DeviceKind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("pci: unknown device model %q (known: %s)", name, strings.Join(KnownKinds(), ", "))
}

// KnownKinds lists the registered device model names.
func KnownKinds() []string {
	names := make([]string, 0, len(kindNames))
	for _, n := range kindNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
