package pci

const (
	hostBridgeVendorID = 0x8086
	hostBridgeDeviceID = 0x1275
)

// HostBridgeDevice is the bus 0 host bridge function. It has no BARs and
// exposes a PCI Express root port capability.
type HostBridgeDevice struct{}

func (HostBridgeDevice) Init(fn *Function, opts string) error {
	fn.SetIdentity(hostBridgeVendorID, hostBridgeDeviceID, ClassBridge, SubclassBridgeHost)
	fn.Set8(RegHdrType, 0)
	return fn.AddPCIeCapability(PCIeTypeRootPort)
}

func (HostBridgeDevice) Deinit(fn *Function) {}

func (HostBridgeDevice) BarRead(fn *Function, bar int, offset uint64, size int) uint64 {
	return 0
}

func (HostBridgeDevice) BarWrite(fn *Function, bar int, offset uint64, size int, value uint64) {}
