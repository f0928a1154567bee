package pci

// Type 0 configuration header layout.
const (
	RegVendor    = 0x00
	RegDevice    = 0x02
	RegCommand   = 0x04
	RegStatus    = 0x06
	RegRevID     = 0x08
	RegProgIF    = 0x09
	RegSubclass  = 0x0a
	RegClass     = 0x0b
	RegCacheLine = 0x0c
	RegLatency   = 0x0d
	RegHdrType   = 0x0e
	RegBAR0      = 0x10
	RegSubVendor = 0x2c
	RegSubDevice = 0x2e
	RegBIOS      = 0x30
	RegCapPtr    = 0x34
	RegIntLine   = 0x3c
	RegIntPin    = 0x3d
)

const (
	// NumBars is the number of BAR registers in a type 0 header.
	NumBars = 6

	// StdConfigSize is the legacy configuration space size.
	StdConfigSize = 0x100
	// ExtConfigSize is the PCI Express configuration space size.
	ExtConfigSize = 0x1000

	capStartOffset = 0x40
)

// RegBAR returns the configuration offset of BAR idx.
func RegBAR(idx int) int { return RegBAR0 + idx*4 }

// Command register bits.
const (
	CmdPortEn    = 0x0001
	CmdMemEn     = 0x0002
	CmdBusMaster = 0x0004
	CmdIntxDis   = 0x0400
)

// Status register bits.
const (
	StatusCapPresent = 0x0010
)

// Header type bits.
const (
	HdrTypeMultiFunction = 0x80
)

// BAR register encoding.
const (
	barIOSpace      = 0x01
	barMemType      = 0x06
	barMem32        = 0x00
	barMem64        = 0x04
	barMemPrefetch  = 0x08
	barIOBaseMask   = 0xfffffffc
	barMemBaseMask  = 0xfffffff0
	barPropertyBits = barIOSpace | barMemType | barMemPrefetch
)

// Capability IDs.
const (
	CapMSI     = 0x05
	CapExpress = 0x10
	CapMSIX    = 0x11
)

// MSI capability.
const (
	msiCapSize      = 14
	msiCtrlEnable   = 0x0001
	msiCtrlMMEMask  = 0x0070
	msiCtrl64Bit    = 0x0080
	msiMaxMessages  = 32
	msiAddrLoOffset = 4
	msiAddrHiOffset = 8
	msiData32Offset = 8
	msiData64Offset = 12
)

// MSI-X capability and table.
const (
	msixCapSize          = 12
	msixCtrlEnable       = 0x8000
	msixCtrlFunctionMask = 0x4000
	msixBIRMask          = 0x7
	msixVectorMasked     = 0x1

	MSIXTableEntrySize  = 16
	MaxMSIXTableEntries = 2048
)

// PCI Express capability.
const (
	pcieCapSize      = 60
	pcieCapVersion   = 0x2
	PCIeTypeRootPort = 0x40
)

// Class codes.
const (
	ClassNetwork       = 0x02
	ClassBridge        = 0x06
	ClassSimpleComm    = 0x07
	SubclassBridgeHost = 0x00
	SubclassBridgeISA  = 0x01
	SubclassSerial     = 0x00
)

// pbaSize returns the pending bit array size for n vectors.
func pbaSize(n int) int {
	return ((n + 63) &^ 63) / 8
}
