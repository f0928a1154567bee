package hv

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrDriverClosed          = errors.New("hv: driver closed")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

	// ErrAbort marks a handler failure that must stop the VM instead of
	// completing the access with all-ones.
	ErrAbort = errors.New("hv: emulation aborted")
)

// Direction is the direction of a trapped access as seen by the guest.
type Direction uint32

const (
	DirectionRead  Direction = 0
	DirectionWrite Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "read"
	case DirectionWrite:
		return "write"
	default:
		return fmt.Sprintf("Direction(%d)", uint32(d))
	}
}

// ExitReason classifies a request posted by the hypervisor driver.
type ExitReason uint32

const (
	ExitPortIO ExitReason = iota
	ExitMMIO
	ExitPCIConfig
	// ExitWriteProtect carries an MMIO payload and is handled as MMIO.
	ExitWriteProtect
	ExitHalt
	ExitPause
	ExitMonitorTrap
	ExitIdleRequest
	ExitSpurious
)

func (r ExitReason) String() string {
	switch r {
	case ExitPortIO:
		return "pio"
	case ExitMMIO:
		return "mmio"
	case ExitPCIConfig:
		return "pci_cfg"
	case ExitWriteProtect:
		return "wp"
	case ExitHalt:
		return "halt"
	case ExitPause:
		return "pause"
	case ExitMonitorTrap:
		return "mtrap"
	case ExitIdleRequest:
		return "idle"
	case ExitSpurious:
		return "spurious"
	default:
		return fmt.Sprintf("ExitReason(%d)", uint32(r))
	}
}

// ProcessingState is the lifecycle state of a request slot.
//
// The numeric values of Pending, Success, Processing and Free match the
// shared-page encoding used by the HSM driver.
type ProcessingState int32

const (
	StatePending    ProcessingState = 0
	StateSuccess    ProcessingState = 1
	StateProcessing ProcessingState = 2
	StateFree       ProcessingState = 3
	StateFailed     ProcessingState = 4
)

func (s ProcessingState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSuccess:
		return "success"
	case StateProcessing:
		return "processing"
	case StateFree:
		return "free"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ProcessingState(%d)", int32(s))
	}
}

// PIORequest is a trapped port I/O access.
type PIORequest struct {
	Direction Direction
	Port      uint16
	Size      int
	Value     uint32
}

// MMIORequest is a trapped memory-mapped access.
type MMIORequest struct {
	Direction Direction
	Address   uint64
	Size      int
	Value     uint64
}

// PCIRequest is a trapped PCI configuration space access.
type PCIRequest struct {
	Direction Direction
	Size      int
	Value     uint32
	Bus       int
	Dev       int
	Func      int
	Reg       int
}

// Request is the decoded contents of one per-vCPU request slot.
type Request struct {
	Valid  bool
	State  ProcessingState
	Reason ExitReason
	Client int

	PIO  PIORequest
	MMIO MMIORequest
	PCI  PCIRequest
}

// Driver is the boundary to the kernel virtualization driver that owns the
// shared request slots.
type Driver interface {
	// CreateClient registers this process as an I/O request client.
	CreateClient() (int, error)
	// Start resumes guest execution.
	Start() error
	// Attach blocks until the driver has requests for this client.
	Attach(ctx context.Context) error
	// NumSlots reports how many request slots the driver exposes.
	NumSlots() int
	// Load decodes slot vcpu into req. It returns false if the slot does not exist.
	Load(vcpu int, req *Request) bool
	// Store writes the result value and state of req back into slot vcpu.
	Store(vcpu int, req *Request) error
	// NotifyDone signals completion of the request in slot vcpu.
	NotifyDone(vcpu int) error
	Close() error
}

// LineOp is an operation on a guest interrupt line.
type LineOp uint32

const (
	LineHigh LineOp = iota
	LineLow
	LineRaisingPulse
	LineFallingPulse
)

// InterruptController delivers interrupts into the guest.
type InterruptController interface {
	SetIRQLine(gsi uint32, op LineOp) error
	InjectMSI(addr, data uint64) error
}
