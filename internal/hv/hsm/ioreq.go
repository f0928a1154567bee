package hsm

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/devicemodel/internal/hv"
)

// Layout of the shared request page. Each slot is 256 bytes; the page holds
// one slot per possible vCPU.
const (
	pageSize  = 4096
	slotSize  = 256
	slotCount = pageSize / slotSize

	slotTypeOffset      = 0
	slotPayloadOffset   = 64
	slotClientOffset    = 132
	slotProcessedOffset = 136

	// payload-relative
	payloadDirection = 0
	payloadAddress   = 8
	payloadSize      = 16
	payloadValue     = 24

	pciSize  = 16
	pciValue = 24
	pciBus   = 28
	pciDev   = 32
	pciFunc  = 36
	pciReg   = 40
)

// Wire values of the processed field.
const (
	reqStatePending    = 0
	reqStateComplete   = 1
	reqStateProcessing = 2
	reqStateFree       = 3
)

// MinAPIVersion is the oldest driver interface this client speaks. Newer
// minors are accepted; a different major is not.
const MinAPIVersion = "v1.0.0"

func apiVersionString(major, minor uint32) string {
	return fmt.Sprintf("v%d.%d.0", major, minor)
}

func checkAPIVersion(major, minor uint32) error {
	v := apiVersionString(major, minor)
	if !semver.IsValid(v) {
		return fmt.Errorf("hsm: malformed API version %q", v)
	}
	if semver.Major(v) != semver.Major(MinAPIVersion) || semver.Compare(v, MinAPIVersion) < 0 {
		return fmt.Errorf("hsm: unsupported API version %s, want %s-compatible", v, semver.MajorMinor(MinAPIVersion))
	}
	return nil
}

// requestPage decodes and updates request slots in a shared page.
type requestPage []byte

func (p requestPage) slot(vcpu int) []byte {
	return p[vcpu*slotSize : (vcpu+1)*slotSize]
}

func (p requestPage) processed(vcpu int) *int32 {
	return (*int32)(unsafe.Pointer(&p[vcpu*slotSize+slotProcessedOffset]))
}

func (p requestPage) numSlots() int { return len(p) / slotSize }

// load decodes slot vcpu. The processed field is read with acquire
// semantics before the payload.
func (p requestPage) load(vcpu int, req *hv.Request) bool {
	if vcpu < 0 || vcpu >= p.numSlots() {
		return false
	}
	state := atomic.LoadInt32(p.processed(vcpu))
	s := p.slot(vcpu)
	le := binary.LittleEndian

	*req = hv.Request{
		Valid:  state != reqStateFree,
		Reason: hv.ExitReason(le.Uint32(s[slotTypeOffset:])),
		Client: int(int32(le.Uint32(s[slotClientOffset:]))),
	}
	switch state {
	case reqStatePending:
		req.State = hv.StatePending
	case reqStateComplete:
		req.State = hv.StateSuccess
	case reqStateProcessing:
		req.State = hv.StateProcessing
	default:
		req.State = hv.StateFree
	}

	pl := s[slotPayloadOffset:]
	switch req.Reason {
	case hv.ExitPortIO:
		req.PIO = hv.PIORequest{
			Direction: hv.Direction(le.Uint32(pl[payloadDirection:])),
			Port:      uint16(le.Uint64(pl[payloadAddress:])),
			Size:      int(le.Uint64(pl[payloadSize:])),
			Value:     le.Uint32(pl[payloadValue:]),
		}
	case hv.ExitMMIO, hv.ExitWriteProtect:
		req.MMIO = hv.MMIORequest{
			Direction: hv.Direction(le.Uint32(pl[payloadDirection:])),
			Address:   le.Uint64(pl[payloadAddress:]),
			Size:      int(le.Uint64(pl[payloadSize:])),
			Value:     le.Uint64(pl[payloadValue:]),
		}
	case hv.ExitPCIConfig:
		req.PCI = hv.PCIRequest{
			Direction: hv.Direction(le.Uint32(pl[payloadDirection:])),
			Size:      int(int64(le.Uint64(pl[pciSize:]))),
			Value:     le.Uint32(pl[pciValue:]),
			Bus:       int(int32(le.Uint32(pl[pciBus:]))),
			Dev:       int(int32(le.Uint32(pl[pciDev:]))),
			Func:      int(int32(le.Uint32(pl[pciFunc:]))),
			Reg:       int(int32(le.Uint32(pl[pciReg:]))),
		}
	}
	return true
}

// store writes the read result of req into slot vcpu and publishes its
// state. The page has no failed state; a failed request is completed and
// the caller is expected to stop the VM.
func (p requestPage) store(vcpu int, req *hv.Request) error {
	if vcpu < 0 || vcpu >= p.numSlots() {
		return fmt.Errorf("hsm: store slot %d: out of range", vcpu)
	}
	pl := p.slot(vcpu)[slotPayloadOffset:]
	le := binary.LittleEndian

	switch req.Reason {
	case hv.ExitPortIO:
		if req.PIO.Direction == hv.DirectionRead {
			le.PutUint32(pl[payloadValue:], req.PIO.Value)
		}
	case hv.ExitMMIO, hv.ExitWriteProtect:
		if req.MMIO.Direction == hv.DirectionRead {
			le.PutUint64(pl[payloadValue:], req.MMIO.Value)
		}
	case hv.ExitPCIConfig:
		if req.PCI.Direction == hv.DirectionRead {
			le.PutUint32(pl[pciValue:], req.PCI.Value)
		}
	}

	var state int32
	switch req.State {
	case hv.StateSuccess, hv.StateFailed:
		state = reqStateComplete
	case hv.StateProcessing:
		state = reqStateProcessing
	case hv.StatePending:
		state = reqStatePending
	default:
		state = reqStateFree
	}
	atomic.StoreInt32(p.processed(vcpu), state)
	return nil
}
