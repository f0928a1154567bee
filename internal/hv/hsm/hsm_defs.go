//go:build linux

package hsm

// Driver ioctl numbers. The command word is the interface id in the top
// byte and the operation in the low byte.
const (
	icGetAPIVersion        = 0x43000000
	icCreateVM             = 0x43000010
	icDestroyVM            = 0x43000011
	icStartVM              = 0x43000012
	icPauseVM              = 0x43000013
	icInjectMSI            = 0x43000023
	icSetIRQLine           = 0x43000025
	icNotifyRequestFinish  = 0x43000031
	icCreateIOReqClient    = 0x43000032
	icAttachIOReqClient    = 0x43000033
	icDestroyIOReqClient   = 0x43000034
	icClearVMIOReq         = 0x43000035
	attachClientDestroying = 1
)

type apiVersion struct {
	major uint32
	minor uint32
}

type createVM struct {
	vmid      uint16
	_         uint16
	vcpuNum   uint16
	_         uint16
	guid      [16]byte
	vmFlag    uint64
	reqBuf    uint64
	reserved2 [16]byte
}

type msiEntry struct {
	addr uint64
	data uint64
}

type irqLineOps struct {
	gsi uint32
	op  uint32
}

type ioreqNotify struct {
	clientID int32
	vcpu     uint32
}
