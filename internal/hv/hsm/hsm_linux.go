//go:build linux

package hsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/devicemodel/internal/hv"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

// Driver is a client of the hypervisor service module device node. It owns
// one VM and the request page the hypervisor posts trapped accesses into.
type Driver struct {
	fd     int
	vmid   uint16
	page   requestPage
	log    *slog.Logger
	client int32

	mu     sync.Mutex
	closed bool

	// live is held shared while the page or fd is in use and exclusively
	// by Close to release them.
	live     sync.RWMutex
	released bool
}

// Open opens the device node at path, checks its interface version and
// creates a VM whose requests are posted into a freshly mapped page.
func Open(path string, opts Options) (*Driver, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	fd, err := unix.Open(path, unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hsm: open %s: %w", path, err)
	}

	var ver apiVersion
	if _, err := ioctlWithRetry(uintptr(fd), icGetAPIVersion, uintptr(unsafe.Pointer(&ver))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hsm: get API version: %w", err)
	}
	if err := checkAPIVersion(ver.major, ver.minor); err != nil {
		unix.Close(fd)
		return nil, err
	}
	log.Debug("hsm driver opened", "path", path, "api", apiVersionString(ver.major, ver.minor))

	mem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hsm: map request page: %w", err)
	}
	for i := range slotCount {
		*requestPage(mem).processed(i) = reqStateFree
	}

	id := opts.UUID
	if id == uuid.Nil {
		id = uuid.New()
	}
	cv := createVM{
		vcpuNum: uint16(opts.VCPUs),
		guid:    id,
		reqBuf:  uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if _, err := ioctlWithRetry(uintptr(fd), icCreateVM, uintptr(unsafe.Pointer(&cv))); err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("hsm: create VM %q: %w", opts.Name, err)
	}
	log.Info("hsm VM created", "name", opts.Name, "vmid", cv.vmid, "uuid", id)

	return &Driver{
		fd:     fd,
		vmid:   cv.vmid,
		page:   requestPage(mem),
		log:    log,
		client: -1,
	}, nil
}

// CreateClient implements hv.Driver.
func (d *Driver) CreateClient() (int, error) {
	v, err := ioctlWithRetry(uintptr(d.fd), icCreateIOReqClient, 0)
	if err != nil {
		return 0, fmt.Errorf("hsm: create ioreq client: %w", err)
	}
	d.mu.Lock()
	d.client = int32(v)
	d.mu.Unlock()
	return int(v), nil
}

// Start implements hv.Driver.
func (d *Driver) Start() error {
	if _, err := ioctlWithRetry(uintptr(d.fd), icStartVM, uintptr(unsafe.Pointer(&d.vmid))); err != nil {
		return fmt.Errorf("hsm: start VM %d: %w", d.vmid, err)
	}
	return nil
}

// Pause stops the VM's vCPUs.
func (d *Driver) Pause() error {
	if _, err := ioctlWithRetry(uintptr(d.fd), icPauseVM, uintptr(unsafe.Pointer(&d.vmid))); err != nil {
		return fmt.Errorf("hsm: pause VM %d: %w", d.vmid, err)
	}
	return nil
}

// Attach implements hv.Driver. The ioctl blocks in the kernel and does not
// observe ctx; Close destroys the client, which releases it.
func (d *Driver) Attach(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	client, closed := d.client, d.closed
	d.mu.Unlock()
	if closed {
		return hv.ErrDriverClosed
	}

	d.live.RLock()
	defer d.live.RUnlock()
	if d.released {
		return hv.ErrDriverClosed
	}
	v, err := ioctl(uintptr(d.fd), icAttachIOReqClient, uintptr(client))
	if err == unix.EINTR {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hsm: attach ioreq client %d: %w", client, err)
	}
	if v == attachClientDestroying {
		return hv.ErrDriverClosed
	}
	return ctx.Err()
}

// NumSlots implements hv.Driver.
func (d *Driver) NumSlots() int { return slotCount }

// Load implements hv.Driver. It reports no request once Close has
// released the page.
func (d *Driver) Load(vcpu int, req *hv.Request) bool {
	d.live.RLock()
	defer d.live.RUnlock()
	if d.released {
		return false
	}
	return d.page.load(vcpu, req)
}

// Store implements hv.Driver.
func (d *Driver) Store(vcpu int, req *hv.Request) error {
	d.live.RLock()
	defer d.live.RUnlock()
	if d.released {
		return hv.ErrDriverClosed
	}
	return d.page.store(vcpu, req)
}

// NotifyDone implements hv.Driver.
func (d *Driver) NotifyDone(vcpu int) error {
	d.mu.Lock()
	n := ioreqNotify{clientID: d.client, vcpu: uint32(vcpu)}
	d.mu.Unlock()

	d.live.RLock()
	defer d.live.RUnlock()
	if d.released {
		return hv.ErrDriverClosed
	}
	if _, err := ioctlWithRetry(uintptr(d.fd), icNotifyRequestFinish, uintptr(unsafe.Pointer(&n))); err != nil {
		return fmt.Errorf("hsm: notify request finish vcpu %d: %w", vcpu, err)
	}
	return nil
}

// SetIRQLine implements hv.InterruptController.
func (d *Driver) SetIRQLine(gsi uint32, op hv.LineOp) error {
	ops := irqLineOps{gsi: gsi, op: uint32(op)}
	// the operation is passed by value packed into the argument word
	arg := *(*uint64)(unsafe.Pointer(&ops))
	d.live.RLock()
	defer d.live.RUnlock()
	if d.released {
		return hv.ErrDriverClosed
	}
	if _, err := ioctlWithRetry(uintptr(d.fd), icSetIRQLine, uintptr(arg)); err != nil {
		return fmt.Errorf("hsm: set irq line %d: %w", gsi, err)
	}
	return nil
}

// InjectMSI implements hv.InterruptController.
func (d *Driver) InjectMSI(addr, data uint64) error {
	msi := msiEntry{addr: addr, data: data}
	d.live.RLock()
	defer d.live.RUnlock()
	if d.released {
		return hv.ErrDriverClosed
	}
	if _, err := ioctlWithRetry(uintptr(d.fd), icInjectMSI, uintptr(unsafe.Pointer(&msi))); err != nil {
		return fmt.Errorf("hsm: inject MSI 0x%x/0x%x: %w", addr, data, err)
	}
	return nil
}

// Close destroys the client and the VM and releases the request page.
// Destroying the client wakes a blocked Attach; the page and fd are
// released only after in-flight Load, Store and NotifyDone calls return.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	client := d.client
	d.mu.Unlock()

	if client >= 0 {
		if _, err := ioctlWithRetry(uintptr(d.fd), icDestroyIOReqClient, uintptr(client)); err != nil {
			d.log.Warn("destroy ioreq client", "client", client, "err", err)
		}
	}
	if _, err := ioctlWithRetry(uintptr(d.fd), icClearVMIOReq, 0); err != nil {
		d.log.Debug("clear VM ioreqs", "err", err)
	}
	d.live.Lock()
	defer d.live.Unlock()
	d.released = true

	if _, err := ioctlWithRetry(uintptr(d.fd), icDestroyVM, 0); err != nil {
		d.log.Warn("destroy VM", "vmid", d.vmid, "err", err)
	}
	if err := unix.Munmap(d.page); err != nil {
		d.log.Warn("unmap request page", "err", err)
	}
	if err := unix.Close(d.fd); err != nil {
		return fmt.Errorf("hsm: close: %w", err)
	}
	return nil
}

var (
	_ hv.Driver              = &Driver{}
	_ hv.InterruptController = &Driver{}
)
