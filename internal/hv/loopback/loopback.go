// Package loopback is an in-memory hv.Driver and hv.InterruptController.
//
// Requests are posted from Go code instead of a kernel driver, which makes
// the device model runnable without an HSM device node.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/devicemodel/internal/hv"
)

var ErrSlotBusy = errors.New("loopback: slot busy")

// LineEvent is one SetIRQLine call.
type LineEvent struct {
	GSI uint32
	Op  hv.LineOp
}

// MSI is one InjectMSI call.
type MSI struct {
	Addr uint64
	Data uint64
}

// Driver holds a fixed set of request slots in memory.
type Driver struct {
	mu      sync.Mutex
	slots   []hv.Request
	done    []chan struct{}
	notify  []int
	client  int
	created bool
	started bool
	closed  bool

	kick    chan struct{}
	closing chan struct{}

	lines []LineEvent
	msis  []MSI
}

// New returns a driver exposing n request slots.
func New(n int) *Driver {
	d := &Driver{
		slots:   make([]hv.Request, n),
		done:    make([]chan struct{}, n),
		notify:  make([]int, n),
		client:  -1,
		kick:    make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
	for i := range d.done {
		d.done[i] = make(chan struct{}, 1)
	}
	return d
}

// CreateClient implements hv.Driver.
func (d *Driver) CreateClient() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, hv.ErrDriverClosed
	}
	if !d.created {
		d.created = true
		d.client = 1
	}
	return d.client, nil
}

// Start implements hv.Driver.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return hv.ErrDriverClosed
	}
	d.started = true
	return nil
}

// Started reports whether Start has been called.
func (d *Driver) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Attach implements hv.Driver. It returns after Post or Kick, when ctx ends,
// or when the driver is closed.
func (d *Driver) Attach(ctx context.Context) error {
	select {
	case <-d.kick:
		return nil
	case <-d.closing:
		return hv.ErrDriverClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NumSlots implements hv.Driver.
func (d *Driver) NumSlots() int { return len(d.slots) }

// Load implements hv.Driver.
func (d *Driver) Load(vcpu int, req *hv.Request) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vcpu < 0 || vcpu >= len(d.slots) {
		return false
	}
	*req = d.slots[vcpu]
	return true
}

// Store implements hv.Driver.
func (d *Driver) Store(vcpu int, req *hv.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vcpu < 0 || vcpu >= len(d.slots) {
		return fmt.Errorf("loopback: store slot %d: out of range", vcpu)
	}
	s := &d.slots[vcpu]
	s.State = req.State
	s.PIO.Value = req.PIO.Value
	s.MMIO.Value = req.MMIO.Value
	s.PCI.Value = req.PCI.Value
	return nil
}

// NotifyDone implements hv.Driver.
func (d *Driver) NotifyDone(vcpu int) error {
	d.mu.Lock()
	if vcpu < 0 || vcpu >= len(d.slots) {
		d.mu.Unlock()
		return fmt.Errorf("loopback: notify slot %d: out of range", vcpu)
	}
	d.notify[vcpu]++
	d.slots[vcpu].Valid = false
	done := d.done[vcpu]
	d.mu.Unlock()

	select {
	case done <- struct{}{}:
	default:
	}
	return nil
}

// Close implements hv.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.closing)
	return nil
}

// Set writes req into slot vcpu without waking Attach.
func (d *Driver) Set(vcpu int, req hv.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vcpu < 0 || vcpu >= len(d.slots) {
		return fmt.Errorf("loopback: slot %d: out of range", vcpu)
	}
	d.slots[vcpu] = req
	return nil
}

// Kick wakes one pending Attach.
func (d *Driver) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Post marks req as owned by this client's processing stage, stores it in
// slot vcpu and wakes Attach.
func (d *Driver) Post(vcpu int, req hv.Request) error {
	d.mu.Lock()
	if vcpu < 0 || vcpu >= len(d.slots) {
		d.mu.Unlock()
		return fmt.Errorf("loopback: slot %d: out of range", vcpu)
	}
	if d.slots[vcpu].Valid {
		d.mu.Unlock()
		return fmt.Errorf("loopback: post slot %d: %w", vcpu, ErrSlotBusy)
	}
	req.Valid = true
	req.State = hv.StateProcessing
	req.Client = d.client
	d.slots[vcpu] = req
	d.mu.Unlock()

	d.Kick()
	return nil
}

// Submit posts req and waits for its completion. It returns the slot as the
// device model left it.
func (d *Driver) Submit(ctx context.Context, vcpu int, req hv.Request) (hv.Request, error) {
	if err := d.Post(vcpu, req); err != nil {
		return hv.Request{}, err
	}
	select {
	case <-d.done[vcpu]:
	case <-ctx.Done():
		return hv.Request{}, ctx.Err()
	}
	var out hv.Request
	d.Load(vcpu, &out)
	return out, nil
}

// Notifications reports how many times slot vcpu was completed.
func (d *Driver) Notifications(vcpu int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notify[vcpu]
}

// SetIRQLine implements hv.InterruptController.
func (d *Driver) SetIRQLine(gsi uint32, op hv.LineOp) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = append(d.lines, LineEvent{GSI: gsi, Op: op})
	return nil
}

// InjectMSI implements hv.InterruptController.
func (d *Driver) InjectMSI(addr, data uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msis = append(d.msis, MSI{Addr: addr, Data: data})
	return nil
}

// Lines returns a copy of the recorded line operations.
func (d *Driver) Lines() []LineEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]LineEvent(nil), d.lines...)
}

// MSIs returns a copy of the recorded MSI writes.
func (d *Driver) MSIs() []MSI {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MSI(nil), d.msis...)
}

var (
	_ hv.Driver              = &Driver{}
	_ hv.InterruptController = &Driver{}
)
