//go:build !linux

package hsm

import (
	"context"

	"github.com/tinyrange/devicemodel/internal/hv"
)

// Driver is unavailable off Linux.
type Driver struct{}

func Open(path string, opts Options) (*Driver, error) {
	return nil, hv.ErrHypervisorUnsupported
}

func (d *Driver) CreateClient() (int, error)                { return 0, hv.ErrHypervisorUnsupported }
func (d *Driver) Start() error                              { return hv.ErrHypervisorUnsupported }
func (d *Driver) Pause() error                              { return hv.ErrHypervisorUnsupported }
func (d *Driver) Attach(ctx context.Context) error          { return hv.ErrHypervisorUnsupported }
func (d *Driver) NumSlots() int                             { return 0 }
func (d *Driver) Load(vcpu int, req *hv.Request) bool       { return false }
func (d *Driver) Store(vcpu int, req *hv.Request) error     { return hv.ErrHypervisorUnsupported }
func (d *Driver) NotifyDone(vcpu int) error                 { return hv.ErrHypervisorUnsupported }
func (d *Driver) SetIRQLine(gsi uint32, op hv.LineOp) error { return hv.ErrHypervisorUnsupported }
func (d *Driver) InjectMSI(addr, data uint64) error         { return hv.ErrHypervisorUnsupported }
func (d *Driver) Close() error                              { return nil }

var (
	_ hv.Driver              = &Driver{}
	_ hv.InterruptController = &Driver{}
)
