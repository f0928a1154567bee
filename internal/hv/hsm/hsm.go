// Package hsm talks to the hypervisor service module, the kernel driver that
// forwards trapped guest accesses of a type-1 hypervisor to userspace.
package hsm

import (
	"log/slog"

	"github.com/google/uuid"
)

// DefaultDevice is the device node exposed by the kernel driver.
const DefaultDevice = "/dev/acrn_vhm"

// Options describes the VM created by Open.
type Options struct {
	Name  string
	UUID  uuid.UUID
	VCPUs int

	Logger *slog.Logger
}
