package hv

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

var (
	ErrExhausted   = errors.New("address space exhausted")
	ErrInvalidSize = errors.New("invalid allocation size")
)

// Space identifies one of the guest physical resource spaces PCI windows
// are carved from.
type Space int

const (
	SpaceIO Space = iota
	SpaceMem32
	SpaceMem64
	spaceCount
)

func (s Space) String() string {
	switch s {
	case SpaceIO:
		return "io"
	case SpaceMem32:
		return "mem32"
	case SpaceMem64:
		return "mem64"
	default:
		return fmt.Sprintf("Space(%d)", int(s))
	}
}

const (
	PageSize = 0x1000

	IOBase     uint64 = 0x2000
	IOLimit    uint64 = 0x10000
	Mem32Limit uint64 = 0xE0000000
	Mem64Base  uint64 = 0x100000000
	Mem64Limit uint64 = 0x140000000
)

// Region is a half-open window [Base, Base+Size).
type Region struct {
	Name string
	Base uint64
	Size uint64
}

// End returns the first address after the region.
func (r Region) End() uint64 { return r.Base + r.Size }

func (r Region) overlaps(base, size uint64) bool {
	return regionsOverlap(r.Base, r.Size, base, size)
}

type bumpSpace struct {
	base  uint64
	next  uint64
	limit uint64

	reserved []Region
}

// ResourceAllocator hands out guest I/O port and MMIO windows from three
// independent bump spaces. Allocations are never freed.
type ResourceAllocator struct {
	mu sync.Mutex

	spaces [spaceCount]bumpSpace
}

// NewResourceAllocator creates an allocator whose 32-bit memory space starts
// at lowmemLimit, the top of guest low memory.
func NewResourceAllocator(lowmemLimit uint64) *ResourceAllocator {
	a := &ResourceAllocator{}
	a.spaces[SpaceIO] = bumpSpace{base: IOBase, next: IOBase, limit: IOLimit}
	a.spaces[SpaceMem32] = bumpSpace{base: lowmemLimit, next: lowmemLimit, limit: Mem32Limit}
	a.spaces[SpaceMem64] = bumpSpace{base: Mem64Base, next: Mem64Base, limit: Mem64Limit}
	return a
}

// Reserve marks a window that Allocate must never hand out. Reservations
// are used for windows pre-claimed by passthrough devices.
func (a *ResourceAllocator) Reserve(space Space, name string, base, size uint64) error {
	if space < 0 || space >= spaceCount {
		return fmt.Errorf("address_space: unknown space %d", space)
	}
	if size == 0 || base+size < base {
		return fmt.Errorf("address_space: reserve %s [0x%x, +0x%x): %w", name, base, size, ErrInvalidSize)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s := &a.spaces[space]
	for _, r := range s.reserved {
		if r.overlaps(base, size) {
			return fmt.Errorf("address_space: reservation %s overlaps %s", name, r.Name)
		}
	}
	// keep sorted by base so a single forward pass can skip them
	idx := len(s.reserved)
	for i, r := range s.reserved {
		if base < r.Base {
			idx = i
			break
		}
	}
	s.reserved = append(s.reserved, Region{})
	copy(s.reserved[idx+1:], s.reserved[idx:])
	s.reserved[idx] = Region{Name: name, Base: base, Size: size}
	return nil
}

// Allocate returns the base of a new window of at least size bytes in space.
// The size is rounded up to a power of two. Memory windows are aligned to
// max(size, PageSize) since the hypervisor maps at page granularity.
func (a *ResourceAllocator) Allocate(space Space, size uint64) (uint64, error) {
	base, _, err := a.AllocateRegion(space, size)
	return base, err
}

// AllocateRegion is Allocate but also returns the rounded size.
func (a *ResourceAllocator) AllocateRegion(space Space, size uint64) (uint64, uint64, error) {
	if space < 0 || space >= spaceCount {
		return 0, 0, fmt.Errorf("address_space: unknown space %d", space)
	}
	if size == 0 || size > 1<<63 {
		return 0, 0, fmt.Errorf("address_space: allocate 0x%x in %s: %w", size, space, ErrInvalidSize)
	}

	size = RoundPow2(size)
	align := size
	if space != SpaceIO && align < PageSize {
		align = PageSize
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s := &a.spaces[space]
	base := alignUp(s.next, align)
	for _, r := range s.reserved {
		if r.overlaps(base, align) {
			base = alignUp(r.End(), align)
		}
	}

	if base < s.next || base+align < base || base+align > s.limit {
		return 0, 0, fmt.Errorf("address_space: allocate 0x%x in %s: %w", size, space, ErrExhausted)
	}

	s.next = base + align
	return base, size, nil
}

// Cursor returns the current high-water mark of space.
func (a *ResourceAllocator) Cursor(space Space) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spaces[space].next
}

// Advance adds slop to the high-water mark of space and rounds it up to
// a multiple of slop. It returns the new mark.
func (a *ResourceAllocator) Advance(space Space, slop uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := &a.spaces[space]
	s.next = alignUp(s.next+slop, slop)
	return s.next
}

// Window returns the configured bounds of space.
func (a *ResourceAllocator) Window(space Space) Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.spaces[space]
	return Region{Name: space.String(), Base: s.base, Size: s.limit - s.base}
}

// Reserved returns a copy of the reservations in space.
func (a *ResourceAllocator) Reserved(space Space) []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, len(a.spaces[space].reserved))
	copy(result, a.spaces[space].reserved)
	return result
}

// RoundPow2 rounds v up to the next power of two. Zero stays zero.
func RoundPow2(v uint64) uint64 {
	if v == 0 || v&(v-1) == 0 {
		return v
	}
	return 1 << (64 - bits.LeadingZeros64(v))
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}
