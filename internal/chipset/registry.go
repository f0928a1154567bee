package chipset

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/tinyrange/devicemodel/internal/hv"
)

var (
	ErrConflict     = errors.New("range overlaps an existing range")
	ErrNotFound     = errors.New("no range registered for address")
	ErrImmutable    = errors.New("range is immutable")
	ErrInvalidRange = errors.New("invalid range")
)

// RangeFlags modify how a registered range may be used.
type RangeFlags uint32

const (
	// RangeImmutable ranges can never be unregistered.
	RangeImmutable RangeFlags = 1 << iota
)

// AddressRange binds the interval [Base, Base+Size-1] to a Handler.
type AddressRange struct {
	Name    string
	Base    uint64
	Size    uint64
	Flags   RangeFlags
	Handler Handler
}

// Last returns the inclusive end of the range.
func (r AddressRange) Last() uint64 { return r.Base + r.Size - 1 }

// Contains reports whether addr lies within the range.
func (r AddressRange) Contains(addr uint64) bool {
	return addr >= r.Base && addr <= r.Last()
}

func (r AddressRange) String() string {
	return fmt.Sprintf("%s [0x%x-0x%x]", r.Name, r.Base, r.Last())
}

type rangeEntry struct {
	AddressRange
	last uint64
}

// entryLess orders entries by interval. Intersecting intervals compare
// equal, so a point lookup finds whichever entry contains the point and an
// insert lookup finds any entry the new interval would overlap.
func entryLess(a, b *rangeEntry) bool {
	return a.last < b.Base
}

const btreeDegree = 8

// AddressRegistry resolves guest addresses to the handler that owns them.
//
// Lookups consult a one-entry hint, then the primary index, then the
// fallback index. Lookups run in parallel under the read lock; the hint is
// replaced atomically by readers and cleared under the write lock when the
// entry it points at is removed.
type AddressRegistry struct {
	name string

	mu       sync.RWMutex
	primary  *btree.BTreeG[*rangeEntry]
	fallback *btree.BTreeG[*rangeEntry]
	hint     atomic.Pointer[rangeEntry]

	mutations atomic.Uint64
}

// NewAddressRegistry returns an empty registry. The name is only used in
// error messages.
func NewAddressRegistry(name string) *AddressRegistry {
	return &AddressRegistry{
		name:     name,
		primary:  btree.NewG(btreeDegree, entryLess),
		fallback: btree.NewG(btreeDegree, entryLess),
	}
}

// Register inserts r into the primary index.
func (a *AddressRegistry) Register(r AddressRange) error {
	return a.insert(a.primary, r)
}

// RegisterFallback inserts r into the fallback index, consulted only when no
// primary range matches.
func (a *AddressRegistry) RegisterFallback(r AddressRange) error {
	return a.insert(a.fallback, r)
}

// Unregister removes the primary range matching r by name, base and size.
func (a *AddressRegistry) Unregister(r AddressRange) error {
	return a.remove(a.primary, r)
}

// UnregisterFallback removes the fallback range matching r.
func (a *AddressRegistry) UnregisterFallback(r AddressRange) error {
	return a.remove(a.fallback, r)
}

func (a *AddressRegistry) insert(tree *btree.BTreeG[*rangeEntry], r AddressRange) error {
	if r.Size == 0 || r.Base+r.Size-1 < r.Base {
		return fmt.Errorf("%s: register %s size 0x%x: %w", a.name, r.Name, r.Size, ErrInvalidRange)
	}
	if r.Handler == nil {
		return fmt.Errorf("%s: register %s: nil handler: %w", a.name, r, ErrInvalidRange)
	}

	entry := &rangeEntry{AddressRange: r, last: r.Last()}

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := tree.Get(entry); ok {
		return fmt.Errorf("%s: register %s: %w (%s)", a.name, r, ErrConflict, existing.AddressRange)
	}
	tree.ReplaceOrInsert(entry)
	a.mutations.Add(1)
	return nil
}

func (a *AddressRegistry) remove(tree *btree.BTreeG[*rangeEntry], r AddressRange) error {
	key := &rangeEntry{AddressRange: AddressRange{Base: r.Base}, last: r.Base}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := tree.Get(key)
	if !ok || entry.Name != r.Name || entry.Base != r.Base || entry.Size != r.Size {
		return fmt.Errorf("%s: unregister %s: %w", a.name, r, ErrNotFound)
	}
	if entry.Flags&RangeImmutable != 0 {
		return fmt.Errorf("%s: unregister %s: %w", a.name, r, ErrImmutable)
	}

	tree.Delete(entry)
	if a.hint.Load() == entry {
		a.hint.Store(nil)
	}
	a.mutations.Add(1)
	return nil
}

// Mutations counts successful registrations and unregistrations in either
// index.
func (a *AddressRegistry) Mutations() uint64 { return a.mutations.Load() }

func (a *AddressRegistry) lookup(addr uint64) (*rangeEntry, bool) {
	key := &rangeEntry{AddressRange: AddressRange{Base: addr}, last: addr}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if hint := a.hint.Load(); hint != nil && addr >= hint.Base && addr <= hint.last {
		return hint, true
	}
	if entry, ok := a.primary.Get(key); ok {
		a.hint.Store(entry)
		return entry, true
	}
	if entry, ok := a.fallback.Get(key); ok {
		return entry, true
	}
	return nil, false
}

// Lookup returns the range that would service an access to addr.
func (a *AddressRegistry) Lookup(addr uint64) (AddressRange, bool) {
	entry, ok := a.lookup(addr)
	if !ok {
		return AddressRange{}, false
	}
	return entry.AddressRange, true
}

// Dispatch resolves addr and invokes the owning handler with the offset
// into its range. For reads the result is stored in value, truncated to the
// access width. The registry lock is not held while the handler runs, so
// handlers may register and unregister ranges.
func (a *AddressRegistry) Dispatch(addr uint64, size int, dir hv.Direction, value *uint64) error {
	entry, ok := a.lookup(addr)
	if !ok {
		return fmt.Errorf("%s: %s 0x%x size %d: %w", a.name, dir, addr, size, ErrNotFound)
	}

	offset := addr - entry.Base
	if dir == hv.DirectionRead {
		v, err := entry.Handler.Read(offset, size)
		if err != nil {
			return fmt.Errorf("%s: read %s+0x%x: %w", a.name, entry.Name, offset, err)
		}
		*value = v & WidthMask(size)
		return nil
	}

	if err := entry.Handler.Write(offset, size, *value&WidthMask(size)); err != nil {
		return fmt.Errorf("%s: write %s+0x%x: %w", a.name, entry.Name, offset, err)
	}
	return nil
}

// Read is a convenience wrapper around Dispatch.
func (a *AddressRegistry) Read(addr uint64, size int) (uint64, error) {
	var v uint64
	err := a.Dispatch(addr, size, hv.DirectionRead, &v)
	return v, err
}

// Write is a convenience wrapper around Dispatch.
func (a *AddressRegistry) Write(addr uint64, size int, value uint64) error {
	return a.Dispatch(addr, size, hv.DirectionWrite, &value)
}

// Ranges returns the primary ranges in address order.
func (a *AddressRegistry) Ranges() []AddressRange {
	return a.snapshot(a.primary)
}

// FallbackRanges returns the fallback ranges in address order.
func (a *AddressRegistry) FallbackRanges() []AddressRange {
	return a.snapshot(a.fallback)
}

func (a *AddressRegistry) snapshot(tree *btree.BTreeG[*rangeEntry]) []AddressRange {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]AddressRange, 0, tree.Len())
	tree.Ascend(func(e *rangeEntry) bool {
		out = append(out, e.AddressRange)
		return true
	})
	return out
}

// WidthMask returns the value mask for an access of size bytes.
func WidthMask(size int) uint64 {
	if size <= 0 || size >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(size)*8) - 1
}
