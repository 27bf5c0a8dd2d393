package kmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/memforge/kernalloc/kmem/internal/mman"
	"github.com/memforge/kernalloc/kmem/internal/utils"
	"github.com/memforge/kernalloc/memutils"
	"golang.org/x/exp/slog"
)

// Provider is a named source of kernel memory. A single Provider may be shared
// by any number of allocators and goroutines: Allocate and AllocationFor are
// safe to call concurrently, and an allocation registered by one goroutine is
// immediately resolvable by every other.
type Provider interface {
	// Name is a stable identifier for diagnostics.
	Name() string

	// Allocate requests a new allocation of at least bytes in size. The size
	// is rounded up to the provider's granularity. On failure the returned
	// allocation is nil and the error explains why.
	Allocate(bytes int) (Allocation, error)

	// AllocationFor resolves an address previously returned by Map back to its
	// owning allocation and reconstructs the request that produced it. An
	// address unknown to this provider fails with ErrAddressNotFound.
	AllocationFor(addr unsafe.Pointer) (Allocation, MapRequest, error)
}

// StatsSource is implemented by providers that expose usage counters. The
// kmem/metrics package builds Prometheus collectors on top of it.
type StatsSource interface {
	Name() string
	Stats() memutils.Statistics
}

type rangeEntry struct {
	alloc  *regionAllocation
	offset int
	length int
}

// providerCore carries the pieces every built-in provider shares: identity,
// logging, granularity, and the registry that resolves mapped addresses back
// to their allocations. The registry holds a strong reference to every issued
// allocation until it is released, so a provider always outlives the
// allocations it issued.
type providerCore struct {
	name        string
	logger      *slog.Logger
	granularity uint
	useMutex    bool

	// indexMutex guards index and allocations. Allocation methods lock their
	// own mutex first and this one second; nothing locks in the other order.
	indexMutex  utils.OptionalRWMutex
	index       map[uintptr]rangeEntry
	allocations map[*regionAllocation]struct{}
}

func (c *providerCore) Name() string {
	return c.name
}

func (c *providerCore) AllocationFor(addr unsafe.Pointer) (Allocation, MapRequest, error) {
	c.logger.Debug("Provider::AllocationFor")

	if addr == nil {
		return nil, MapRequest{}, errors.Wrap(ErrAddressNotFound, "nil address")
	}

	c.indexMutex.RLock()
	entry, ok := c.index[uintptr(addr)]
	c.indexMutex.RUnlock()

	if !ok {
		return nil, MapRequest{}, errors.Wrapf(ErrAddressNotFound, "address %x was not mapped by provider %s", uintptr(addr), c.name)
	}

	return entry.alloc, MapRequest{
		Addr:   addr,
		Offset: entry.offset,
		Length: entry.length,
	}, nil
}

// newAllocation wraps a freshly created region and registers the allocation.
func (c *providerCore) newAllocation(provider Provider, region mman.Region, size int) *regionAllocation {
	alloc := &regionAllocation{
		size:     size,
		provider: provider,
		core:     c,
		region:   region,
		logger:   c.logger,
		mapMutex: utils.OptionalMutex{UseMutex: c.useMutex},
		mapped:   make(map[uintptr]mappedRange),
	}

	c.indexMutex.Lock()
	c.allocations[alloc] = struct{}{}
	c.indexMutex.Unlock()

	return alloc
}

// roundRequest applies the provider's granularity to a byte request. A request
// of zero bytes still occupies one granularity unit.
func (c *providerCore) roundRequest(bytes int) (int, error) {
	if bytes < 0 {
		return 0, errors.Wrapf(ErrInvalidRange, "requested %d bytes", bytes)
	}
	if bytes == 0 {
		return int(c.granularity), nil
	}

	return memutils.AlignUp(bytes, c.granularity), nil
}

func (c *providerCore) registerRange(addr uintptr, alloc *regionAllocation, offset, length int) {
	c.indexMutex.Lock()
	defer c.indexMutex.Unlock()

	c.index[addr] = rangeEntry{
		alloc:  alloc,
		offset: offset,
		length: length,
	}
}

func (c *providerCore) unregisterRange(addr uintptr) {
	c.indexMutex.Lock()
	defer c.indexMutex.Unlock()

	delete(c.index, addr)
}

func (c *providerCore) untrackAllocation(alloc *regionAllocation) {
	c.indexMutex.Lock()
	defer c.indexMutex.Unlock()

	delete(c.allocations, alloc)
}

// Stats reports the provider's live allocation and mapping counters.
func (c *providerCore) Stats() memutils.Statistics {
	c.indexMutex.RLock()
	defer c.indexMutex.RUnlock()

	var stats memutils.Statistics
	for alloc := range c.allocations {
		stats.AllocationCount++
		stats.AllocationBytes += alloc.size
	}
	for _, entry := range c.index {
		stats.MappedRangeCount++
		stats.MappedBytes += entry.length
	}

	return stats
}

// DetailedStats reports the provider's counters together with size extremes.
func (c *providerCore) DetailedStats() memutils.DetailedStatistics {
	c.indexMutex.RLock()
	defer c.indexMutex.RUnlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	for alloc := range c.allocations {
		stats.AddAllocation(alloc.size)
	}
	for _, entry := range c.index {
		stats.AddMappedRange(entry.length)
	}

	return stats
}

// Validate checks registry consistency: every indexed range must belong to a
// tracked allocation and fit inside it. It is intended for use with
// memutils.DebugValidate.
func (c *providerCore) Validate() error {
	c.indexMutex.RLock()
	defer c.indexMutex.RUnlock()

	for addr, entry := range c.index {
		if _, ok := c.allocations[entry.alloc]; !ok {
			return errors.Newf("address %x is indexed against an allocation that is no longer tracked", addr)
		}
		if entry.offset < 0 || entry.length <= 0 || entry.offset+entry.length > entry.alloc.size {
			return errors.Newf("address %x is indexed with range [%d, %d) outside its allocation of %d bytes",
				addr, entry.offset, entry.offset+entry.length, entry.alloc.size)
		}
	}

	return nil
}
