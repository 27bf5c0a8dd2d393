package kmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/memforge/kernalloc/kmem/internal/mman"
	"github.com/memforge/kernalloc/kmem/internal/utils"
	"golang.org/x/exp/slog"
)

// Allocation is a single granted region of kernel memory with a fixed size and
// a mutable set of process-local mappings. The batch operations fill each
// request's Addr and Err independently and return the number of requests that
// fully succeeded; a failed request never aborts the rest of the batch.
//
// Concurrent batches against disjoint ranges of the same Allocation are safe.
// Concurrent mutation of overlapping ranges must be serialized by the caller.
type Allocation interface {
	// Size is the total extent of the allocation in bytes. It never changes.
	Size() int
	// Provider is the provider that issued this allocation.
	Provider() Provider

	// Map establishes a mapping of [Offset, Offset+Length) for each request and
	// fills its Addr. Mapping the same range twice produces two independent
	// mappings.
	Map(requests []MapRequest) int
	// Unmap tears down mappings previously established by Map on this
	// allocation. Each request's Addr must be an address Map returned; an
	// address with no live mapping fails that request with ErrAddressNotFound.
	Unmap(requests []MapRequest) int
	// Prefault forces every page of an already-mapped range resident in one
	// operation instead of faulting lazily. Each request's Addr must point into
	// a live mapping. Mapped content is never changed.
	Prefault(requests []MapRequest) int
	// Discard releases the backing storage for an already-mapped range while
	// keeping the mapping valid; subsequent reads observe the freshly-mapped
	// zero state. Each request's Addr must point into a live mapping.
	Discard(requests []MapRequest) int

	// MapAll maps the whole extent [0, Size()) as a single request and returns
	// that request.
	MapAll() MapRequest

	// MappedRanges is the number of currently live mappings.
	MappedRanges() int

	// Release unmaps any remaining ranges, removes the allocation from its
	// provider's registry, and closes the backing kernel object. It is
	// idempotent. The allocation's addresses stop resolving and all batch
	// operations fail per-request afterward.
	Release() error
}

type mappedRange struct {
	data   []byte
	offset int
	length int
}

// regionAllocation implements Allocation over an mman.Region. All three
// built-in providers share it; only the region construction differs.
type regionAllocation struct {
	size     int
	provider Provider
	core     *providerCore
	region   mman.Region
	logger   *slog.Logger

	// mapMutex guards mapped and released. Lock order is allocation before
	// provider index, never the reverse.
	mapMutex utils.OptionalMutex
	mapped   map[uintptr]mappedRange
	released bool
}

func (a *regionAllocation) Size() int {
	return a.size
}

func (a *regionAllocation) Provider() Provider {
	return a.provider
}

func (a *regionAllocation) checkRange(offset, length int) error {
	if offset < 0 || length <= 0 || offset+length > a.size {
		return errors.Wrapf(ErrInvalidRange, "offset %d with length %d does not fit an allocation of %d bytes", offset, length, a.size)
	}

	return nil
}

func (a *regionAllocation) Map(requests []MapRequest) int {
	a.logger.Debug("Allocation::Map")

	a.mapMutex.Lock()
	defer a.mapMutex.Unlock()

	succeeded := 0
	for i := range requests {
		req := &requests[i]
		req.Addr = nil
		req.Err = nil

		if err := a.checkRange(req.Offset, req.Length); err != nil {
			req.Err = err
			continue
		}
		if a.released {
			req.Err = errors.Wrap(ErrMappingFailed, "the allocation has been released")
			continue
		}

		data, err := a.region.Map(req.Offset, req.Length)
		if err != nil {
			req.Err = errors.Mark(err, ErrMappingFailed)
			continue
		}

		addr := uintptr(unsafe.Pointer(&data[0]))
		a.mapped[addr] = mappedRange{
			data:   data,
			offset: req.Offset,
			length: req.Length,
		}
		a.core.registerRange(addr, a, req.Offset, req.Length)

		req.Addr = unsafe.Pointer(&data[0])
		succeeded++
	}

	return succeeded
}

func (a *regionAllocation) Unmap(requests []MapRequest) int {
	a.logger.Debug("Allocation::Unmap")

	a.mapMutex.Lock()
	defer a.mapMutex.Unlock()

	succeeded := 0
	for i := range requests {
		req := &requests[i]
		req.Err = nil

		if req.Addr == nil {
			req.Err = errors.Wrap(ErrAddressNotFound, "the request carries no address")
			continue
		}

		addr := uintptr(req.Addr)
		entry, ok := a.mapped[addr]
		if !ok {
			req.Err = errors.Wrapf(ErrAddressNotFound, "address %x has no live mapping in this allocation", addr)
			continue
		}

		if err := a.region.Unmap(entry.data); err != nil {
			req.Err = errors.Mark(err, ErrMappingFailed)
			continue
		}

		delete(a.mapped, addr)
		a.core.unregisterRange(addr)
		succeeded++
	}

	return succeeded
}

func (a *regionAllocation) Prefault(requests []MapRequest) int {
	a.logger.Debug("Allocation::Prefault")

	a.mapMutex.Lock()
	defer a.mapMutex.Unlock()

	succeeded := 0
	for i := range requests {
		req := &requests[i]
		req.Err = nil

		sub, _, err := a.resolveLive(req.Addr, req.Length)
		if err != nil {
			req.Err = err
			continue
		}

		if err := a.region.Prefault(sub); err != nil {
			req.Err = errors.Mark(err, ErrMappingFailed)
			continue
		}

		succeeded++
	}

	return succeeded
}

func (a *regionAllocation) Discard(requests []MapRequest) int {
	a.logger.Debug("Allocation::Discard")

	a.mapMutex.Lock()
	defer a.mapMutex.Unlock()

	succeeded := 0
	for i := range requests {
		req := &requests[i]
		req.Err = nil

		_, offset, err := a.resolveLive(req.Addr, req.Length)
		if err != nil {
			req.Err = err
			continue
		}

		if err := a.region.Discard(offset, req.Length); err != nil {
			req.Err = errors.Mark(err, ErrMappingFailed)
			continue
		}

		succeeded++
	}

	return succeeded
}

// resolveLive locates the live mapping containing [addr, addr+length) and
// returns the matching byte view plus the range's offset within the
// allocation. Must be called with mapMutex held.
func (a *regionAllocation) resolveLive(addr unsafe.Pointer, length int) ([]byte, int, error) {
	if addr == nil {
		return nil, 0, errors.Wrap(ErrMappingFailed, "the request carries no address")
	}
	if length <= 0 {
		return nil, 0, errors.Wrapf(ErrInvalidRange, "request length is %d", length)
	}

	target := uintptr(addr)
	for base, entry := range a.mapped {
		if target < base || target+uintptr(length) > base+uintptr(entry.length) {
			continue
		}

		delta := int(target - base)
		return entry.data[delta : delta+length], entry.offset + delta, nil
	}

	return nil, 0, errors.Wrapf(ErrMappingFailed, "address %x is not inside a live mapping of this allocation", target)
}

func (a *regionAllocation) MapAll() MapRequest {
	a.logger.Debug("Allocation::MapAll")

	requests := []MapRequest{NewMapRequest(0, a.size)}
	a.Map(requests)
	return requests[0]
}

func (a *regionAllocation) MappedRanges() int {
	a.mapMutex.Lock()
	defer a.mapMutex.Unlock()

	return len(a.mapped)
}

func (a *regionAllocation) Release() error {
	a.logger.Debug("Allocation::Release")

	a.mapMutex.Lock()
	if a.released {
		a.mapMutex.Unlock()
		return nil
	}
	a.released = true

	var err error
	for addr, entry := range a.mapped {
		if unmapErr := a.region.Unmap(entry.data); unmapErr != nil && err == nil {
			err = errors.Mark(unmapErr, ErrMappingFailed)
		}
		a.core.unregisterRange(addr)
		delete(a.mapped, addr)
	}
	a.mapMutex.Unlock()

	a.core.untrackAllocation(a)

	if closeErr := a.region.Close(); closeErr != nil && err == nil {
		err = errors.Mark(closeErr, ErrMappingFailed)
	}

	return err
}
