package kmem

import (
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// Allocator adapts the byte-oriented Provider and Allocation machinery to a
// conventional element-typed allocate/deallocate protocol. It is a small value
// that is cheap to copy; every copy sharing the same Provider can deallocate
// memory allocated through any of the others. The zero value is unbound and
// fails every operation that needs a provider with ErrProviderUnbound.
//
// Batch and partial-failure semantics stop at this boundary: each operation
// either fully succeeds or returns a single error marked with the matching
// sentinel from this package.
type Allocator[T any] struct {
	provider Provider
}

// NewAllocator creates an allocator for elements of type T bound to the given
// provider.
func NewAllocator[T any](provider Provider) Allocator[T] {
	return Allocator[T]{provider: provider}
}

// Provider is the provider this allocator is bound to, or nil when unbound.
func (a Allocator[T]) Provider() Provider {
	return a.provider
}

// Equal reports whether two allocators are bound to the same provider
// instance. Memory allocated through one allocator may be deallocated through
// another if and only if they are equal. Providers are compared by identity,
// not by configuration.
func (a Allocator[T]) Equal(other Allocator[T]) bool {
	return a.provider == other.provider
}

func elementSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// MaxSize is the largest element count whose total byte size does not
// overflow.
func (a Allocator[T]) MaxSize() int {
	size := elementSize[T]()
	if size == 0 {
		return math.MaxInt
	}

	return math.MaxInt / size
}

// Allocate obtains storage for n elements of T from the bound provider and
// maps it into the process, returning the base address. The provider may
// round the underlying region up to its granularity; the extra bytes are
// usable but unmanaged.
func (a Allocator[T]) Allocate(n int) (*T, error) {
	if a.provider == nil {
		return nil, errors.WithStack(ErrProviderUnbound)
	}
	if n < 0 || n > a.MaxSize() {
		return nil, errors.Wrapf(ErrSizeLimitExceeded, "requested %d elements of %d bytes each", n, elementSize[T]())
	}

	alloc, err := a.provider.Allocate(n * elementSize[T]())
	if err != nil {
		return nil, errors.Mark(err, ErrAllocationFailed)
	}
	if alloc == nil {
		return nil, errors.Wrapf(ErrAllocationFailed, "provider %s returned no allocation and no error", a.provider.Name())
	}

	m := alloc.MapAll()
	if m.Err != nil || m.Addr == nil {
		// The allocation is unusable without its mapping; don't leak it.
		_ = alloc.Release()
		if m.Err != nil {
			return nil, errors.Mark(m.Err, ErrAllocationFailed)
		}
		return nil, errors.Wrap(ErrAllocationFailed, "mapping the new allocation produced no address")
	}

	return (*T)(m.Addr), nil
}

// AllocateSlice is Allocate with the result viewed as a slice of n elements.
func (a Allocator[T]) AllocateSlice(n int) ([]T, error) {
	ptr, err := a.Allocate(n)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice(ptr, n), nil
}

// Deallocate releases storage previously returned by Allocate on an allocator
// bound to the same provider. n is accepted for protocol compatibility and
// trusted to match the original allocation count; it is not re-validated
// against the resolved range.
func (a Allocator[T]) Deallocate(p *T, n int) error {
	if a.provider == nil {
		return errors.WithStack(ErrProviderUnbound)
	}
	if p == nil {
		return errors.Wrap(ErrAddressNotFound, "nil pointer")
	}

	alloc, m, err := a.provider.AllocationFor(unsafe.Pointer(p))
	if err != nil {
		return errors.Mark(err, ErrAddressNotFound)
	}

	requests := []MapRequest{m}
	alloc.Unmap(requests)
	if requests[0].Err != nil {
		return errors.Mark(requests[0].Err, ErrMappingFailed)
	}

	// The adapter only ever holds the one whole-extent mapping, so once it is
	// gone the allocation has no remaining references and can be returned to
	// the kernel.
	if alloc.MappedRanges() == 0 {
		return alloc.Release()
	}

	return nil
}

// Construct stores v into already-allocated storage. It never touches the
// provider.
func (a Allocator[T]) Construct(p *T, v T) {
	*p = v
}

// Destroy resets already-allocated storage to the zero value. It never touches
// the provider.
func (a Allocator[T]) Destroy(p *T) {
	var zero T
	*p = zero
}
