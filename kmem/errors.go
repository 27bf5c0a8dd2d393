package kmem

import "github.com/cockroachdb/errors"

var (
	// ErrProviderUnbound is returned by allocator operations invoked before a
	// provider has been bound. Bind a provider and retry.
	ErrProviderUnbound = errors.New("no provider is bound to this allocator")

	// ErrSizeLimitExceeded is returned when a requested element count would
	// overflow the byte-size domain. The caller must reduce the count.
	ErrSizeLimitExceeded = errors.New("requested element count exceeds the allocator size limit")

	// ErrAllocationFailed is returned when a provider cannot obtain kernel
	// memory, usually from resource exhaustion. It may succeed on retry.
	ErrAllocationFailed = errors.New("the provider could not obtain kernel memory")

	// ErrAddressNotFound is returned when an address does not resolve to a live
	// mapping known to the provider: a double free, a foreign pointer, or a
	// pointer deallocated through an allocator bound to a different provider.
	ErrAddressNotFound = errors.New("the address does not resolve to a live mapping")

	// ErrMappingFailed reports a kernel map, unmap, prefault, or discard
	// failure for a single request within a batch.
	ErrMappingFailed = errors.New("the kernel mapping operation failed")

	// ErrInvalidRange reports a request whose offset and length fall outside
	// the allocation. This is a caller bug; the range is never clamped.
	ErrInvalidRange = errors.New("the request range is outside the allocation")
)
