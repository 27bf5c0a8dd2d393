// Package mman contains the kernel-facing backends that allocations operate
// on. A Region is one fixed-size object of kernel memory; the allocation layer
// above it drives the map/unmap/prefault/discard lifecycle and does all of the
// bookkeeping, so a Region only has to translate single-range operations into
// system calls.
package mman

// Region is a single fixed-size backing object of kernel memory.
//
// Map establishes a new process-local mapping of [offset, offset+length) and
// returns the mapped bytes. Unmap tears down a mapping previously returned by
// Map on the same Region. Prefault forces the pages covering data resident.
// Discard releases the backing storage for [offset, offset+length) while
// keeping existing mappings of it valid; subsequent reads observe zeroes.
//
// Range validation happens above this interface. Offsets handed to Map and
// Discard are not required to be page aligned; implementations align
// internally and return the bytes for the exact requested range.
type Region interface {
	Size() int
	Map(offset, length int) ([]byte, error)
	Unmap(data []byte) error
	Prefault(data []byte) error
	Discard(offset, length int) error
	Close() error
}
