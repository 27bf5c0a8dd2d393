package kmem

import "unsafe"

// MapRequest describes one sub-range operation within a batch call to Map,
// Unmap, Prefault, or Discard. Offset and Length select the byte range within
// the allocation. Addr is filled by Map and must be provided to the other
// operations. Err reports the outcome for this request alone: a batch is not
// atomic, and a failed request never prevents the rest of the batch from being
// processed.
type MapRequest struct {
	// Addr is the address of the mapping in the local process
	Addr unsafe.Pointer
	// Offset is the byte offset within the allocation
	Offset int
	// Length is the number of bytes covered by this request
	Length int
	// Err is any error which occurred during the operation
	Err error
}

// NewMapRequest builds a request for the byte range [offset, offset+length).
func NewMapRequest(offset, length int) MapRequest {
	return MapRequest{
		Offset: offset,
		Length: length,
	}
}
