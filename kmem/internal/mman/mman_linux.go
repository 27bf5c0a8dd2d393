package mman

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/memforge/kernalloc/memutils"
	"golang.org/x/sys/unix"
)

// prefaultSink keeps the page-touch loop in fdRegion.Prefault from being
// optimized away.
var prefaultSink byte

// fdRegion is a Region backed by a file descriptor on a memory filesystem:
// a memfd (anonymous or hugetlb) or a file under /dev/shm. All mappings are
// MAP_SHARED so every mapping of the same offset observes the same bytes and
// hole-punching the fd resets them to zero everywhere at once.
type fdRegion struct {
	fd   int
	size int
	// unit is the alignment granularity for mmap offsets and lengths: the page
	// size, or the huge page size for hugetlb fds.
	unit uint
	// unlinkPath is non-empty for named /dev/shm regions and is removed on Close.
	unlinkPath string

	mutex sync.Mutex
	// raw mmap slices keyed by the address Map returned, so Unmap can hand the
	// kernel the full page-aligned mapping back.
	mappings map[uintptr][]byte
	closed   bool
}

// NewMemfdRegion creates a region backed by an anonymous memfd. size must
// already be rounded to a multiple of unit by the caller. When hugetlb is set
// the memfd is created with MFD_HUGETLB and unit must be the huge page size.
func NewMemfdRegion(name string, size int, unit uint, hugetlb bool) (Region, error) {
	flags := unix.MFD_CLOEXEC
	if hugetlb {
		flags |= unix.MFD_HUGETLB
	}

	fd, err := unix.MemfdCreate(name, flags)
	if err != nil {
		return nil, errors.Wrapf(err, "memfd_create %s", name)
	}

	return newFdRegion(fd, size, unit, "")
}

// NewShmFileRegion creates a region backed by a fresh named file under the
// shared-memory filesystem. The file is removed when the region is closed.
func NewShmFileRegion(path string, size int, unit uint) (Region, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	region, err := newFdRegion(fd, size, unit, path)
	if err != nil {
		_ = unix.Unlink(path)
	}
	return region, err
}

func newFdRegion(fd, size int, unit uint, unlinkPath string) (Region, error) {
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrapf(err, "ftruncate to %d bytes", size)
	}

	return &fdRegion{
		fd:         fd,
		size:       size,
		unit:       unit,
		unlinkPath: unlinkPath,
		mappings:   make(map[uintptr][]byte),
	}, nil
}

func (r *fdRegion) Size() int {
	return r.size
}

func (r *fdRegion) Map(offset, length int) ([]byte, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return nil, errors.New("map on a closed region")
	}

	// mmap offsets and hugetlb lengths have to be unit-aligned, so map the
	// covering aligned span and return the interior slice for the exact range.
	alignedOffset := memutils.AlignDown(offset, r.unit)
	lead := offset - alignedOffset
	mapLength := memutils.AlignUp(lead+length, r.unit)

	raw, err := unix.Mmap(r.fd, int64(alignedOffset), mapLength, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %d bytes at offset %d", mapLength, alignedOffset)
	}

	data := raw[lead : lead+length : lead+length]
	r.mappings[uintptr(unsafe.Pointer(&data[0]))] = raw
	return data, nil
}

func (r *fdRegion) Unmap(data []byte) error {
	if len(data) == 0 {
		return errors.New("unmap of an empty range")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	key := uintptr(unsafe.Pointer(&data[0]))
	raw, ok := r.mappings[key]
	if !ok {
		return errors.Newf("address %x is not mapped from this region", key)
	}

	if err := unix.Munmap(raw); err != nil {
		return errors.Wrap(err, "munmap")
	}

	delete(r.mappings, key)
	return nil
}

func (r *fdRegion) Prefault(data []byte) error {
	if len(data) == 0 {
		return errors.New("prefault of an empty range")
	}

	// Madvise needs a page-aligned start. The range may begin mid-page, but the
	// containing mapping began on an aligned boundary, so widening down stays
	// inside it.
	base := uintptr(unsafe.Pointer(&data[0]))
	alignedBase := base &^ (uintptr(r.unit) - 1)
	span := unsafe.Slice((*byte)(unsafe.Pointer(alignedBase)), len(data)+int(base-alignedBase))

	if err := unix.Madvise(span, unix.MADV_WILLNEED); err != nil {
		return errors.Wrap(err, "madvise(MADV_WILLNEED)")
	}

	// MADV_WILLNEED is only a hint. Touch one byte per page so every page is
	// resident when this returns.
	var sink byte
	for i := 0; i < len(span); i += int(r.unit) {
		sink += span[i]
	}
	sink += span[len(span)-1]
	prefaultSink = sink

	return nil
}

func (r *fdRegion) Discard(offset, length int) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return errors.New("discard on a closed region")
	}

	// Punching a hole in the backing object frees its storage while every
	// existing MAP_SHARED mapping stays valid and reads back zeroes.
	err := unix.Fallocate(r.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(offset), int64(length))
	if err != nil {
		return errors.Wrapf(err, "fallocate(PUNCH_HOLE) %d bytes at offset %d", length, offset)
	}

	return nil
}

func (r *fdRegion) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	for key, raw := range r.mappings {
		if unmapErr := unix.Munmap(raw); unmapErr != nil && err == nil {
			err = errors.Wrap(unmapErr, "munmap during close")
		}
		delete(r.mappings, key)
	}

	if closeErr := unix.Close(r.fd); closeErr != nil && err == nil {
		err = errors.Wrap(closeErr, "close region fd")
	}

	if r.unlinkPath != "" {
		if unlinkErr := unix.Unlink(r.unlinkPath); unlinkErr != nil && err == nil {
			err = errors.Wrap(unlinkErr, "unlink shared memory file")
		}
	}

	return err
}
