package kmem

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/memforge/kernalloc/kmem/internal/mman"
	"golang.org/x/exp/slog"
)

// hugePageSize is the default huge page granularity. Kernels configured for
// other sizes can override it through CreateOptions.Granularity.
const hugePageSize uint = 2 * 1024 * 1024

const shmDir = "/dev/shm"

// AnonymousProvider issues allocations of anonymous kernel memory backed by
// memfds, so every mapping of an allocation observes the same bytes.
type AnonymousProvider struct {
	providerCore
}

// NewAnonymousProvider creates a provider of anonymous kernel memory.
//
// logger - Receives debug tracing from the provider and its allocations. May
// be nil, in which case slog.Default() is used.
//
// options - Optional parameters: it is valid to leave all the fields blank
func NewAnonymousProvider(logger *slog.Logger, options CreateOptions) (*AnonymousProvider, error) {
	core, err := newProviderCore("anonymous", logger, uint(os.Getpagesize()), options)
	if err != nil {
		return nil, err
	}

	return &AnonymousProvider{providerCore: core}, nil
}

func (p *AnonymousProvider) Allocate(bytes int) (Allocation, error) {
	p.logger.Debug("AnonymousProvider::Allocate")

	size, err := p.roundRequest(bytes)
	if err != nil {
		return nil, err
	}

	region, err := mman.NewMemfdRegion("kernalloc-anon", size, p.granularity, false)
	if err != nil {
		return nil, errors.Mark(err, ErrAllocationFailed)
	}

	return p.newAllocation(p, region, size), nil
}

// SharedMemoryProvider issues allocations backed by named files on the
// shared-memory filesystem. Each allocation gets its own file, which is
// removed when the allocation is released.
type SharedMemoryProvider struct {
	providerCore

	prefix string
	nextID atomic.Uint64
}

// NewSharedMemoryProvider creates a provider of shared-memory-backed kernel
// memory. prefix names the backing files under /dev/shm and must not be empty.
func NewSharedMemoryProvider(logger *slog.Logger, prefix string, options CreateOptions) (*SharedMemoryProvider, error) {
	if prefix == "" {
		return nil, errors.New("a shared memory provider requires a non-empty file prefix")
	}

	core, err := newProviderCore(fmt.Sprintf("shared:%s", prefix), logger, uint(os.Getpagesize()), options)
	if err != nil {
		return nil, err
	}

	return &SharedMemoryProvider{
		providerCore: core,
		prefix:       prefix,
	}, nil
}

func (p *SharedMemoryProvider) Allocate(bytes int) (Allocation, error) {
	p.logger.Debug("SharedMemoryProvider::Allocate")

	size, err := p.roundRequest(bytes)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("%s/%s-%d-%d", shmDir, p.prefix, os.Getpid(), p.nextID.Add(1))
	region, err := mman.NewShmFileRegion(path, size, p.granularity)
	if err != nil {
		return nil, errors.Mark(err, ErrAllocationFailed)
	}

	return p.newAllocation(p, region, size), nil
}

// HugePageProvider issues allocations from the kernel's huge page pool via
// hugetlb memfds. Allocation requests are rounded up to whole huge pages, and
// Allocate fails with ErrAllocationFailed when the pool is exhausted or not
// configured.
type HugePageProvider struct {
	providerCore
}

// NewHugePageProvider creates a provider of huge-page-backed kernel memory.
//
// logger - Receives debug tracing from the provider and its allocations. May
// be nil, in which case slog.Default() is used.
//
// options - Optional parameters: it is valid to leave all the fields blank
func NewHugePageProvider(logger *slog.Logger, options CreateOptions) (*HugePageProvider, error) {
	core, err := newProviderCore("hugepage", logger, hugePageSize, options)
	if err != nil {
		return nil, err
	}

	return &HugePageProvider{providerCore: core}, nil
}

func (p *HugePageProvider) Allocate(bytes int) (Allocation, error) {
	p.logger.Debug("HugePageProvider::Allocate")

	size, err := p.roundRequest(bytes)
	if err != nil {
		return nil, err
	}

	region, err := mman.NewMemfdRegion("kernalloc-huge", size, p.granularity, true)
	if err != nil {
		return nil, errors.Mark(err, ErrAllocationFailed)
	}

	return p.newAllocation(p, region, size), nil
}
