package kmem

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// fakeRegion implements mman.Region over a plain byte slice so the allocation
// and provider machinery can be exercised without touching the kernel. Mapping
// a range returns a view of the shared backing, matching the MAP_SHARED
// visibility of the real regions.
type fakeRegion struct {
	backing []byte
	mapped  map[uintptr][]byte

	// failMapAtOffset injects a Map failure for specific offsets.
	failMapAtOffset map[int]error

	prefaultCalls int
	discardCalls  int
	closed        bool
}

func newFakeRegion(size int) *fakeRegion {
	return &fakeRegion{
		backing:         make([]byte, size),
		mapped:          make(map[uintptr][]byte),
		failMapAtOffset: make(map[int]error),
	}
}

func (r *fakeRegion) Size() int {
	return len(r.backing)
}

func (r *fakeRegion) Map(offset, length int) ([]byte, error) {
	if err := r.failMapAtOffset[offset]; err != nil {
		return nil, err
	}

	data := r.backing[offset : offset+length : offset+length]
	r.mapped[uintptr(unsafe.Pointer(&data[0]))] = data
	return data, nil
}

func (r *fakeRegion) Unmap(data []byte) error {
	key := uintptr(unsafe.Pointer(&data[0]))
	if _, ok := r.mapped[key]; !ok {
		return errors.Newf("address %x is not mapped from this region", key)
	}

	delete(r.mapped, key)
	return nil
}

func (r *fakeRegion) Prefault(data []byte) error {
	r.prefaultCalls++
	return nil
}

func (r *fakeRegion) Discard(offset, length int) error {
	r.discardCalls++
	for i := offset; i < offset+length; i++ {
		r.backing[i] = 0
	}
	return nil
}

func (r *fakeRegion) Close() error {
	r.closed = true
	return nil
}

const testGranularity = 4096

// testProvider is a Provider over fakeRegions. It reuses the real registry
// core, so resolution and stats behave exactly as they do for the built-in
// providers.
type testProvider struct {
	providerCore

	mu            sync.Mutex
	allocateCalls int
	failNext      error
	regions       []*fakeRegion
}

func newTestProvider(t require.TestingT, name string) *testProvider {
	core, err := newProviderCore(name, nil, testGranularity, CreateOptions{})
	require.NoError(t, err)

	return &testProvider{providerCore: core}
}

func (p *testProvider) Allocate(bytes int) (Allocation, error) {
	p.mu.Lock()
	p.allocateCalls++
	failNext := p.failNext
	p.failNext = nil
	p.mu.Unlock()

	if failNext != nil {
		return nil, failNext
	}

	size, err := p.roundRequest(bytes)
	if err != nil {
		return nil, err
	}

	region := newFakeRegion(size)
	p.mu.Lock()
	p.regions = append(p.regions, region)
	p.mu.Unlock()

	return p.newAllocation(p, region, size), nil
}
