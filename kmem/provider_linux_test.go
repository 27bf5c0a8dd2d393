package kmem

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAnonymousProviderRoundsToPageSize(t *testing.T) {
	provider, err := NewAnonymousProvider(nil, CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, "anonymous", provider.Name())

	alloc, err := provider.Allocate(1)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, alloc.Release())
	}()

	require.Equal(t, os.Getpagesize(), alloc.Size())
}

func TestAnonymousProviderMapWriteReadback(t *testing.T) {
	provider, err := NewAnonymousProvider(nil, CreateOptions{})
	require.NoError(t, err)

	alloc, err := provider.Allocate(4 * os.Getpagesize())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, alloc.Release())
	}()

	m := alloc.MapAll()
	require.NoError(t, m.Err)
	require.NotNil(t, m.Addr)
	require.Equal(t, alloc.Size(), m.Length)

	view := unsafe.Slice((*byte)(m.Addr), m.Length)
	for i := range view {
		view[i] = byte(i)
	}

	// A second mapping of the same range observes the same bytes.
	second := []MapRequest{NewMapRequest(0, alloc.Size())}
	require.Equal(t, 1, alloc.Map(second))
	require.NotNil(t, second[0].Addr)

	secondView := unsafe.Slice((*byte)(second[0].Addr), alloc.Size())
	for i := 0; i < alloc.Size(); i += 997 {
		require.Equal(t, byte(i), secondView[i])
	}
}

func TestAnonymousProviderSubRangeMapping(t *testing.T) {
	provider, err := NewAnonymousProvider(nil, CreateOptions{})
	require.NoError(t, err)

	pageSize := os.Getpagesize()
	alloc, err := provider.Allocate(8 * pageSize)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, alloc.Release())
	}()

	whole := alloc.MapAll()
	require.NoError(t, whole.Err)
	wholeView := unsafe.Slice((*byte)(whole.Addr), alloc.Size())
	wholeView[3*pageSize] = 0x5A

	// An unaligned sub-range still resolves to the right bytes.
	sub := []MapRequest{NewMapRequest(3*pageSize-8, 64)}
	require.Equal(t, 1, alloc.Map(sub))
	require.NoError(t, sub[0].Err)

	subView := unsafe.Slice((*byte)(sub[0].Addr), 64)
	require.Equal(t, byte(0x5A), subView[8])

	resolved, m, err := provider.AllocationFor(sub[0].Addr)
	require.NoError(t, err)
	require.Same(t, alloc, resolved)
	require.Equal(t, 3*pageSize-8, m.Offset)
	require.Equal(t, 64, m.Length)

	require.Equal(t, 1, alloc.Unmap(sub))
	require.NoError(t, sub[0].Err)
}

func TestAnonymousProviderPrefault(t *testing.T) {
	provider, err := NewAnonymousProvider(nil, CreateOptions{})
	require.NoError(t, err)

	alloc, err := provider.Allocate(16 * os.Getpagesize())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, alloc.Release())
	}()

	m := alloc.MapAll()
	require.NoError(t, m.Err)

	requests := []MapRequest{{Addr: m.Addr, Length: m.Length}}
	require.Equal(t, 1, alloc.Prefault(requests))
	require.NoError(t, requests[0].Err)
}

func TestAnonymousProviderDiscardZeroesWithoutRemap(t *testing.T) {
	provider, err := NewAnonymousProvider(nil, CreateOptions{})
	require.NoError(t, err)

	pageSize := os.Getpagesize()
	alloc, err := provider.Allocate(4 * pageSize)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, alloc.Release())
	}()

	m := alloc.MapAll()
	require.NoError(t, m.Err)

	view := unsafe.Slice((*byte)(m.Addr), m.Length)
	for i := range view {
		view[i] = 0xFF
	}

	requests := []MapRequest{{Addr: m.Addr, Length: 2 * pageSize}}
	require.Equal(t, 1, alloc.Discard(requests))
	require.NoError(t, requests[0].Err)

	// Same address, freshly-mapped content for the discarded pages only.
	require.Equal(t, byte(0), view[0])
	require.Equal(t, byte(0), view[2*pageSize-1])
	require.Equal(t, byte(0xFF), view[2*pageSize])
}

func TestSharedMemoryProviderRoundTrip(t *testing.T) {
	if _, err := os.Stat(shmDir); err != nil {
		t.Skipf("%s is not available: %v", shmDir, err)
	}

	provider, err := NewSharedMemoryProvider(nil, "kernalloc-test", CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, "shared:kernalloc-test", provider.Name())

	alloc, err := provider.Allocate(os.Getpagesize())
	require.NoError(t, err)

	m := alloc.MapAll()
	require.NoError(t, m.Err)

	view := unsafe.Slice((*byte)(m.Addr), m.Length)
	view[0] = 0x42

	resolved, _, err := provider.AllocationFor(m.Addr)
	require.NoError(t, err)
	require.Same(t, alloc, resolved)

	// Release unlinks the backing file along with everything else.
	require.NoError(t, alloc.Release())
}

func TestSharedMemoryProviderRequiresPrefix(t *testing.T) {
	_, err := NewSharedMemoryProvider(nil, "", CreateOptions{})
	require.Error(t, err)
}

func TestHugePageProviderRoundTrip(t *testing.T) {
	provider, err := NewHugePageProvider(nil, CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, "hugepage", provider.Name())

	alloc, err := provider.Allocate(1)
	if err != nil {
		// Hosts without a configured huge page pool fail the allocation, and
		// that failure has to be classified as allocation failure, not a crash.
		require.ErrorIs(t, err, ErrAllocationFailed)
		t.Skipf("no huge pages available: %v", err)
	}

	require.Equal(t, int(hugePageSize), alloc.Size())

	m := alloc.MapAll()
	if m.Err != nil {
		require.NoError(t, alloc.Release())
		t.Skipf("huge page mapping unavailable: %v", m.Err)
	}

	view := unsafe.Slice((*byte)(m.Addr), m.Length)
	view[0] = 0x7F
	require.Equal(t, byte(0x7F), view[0])

	require.NoError(t, alloc.Release())
}

func TestExternallySynchronizedProvider(t *testing.T) {
	provider, err := NewAnonymousProvider(nil, CreateOptions{
		Flags: ProviderExternallySynchronized,
	})
	require.NoError(t, err)

	alloc, err := provider.Allocate(os.Getpagesize())
	require.NoError(t, err)

	m := alloc.MapAll()
	require.NoError(t, m.Err)

	resolved, _, err := provider.AllocationFor(m.Addr)
	require.NoError(t, err)
	require.Same(t, alloc, resolved)

	require.NoError(t, alloc.Release())
}

func TestProviderDebugValidateHook(t *testing.T) {
	provider, err := NewAnonymousProvider(nil, CreateOptions{})
	require.NoError(t, err)

	alloc, err := provider.Allocate(os.Getpagesize())
	require.NoError(t, err)
	m := alloc.MapAll()
	require.NoError(t, m.Err)

	require.NoError(t, provider.Validate())
	require.NoError(t, alloc.Release())
	require.NoError(t, provider.Validate())
}

func BenchmarkAllocateReleaseAnonymous(b *testing.B) {
	provider, err := NewAnonymousProvider(nil, CreateOptions{})
	if err != nil {
		b.Fatal(err)
	}

	pageSize := os.Getpagesize()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		alloc, err := provider.Allocate(4 * pageSize)
		if err != nil {
			b.Fatal(err)
		}

		m := alloc.MapAll()
		if m.Err != nil {
			b.Fatal(m.Err)
		}

		if err := alloc.Release(); err != nil {
			b.Fatal(err)
		}
	}
}
