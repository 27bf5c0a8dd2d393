package kmem

import (
	"github.com/memforge/kernalloc/kmem/internal/utils"
	"github.com/memforge/kernalloc/memutils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific provider behaviors to activate or deactivate
type CreateFlags int32

const (
	// ProviderExternallySynchronized ensures that this provider and all allocations issued from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve
	// because internal mutexes are not used.
	ProviderExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = make(map[CreateFlags]string)

func (f CreateFlags) String() string {
	return createFlagsMapping[f]
}

func init() {
	createFlagsMapping[ProviderExternallySynchronized] = "ProviderExternallySynchronized"
}

// CreateOptions contains optional settings when creating a provider
type CreateOptions struct {
	// Flags indicates specific provider behaviors to activate or deactivate
	Flags CreateFlags

	// Granularity overrides the provider's allocation granularity in bytes. It
	// must be a power of two. When zero, the provider's natural granularity is
	// used: the system page size, or the huge page size for huge-page
	// providers.
	Granularity uint
}

func newProviderCore(name string, logger *slog.Logger, naturalGranularity uint, options CreateOptions) (providerCore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	granularity := options.Granularity
	if granularity == 0 {
		granularity = naturalGranularity
	}
	if err := memutils.CheckPow2(granularity, "granularity"); err != nil {
		return providerCore{}, err
	}

	useMutex := options.Flags&ProviderExternallySynchronized == 0

	return providerCore{
		name:        name,
		logger:      logger,
		granularity: granularity,
		useMutex:    useMutex,
		indexMutex:  utils.OptionalRWMutex{UseMutex: useMutex},
		index:       make(map[uintptr]rangeEntry),
		allocations: make(map[*regionAllocation]struct{}),
	}, nil
}
