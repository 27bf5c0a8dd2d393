package memutils

import "math"

// Statistics is a set of basic usage counters for a single memory source: how
// many allocations it has issued and how much of their extent is currently
// mapped into the process.
type Statistics struct {
	AllocationCount  int
	AllocationBytes  int
	MappedRangeCount int
	MappedBytes      int
}

func (s *Statistics) Clear() {
	s.AllocationCount = 0
	s.AllocationBytes = 0
	s.MappedRangeCount = 0
	s.MappedBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
	s.MappedRangeCount += other.MappedRangeCount
	s.MappedBytes += other.MappedBytes
}

// DetailedStatistics extends Statistics with min/max extremes for allocation
// and mapped-range sizes.
type DetailedStatistics struct {
	Statistics
	AllocationSizeMin  int
	AllocationSizeMax  int
	MappedRangeSizeMin int
	MappedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.MappedRangeSizeMin = math.MaxInt
	s.MappedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddMappedRange(size int) {
	s.MappedRangeCount++
	s.MappedBytes += size

	if size < s.MappedRangeSizeMin {
		s.MappedRangeSizeMin = size
	}

	if size > s.MappedRangeSizeMax {
		s.MappedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}
	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
	if other.MappedRangeSizeMin < s.MappedRangeSizeMin {
		s.MappedRangeSizeMin = other.MappedRangeSizeMin
	}
	if other.MappedRangeSizeMax > s.MappedRangeSizeMax {
		s.MappedRangeSizeMax = other.MappedRangeSizeMax
	}
}
