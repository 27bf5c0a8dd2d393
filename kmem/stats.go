package kmem

import (
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// WriteDetailedMap streams a JSON description of the provider's registry:
// every live allocation with its size and currently mapped ranges.
func (c *providerCore) WriteDetailedMap(writer *jwriter.Writer) {
	c.indexMutex.RLock()
	defer c.indexMutex.RUnlock()

	obj := writer.Object()
	defer obj.End()

	obj.Name("Name").String(c.name)
	obj.Name("Granularity").Int(int(c.granularity))

	// Group the indexed ranges by owning allocation so each allocation prints
	// its own mappings.
	ranges := make(map[*regionAllocation][]rangeEntry)
	for _, entry := range c.index {
		ranges[entry.alloc] = append(ranges[entry.alloc], entry)
	}

	allocArray := obj.Name("Allocations").Array()
	defer allocArray.End()

	for alloc := range c.allocations {
		allocObj := allocArray.Object()
		allocObj.Name("Size").Int(alloc.size)

		allocRanges := ranges[alloc]
		sort.Slice(allocRanges, func(i, j int) bool {
			return allocRanges[i].offset < allocRanges[j].offset
		})

		rangeArray := allocObj.Name("MappedRanges").Array()
		for _, entry := range allocRanges {
			rangeObj := rangeArray.Object()
			rangeObj.Name("Offset").Int(entry.offset)
			rangeObj.Name("Length").Int(entry.length)
			rangeObj.End()
		}
		rangeArray.End()

		allocObj.End()
	}
}

// BuildStatsString returns the WriteDetailedMap JSON as a string, plus the
// provider's aggregated counters.
func (c *providerCore) BuildStatsString() string {
	writer := jwriter.NewWriter()

	obj := writer.Object()

	stats := c.Stats()
	statsObj := obj.Name("Totals").Object()
	statsObj.Name("AllocationCount").Int(stats.AllocationCount)
	statsObj.Name("AllocationBytes").Int(stats.AllocationBytes)
	statsObj.Name("MappedRangeCount").Int(stats.MappedRangeCount)
	statsObj.Name("MappedBytes").Int(stats.MappedBytes)
	statsObj.End()

	detailWriter := obj.Name("DetailedMap")
	c.WriteDetailedMap(detailWriter)

	obj.End()

	return string(writer.Bytes())
}
