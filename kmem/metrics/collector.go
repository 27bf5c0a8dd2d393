// Package metrics exposes provider usage counters as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/memforge/kernalloc/kmem"
)

type providerCollector struct {
	source kmem.StatsSource

	allocationCount  *prometheus.Desc
	allocationBytes  *prometheus.Desc
	mappedRangeCount *prometheus.Desc
	mappedBytes      *prometheus.Desc
}

// NewProviderCollector returns a prometheus.Collector reporting the current
// usage counters of the given provider, labeled with the provider's name.
func NewProviderCollector(source kmem.StatsSource) prometheus.Collector {
	labels := prometheus.Labels{"provider": source.Name()}

	return &providerCollector{
		source: source,
		allocationCount: prometheus.NewDesc(
			"kernalloc_allocation_count",
			"Number of live allocations issued by the provider.",
			nil, labels,
		),
		allocationBytes: prometheus.NewDesc(
			"kernalloc_allocation_bytes",
			"Total size in bytes of live allocations issued by the provider.",
			nil, labels,
		),
		mappedRangeCount: prometheus.NewDesc(
			"kernalloc_mapped_range_count",
			"Number of live process-local mappings of the provider's allocations.",
			nil, labels,
		),
		mappedBytes: prometheus.NewDesc(
			"kernalloc_mapped_bytes",
			"Total size in bytes of live process-local mappings of the provider's allocations.",
			nil, labels,
		),
	}
}

func (c *providerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocationCount
	ch <- c.allocationBytes
	ch <- c.mappedRangeCount
	ch <- c.mappedBytes
}

func (c *providerCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	ch <- prometheus.MustNewConstMetric(c.allocationCount, prometheus.GaugeValue, float64(stats.AllocationCount))
	ch <- prometheus.MustNewConstMetric(c.allocationBytes, prometheus.GaugeValue, float64(stats.AllocationBytes))
	ch <- prometheus.MustNewConstMetric(c.mappedRangeCount, prometheus.GaugeValue, float64(stats.MappedRangeCount))
	ch <- prometheus.MustNewConstMetric(c.mappedBytes, prometheus.GaugeValue, float64(stats.MappedBytes))
}
