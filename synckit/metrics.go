package synckit

import "time"

// MetricsCollector provides hooks for collecting sync operation metrics
type MetricsCollector interface {
	// RecordSyncDuration records how long a sync operation took
	RecordSyncDuration(operation string, duration time.Duration)

	// RecordSyncEvents records the number of operations pushed and records pulled
	RecordSyncEvents(pushed, pulled int)

	// RecordSyncErrors records sync operation errors by kind
	RecordSyncErrors(operation string, errorType string)

	// RecordConflicts records the number of reconciliation conflicts
	RecordConflicts(resolved int)

	// RecordQueueDepth reports the pending operations of one priority tier
	RecordQueueDepth(priority string, depth int)

	// RecordCacheResult records a response cache hit or miss
	RecordCacheResult(partition string, hit bool)

	// RecordEviction records one LRU eviction
	RecordEviction(resource string)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordSyncDuration(operation string, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordSyncEvents(pushed, pulled int)                         {}
func (n *NoOpMetricsCollector) RecordSyncErrors(operation string, errorType string)         {}
func (n *NoOpMetricsCollector) RecordConflicts(resolved int)                                {}
func (n *NoOpMetricsCollector) RecordQueueDepth(priority string, depth int)                 {}
func (n *NoOpMetricsCollector) RecordCacheResult(partition string, hit bool)                {}
func (n *NoOpMetricsCollector) RecordEviction(resource string)                              {}
