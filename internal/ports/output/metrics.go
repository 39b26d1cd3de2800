package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncIndexRuns counts finished indexing runs by outcome (committed, rolled_back, failed).
	IncIndexRuns(outcome string)

	// ObserveRunDuration records indexing run duration.
	ObserveRunDuration(duration time.Duration)

	// IncFiles counts processed files by outcome (ingested, skipped, failed).
	IncFiles(outcome string)

	// AddGranulesInserted counts granules written to a coverage.
	AddGranulesInserted(coverage string, n int)

	// SetCatalogSize sets the granule count of a coverage.
	SetCatalogSize(coverage string, n int64)

	// IncReadRequests counts reads by outcome (ok, empty, error, too_many).
	IncReadRequests(coverage string, outcome string)

	// ObserveGranulesResolved records granules selected by a read.
	ObserveGranulesResolved(coverage string, n int)

	// ObserveReadDuration records read duration.
	ObserveReadDuration(coverage string, duration time.Duration)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncIndexRuns implements MetricsCollector.
func (n *NoOpMetrics) IncIndexRuns(_ string) {}

// ObserveRunDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveRunDuration(_ time.Duration) {}

// IncFiles implements MetricsCollector.
func (n *NoOpMetrics) IncFiles(_ string) {}

// AddGranulesInserted implements MetricsCollector.
func (n *NoOpMetrics) AddGranulesInserted(_ string, _ int) {}

// SetCatalogSize implements MetricsCollector.
func (n *NoOpMetrics) SetCatalogSize(_ string, _ int64) {}

// IncReadRequests implements MetricsCollector.
func (n *NoOpMetrics) IncReadRequests(_ string, _ string) {}

// ObserveGranulesResolved implements MetricsCollector.
func (n *NoOpMetrics) ObserveGranulesResolved(_ string, _ int) {}

// ObserveReadDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveReadDuration(_ string, _ time.Duration) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
