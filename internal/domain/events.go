package domain

import "time"

// EventKind identifies an indexing progress notification.
type EventKind string

// Event kinds.
const (
	EventStarted      EventKind = "started"
	EventFileIngested EventKind = "file_ingested"
	EventFileSkipped  EventKind = "file_skipped"
	EventFileFailed   EventKind = "file_failed"
	EventCompleted    EventKind = "completed"
	EventCancelled    EventKind = "cancelled"
	EventFailed       EventKind = "failed"
)

// Terminal reports whether the kind ends a run.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventCancelled || k == EventFailed
}

// ProcessEvent is emitted while indexing or harvesting.
type ProcessEvent struct {
	RunID    string
	Kind     EventKind
	Path     string
	Coverage string
	Message  string
	Percent  float64
	Err      error
	Time     time.Time
}

// HarvestStatus is the per-file outcome of a harvest.
type HarvestStatus string

// Harvest statuses.
const (
	HarvestIngested HarvestStatus = "ingested"
	HarvestSkipped  HarvestStatus = "skipped"
	HarvestFailed   HarvestStatus = "failed"
)

// HarvestOutcome reports what happened to one harvested file.
type HarvestOutcome struct {
	Path      string        `json:"path"`
	Status    HarvestStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Err       error         `json:"-"`
	Coverages []string      `json:"coverages,omitempty"`
	Granules  int           `json:"granules"`
}

// Error returns the failure message, if any.
func (o HarvestOutcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// RunState is the state of an indexing run.
type RunState string

// Run states.
const (
	StateInit               RunState = "INIT"
	StateScanning           RunState = "SCANNING"
	StateOpening            RunState = "OPENING"
	StateExtracting         RunState = "EXTRACTING"
	StateCompatibilityCheck RunState = "COMPATIBILITY_CHECK"
	StateCommittingRow      RunState = "COMMITTING_ROW"
	StateFinalizing         RunState = "FINALIZING"
	StateCommitted          RunState = "COMMITTED"
	StateRolledBack         RunState = "ROLLED_BACK"
)

// IndexRequest describes one indexing run.
type IndexRequest struct {
	Root      string // Directory to walk
	Recursive bool   // Descend into subdirectories
	Filter    string // Optional file filter expression
	Coverage  string // Optional target coverage for single-coverage files
}

// RunReport summarizes a finished indexing run.
type RunReport struct {
	RunID     string        `json:"run_id"`
	State     RunState      `json:"state"`
	Files     int           `json:"files"`
	Ingested  int           `json:"ingested"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Granules  int           `json:"granules"`
	Coverages []string      `json:"coverages"`
	Duration  time.Duration `json:"duration"`
}
