package output

import "github.com/jobrunner/tessera/internal/domain"

// ConfigurationStore persists resolved coverage configurations.
type ConfigurationStore interface {
	// Stage prepares the properties of cfgs and, when the mosaic then holds
	// more than one coverage, the root summary. Nothing is visible until
	// the returned write is committed.
	Stage(cfgs []domain.CoverageConfiguration) (StagedWrite, error)

	// Load reads the persisted configuration of a coverage.
	Load(coverage string) (domain.CoverageConfiguration, error)

	// List returns the persisted coverage names.
	List() ([]string, error)

	// Remove deletes the persisted configuration of a coverage.
	Remove(coverage string) error
}

// StagedWrite is a pending set of configuration files.
type StagedWrite interface {
	// Commit publishes the staged files.
	Commit() error

	// Discard removes the staged files.
	Discard() error
}
