// Package workdir names the files every stage reads and writes and guards the
// directory against concurrent runs.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	UniqueAffiliationsFile  = "unique_affiliations.jsonl"
	RelationshipsFile       = "relationships.jsonl"
	MatchesFile             = "matches.jsonl"
	FailedMatchesFile       = "matches.failed.jsonl"
	CheckpointFile          = "matches.checkpoint"
	EnrichedRecordsFile     = "enriched_records.jsonl"
	ExistingAssignmentsFile = "existing_assignments.jsonl"
	ExistingAggregatedFile  = "existing_assignments_aggregated.jsonl"
	DisagreementsFile       = "disagreements.jsonl"
	ReconcileDatabaseFile   = "reconcile.db"
	LockFile                = "affilink.lock"
)

// Dir is a pipeline work directory.
type Dir struct {
	root string
}

// New returns a Dir rooted at path. It does not touch the filesystem.
func New(path string) Dir {
	return Dir{root: filepath.Clean(path)}
}

// Ensure creates the directory when missing.
func (d Dir) Ensure() error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("create work directory %s: %w", d.root, err)
	}
	return nil
}

func (d Dir) Root() string                { return d.root }
func (d Dir) Path(name string) string     { return filepath.Join(d.root, name) }
func (d Dir) UniqueAffiliations() string  { return d.Path(UniqueAffiliationsFile) }
func (d Dir) Relationships() string       { return d.Path(RelationshipsFile) }
func (d Dir) Matches() string             { return d.Path(MatchesFile) }
func (d Dir) FailedMatches() string       { return d.Path(FailedMatchesFile) }
func (d Dir) Checkpoint() string          { return d.Path(CheckpointFile) }
func (d Dir) ExistingAssignments() string { return d.Path(ExistingAssignmentsFile) }
func (d Dir) ExistingAggregated() string  { return d.Path(ExistingAggregatedFile) }
func (d Dir) Disagreements() string       { return d.Path(DisagreementsFile) }
func (d Dir) ReconcileDatabase() string   { return d.Path(ReconcileDatabaseFile) }

// Files lists every well-known file in pipeline order.
func (d Dir) Files() []string {
	return []string{
		UniqueAffiliationsFile,
		RelationshipsFile,
		MatchesFile,
		FailedMatchesFile,
		CheckpointFile,
		EnrichedRecordsFile,
		ExistingAssignmentsFile,
		ExistingAggregatedFile,
		DisagreementsFile,
	}
}
