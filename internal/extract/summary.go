package extract

import "time"

// FileError records a corpus file that could not be read to the end.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Summary reports the counters of one extraction run.
type Summary struct {
	Files               int           `json:"files"`
	FailedFiles         int           `json:"failed_files"`
	Documents           int64         `json:"documents"`
	Relationships       int64         `json:"relationships"`
	UniqueAffiliations  int           `json:"unique_affiliations"`
	SkippedRecords      int64         `json:"skipped_records"`
	SkippedAffiliations int64         `json:"skipped_affiliations"`
	ExistingIdentifiers int64         `json:"existing_identifiers"`
	Collisions          int           `json:"collisions,omitempty"`
	FileErrors          []FileError   `json:"file_errors,omitempty"`
	Duration            time.Duration `json:"duration_ns"`
}
