// Package extract turns a DataCite corpus into the unique affiliation set and
// the relationship stream.
//
// Files are decoded by a pool of workers that share nothing; each worker
// hands batches of whole documents to a single merge goroutine which owns the
// global fingerprint map and the relationship writer. Malformed records and
// entries are skipped and counted, and an unreadable file is recorded without
// stopping the others.
package extract
