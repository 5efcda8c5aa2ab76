// Package resolve maps each unique affiliation string to an organization
// identifier exactly once.
//
// Every fingerprint moves Pending -> InFlight -> Matched|Failed. Terminal
// outcomes are handed to a single writer goroutine that appends the outcome
// to matches.jsonl or matches.failed.jsonl, then to the matches.checkpoint
// log, and only then acknowledges, so a concurrency slot is never released
// before its outcome is durable in the page cache. On resume the checkpoint
// is authoritative: a torn final line is truncated, any other damage is
// fatal, and the outcome streams are trimmed to the checkpointed set so each
// fingerprint appears exactly once across both streams.
package resolve
