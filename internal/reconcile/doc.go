// Package reconcile joins the relationship stream with resolved outcomes and
// writes one enriched DataCite-shaped record per document.
//
// Two index backends exist. The memory backend keeps a fingerprint to
// organization map and relies on extraction writing every document's
// relationships contiguously. The sqlite backend loads both inputs into an
// on-disk database and streams a single ordered join, for inputs whose index
// does not fit in memory or whose documents are interleaved.
//
// Relationships that already carried a ROR identifier on the source record
// are also reported in existing_assignments.jsonl, aggregated per affiliation,
// and compared against resolved matches in disagreements.jsonl.
package reconcile
