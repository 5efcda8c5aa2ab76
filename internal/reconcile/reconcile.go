package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"affilink/internal/fileutil"
	"affilink/internal/fingerprint"
	"affilink/internal/logging"
	"affilink/internal/metrics"
	"affilink/internal/registry"
	"affilink/internal/services"
	"affilink/internal/workdir"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

const cancelCheckEvery = 4096

// Options configures a reconciliation run.
type Options struct {
	Dir workdir.Dir
	// Backend is BackendMemory (default) or BackendSQLite.
	Backend string
	// Output defaults to enriched_records.jsonl in Dir.
	Output string
	// OrgDataPath optionally names a ROR data dump used for display names.
	OrgDataPath string
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Summary reports one reconciliation run.
type Summary struct {
	Backend             string        `json:"backend"`
	Output              string        `json:"output"`
	Documents           int           `json:"documents"`
	Relationships       int           `json:"relationships"`
	Identified          int           `json:"identified"`
	Unidentified        int           `json:"unidentified"`
	SkippedLines        int64         `json:"skipped_lines"`
	MatchesLoaded       int           `json:"matches_loaded"`
	FailedOutcomes      int           `json:"failed_outcomes"`
	ExistingAssignments int           `json:"existing_assignments"`
	UserDisagreements   int           `json:"user_disagreements"`
	MatchDisagreements  int           `json:"match_disagreements"`
	Duration            time.Duration `json:"duration_ns"`
}

type existingStats struct {
	affiliation string
	counts      map[string]int
	matched     string
}

type reconciler struct {
	ctx      context.Context
	names    Names
	summary  *Summary
	existing map[fingerprint.Fingerprint]*existingStats
	seen     int
}

// Run rebuilds the enriched output and the existing-assignment reports from
// the relationship stream and the resolved matches. Every output is replaced
// atomically; an interrupted run leaves the previous outputs in place.
func Run(ctx context.Context, opts Options) (Summary, error) {
	start := time.Now()
	logger := logging.NewComponentLogger(opts.Logger, "reconcile")
	if opts.Backend == "" {
		opts.Backend = BackendMemory
	}
	if opts.Output == "" {
		opts.Output = opts.Dir.Path(workdir.EnrichedRecordsFile)
	}
	summary := Summary{Backend: opts.Backend, Output: opts.Output}

	if _, err := os.Stat(opts.Dir.Relationships()); err != nil {
		return summary, services.Wrap(services.ErrNotFound, "reconcile", "open relationships", "run extract first", err)
	}

	names := Names{}
	if opts.OrgDataPath != "" {
		loaded, err := LoadNames(opts.OrgDataPath)
		if err != nil {
			return summary, services.Wrap(services.ErrConfiguration, "reconcile", "load organization names", opts.OrgDataPath, err)
		}
		names = loaded
		logger.Info("organization names loaded", logging.Int("organizations", len(names)))
	}

	failedOutcomes, err := countLines(opts.Dir.FailedMatches())
	if err != nil {
		return summary, services.Wrap(services.ErrOutput, "reconcile", "count failed outcomes", "", err)
	}
	summary.FailedOutcomes = failedOutcomes

	var (
		src    rowSource
		loaded int
	)
	switch opts.Backend {
	case BackendMemory:
		src, loaded, err = openMemory(opts.Dir.Matches(), opts.Dir.Relationships())
	case BackendSQLite:
		src, loaded, err = openSQLite(ctx, opts.Dir.ReconcileDatabase(), opts.Dir.Matches(), opts.Dir.Relationships())
	default:
		return summary, services.Wrap(services.ErrConfiguration, "reconcile", "select backend",
			fmt.Sprintf("unknown backend %q", opts.Backend), nil)
	}
	if err != nil {
		if ctx.Err() != nil {
			return summary, services.Wrap(services.ErrInterrupted, "reconcile", "build index", "", ctx.Err())
		}
		return summary, services.Wrap(services.ErrOutput, "reconcile", "build index", opts.Backend, err)
	}
	defer src.Close()
	summary.MatchesLoaded = loaded
	if loaded == 0 {
		logging.WarnWithContext(logger, "no resolved matches found", "no_matches",
			logging.String(logging.FieldFile, opts.Dir.Matches()),
			logging.String(logging.FieldImpact, "every affiliation is written without an identifier"),
		)
	}
	logger.Info("reconciliation started",
		logging.String("backend", opts.Backend),
		logging.Int("matches", loaded),
		logging.String("output", opts.Output),
	)

	r := &reconciler{
		ctx:      ctx,
		names:    names,
		summary:  &summary,
		existing: make(map[fingerprint.Fingerprint]*existingStats),
	}
	err = fileutil.WriteAtomic(opts.Output, func(enriched *bufio.Writer) error {
		return fileutil.WriteAtomic(opts.Dir.ExistingAssignments(), func(assignments *bufio.Writer) error {
			return r.stream(src, newEncoder(enriched), newEncoder(assignments))
		})
	})
	summary.SkippedLines = src.Skipped()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return summary, services.Wrap(services.ErrInterrupted, "reconcile", "stream join", "", err)
		}
		return summary, services.Wrap(services.ErrOutput, "reconcile", "write enriched records", opts.Output, err)
	}

	if err := r.writeReports(opts.Dir); err != nil {
		return summary, services.Wrap(services.ErrOutput, "reconcile", "write reports", "", err)
	}

	summary.Duration = time.Since(start)
	opts.Metrics.AddReconciled(summary.Documents, summary.Identified, summary.Unidentified)
	opts.Metrics.AddDisagreements(DisagreementUser, summary.UserDisagreements)
	opts.Metrics.AddDisagreements(DisagreementMatch, summary.MatchDisagreements)

	if summary.SkippedLines > 0 {
		logging.WarnWithContext(logger, "malformed relationship lines skipped", "relationships_skipped",
			logging.Int64("skipped", summary.SkippedLines),
			logging.String(logging.FieldImpact, "those relationships are missing from the enriched output"),
		)
	}
	logger.Info("reconciliation finished",
		logging.Int("documents", summary.Documents),
		logging.Int("relationships", summary.Relationships),
		logging.Int("identified", summary.Identified),
		logging.Int("unidentified", summary.Unidentified),
		logging.Int("existing_assignments", summary.ExistingAssignments),
		logging.Duration("elapsed", summary.Duration),
	)
	return summary, nil
}

func newEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// stream groups adjacent rows by document and writes one enriched record per
// group.
func (r *reconciler) stream(src rowSource, enriched, assignments *json.Encoder) error {
	var group []row
	flush := func() error {
		if len(group) == 0 {
			return nil
		}
		err := enriched.Encode(r.buildRecord(group))
		group = group[:0]
		return err
	}
	for {
		next, err := src.Next()
		if errors.Is(err, io.EOF) {
			return flush()
		}
		if err != nil {
			return err
		}
		r.seen++
		if r.seen%cancelCheckEvery == 0 {
			if err := r.ctx.Err(); err != nil {
				return err
			}
		}
		if len(group) > 0 && group[0].DocumentID != next.DocumentID {
			if err := flush(); err != nil {
				return err
			}
		}
		group = append(group, next)
		if next.ExistingOrgID != "" {
			if err := r.recordExisting(next, assignments); err != nil {
				return err
			}
		}
	}
}

// buildRecord orders a document's rows by author then affiliation ordinal.
// Every row becomes exactly one affiliation entry.
func (r *reconciler) buildRecord(group []row) EnrichedRecord {
	sort.SliceStable(group, func(i, j int) bool {
		if group[i].AuthorOrdinal != group[j].AuthorOrdinal {
			return group[i].AuthorOrdinal < group[j].AuthorOrdinal
		}
		return group[i].AffiliationOrdinal < group[j].AffiliationOrdinal
	})

	record := EnrichedRecord{DOI: group[0].DocumentID}
	for i, rw := range group {
		if i == 0 || group[i-1].AuthorOrdinal != rw.AuthorOrdinal {
			record.Creators = append(record.Creators, EnrichedCreator{
				Name:       rw.AuthorName,
				GivenName:  rw.GivenName,
				FamilyName: rw.FamilyName,
			})
		}
		entry := EnrichedAffiliation{Name: rw.Affiliation}
		if rw.OrganizationID != "" {
			entry.AffiliationIdentifier = rw.OrganizationID
			entry.AffiliationIdentifierScheme = identifierScheme
			entry.SchemeURI = schemeURI
			r.summary.Identified++
		} else {
			r.summary.Unidentified++
		}
		creator := &record.Creators[len(record.Creators)-1]
		creator.Affiliation = append(creator.Affiliation, entry)
	}
	r.summary.Documents++
	r.summary.Relationships += len(group)
	return record
}

func (r *reconciler) recordExisting(rw row, assignments *json.Encoder) error {
	existingID := registry.NormalizeID(rw.ExistingOrgID)
	err := assignments.Encode(ExistingAssignment{
		DOI:              rw.DocumentID,
		AuthorIndex:      rw.AuthorOrdinal,
		AuthorName:       rw.AuthorName,
		Affiliation:      rw.Affiliation,
		OrganizationID:   existingID,
		OrganizationName: r.names.Lookup(existingID),
	})
	if err != nil {
		return err
	}
	r.summary.ExistingAssignments++

	stats, ok := r.existing[rw.Fingerprint]
	if !ok {
		stats = &existingStats{affiliation: rw.Affiliation, counts: make(map[string]int)}
		r.existing[rw.Fingerprint] = stats
	}
	stats.counts[existingID]++
	if rw.OrganizationID != "" {
		stats.matched = rw.OrganizationID
	}
	return nil
}

// writeReports writes the aggregated existing assignments and the
// disagreements, ordered by fingerprint then organization id.
func (r *reconciler) writeReports(dir workdir.Dir) error {
	fps := make([]fingerprint.Fingerprint, 0, len(r.existing))
	for fp := range r.existing {
		fps = append(fps, fp)
	}
	sort.Slice(fps, func(i, j int) bool { return fps[i] < fps[j] })

	err := fileutil.WriteAtomic(dir.ExistingAggregated(), func(w *bufio.Writer) error {
		enc := newEncoder(w)
		for _, fp := range fps {
			stats := r.existing[fp]
			for _, id := range sortedIDs(stats.counts) {
				err := enc.Encode(ExistingAggregate{
					Affiliation:      stats.affiliation,
					Fingerprint:      fp,
					OrganizationID:   id,
					OrganizationName: r.names.Lookup(id),
					Count:            stats.counts[id],
				})
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return fileutil.WriteAtomic(dir.Disagreements(), func(w *bufio.Writer) error {
		enc := newEncoder(w)
		for _, fp := range fps {
			stats := r.existing[fp]
			ids := sortedIDs(stats.counts)
			if len(ids) > 1 {
				d := Disagreement{Type: DisagreementUser, Affiliation: stats.affiliation, Fingerprint: fp}
				for _, id := range ids {
					d.Organizations = append(d.Organizations, OrganizationCount{
						OrganizationID:   id,
						OrganizationName: r.names.Lookup(id),
						Count:            stats.counts[id],
					})
				}
				if err := enc.Encode(d); err != nil {
					return err
				}
				r.summary.UserDisagreements++
			}
			if stats.matched == "" {
				continue
			}
			for _, id := range ids {
				if id == stats.matched {
					continue
				}
				err := enc.Encode(Disagreement{
					Type:          DisagreementMatch,
					Affiliation:   stats.affiliation,
					Fingerprint:   fp,
					ExistingID:    id,
					ExistingName:  r.names.Lookup(id),
					ExistingCount: stats.counts[id],
					MatchedID:     stats.matched,
					MatchedName:   r.names.Lookup(stats.matched),
				})
				if err != nil {
					return err
				}
				r.summary.MatchDisagreements++
			}
		}
		return nil
	})
}

func sortedIDs(counts map[string]int) []string {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
