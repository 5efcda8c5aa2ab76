package extract

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"affilink/internal/corpus"
	"affilink/internal/fileutil"
	"affilink/internal/fingerprint"
	"affilink/internal/logging"
	"affilink/internal/metrics"
	"affilink/internal/services"
	"affilink/internal/workdir"
)

const defaultBatchSize = 5000

// Options configures an extraction run.
type Options struct {
	InputDir  string
	Suffix    string
	Workers   int // 0 = runtime.NumCPU()
	BatchSize int
	Dir       workdir.Dir
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// batch carries whole documents from one worker to the merge step.
// Affiliations holds the texts first seen by that worker since its previous
// batch, so the merge step rarely sees the same text twice.
type batch struct {
	relationships []Relationship
	affiliations  map[fingerprint.Fingerprint]string
}

type engine struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	documents           atomic.Int64
	skippedRecords      atomic.Int64
	skippedAffiliations atomic.Int64
	filesDone           atomic.Int64
	totalFiles          int64
	progress            *logging.ProgressSampler

	mu         sync.Mutex
	fileErrors []FileError
}

// Run extracts opts.InputDir into the unique affiliation set and relationship
// stream under opts.Dir. Both files are replaced atomically, so an interrupted
// run leaves the previous outputs intact. A non-nil error with a populated
// summary means outputs were written but some files failed.
func Run(ctx context.Context, opts Options) (Summary, error) {
	start := time.Now()
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	e := &engine{
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "extract"),
		metrics: opts.Metrics,
	}
	e.progress = logging.NewProgressSampler(10, 30*time.Second)

	files, err := corpus.Discover(opts.InputDir, opts.Suffix)
	if err != nil {
		return Summary{}, services.Wrap(services.ErrCorpus, "extract", "discover", "", err)
	}
	if err := opts.Dir.Ensure(); err != nil {
		return Summary{}, services.Wrap(services.ErrOutput, "extract", "prepare", "", err)
	}
	e.totalFiles = int64(len(files))
	e.logger.Info("extraction started",
		logging.Int("files", len(files)),
		logging.Int("workers", opts.Workers),
		logging.Int("batch_size", opts.BatchSize),
		logging.String("input_dir", opts.InputDir),
	)

	unique := make(map[fingerprint.Fingerprint]string)
	summary := Summary{Files: len(files)}
	err = fileutil.WriteAtomic(opts.Dir.Relationships(), func(w *bufio.Writer) error {
		return e.pipeline(ctx, files, w, unique, &summary)
	})
	if err != nil {
		if ctx.Err() != nil {
			return summary, services.Wrap(services.ErrInterrupted, "extract", "merge", "extraction interrupted", ctx.Err())
		}
		return summary, services.Wrap(services.ErrOutput, "extract", "write relationships", "", err)
	}

	if err := writeUnique(opts.Dir.UniqueAffiliations(), unique); err != nil {
		return summary, services.Wrap(services.ErrOutput, "extract", "write unique set", "", err)
	}

	summary.UniqueAffiliations = len(unique)
	summary.Documents = e.documents.Load()
	summary.SkippedRecords = e.skippedRecords.Load()
	summary.SkippedAffiliations = e.skippedAffiliations.Load()
	e.mu.Lock()
	summary.FileErrors = append([]FileError(nil), e.fileErrors...)
	e.mu.Unlock()
	sort.Slice(summary.FileErrors, func(i, j int) bool { return summary.FileErrors[i].Path < summary.FileErrors[j].Path })
	summary.FailedFiles = len(summary.FileErrors)
	summary.Duration = time.Since(start)

	e.metrics.AddExtracted(int(summary.Documents), int(summary.Relationships), int(summary.SkippedRecords), int(summary.SkippedAffiliations))
	e.metrics.SetUniqueAffiliations(summary.UniqueAffiliations)

	e.logger.Info("extraction finished",
		logging.Int("files", summary.Files),
		logging.Int("failed_files", summary.FailedFiles),
		logging.Int64("documents", summary.Documents),
		logging.Int64("relationships", summary.Relationships),
		logging.Int("unique_affiliations", summary.UniqueAffiliations),
		logging.Int64("skipped_records", summary.SkippedRecords),
		logging.Int64("skipped_affiliations", summary.SkippedAffiliations),
		logging.Duration("elapsed", summary.Duration),
	)

	if summary.FailedFiles > 0 {
		return summary, services.Wrap(services.ErrCorpus, "extract", "read", fmt.Sprintf("%d of %d files could not be read", summary.FailedFiles, summary.Files), nil)
	}
	return summary, nil
}

func (e *engine) pipeline(ctx context.Context, files []string, w io.Writer, unique map[fingerprint.Fingerprint]string, summary *Summary) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	paths := make(chan string)
	batches := make(chan batch, e.opts.Workers*2)

	workers, wctx := errgroup.WithContext(ctx)
	workers.Go(func() error {
		defer close(paths)
		for _, path := range files {
			select {
			case paths <- path:
			case <-wctx.Done():
				return wctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < e.opts.Workers; i++ {
		worker := i
		workers.Go(func() error {
			wlog := e.logger.With(logging.Int(logging.FieldWorker, worker))
			for path := range paths {
				if err := e.processFile(wctx, wlog, path, batches); err != nil {
					return err
				}
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- workers.Wait()
		close(batches)
	}()

	mergeErr := e.merge(w, batches, unique, summary)
	if mergeErr != nil {
		cancel()
		for range batches {
		}
	}
	workerErr := <-done
	if mergeErr != nil {
		return mergeErr
	}
	if workerErr != nil {
		return workerErr
	}
	return ctx.Err()
}

func (e *engine) merge(w io.Writer, batches <-chan batch, unique map[fingerprint.Fingerprint]string, summary *Summary) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for b := range batches {
		for fp, text := range b.affiliations {
			existing, ok := unique[fp]
			if !ok {
				unique[fp] = text
				continue
			}
			if existing != text {
				summary.Collisions++
				logging.WarnWithContext(e.logger, "fingerprint collision", "fingerprint_collision",
					logging.String(logging.FieldFingerprint, fp.String()),
					logging.String("kept", existing),
					logging.String("dropped", text),
					logging.String(logging.FieldImpact, "relationships of the dropped text resolve with the kept text"),
				)
			}
		}
		for i := range b.relationships {
			rel := &b.relationships[i]
			if err := enc.Encode(rel); err != nil {
				return err
			}
			summary.Relationships++
			if rel.ExistingOrgID != "" {
				summary.ExistingIdentifiers++
			}
		}
	}
	return nil
}

func (e *engine) processFile(ctx context.Context, logger *slog.Logger, path string, out chan<- batch) error {
	f, err := corpus.Open(path)
	if err != nil {
		e.recordFileError(logger, path, err)
		return nil
	}
	defer f.Close()

	current := newBatch(e.opts.BatchSize)
	send := func() error {
		if len(current.relationships) == 0 && len(current.affiliations) == 0 {
			return nil
		}
		select {
		case out <- current:
		case <-ctx.Done():
			return ctx.Err()
		}
		current = newBatch(e.opts.BatchSize)
		return nil
	}

	var documents int64
	failed := false
	for {
		line, err := f.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			e.recordFileError(logger, path, err)
			failed = true
			break
		}
		doc, err := corpus.Parse(line)
		if err != nil {
			e.skippedRecords.Add(1)
			logger.Debug("skipping malformed record", logging.String(logging.FieldFile, path), logging.Int("line", f.Line()))
			continue
		}
		documents++
		e.documents.Add(1)
		e.skippedAffiliations.Add(int64(doc.SkippedAffiliations))
		appendDocument(&current, doc)
		if len(current.relationships) >= e.opts.BatchSize {
			if err := send(); err != nil {
				return err
			}
		}
	}
	if err := send(); err != nil {
		return err
	}

	if !failed {
		e.metrics.ObserveFile(false)
	}
	done := e.filesDone.Add(1)
	logger.Debug("corpus file processed",
		logging.String(logging.FieldFile, path),
		logging.Int64("documents", documents),
		logging.Int64("files_done", done),
	)
	if e.progress.ShouldLog(done, e.totalFiles, "files") {
		e.logger.Info("extraction progress",
			logging.Int64("files_done", done),
			logging.Int64("files_total", e.totalFiles),
			logging.Int64("documents", e.documents.Load()),
		)
	}
	return nil
}

func (e *engine) recordFileError(logger *slog.Logger, path string, err error) {
	e.metrics.ObserveFile(true)
	e.mu.Lock()
	e.fileErrors = append(e.fileErrors, FileError{Path: path, Error: err.Error()})
	e.mu.Unlock()
	logging.WarnWithContext(logger, "corpus file unreadable", "corpus_file_error",
		logging.String(logging.FieldFile, path),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check the file is a complete gzip stream"),
		logging.String(logging.FieldImpact, "records after the failure point are missing from the outputs"),
	)
}

func newBatch(capacity int) batch {
	return batch{
		relationships: make([]Relationship, 0, capacity),
		affiliations:  make(map[fingerprint.Fingerprint]string),
	}
}

func appendDocument(b *batch, doc corpus.Document) {
	for _, creator := range doc.Creators {
		for _, aff := range creator.Affiliations {
			fp := fingerprint.Of(aff.Name)
			if _, ok := b.affiliations[fp]; !ok {
				b.affiliations[fp] = aff.Name
			}
			rel := Relationship{
				DocumentID:         doc.ID,
				AuthorOrdinal:      creator.Ordinal,
				AffiliationOrdinal: aff.Ordinal,
				Fingerprint:        fp,
				AuthorName:         creator.Name,
				GivenName:          creator.GivenName,
				FamilyName:         creator.FamilyName,
				Affiliation:        aff.Name,
			}
			if id, ok := aff.ExistingROR(); ok {
				rel.ExistingOrgID = id
			}
			b.relationships = append(b.relationships, rel)
		}
	}
}

func writeUnique(path string, unique map[fingerprint.Fingerprint]string) error {
	keys := make([]fingerprint.Fingerprint, 0, len(unique))
	for fp := range unique {
		keys = append(keys, fp)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return fileutil.WriteAtomic(path, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		for _, fp := range keys {
			if err := enc.Encode(UniqueAffiliation{Fingerprint: fp, Affiliation: unique[fp]}); err != nil {
				return err
			}
		}
		return nil
	})
}
