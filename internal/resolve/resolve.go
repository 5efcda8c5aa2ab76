package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"affilink/internal/extract"
	"affilink/internal/fingerprint"
	"affilink/internal/logging"
	"affilink/internal/metrics"
	"affilink/internal/registry"
	"affilink/internal/services"
	"affilink/internal/workdir"
)

// Options configures a resolution run.
type Options struct {
	Dir      workdir.Dir
	Registry registry.Lookuper
	// Concurrency is the ceiling on lookups holding a slot at once.
	Concurrency int
	// Timeout bounds each individual lookup attempt.
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Fallback enables a multi-candidate lookup when the primary lookup finds
	// nothing.
	Fallback bool
	Resume   bool
	// SyncEvery forces a datasync after this many outcomes; zero syncs only
	// when the run ends.
	SyncEvery        int
	ProgressInterval time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Summary reports one resolution run. Matched, NoMatch, Ambiguous and Errors
// count outcomes written by this run; Checkpoint counts everything recorded
// so far including earlier runs.
type Summary struct {
	Total        int           `json:"total"`
	Skipped      int           `json:"skipped"`
	Matched      int           `json:"matched"`
	NoMatch      int           `json:"no_match"`
	Ambiguous    int           `json:"ambiguous"`
	Errors       int           `json:"errors"`
	Remaining    int           `json:"remaining"`
	PeakInFlight int           `json:"peak_in_flight"`
	Partial      bool          `json:"partial"`
	Checkpoint   Counts        `json:"checkpoint"`
	Duration     time.Duration `json:"duration_ns"`
}

type engine struct {
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gate     *gate
	inFlight atomic.Int64
	peak     atomic.Int64
}

// Run resolves every unique affiliation not yet in the checkpoint.
//
// Cancelling ctx stops new dispatches; lookups already in flight finish on a
// detached context bounded by Timeout, and one that would need a retry is
// abandoned and stays unprocessed. The summary is then marked Partial and the
// returned error wraps services.ErrInterrupted.
func Run(ctx context.Context, opts Options) (Summary, error) {
	start := time.Now()
	if opts.Registry == nil {
		return Summary{}, services.Wrap(services.ErrConfiguration, "resolve", "init", "registry client required", nil)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	e := &engine{
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "resolve"),
		metrics: opts.Metrics,
		gate:    newGate(),
	}

	unique, err := extract.ReadUnique(opts.Dir.UniqueAffiliations())
	if errors.Is(err, os.ErrNotExist) {
		return Summary{}, services.Wrap(services.ErrNotFound, "resolve", "load unique set", "run extract first", err)
	}
	if err != nil {
		return Summary{}, services.Wrap(services.ErrCorpus, "resolve", "load unique set", "", err)
	}

	state, err := prepareState(opts.Dir, opts.Resume, e.logger)
	if err != nil {
		return Summary{}, err
	}

	work := make([]extract.UniqueAffiliation, 0, len(unique))
	for _, ua := range unique {
		if !state.has(ua.Fingerprint) {
			work = append(work, ua)
		}
	}
	summary := Summary{Total: len(unique), Skipped: len(unique) - len(work)}
	e.logger.Info("resolution started",
		logging.Int("unique", summary.Total),
		logging.Int("already_processed", summary.Skipped),
		logging.Int("pending", len(work)),
		logging.Int("concurrency", opts.Concurrency),
		logging.Bool("resume", opts.Resume),
		logging.Bool("fallback", opts.Fallback),
	)

	sampler := logging.NewProgressSampler(5, opts.ProgressInterval)
	pending := int64(len(work))
	w, err := openWriter(opts.Dir, state, opts.SyncEvery, func(o Outcome, run Counts) {
		e.metrics.ObserveOutcome(string(o.Status), o.Reason)
		done := int64(run.Total())
		if sampler.ShouldLog(done, pending, "lookup") {
			e.logger.Info("resolution progress",
				logging.Int64("done", done),
				logging.Int64("pending", pending),
				logging.Int("matched", run.Matched),
				logging.Int("no_match", run.NoMatch),
				logging.Int("errors", run.Errors),
				logging.Int64("in_flight", e.inFlight.Load()),
			)
		}
	})
	if err != nil {
		return summary, services.Wrap(services.ErrOutput, "resolve", "open outputs", "", err)
	}

	e.dispatch(ctx, work, w)

	run, closeErr := w.close()
	summary.Matched = run.Matched
	summary.NoMatch = run.NoMatch
	summary.Ambiguous = run.Ambiguous
	summary.Errors = run.Errors
	summary.Checkpoint = state.counts
	summary.Remaining = len(work) - run.Total()
	summary.PeakInFlight = int(e.peak.Load())
	summary.Duration = time.Since(start)
	e.metrics.SetRemaining(summary.Remaining)

	if closeErr != nil {
		return summary, services.Wrap(services.ErrOutput, "resolve", "write outcomes", "", closeErr)
	}
	if summary.Remaining > 0 {
		summary.Partial = true
		e.logger.Info("resolution interrupted",
			logging.Int("remaining", summary.Remaining),
			logging.String(logging.FieldErrorHint, "rerun with --resume to continue"),
		)
		cause := ctx.Err()
		if cause == nil {
			cause = errors.New("dispatch stopped early")
		}
		return summary, services.Wrap(services.ErrInterrupted, "resolve", "dispatch",
			fmt.Sprintf("%d fingerprints left unprocessed", summary.Remaining), cause)
	}

	e.logger.Info("resolution finished",
		logging.Int("matched", summary.Matched),
		logging.Int("no_match", summary.NoMatch),
		logging.Int("ambiguous", summary.Ambiguous),
		logging.Int("errors", summary.Errors),
		logging.Int("peak_in_flight", summary.PeakInFlight),
		logging.Duration("elapsed", summary.Duration),
	)
	return summary, nil
}

// dispatch feeds work through the concurrency ceiling until it is exhausted,
// ctx is cancelled or the writer fails. It returns once every dispatched
// lookup has been acknowledged.
func (e *engine) dispatch(ctx context.Context, work []extract.UniqueAffiliation, w *writer) {
	sem := semaphore.NewWeighted(int64(e.opts.Concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	for _, item := range work {
		if w.failure() != nil {
			return
		}
		if err := e.gate.wait(ctx); err != nil {
			return
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		e.enter()
		wg.Add(1)
		go func(item extract.UniqueAffiliation) {
			defer wg.Done()
			defer sem.Release(1)
			defer e.leave()

			outcome, ok := e.resolve(ctx, item.Fingerprint, item.Affiliation)
			if !ok {
				return
			}
			if err := w.submit(outcome); err != nil {
				logging.ErrorWithContext(e.logger, "outcome write failed", "outcome_write_failed",
					logging.String(logging.FieldFingerprint, item.Fingerprint.String()),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check free space and permissions in the work directory"),
				)
			}
		}(item)
	}
}

func (e *engine) enter() {
	n := e.inFlight.Add(1)
	e.metrics.IncInFlight()
	for {
		peak := e.peak.Load()
		if n <= peak || e.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (e *engine) leave() {
	e.inFlight.Add(-1)
	e.metrics.DecInFlight()
}

// resolve produces the terminal outcome for one affiliation. ok is false
// when the lookup was abandoned because of an interrupt.
func (e *engine) resolve(ctx context.Context, fp fingerprint.Fingerprint, text string) (Outcome, bool) {
	modes := []registry.Mode{registry.ModeSingle}
	if e.opts.Fallback {
		modes = append(modes, registry.ModeMulti)
	}
	for _, mode := range modes {
		candidates, abandoned, err := e.lookup(ctx, text, mode)
		if abandoned {
			return Outcome{}, false
		}
		if err != nil {
			return failed(fp, text, registry.Classify(err), err.Error()), true
		}
		ids := candidates.Chosen()
		switch {
		case len(ids) == 1:
			return matched(fp, text, ids[0]), true
		case len(ids) > 1:
			return failed(fp, text, registry.ReasonAmbiguous,
				fmt.Sprintf("%d chosen candidates in %s mode", len(ids), mode)), true
		}
	}
	return failed(fp, text, registry.ReasonNoMatch, ""), true
}

// lookup performs one logical lookup with bounded retries. Each attempt runs
// on a context detached from ctx and bounded by the attempt timeout, so an
// interrupt never cuts a request short. A retry needed after ctx is done is
// abandoned instead.
func (e *engine) lookup(ctx context.Context, text string, mode registry.Mode) (registry.Candidates, bool, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.opts.InitialBackoff
	policy.MaxInterval = e.opts.MaxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()

	detached := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(detached, e.opts.Timeout)
		started := time.Now()
		candidates, err := e.opts.Registry.Lookup(attemptCtx, text, mode)
		cancel()

		result := "ok"
		if err != nil {
			result = registry.Classify(err)
		}
		e.metrics.ObserveAttempt(result, time.Since(started))
		if err == nil {
			return candidates, false, nil
		}

		wait := policy.NextBackOff()
		if retryAfter, ok := registry.RetryAfter(err); ok {
			e.metrics.IncRateLimited()
			e.gate.hold(retryAfter)
			if retryAfter > wait {
				wait = retryAfter
			}
		}
		if !registry.Retriable(err) || attempt >= e.opts.MaxAttempts {
			return nil, false, err
		}
		if ctx.Err() != nil {
			return nil, true, err
		}
		e.logger.Debug("retrying lookup",
			logging.String("mode", mode.String()),
			logging.Int("attempt", attempt),
			logging.Duration("wait", wait),
			logging.String("reason", result),
		)
		if sleepWithContext(ctx, wait) != nil {
			return nil, true, err
		}
	}
}
