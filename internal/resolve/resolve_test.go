package resolve_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"affilink/internal/extract"
	"affilink/internal/fingerprint"
	"affilink/internal/registry"
	"affilink/internal/resolve"
	"affilink/internal/services"
	"affilink/internal/testsupport"
	"affilink/internal/workdir"
)

type lookupFunc func(ctx context.Context, text string, mode registry.Mode) (registry.Candidates, error)

func (f lookupFunc) Lookup(ctx context.Context, text string, mode registry.Mode) (registry.Candidates, error) {
	return f(ctx, text, mode)
}

func chosen(ids ...string) registry.Candidates {
	out := make(registry.Candidates, 0, len(ids))
	for _, id := range ids {
		out = append(out, registry.Candidate{OrganizationID: id, Chosen: true, Score: 1})
	}
	return out
}

// orgFor derives a stable organization id per text so separate runs can be
// compared.
func orgFor(text string) string {
	return "https://ror.org/" + fingerprint.Of(text).String()[:9]
}

func newDir(t *testing.T, texts ...string) workdir.Dir {
	t.Helper()
	dir := workdir.New(filepath.Join(t.TempDir(), "work"))
	if err := dir.Ensure(); err != nil {
		t.Fatalf("ensure work dir: %v", err)
	}
	lines := make([]string, 0, len(texts))
	for _, text := range texts {
		data, err := json.Marshal(extract.UniqueAffiliation{Fingerprint: fingerprint.Of(text), Affiliation: text})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		lines = append(lines, string(data))
	}
	testsupport.WriteLines(t, dir.UniqueAffiliations(), lines...)
	return dir
}

func newOptions(dir workdir.Dir, l registry.Lookuper) resolve.Options {
	return resolve.Options{
		Dir:            dir,
		Registry:       l,
		Concurrency:    4,
		Timeout:        time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		SyncEvery:      1,
	}
}

// partition returns fingerprint -> "matched <org>" or "failed <reason>" and
// fails the test if any fingerprint appears more than once across both
// streams or disagrees with the checkpoint.
func partition(t *testing.T, dir workdir.Dir) map[string]string {
	t.Helper()
	out := make(map[string]string)
	add := func(fp, value string) {
		if prev, dup := out[fp]; dup {
			t.Fatalf("fingerprint %s recorded twice: %q and %q", fp, prev, value)
		}
		out[fp] = value
	}
	for _, rec := range testsupport.ReadJSONLines(t, dir.Matches()) {
		add(rec["fingerprint"].(string), "matched "+rec["organization_id"].(string))
	}
	for _, rec := range testsupport.ReadJSONLines(t, dir.FailedMatches()) {
		add(rec["fingerprint"].(string), "failed "+rec["reason"].(string))
	}

	checkpoint := testsupport.ReadJSONLines(t, dir.Checkpoint())
	if len(checkpoint) != len(out) {
		t.Fatalf("checkpoint has %d entries, streams have %d", len(checkpoint), len(out))
	}
	seen := make(map[string]bool)
	for _, rec := range checkpoint {
		fp := rec["fingerprint"].(string)
		if seen[fp] {
			t.Fatalf("checkpoint lists %s twice", fp)
		}
		seen[fp] = true
		status := rec["status"].(string)
		if got := out[fp]; len(got) < len(status) || got[:len(status)] != status {
			t.Fatalf("checkpoint status %q for %s disagrees with stream %q", status, fp, got)
		}
	}
	return out
}

func TestRunScenarioAgainstRegistry(t *testing.T) {
	fake := testsupport.NewFakeRegistry(t)
	fake.Script("Example University", testsupport.RegistryReply{Chosen: []string{"https://ror.org/02mhbdp94"}})

	client, err := registry.New(registry.Config{BaseURL: fake.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	dir := newDir(t, "Example University", "Unknown Org")

	summary, err := resolve.Run(context.Background(), newOptions(dir, client))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.Matched != 1 || summary.NoMatch != 1 || summary.Remaining != 0 || summary.Partial {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	got := partition(t, dir)
	want := map[string]string{
		fingerprint.Of("Example University").String(): "matched https://ror.org/02mhbdp94",
		fingerprint.Of("Unknown Org").String():        "failed no_match",
	}
	if len(got) != len(want) {
		t.Fatalf("partition = %v, want %v", got, want)
	}
	for fp, value := range want {
		if got[fp] != value {
			t.Fatalf("fingerprint %s = %q, want %q", fp, got[fp], value)
		}
	}
}

func TestRunConcurrencyCeiling(t *testing.T) {
	fake := testsupport.NewFakeRegistry(t)
	fake.SetDefault(testsupport.RegistryReply{Delay: 20 * time.Millisecond})
	client, err := registry.New(registry.Config{BaseURL: fake.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	texts := make([]string, 24)
	for i := range texts {
		texts[i] = fmt.Sprintf("Institute %02d", i)
	}
	dir := newDir(t, texts...)
	opts := newOptions(dir, client)
	opts.Concurrency = 3

	summary, err := resolve.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.PeakInFlight > 3 || summary.PeakInFlight < 1 {
		t.Fatalf("peak in flight %d outside [1,3]", summary.PeakInFlight)
	}
	if peak := fake.PeakInFlight(); peak > 3 {
		t.Fatalf("registry saw %d concurrent requests, want at most 3", peak)
	}
	if summary.NoMatch != len(texts) {
		t.Fatalf("expected %d no_match outcomes, got %+v", len(texts), summary)
	}
}

func TestRunEveryLookupTimesOut(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	var calls atomic.Int64
	slow := lookupFunc(func(ctx context.Context, text string, mode registry.Mode) (registry.Candidates, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	dir := newDir(t, "Alpha", "Beta", "Gamma")
	opts := newOptions(dir, slow)
	opts.Concurrency = 1
	opts.Timeout = 10 * time.Millisecond
	opts.MaxAttempts = 2

	summary, err := resolve.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.Errors != 3 || summary.PeakInFlight != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if got := calls.Load(); got != 6 {
		t.Fatalf("expected 6 attempts, got %d", got)
	}
	for fp, value := range partition(t, dir) {
		if value != "failed timeout" {
			t.Fatalf("fingerprint %s = %q, want failed timeout", fp, value)
		}
	}
	counts, entries, err := resolve.Inspect(dir.Checkpoint())
	if err != nil || entries != 3 {
		t.Fatalf("Inspect: counts=%+v entries=%d err=%v", counts, entries, err)
	}
	if counts.Errors != 3 || counts.ByReason["timeout"] != 3 {
		t.Fatalf("unexpected checkpoint counts: %+v", counts)
	}
}

func TestRunAmbiguousAndFallback(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	var mu sync.Mutex
	modes := make(map[string][]registry.Mode)
	l := lookupFunc(func(ctx context.Context, text string, mode registry.Mode) (registry.Candidates, error) {
		mu.Lock()
		modes[text] = append(modes[text], mode)
		mu.Unlock()
		switch {
		case text == "Split Lab":
			return chosen("https://ror.org/0aaaaaaa1", "https://ror.org/0bbbbbbb2"), nil
		case text == "Loose Match" && mode == registry.ModeMulti:
			return chosen("https://ror.org/0ccccccc3"), nil
		case text == "Client Error":
			return nil, &registry.StatusError{Code: 400}
		}
		return nil, nil
	})
	dir := newDir(t, "Split Lab", "Loose Match", "Client Error")
	opts := newOptions(dir, l)
	opts.Fallback = true

	summary, err := resolve.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got := partition(t, dir)
	if v := got[fingerprint.Of("Split Lab").String()]; v != "failed ambiguous" {
		t.Fatalf("Split Lab = %q", v)
	}
	if v := got[fingerprint.Of("Loose Match").String()]; v != "matched https://ror.org/0ccccccc3" {
		t.Fatalf("Loose Match = %q", v)
	}
	if v := got[fingerprint.Of("Client Error").String()]; v != "failed client_error" {
		t.Fatalf("Client Error = %q", v)
	}
	if summary.Ambiguous != 1 || summary.Matched != 1 || summary.Errors != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(modes["Split Lab"]) != 1 {
		t.Fatalf("ambiguous result must not fall back, modes=%v", modes["Split Lab"])
	}
	if len(modes["Client Error"]) != 1 {
		t.Fatalf("client errors are not retried, modes=%v", modes["Client Error"])
	}
}

func TestRunHonoursRetryAfter(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	var limited atomic.Bool
	l := lookupFunc(func(ctx context.Context, text string, mode registry.Mode) (registry.Candidates, error) {
		if limited.CompareAndSwap(false, true) {
			return nil, &registry.RateLimitError{RetryAfter: 60 * time.Millisecond}
		}
		return chosen(orgFor(text)), nil
	})
	dir := newDir(t, "Throttled Institute")
	opts := newOptions(dir, l)

	start := time.Now()
	summary, err := resolve.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("retry did not wait for Retry-After, elapsed %s", elapsed)
	}
	if summary.Matched != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestRunResumeMatchesFullRun(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	texts := make([]string, 40)
	for i := range texts {
		texts[i] = fmt.Sprintf("Department %02d", i)
	}
	deterministic := func(text string) (registry.Candidates, error) {
		if fingerprint.Of(text)%3 == 0 {
			return nil, nil
		}
		return chosen(orgFor(text)), nil
	}

	fullDir := newDir(t, texts...)
	full := lookupFunc(func(ctx context.Context, text string, mode registry.Mode) (registry.Candidates, error) {
		return deterministic(text)
	})
	if _, err := resolve.Run(context.Background(), newOptions(fullDir, full)); err != nil {
		t.Fatalf("full run: %v", err)
	}
	want := partition(t, fullDir)

	dir := newDir(t, texts...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int64
	interrupting := lookupFunc(func(_ context.Context, text string, mode registry.Mode) (registry.Candidates, error) {
		if calls.Add(1) == 7 {
			cancel()
		}
		return deterministic(text)
	})
	opts := newOptions(dir, interrupting)
	opts.Concurrency = 2
	summary, err := resolve.Run(ctx, opts)
	if !services.IsInterrupted(err) {
		t.Fatalf("expected interrupted error, got %v", err)
	}
	if !summary.Partial || summary.Remaining == 0 {
		t.Fatalf("expected a partial summary, got %+v", summary)
	}
	firstPass := len(partition(t, dir))

	var resumedCalls atomic.Int64
	resumed := lookupFunc(func(ctx context.Context, text string, mode registry.Mode) (registry.Candidates, error) {
		resumedCalls.Add(1)
		return deterministic(text)
	})
	opts = newOptions(dir, resumed)
	opts.Resume = true
	summary, err = resolve.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if summary.Skipped != firstPass {
		t.Fatalf("resumed run skipped %d, want %d", summary.Skipped, firstPass)
	}
	if int(resumedCalls.Load()) != len(texts)-firstPass {
		t.Fatalf("resumed run looked up %d, want %d", resumedCalls.Load(), len(texts)-firstPass)
	}

	got := partition(t, dir)
	if len(got) != len(want) {
		t.Fatalf("resumed partition has %d entries, want %d", len(got), len(want))
	}
	for fp, value := range want {
		if got[fp] != value {
			t.Fatalf("fingerprint %s = %q, want %q", fp, got[fp], value)
		}
	}
}

func TestRunWithoutResumeStartsOver(t *testing.T) {
	l := lookupFunc(func(ctx context.Context, text string, mode registry.Mode) (registry.Candidates, error) {
		return chosen(orgFor(text)), nil
	})
	dir := newDir(t, "One", "Two")
	if _, err := resolve.Run(context.Background(), newOptions(dir, l)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	summary, err := resolve.Run(context.Background(), newOptions(dir, l))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Skipped != 0 || summary.Matched != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if got := partition(t, dir); len(got) != 2 {
		t.Fatalf("expected 2 outcomes, got %v", got)
	}
}

func TestRunRejectsCorruptCheckpoint(t *testing.T) {
	dir := newDir(t, "One")
	testsupport.WriteLines(t, dir.Checkpoint(),
		`{"fingerprint":"`+fingerprint.Of("One").String()+`","status":"matched"}`,
		`not json`,
		`{"fingerprint":"0000000000000001","status":"failed","reason":"no_match"}`,
	)
	opts := newOptions(dir, lookupFunc(func(context.Context, string, registry.Mode) (registry.Candidates, error) {
		t.Fatal("no lookups expected")
		return nil, nil
	}))
	opts.Resume = true

	_, err := resolve.Run(context.Background(), opts)
	if !errors.Is(err, services.ErrCheckpointCorrupt) {
		t.Fatalf("expected ErrCheckpointCorrupt, got %v", err)
	}
}

func TestRunRequiresUniqueSet(t *testing.T) {
	dir := workdir.New(t.TempDir())
	_, err := resolve.Run(context.Background(), newOptions(dir, lookupFunc(nil)))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
