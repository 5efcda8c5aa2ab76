package preflight

import (
	"context"

	"affilink/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	if cfg.Paths.InputDir != "" {
		results = append(results, CheckDirectoryReadable("Corpus directory", cfg.Paths.InputDir))
	}
	results = append(results, CheckDirectoryAccess("Work directory", cfg.Paths.WorkDir))
	if cfg.Logging.File {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}
	if cfg.Reconcile.OrgDataPath != "" {
		results = append(results, CheckFileReadable("Organization data", cfg.Reconcile.OrgDataPath))
	}
	results = append(results, CheckRegistry(ctx, cfg.Registry.BaseURL, cfg.Registry.UserAgent))

	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
