// Package preflight provides readiness checks for the filesystem paths and
// the registry service affilink depends on.
//
// The CLI "affilink config validate" command runs RunAll and reports every
// result, failing when any required check does not pass. Optional inputs
// (the corpus directory and the organization data dump) are only checked
// when configured.
package preflight
