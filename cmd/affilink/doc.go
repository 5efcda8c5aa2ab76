// Command affilink resolves free-text affiliations in DataCite metadata dumps
// to ROR identifiers.
//
// The pipeline runs as three subcommands sharing one work directory:
// extract, resolve and reconcile. run executes all three in order and status
// reports checkpoint progress.
package main
