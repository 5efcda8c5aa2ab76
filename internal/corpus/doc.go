// Package corpus reads DataCite metadata dumps.
//
// A corpus is a directory tree of gzip-compressed JSON Lines files, one
// DataCite record per line. Discover enumerates the files, Open decompresses
// one, and Parse turns a single line into a Document carrying the creators and
// their affiliation entries in source order.
package corpus
