// Package registry talks to the ROR affiliation matching API.
//
// Lookup sends one affiliation string and returns the ranked candidates. It
// never retries on its own beyond the quoted-to-unquoted query fallback; the
// caller owns retry policy and uses Classify and Retriable to decide what a
// failure means.
package registry
