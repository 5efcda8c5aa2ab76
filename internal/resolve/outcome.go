package resolve

import (
	"affilink/internal/fingerprint"
	"affilink/internal/registry"
)

// Status is the terminal state of a fingerprint.
type Status string

const (
	StatusMatched Status = "matched"
	StatusFailed  Status = "failed"
)

// Outcome is the terminal result of resolving one affiliation string.
type Outcome struct {
	Fingerprint    fingerprint.Fingerprint
	Affiliation    string
	Status         Status
	OrganizationID string
	Reason         string
	Error          string
}

func matched(fp fingerprint.Fingerprint, text, orgID string) Outcome {
	return Outcome{Fingerprint: fp, Affiliation: text, Status: StatusMatched, OrganizationID: orgID}
}

func failed(fp fingerprint.Fingerprint, text, reason, detail string) Outcome {
	return Outcome{Fingerprint: fp, Affiliation: text, Status: StatusFailed, Reason: reason, Error: detail}
}

// MatchRecord is one line of matches.jsonl.
type MatchRecord struct {
	Fingerprint    fingerprint.Fingerprint `json:"fingerprint"`
	Affiliation    string                  `json:"affiliation"`
	OrganizationID string                  `json:"organization_id"`
}

// FailureRecord is one line of matches.failed.jsonl.
type FailureRecord struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Affiliation string                  `json:"affiliation"`
	Reason      string                  `json:"reason"`
	Error       string                  `json:"error"`
}

// checkpointRecord is one line of matches.checkpoint.
type checkpointRecord struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Status      Status                  `json:"status"`
	Reason      string                  `json:"reason,omitempty"`
}

// Counts tallies terminal outcomes.
type Counts struct {
	Matched   int            `json:"matched"`
	NoMatch   int            `json:"no_match"`
	Ambiguous int            `json:"ambiguous"`
	Errors    int            `json:"errors"`
	ByReason  map[string]int `json:"by_reason,omitempty"`
}

// Total returns the number of outcomes counted.
func (c Counts) Total() int {
	return c.Matched + c.NoMatch + c.Ambiguous + c.Errors
}

func (c *Counts) add(status Status, reason string) {
	if status == StatusMatched {
		c.Matched++
		return
	}
	switch reason {
	case registry.ReasonNoMatch:
		c.NoMatch++
	case registry.ReasonAmbiguous:
		c.Ambiguous++
	default:
		c.Errors++
	}
	if c.ByReason == nil {
		c.ByReason = make(map[string]int)
	}
	c.ByReason[reason]++
}
