package extract

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"affilink/internal/fingerprint"
)

// UniqueAffiliation is one line of the unique affiliation set.
type UniqueAffiliation struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Affiliation string                  `json:"affiliation"`
}

// Relationship links one affiliation entry of one creator of one document to
// the fingerprint of its text. ExistingOrgID carries a ROR identifier already
// asserted on the source record.
type Relationship struct {
	DocumentID         string                  `json:"document_id"`
	AuthorOrdinal      int                     `json:"author_ordinal"`
	AffiliationOrdinal int                     `json:"affiliation_ordinal"`
	Fingerprint        fingerprint.Fingerprint `json:"affiliation_fingerprint"`
	AuthorName         string                  `json:"author_name"`
	GivenName          string                  `json:"given_name,omitempty"`
	FamilyName         string                  `json:"family_name,omitempty"`
	Affiliation        string                  `json:"affiliation"`
	ExistingOrgID      string                  `json:"existing_org_id,omitempty"`
}

// ReadUnique loads the unique affiliation set written by Run. Duplicate
// fingerprints collapse to their first occurrence.
func ReadUnique(path string) ([]UniqueAffiliation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []UniqueAffiliation
	seen := make(map[fingerprint.Fingerprint]struct{})
	dec := json.NewDecoder(bufio.NewReaderSize(f, 1<<20))
	for line := 1; ; line++ {
		var ua UniqueAffiliation
		if err := dec.Decode(&ua); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("%s: record %d: %w", path, line, err)
		}
		if _, dup := seen[ua.Fingerprint]; dup {
			continue
		}
		seen[ua.Fingerprint] = struct{}{}
		out = append(out, ua)
	}
}
