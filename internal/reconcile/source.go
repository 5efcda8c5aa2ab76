package reconcile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"affilink/internal/extract"
	"affilink/internal/fingerprint"
	"affilink/internal/registry"
)

// row is one relationship joined with its resolved identifier, if any.
type row struct {
	extract.Relationship
	OrganizationID string
}

// rowSource yields joined rows with every document's rows adjacent. Next
// returns io.EOF when exhausted.
type rowSource interface {
	Next() (row, error)
	Skipped() int64
	Close() error
}

// lineReader iterates the non-blank lines of a JSON Lines file.
type lineReader struct {
	path   string
	file   *os.File
	reader *bufio.Reader
}

func openLines(path string) (*lineReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &lineReader{path: path, file: f, reader: bufio.NewReaderSize(f, 1<<20)}, nil
}

func (r *lineReader) next() ([]byte, error) {
	for {
		line, err := r.reader.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			return trimmed, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read %s: %w", r.path, err)
		}
	}
}

func (r *lineReader) Close() error { return r.file.Close() }

// relationshipReader decodes relationships, skipping lines that do not
// decode or lack a document id.
type relationshipReader struct {
	lines   *lineReader
	skipped int64
}

func openRelationships(path string) (*relationshipReader, error) {
	lines, err := openLines(path)
	if err != nil {
		return nil, err
	}
	return &relationshipReader{lines: lines}, nil
}

func (r *relationshipReader) next() (extract.Relationship, error) {
	for {
		line, err := r.lines.next()
		if err != nil {
			return extract.Relationship{}, err
		}
		var rel extract.Relationship
		if err := json.Unmarshal(line, &rel); err != nil || rel.DocumentID == "" {
			r.skipped++
			continue
		}
		return rel, nil
	}
}

func (r *relationshipReader) Close() error { return r.lines.Close() }

// matchLine is the subset of a matches.jsonl line reconciliation needs.
type matchLine struct {
	Fingerprint    fingerprint.Fingerprint `json:"fingerprint"`
	OrganizationID string                  `json:"organization_id"`
}

// readMatches calls fn for every decodable match line. A missing file means
// nothing has been resolved yet.
func readMatches(path string, fn func(matchLine) error) (int, error) {
	lines, err := openLines(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer lines.Close()

	n := 0
	for {
		line, err := lines.next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		var m matchLine
		if err := json.Unmarshal(line, &m); err != nil || m.OrganizationID == "" {
			continue
		}
		m.OrganizationID = registry.NormalizeID(m.OrganizationID)
		if err := fn(m); err != nil {
			return n, err
		}
		n++
	}
}

// countLines counts the non-blank lines of path; a missing file counts zero.
func countLines(path string) (int, error) {
	lines, err := openLines(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer lines.Close()
	n := 0
	for {
		if _, err := lines.next(); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		n++
	}
}

// memorySource holds the identifier index in a map and streams the
// relationship file as is.
type memorySource struct {
	index map[fingerprint.Fingerprint]string
	rels  *relationshipReader
}

func openMemory(matchesPath, relationshipsPath string) (*memorySource, int, error) {
	index := make(map[fingerprint.Fingerprint]string)
	loaded, err := readMatches(matchesPath, func(m matchLine) error {
		if _, ok := index[m.Fingerprint]; !ok {
			index[m.Fingerprint] = m.OrganizationID
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	rels, err := openRelationships(relationshipsPath)
	if err != nil {
		return nil, 0, err
	}
	return &memorySource{index: index, rels: rels}, loaded, nil
}

func (s *memorySource) Next() (row, error) {
	rel, err := s.rels.next()
	if err != nil {
		return row{}, err
	}
	return row{Relationship: rel, OrganizationID: s.index[rel.Fingerprint]}, nil
}

func (s *memorySource) Skipped() int64 { return s.rels.skipped }

func (s *memorySource) Close() error { return s.rels.Close() }
